package queue

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"go_fiskal/internal/fiscal"
	"go_fiskal/internal/model"
)

// ErrNotRetryable is returned when a manual retry targets a request that is
// not in a failed or dead state.
var ErrNotRetryable = errors.New("request is not in a retryable state")

// claimBatch bounds how many eligible candidates one claim call inspects
// before giving up the tick.
const claimBatch = 5

// Service owns the fiscal request state machine: queued -> processing ->
// completed | failed (retriable) | dead. All transitions on a claimed row
// require the caller to hold the row lock.
type Service struct {
	db        *gorm.DB
	policy    BackoffPolicy
	lockStale time.Duration
}

// NewService creates a queue service. lockStale is how long a PROCESSING
// lock may sit before the row becomes reclaimable (crashed worker recovery).
func NewService(db *gorm.DB, policy BackoffPolicy, lockStale time.Duration) *Service {
	if lockStale <= 0 {
		lockStale = 5 * time.Minute
	}
	return &Service{db: db, policy: policy, lockStale: lockStale}
}

// Enqueue upserts a queued request for (company, invoice, message type).
// The unique index makes this idempotent: a second trigger for the same
// invoice leaves the existing row untouched and returns it.
func (s *Service) Enqueue(companyID int, invoiceID *int, messageType string, certificateID, maxAttempts int) (*model.FiscalRequest, error) {
	request := &model.FiscalRequest{
		CompanyID:     companyID,
		InvoiceID:     invoiceID,
		MessageType:   messageType,
		CertificateID: certificateID,
		Status:        model.RequestStatusQueued,
		MaxAttempts:   maxAttempts,
		NextRetryAt:   time.Now(),
	}

	err := s.db.
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "company_id"}, {Name: "invoice_id"}, {Name: "message_type"}},
			DoNothing: true,
		}).
		Create(request).Error
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue request: %w", err)
	}

	// On conflict the insert is a no-op; fetch whichever row owns the key.
	var row model.FiscalRequest
	query := s.db.Where("company_id = ? AND message_type = ?", companyID, messageType)
	if invoiceID != nil {
		query = query.Where("invoice_id = ?", *invoiceID)
	} else {
		query = query.Where("invoice_id IS NULL").Order("id DESC")
	}
	if err := query.First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// Claim atomically takes one due request for the worker. It returns nil when
// nothing is eligible. Eligible rows are queued/failed past their retry time
// with no live lock, plus processing rows whose lock went stale.
//
// The claim itself is a compare-and-set UPDATE on status+lock: under N
// concurrent claimers exactly one sees RowsAffected == 1.
func (s *Service) Claim(workerID string) (*model.FiscalRequest, error) {
	now := time.Now()
	staleBefore := now.Add(-s.lockStale)

	var candidates []model.FiscalRequest
	err := s.db.
		Where(
			s.db.Where("status IN (?, ?)", model.RequestStatusQueued, model.RequestStatusFailed).
				Where("next_retry_at <= ?", now).
				Where("locked_at IS NULL"),
		).
		Or(
			s.db.Where("status = ?", model.RequestStatusProcessing).
				Where("locked_at < ?", staleBefore),
		).
		Order("next_retry_at ASC").
		Limit(claimBatch).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	for i := range candidates {
		claimed, err := s.tryClaim(&candidates[i], workerID, now, staleBefore)
		if err != nil {
			return nil, err
		}
		if claimed != nil {
			return claimed, nil
		}
	}
	return nil, nil
}

func (s *Service) tryClaim(candidate *model.FiscalRequest, workerID string, now, staleBefore time.Time) (*model.FiscalRequest, error) {
	result := s.db.
		Model(&model.FiscalRequest{}).
		Where("id = ?", candidate.ID).
		Where(
			s.db.Where("status IN (?, ?) AND next_retry_at <= ? AND locked_at IS NULL",
				model.RequestStatusQueued, model.RequestStatusFailed, now).
				Or("status = ? AND locked_at < ?", model.RequestStatusProcessing, staleBefore),
		).
		Updates(map[string]interface{}{
			"status":    model.RequestStatusProcessing,
			"locked_at": now,
			"locked_by": workerID,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		// Lost the race to another worker.
		return nil, nil
	}

	var row model.FiscalRequest
	if err := s.db.First(&row, candidate.ID).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// Complete marks a claimed request successful and releases the lock. Result
// fields (jir, audit payloads) are persisted by the pipeline as they are
// produced.
func (s *Service) Complete(req *model.FiscalRequest) error {
	return s.lockedUpdate(req, map[string]interface{}{
		"status":    model.RequestStatusCompleted,
		"locked_at": nil,
		"locked_by": nil,
	})
}

// Fail records a pipeline failure on a claimed request and decides its next
// state. Retriable failures consume an attempt and either reschedule with
// backoff or go dead at max attempts. Non-retriable failures go dead
// immediately without consuming an attempt.
func (s *Service) Fail(req *model.FiscalRequest, ferr *fiscal.Error) error {
	updates := map[string]interface{}{
		"error_code":    string(ferr.Code),
		"error_message": truncate(ferr.Message, 500),
		"locked_at":     nil,
		"locked_by":     nil,
	}
	if ferr.HTTPStatus != 0 {
		updates["last_http_status"] = ferr.HTTPStatus
	}

	if !ferr.Retriable() {
		updates["status"] = model.RequestStatusDead
		return s.lockedUpdate(req, updates)
	}

	attempts := req.Attempts + 1
	updates["attempts"] = attempts
	if attempts >= req.MaxAttempts {
		updates["status"] = model.RequestStatusDead
	} else {
		updates["status"] = model.RequestStatusFailed
		updates["next_retry_at"] = time.Now().Add(s.policy.Delay(attempts))
	}
	return s.lockedUpdate(req, updates)
}

// Release puts a claimed request back to queued without recording an
// outcome. Used when processing hit an infrastructure fault (database
// unreachable) that says nothing about the request itself.
func (s *Service) Release(req *model.FiscalRequest) error {
	return s.lockedUpdate(req, map[string]interface{}{
		"status":    model.RequestStatusQueued,
		"locked_at": nil,
		"locked_by": nil,
	})
}

// ManualRetry re-queues a failed or dead request on operator action:
// attempt count resets to zero, error fields and lock clear, and the row is
// immediately eligible for claim.
func (s *Service) ManualRetry(companyID, requestID int) error {
	result := s.db.
		Model(&model.FiscalRequest{}).
		Where("id = ? AND company_id = ? AND status IN (?, ?)",
			requestID, companyID, model.RequestStatusFailed, model.RequestStatusDead).
		Updates(map[string]interface{}{
			"status":           model.RequestStatusQueued,
			"attempts":         0,
			"next_retry_at":    time.Now(),
			"error_code":       nil,
			"error_message":    nil,
			"last_http_status": nil,
			"locked_at":        nil,
			"locked_by":        nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotRetryable
	}
	return nil
}

// Get returns one request scoped to a company.
func (s *Service) Get(companyID, requestID int) (*model.FiscalRequest, error) {
	var row model.FiscalRequest
	err := s.db.Where("id = ? AND company_id = ?", requestID, companyID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &row, err
}

// List returns a paginated request listing for a company, optionally
// filtered by status.
func (s *Service) List(companyID, page, pageSize int, status string) ([]model.FiscalRequest, int64, error) {
	var rows []model.FiscalRequest
	var total int64

	query := s.db.Model(&model.FiscalRequest{}).Where("company_id = ?", companyID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	if err := query.Order("created_at DESC").Offset(offset).Limit(pageSize).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// lockedUpdate applies updates to a claimed row, guarded on the lock owner
// so a stale worker whose lock was reclaimed cannot clobber the row.
func (s *Service) lockedUpdate(req *model.FiscalRequest, updates map[string]interface{}) error {
	if req.LockedBy == nil {
		return errors.New("request is not locked by this worker")
	}
	result := s.db.
		Model(&model.FiscalRequest{}).
		Where("id = ? AND locked_by = ?", req.ID, *req.LockedBy).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("lock on request %d was lost", req.ID)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
