package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"go_fiskal/internal/fiscal"
	"go_fiskal/internal/model"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// One connection keeps the in-memory database alive and serializes
	// concurrent access deterministically.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&model.FiscalRequest{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	// Jitter off so retry times are predictable.
	policy := BackoffPolicy{Base: 30 * time.Second, Cap: 2 * time.Hour, Factor: 4}
	return NewService(openTestDB(t), policy, 5*time.Minute)
}

func intPtr(v int) *int { return &v }

func TestEnqueueIdempotent(t *testing.T) {
	s := newTestService(t)

	first, err := s.Enqueue(1, intPtr(10), model.MessageTypeInvoice, 7, 6)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	second, err := s.Enqueue(1, intPtr(10), model.MessageTypeInvoice, 7, 6)
	if err != nil {
		t.Fatalf("second Enqueue() failed: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("expected same request row, got ids %d and %d", first.ID, second.ID)
	}

	var count int64
	s.db.Model(&model.FiscalRequest{}).Count(&count)
	if count != 1 {
		t.Errorf("expected 1 row, got %d", count)
	}
}

func TestEnqueueDistinctMessageTypes(t *testing.T) {
	s := newTestService(t)

	inv, err := s.Enqueue(1, intPtr(10), model.MessageTypeInvoice, 7, 6)
	if err != nil {
		t.Fatalf("Enqueue(invoice) failed: %v", err)
	}
	cancel, err := s.Enqueue(1, intPtr(10), model.MessageTypeCancellation, 7, 6)
	if err != nil {
		t.Fatalf("Enqueue(cancellation) failed: %v", err)
	}

	if inv.ID == cancel.ID {
		t.Error("invoice and cancellation should be separate rows")
	}
}

func TestClaimExclusive(t *testing.T) {
	s := newTestService(t)

	if _, err := s.Enqueue(1, intPtr(10), model.MessageTypeInvoice, 7, 6); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			req, err := s.Claim("worker-" + string(rune('a'+n)))
			if err != nil {
				t.Errorf("Claim() failed: %v", err)
				return
			}
			if req != nil {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if claimed != 1 {
		t.Errorf("expected exactly 1 successful claim, got %d", claimed)
	}
}

func TestClaimSetsLock(t *testing.T) {
	s := newTestService(t)

	if _, err := s.Enqueue(1, intPtr(10), model.MessageTypeInvoice, 7, 6); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	req, err := s.Claim("worker-a")
	if err != nil {
		t.Fatalf("Claim() failed: %v", err)
	}
	if req == nil {
		t.Fatal("expected a claimed request")
	}
	if req.Status != model.RequestStatusProcessing {
		t.Errorf("expected processing, got %s", req.Status)
	}
	if req.LockedBy == nil || *req.LockedBy != "worker-a" {
		t.Error("expected lock owner worker-a")
	}
	if req.LockedAt == nil {
		t.Error("expected locked_at to be set")
	}

	// Nothing else eligible.
	other, err := s.Claim("worker-b")
	if err != nil {
		t.Fatalf("second Claim() failed: %v", err)
	}
	if other != nil {
		t.Error("second claim should return nothing")
	}
}

func TestClaimReclaimsStaleLock(t *testing.T) {
	s := newTestService(t)

	req, err := s.Enqueue(1, intPtr(10), model.MessageTypeInvoice, 7, 6)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	// Simulate a crashed worker: processing with an old lock.
	staleAt := time.Now().Add(-10 * time.Minute)
	err = s.db.Model(&model.FiscalRequest{}).Where("id = ?", req.ID).Updates(map[string]interface{}{
		"status":    model.RequestStatusProcessing,
		"locked_at": staleAt,
		"locked_by": "dead-worker",
	}).Error
	if err != nil {
		t.Fatalf("failed to set up stale lock: %v", err)
	}

	reclaimed, err := s.Claim("worker-b")
	if err != nil {
		t.Fatalf("Claim() failed: %v", err)
	}
	if reclaimed == nil {
		t.Fatal("expected stale request to be reclaimed")
	}
	if reclaimed.LockedBy == nil || *reclaimed.LockedBy != "worker-b" {
		t.Error("expected new lock owner worker-b")
	}
}

func TestClaimSkipsFreshLock(t *testing.T) {
	s := newTestService(t)

	req, err := s.Enqueue(1, intPtr(10), model.MessageTypeInvoice, 7, 6)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	err = s.db.Model(&model.FiscalRequest{}).Where("id = ?", req.ID).Updates(map[string]interface{}{
		"status":    model.RequestStatusProcessing,
		"locked_at": time.Now(),
		"locked_by": "live-worker",
	}).Error
	if err != nil {
		t.Fatalf("failed to set up live lock: %v", err)
	}

	got, err := s.Claim("worker-b")
	if err != nil {
		t.Fatalf("Claim() failed: %v", err)
	}
	if got != nil {
		t.Error("live-locked request must not be reclaimed")
	}
}

func TestCompleteReleasesLock(t *testing.T) {
	s := newTestService(t)

	if _, err := s.Enqueue(1, intPtr(10), model.MessageTypeInvoice, 7, 6); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	req, _ := s.Claim("worker-a")

	if err := s.Complete(req); err != nil {
		t.Fatalf("Complete() failed: %v", err)
	}

	var row model.FiscalRequest
	s.db.First(&row, req.ID)
	if row.Status != model.RequestStatusCompleted {
		t.Errorf("expected completed, got %s", row.Status)
	}
	if row.LockedAt != nil || row.LockedBy != nil {
		t.Error("expected lock to be cleared")
	}
}

func TestFailRetriableSchedulesBackoff(t *testing.T) {
	s := newTestService(t)

	if _, err := s.Enqueue(1, intPtr(10), model.MessageTypeInvoice, 7, 6); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	req, _ := s.Claim("worker-a")

	before := time.Now()
	ferr := fiscal.NewHTTPError(fiscal.CodeSubmitTimeout, "timed out", 0, nil)
	if err := s.Fail(req, ferr); err != nil {
		t.Fatalf("Fail() failed: %v", err)
	}

	var row model.FiscalRequest
	s.db.First(&row, req.ID)
	if row.Status != model.RequestStatusFailed {
		t.Errorf("expected failed, got %s", row.Status)
	}
	if row.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", row.Attempts)
	}
	if row.ErrorCode == nil || *row.ErrorCode != "SUBMIT_TIMEOUT" {
		t.Error("expected error code SUBMIT_TIMEOUT")
	}

	// Attempt 1 backs off 30s.
	wantEarliest := before.Add(29 * time.Second)
	wantLatest := before.Add(31 * time.Second)
	if row.NextRetryAt.Before(wantEarliest) || row.NextRetryAt.After(wantLatest) {
		t.Errorf("next_retry_at = %s, want ~30s from now", row.NextRetryAt)
	}
}

func TestFailNonRetriableGoesDeadWithoutAttempt(t *testing.T) {
	s := newTestService(t)

	if _, err := s.Enqueue(1, intPtr(10), model.MessageTypeInvoice, 7, 6); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	req, _ := s.Claim("worker-a")

	ferr := fiscal.NewError(fiscal.CodeCertExpired, "certificate expired", nil)
	if err := s.Fail(req, ferr); err != nil {
		t.Fatalf("Fail() failed: %v", err)
	}

	var row model.FiscalRequest
	s.db.First(&row, req.ID)
	if row.Status != model.RequestStatusDead {
		t.Errorf("expected dead, got %s", row.Status)
	}
	if row.Attempts != 0 {
		t.Errorf("non-retriable failure must not consume an attempt, got %d", row.Attempts)
	}
}

func TestFailAtMaxAttemptsGoesDead(t *testing.T) {
	s := newTestService(t)

	if _, err := s.Enqueue(1, intPtr(10), model.MessageTypeInvoice, 7, 2); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	ferr := fiscal.NewHTTPError(fiscal.CodeSubmitHTTP, "connection refused", 0, nil)

	// First failure: retriable, stays failed.
	req, _ := s.Claim("worker-a")
	if err := s.Fail(req, ferr); err != nil {
		t.Fatalf("Fail() failed: %v", err)
	}

	// Make it immediately due again.
	s.db.Model(&model.FiscalRequest{}).Where("id = ?", req.ID).
		Update("next_retry_at", time.Now().Add(-time.Second))

	// Second failure hits max attempts.
	req, err := s.Claim("worker-a")
	if err != nil || req == nil {
		t.Fatalf("expected to reclaim request, got req=%v err=%v", req, err)
	}
	if err := s.Fail(req, ferr); err != nil {
		t.Fatalf("Fail() failed: %v", err)
	}

	var row model.FiscalRequest
	s.db.First(&row, req.ID)
	if row.Status != model.RequestStatusDead {
		t.Errorf("expected dead at max attempts, got %s", row.Status)
	}
	if row.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", row.Attempts)
	}
}

func TestTransientFailuresThenSuccess(t *testing.T) {
	s := newTestService(t)

	if _, err := s.Enqueue(1, intPtr(10), model.MessageTypeInvoice, 7, 6); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	ferr := fiscal.NewHTTPError(fiscal.CodeSubmitTimeout, "timed out", 0, nil)

	for i := 1; i <= 3; i++ {
		req, err := s.Claim("worker-a")
		if err != nil || req == nil {
			t.Fatalf("claim %d: got req=%v err=%v", i, req, err)
		}
		if err := s.Fail(req, ferr); err != nil {
			t.Fatalf("Fail() %d failed: %v", i, err)
		}

		var row model.FiscalRequest
		s.db.First(&row, req.ID)
		if row.Status != model.RequestStatusFailed {
			t.Fatalf("after failure %d expected failed, got %s", i, row.Status)
		}
		if row.Attempts != i {
			t.Fatalf("after failure %d expected %d attempts, got %d", i, i, row.Attempts)
		}

		s.db.Model(&model.FiscalRequest{}).Where("id = ?", req.ID).
			Update("next_retry_at", time.Now().Add(-time.Second))
	}

	// Fourth run succeeds.
	req, err := s.Claim("worker-a")
	if err != nil || req == nil {
		t.Fatalf("final claim: got req=%v err=%v", req, err)
	}
	if err := s.Complete(req); err != nil {
		t.Fatalf("Complete() failed: %v", err)
	}

	var row model.FiscalRequest
	s.db.First(&row, req.ID)
	if row.Status != model.RequestStatusCompleted {
		t.Errorf("expected completed, got %s", row.Status)
	}
	if row.Attempts != 3 {
		t.Errorf("attempt history should be preserved, got %d", row.Attempts)
	}
}

func TestManualRetryResetsAttempts(t *testing.T) {
	s := newTestService(t)

	enq, err := s.Enqueue(1, intPtr(10), model.MessageTypeInvoice, 7, 6)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	s.db.Model(&model.FiscalRequest{}).Where("id = ?", enq.ID).Updates(map[string]interface{}{
		"status":        model.RequestStatusDead,
		"attempts":      6,
		"error_code":    "SUBMIT_HTTP",
		"error_message": "gave up",
	})

	if err := s.ManualRetry(1, enq.ID); err != nil {
		t.Fatalf("ManualRetry() failed: %v", err)
	}

	var row model.FiscalRequest
	s.db.First(&row, enq.ID)
	if row.Status != model.RequestStatusQueued {
		t.Errorf("expected queued, got %s", row.Status)
	}
	if row.Attempts != 0 {
		t.Errorf("expected attempts reset to 0, got %d", row.Attempts)
	}
	if row.ErrorCode != nil {
		t.Error("expected error code cleared")
	}
}

func TestManualRetryRejectsActiveRequest(t *testing.T) {
	s := newTestService(t)

	enq, err := s.Enqueue(1, intPtr(10), model.MessageTypeInvoice, 7, 6)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	if err := s.ManualRetry(1, enq.ID); err != ErrNotRetryable {
		t.Errorf("expected ErrNotRetryable for queued request, got %v", err)
	}
}

func TestManualRetryScopedToCompany(t *testing.T) {
	s := newTestService(t)

	enq, err := s.Enqueue(1, intPtr(10), model.MessageTypeInvoice, 7, 6)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	s.db.Model(&model.FiscalRequest{}).Where("id = ?", enq.ID).
		Update("status", model.RequestStatusDead)

	if err := s.ManualRetry(99, enq.ID); err != ErrNotRetryable {
		t.Errorf("expected ErrNotRetryable for foreign company, got %v", err)
	}
}

func TestStaleWorkerCannotClobberReclaimedRow(t *testing.T) {
	s := newTestService(t)

	if _, err := s.Enqueue(1, intPtr(10), model.MessageTypeInvoice, 7, 6); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	stale, _ := s.Claim("worker-a")

	// Lock goes stale, another worker reclaims.
	s.db.Model(&model.FiscalRequest{}).Where("id = ?", stale.ID).
		Update("locked_at", time.Now().Add(-10*time.Minute))
	fresh, err := s.Claim("worker-b")
	if err != nil || fresh == nil {
		t.Fatalf("expected reclaim to succeed, got req=%v err=%v", fresh, err)
	}

	// The original worker finishes late; its completion must be rejected.
	if err := s.Complete(stale); err == nil {
		t.Error("stale worker Complete() should fail after reclaim")
	}

	var row model.FiscalRequest
	s.db.First(&row, stale.ID)
	if row.Status != model.RequestStatusProcessing {
		t.Errorf("row should still be processing under worker-b, got %s", row.Status)
	}
}

func TestReleaseRequeues(t *testing.T) {
	s := newTestService(t)

	if _, err := s.Enqueue(1, intPtr(10), model.MessageTypeInvoice, 7, 6); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	req, _ := s.Claim("worker-a")

	if err := s.Release(req); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}

	var row model.FiscalRequest
	s.db.First(&row, req.ID)
	if row.Status != model.RequestStatusQueued {
		t.Errorf("expected queued after release, got %s", row.Status)
	}
	if row.Attempts != 0 {
		t.Errorf("release must not consume an attempt, got %d", row.Attempts)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	s := newTestService(t)

	if _, err := s.Enqueue(1, intPtr(10), model.MessageTypeInvoice, 7, 6); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	dead, err := s.Enqueue(1, intPtr(11), model.MessageTypeInvoice, 7, 6)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	s.db.Model(&model.FiscalRequest{}).Where("id = ?", dead.ID).
		Update("status", model.RequestStatusDead)

	rows, total, err := s.List(1, 1, 20, model.RequestStatusDead)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if total != 1 || len(rows) != 1 {
		t.Fatalf("expected 1 dead request, got total=%d len=%d", total, len(rows))
	}
	if rows[0].ID != dead.ID {
		t.Errorf("expected request %d, got %d", dead.ID, rows[0].ID)
	}

	_, total, err = s.List(1, 1, 20, "")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if total != 2 {
		t.Errorf("expected 2 requests unfiltered, got %d", total)
	}
}
