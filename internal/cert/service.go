package cert

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"go_fiskal/internal/certparse"
	"go_fiskal/internal/crypto"
	"go_fiskal/internal/model"
)

// ErrInUse is returned when a certificate delete is blocked by a fiscal
// request that has not reached a terminal state.
var ErrInUse = errors.New("certificate is referenced by a non-terminal fiscal request")

// Service manages encrypted certificate records: one active certificate per
// (company, environment), upserted on re-upload.
type Service struct {
	db        *gorm.DB
	masterKey []byte
}

// NewService creates a certificate service. The master key is the process
// envelope-encryption key, injected at startup.
func NewService(db *gorm.DB, masterKey []byte) *Service {
	return &Service{db: db, masterKey: masterKey}
}

// ParseUpload decodes and validates an uploaded PKCS#12 container without
// persisting anything. Step one of the confirm-then-save upload flow.
func (s *Service) ParseUpload(p12 []byte, password string) (*certparse.ParsedCertificate, error) {
	return certparse.Parse(p12, password, time.Now())
}

// Save parses, encrypts and upserts a certificate for the company and
// environment. A re-upload replaces the existing record in place so the
// one-per-(company, environment) invariant holds.
func (s *Service) Save(companyID int, environment string, p12 []byte, password string) (*model.Certificate, error) {
	parsed, err := certparse.Parse(p12, password, time.Now())
	if err != nil {
		return nil, err
	}

	// One data key covers both secret columns of the record.
	dataKey, err := crypto.GenerateDataKey()
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(dataKey)

	encryptedP12, err := crypto.Seal(dataKey, p12)
	if err != nil {
		return nil, err
	}
	encryptedPassword, err := crypto.Seal(dataKey, []byte(password))
	if err != nil {
		return nil, err
	}
	wrappedKey, err := crypto.WrapDataKey(s.masterKey, dataKey)
	if err != nil {
		return nil, err
	}

	record := &model.Certificate{
		CompanyID:         companyID,
		Environment:       environment,
		Subject:           parsed.Subject,
		SerialNumber:      parsed.SerialNumber,
		TaxID:             parsed.TaxID,
		Fingerprint:       parsed.Fingerprint,
		NotBefore:         parsed.NotBefore,
		NotAfter:          parsed.NotAfter,
		WrappedDataKey:    wrappedKey,
		EncryptedP12:      encryptedP12,
		EncryptedPassword: encryptedPassword,
		Status:            model.CertificateStatusActive,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		var existing model.Certificate
		err := tx.Where("company_id = ? AND environment = ?", companyID, environment).First(&existing).Error
		if err == nil {
			record.ID = existing.ID
			record.CreatedAt = existing.CreatedAt
			return tx.Save(record).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(record).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist certificate: %w", err)
	}
	return record, nil
}

// GetByID returns a certificate record by primary key.
func (s *Service) GetByID(id int) (*model.Certificate, error) {
	var record model.Certificate
	err := s.db.First(&record, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &record, err
}

// GetActive returns the active certificate for a company and environment,
// or nil when none exists.
func (s *Service) GetActive(companyID int, environment string) (*model.Certificate, error) {
	var record model.Certificate
	err := s.db.
		Where("company_id = ? AND environment = ? AND status = ?", companyID, environment, model.CertificateStatusActive).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &record, err
}

// List returns all certificate records for a company. Secret columns are
// excluded from JSON serialization at the model level.
func (s *Service) List(companyID int) ([]model.Certificate, error) {
	var records []model.Certificate
	err := s.db.Where("company_id = ?", companyID).Order("environment ASC").Find(&records).Error
	return records, err
}

// DecryptMaterial recovers the PKCS#12 blob and its password. Callers must
// zero both as soon as the signing material has been extracted.
func (s *Service) DecryptMaterial(record *model.Certificate) (p12, password []byte, err error) {
	dataKey, err := crypto.UnwrapDataKey(s.masterKey, record.WrappedDataKey)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Zero(dataKey)

	p12, err = crypto.Open(dataKey, record.EncryptedP12)
	if err != nil {
		return nil, nil, err
	}
	password, err = crypto.Open(dataKey, record.EncryptedPassword)
	if err != nil {
		crypto.Zero(p12)
		return nil, nil, err
	}
	return p12, password, nil
}

// Revoke marks a certificate revoked. Requests referencing it keep failing
// with a retriable inactive-certificate error until re-upload or reactivation.
func (s *Service) Revoke(companyID, id int) error {
	result := s.db.
		Model(&model.Certificate{}).
		Where("id = ? AND company_id = ?", id, companyID).
		Update("status", model.CertificateStatusRevoked)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Delete removes a certificate record. Blocked while any fiscal request in a
// non-terminal state still references it.
func (s *Service) Delete(companyID, id int) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&model.FiscalRequest{}).
			Where("certificate_id = ? AND status NOT IN (?, ?)", id, model.RequestStatusCompleted, model.RequestStatusDead).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return ErrInUse
		}

		result := tx.Where("id = ? AND company_id = ?", id, companyID).Delete(&model.Certificate{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// TouchLastUsed records a successful signing with this certificate.
func (s *Service) TouchLastUsed(id int, at time.Time) error {
	return s.db.
		Model(&model.Certificate{}).
		Where("id = ?", id).
		Update("last_used_at", at).Error
}
