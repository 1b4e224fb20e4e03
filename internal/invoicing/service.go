package invoicing

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"go_fiskal/internal/cert"
	"go_fiskal/internal/model"
	"go_fiskal/internal/queue"
)

// Trigger preconditions surfaced to the API layer.
var (
	ErrFiscalizationDisabled = errors.New("fiscalization is not enabled for this company")
	ErrNotFiscalizable       = errors.New("invoice payment method does not require fiscalization")
	ErrNoActiveCertificate   = errors.New("no active certificate for the company environment")
	ErrInvoiceNotFound       = errors.New("invoice not found")
	ErrCompanyNotFound       = errors.New("company not found")
)

// defaultMaxAttempts bounds automatic retries before a request goes dead.
const defaultMaxAttempts = 6

// Service exposes the invoice and company read models to the fiscal core and
// turns business events (invoice issued, invoice cancelled) into queued
// fiscal requests.
type Service struct {
	db    *gorm.DB
	certs *cert.Service
	queue *queue.Service
}

// NewService wires the invoicing facade.
func NewService(db *gorm.DB, certs *cert.Service, q *queue.Service) *Service {
	return &Service{db: db, certs: certs, queue: q}
}

// GetInvoice returns one invoice scoped to a company, or nil when absent.
func (s *Service) GetInvoice(companyID, invoiceID int) (*model.Invoice, error) {
	var invoice model.Invoice
	err := s.db.Where("id = ? AND company_id = ?", invoiceID, companyID).First(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &invoice, err
}

// GetCompany returns one company, or nil when absent.
func (s *Service) GetCompany(companyID int) (*model.Company, error) {
	var company model.Company
	err := s.db.First(&company, companyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &company, err
}

// SetFiscalResult writes the authority identifier and protective code back
// onto the invoice after a successful submission.
func (s *Service) SetFiscalResult(invoiceID int, jir, zki string) error {
	return s.db.
		Model(&model.Invoice{}).
		Where("id = ?", invoiceID).
		Updates(map[string]interface{}{"jir": jir, "zki": zki}).Error
}

// ShouldFiscalize decides whether an invoice needs a fiscal message at all:
// the company must have fiscalization on and the payment method must be a
// cash equivalent. Bank-transfer invoices are exempt by the rulebook.
func (s *Service) ShouldFiscalize(company *model.Company, invoice *model.Invoice) bool {
	return company.FiscalizationEnabled && model.IsCashEquivalent(invoice.PaymentMethod)
}

// Trigger queues a fiscal message for an invoice. It resolves the company's
// active certificate for its environment and enqueues idempotently: calling
// twice for the same invoice and message type returns the same request.
func (s *Service) Trigger(companyID, invoiceID int, messageType string) (*model.FiscalRequest, error) {
	company, err := s.GetCompany(companyID)
	if err != nil {
		return nil, err
	}
	if company == nil {
		return nil, ErrCompanyNotFound
	}

	invoice, err := s.GetInvoice(companyID, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, ErrInvoiceNotFound
	}

	if !company.FiscalizationEnabled {
		return nil, ErrFiscalizationDisabled
	}
	if !model.IsCashEquivalent(invoice.PaymentMethod) {
		return nil, ErrNotFiscalizable
	}

	certificate, err := s.certs.GetActive(companyID, company.Environment)
	if err != nil {
		return nil, err
	}
	if certificate == nil {
		return nil, ErrNoActiveCertificate
	}

	req, err := s.queue.Enqueue(companyID, &invoiceID, messageType, certificate.ID, defaultMaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to queue fiscal request: %w", err)
	}
	return req, nil
}

// TriggerVerify queues an endpoint verification message. Verify messages are
// not bound to an invoice, so they bypass the idempotency key.
func (s *Service) TriggerVerify(companyID int) (*model.FiscalRequest, error) {
	company, err := s.GetCompany(companyID)
	if err != nil {
		return nil, err
	}
	if company == nil {
		return nil, ErrCompanyNotFound
	}

	certificate, err := s.certs.GetActive(companyID, company.Environment)
	if err != nil {
		return nil, err
	}
	if certificate == nil {
		return nil, ErrNoActiveCertificate
	}

	return s.queue.Enqueue(companyID, nil, model.MessageTypeVerify, certificate.ID, defaultMaxAttempts)
}
