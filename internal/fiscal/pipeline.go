package fiscal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"go_fiskal/internal/certparse"
	"go_fiskal/internal/crypto"
	"go_fiskal/internal/model"
)

// CertStore is the certificate access the pipeline needs. Satisfied by
// cert.Service.
type CertStore interface {
	GetByID(id int) (*model.Certificate, error)
	DecryptMaterial(record *model.Certificate) (p12, password []byte, err error)
	TouchLastUsed(id int, at time.Time) error
}

// InvoiceStore is the read-model access the pipeline needs. Satisfied by
// invoicing.Service.
type InvoiceStore interface {
	GetInvoice(companyID, invoiceID int) (*model.Invoice, error)
	GetCompany(companyID int) (*model.Company, error)
	SetFiscalResult(invoiceID int, jir, zki string) error
}

// Submitter delivers a signed document to the tax authority. Satisfied by
// Client; tests substitute a stub.
type Submitter interface {
	Submit(ctx context.Context, environment, signedXML string) (*SubmitResult, *Error)
}

// Pipeline runs one claimed fiscal request end to end: certificate checks,
// decrypt, build, sign, submit, result write-back. Each intermediate artifact
// is persisted onto the request row as soon as it exists so a crash between
// steps loses no audit data.
type Pipeline struct {
	db        *gorm.DB
	certs     CertStore
	invoices  InvoiceStore
	submitter Submitter
}

// NewPipeline wires the pipeline dependencies.
func NewPipeline(db *gorm.DB, certs CertStore, invoices InvoiceStore, submitter Submitter) *Pipeline {
	return &Pipeline{db: db, certs: certs, invoices: invoices, submitter: submitter}
}

// Run processes one claimed request. A *Error is a pipeline outcome the queue
// classifies into failed/dead; a plain error is an infrastructure fault (DB
// down) after which the request should be released unchanged and re-claimed
// later.
func (p *Pipeline) Run(ctx context.Context, req *model.FiscalRequest) (*Error, error) {
	record, err := p.certs.GetByID(req.CertificateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate %d: %w", req.CertificateID, err)
	}
	if record == nil {
		return NewError(CodeCertNotFound, fmt.Sprintf("certificate %d does not exist", req.CertificateID), nil), nil
	}
	if record.Status != model.CertificateStatusActive {
		return NewError(CodeCertInactive, fmt.Sprintf("certificate %d is %s", record.ID, record.Status), nil), nil
	}

	now := time.Now()
	if record.IsExpired(now) {
		return NewError(CodeCertExpired, fmt.Sprintf("certificate %d expired at %s", record.ID, record.NotAfter.Format(time.RFC3339)), nil), nil
	}

	p12, password, err := p.certs.DecryptMaterial(record)
	if err != nil {
		// Fail-closed path: wrong master key or corrupted ciphertext. Loud
		// log because this usually means an operational key problem, not a
		// bad certificate.
		log.Printf("[Pipeline] DECRYPT FAILURE for certificate %d (company %d): %v", record.ID, req.CompanyID, err)
		return NewError(CodeDecryptFailed, "stored certificate material could not be decrypted", err), nil
	}

	parsed, parseErr := certparse.Parse(p12, string(password), now)
	crypto.Zero(p12)
	crypto.Zero(password)
	if parseErr != nil {
		return mapParseError(parseErr), nil
	}

	var ferr *Error
	var infraErr error
	switch req.MessageType {
	case model.MessageTypeVerify:
		ferr, infraErr = p.runVerify(ctx, req, record)
	default:
		ferr, infraErr = p.runInvoice(ctx, req, record, parsed, now)
	}
	if ferr != nil || infraErr != nil {
		return ferr, infraErr
	}

	// last_used_at tracks signing use; echo runs never sign.
	if req.MessageType != model.MessageTypeVerify {
		if err := p.certs.TouchLastUsed(record.ID, now); err != nil {
			log.Printf("[Pipeline] failed to update last_used_at on certificate %d: %v", record.ID, err)
		}
	}
	return nil, nil
}

// runVerify submits an unsigned echo message. It proves endpoint
// reachability and certificate decryptability without touching any invoice.
func (p *Pipeline) runVerify(ctx context.Context, req *model.FiscalRequest, record *model.Certificate) (*Error, error) {
	built, err := BuildEchoRequest("ping " + uuid.New().String())
	if err != nil {
		return NewError(CodeBuildFailed, "failed to build echo request", err), nil
	}
	if err := p.persist(req, map[string]interface{}{"built_xml": built}); err != nil {
		return nil, err
	}

	result, ferr := p.submitter.Submit(ctx, record.Environment, built)
	if err := p.persistResponse(req, result); err != nil {
		return nil, err
	}
	return ferr, nil
}

// runInvoice is the signed submission path for invoice and cancellation
// messages.
func (p *Pipeline) runInvoice(ctx context.Context, req *model.FiscalRequest, record *model.Certificate, parsed *certparse.ParsedCertificate, now time.Time) (*Error, error) {
	if req.InvoiceID == nil {
		return NewError(CodeBuildFailed, "request carries no invoice reference", nil), nil
	}

	invoice, err := p.invoices.GetInvoice(req.CompanyID, *req.InvoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load invoice %d: %w", *req.InvoiceID, err)
	}
	if invoice == nil {
		return NewError(CodeBuildFailed, fmt.Sprintf("invoice %d does not exist", *req.InvoiceID), nil), nil
	}
	company, err := p.invoices.GetCompany(req.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load company %d: %w", req.CompanyID, err)
	}
	if company == nil {
		return NewError(CodeBuildFailed, fmt.Sprintf("company %d does not exist", req.CompanyID), nil), nil
	}

	built, err := BuildInvoiceRequest(invoice, company, parsed.PrivateKey, req.MessageType, BuildParams{
		Now:       now,
		MessageID: uuid.New().String(),
	})
	if err != nil {
		return NewError(CodeBuildFailed, err.Error(), err), nil
	}
	if err := p.persist(req, map[string]interface{}{"built_xml": built.XML, "zki": built.ZKI}); err != nil {
		return nil, err
	}

	keyPEM, err := parsed.KeyPEM()
	if err != nil {
		return NewError(CodeSignFailed, "failed to encode signing key", err), nil
	}
	signed, err := SignEnveloped(built.XML, keyPEM, parsed.CertPEM())
	crypto.Zero(keyPEM)
	if err != nil {
		return NewError(CodeSignFailed, err.Error(), err), nil
	}
	if err := p.persist(req, map[string]interface{}{"signed_xml": signed}); err != nil {
		return nil, err
	}

	result, ferr := p.submitter.Submit(ctx, record.Environment, signed)
	if err := p.persistResponse(req, result); err != nil {
		return nil, err
	}
	if ferr != nil {
		return ferr, nil
	}

	if err := p.persist(req, map[string]interface{}{"jir": result.JIR}); err != nil {
		return nil, err
	}
	req.JIR = &result.JIR
	req.ZKI = &built.ZKI

	if err := p.invoices.SetFiscalResult(*req.InvoiceID, result.JIR, built.ZKI); err != nil {
		log.Printf("[Pipeline] failed to write jir back onto invoice %d: %v", *req.InvoiceID, err)
	}
	return nil, nil
}

// persistResponse stores whatever the authority sent, success or not, for
// audit.
func (p *Pipeline) persistResponse(req *model.FiscalRequest, result *SubmitResult) error {
	if result == nil {
		return nil
	}
	updates := map[string]interface{}{}
	if result.RawResponse != "" {
		updates["response_xml"] = result.RawResponse
	}
	if result.HTTPStatus != 0 {
		updates["last_http_status"] = result.HTTPStatus
	}
	if len(updates) == 0 {
		return nil
	}
	return p.persist(req, updates)
}

func (p *Pipeline) persist(req *model.FiscalRequest, updates map[string]interface{}) error {
	err := p.db.Model(&model.FiscalRequest{}).Where("id = ?", req.ID).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to persist request %d artifacts: %w", req.ID, err)
	}
	return nil
}

// mapParseError translates certificate parse sentinels into pipeline codes.
func mapParseError(err error) *Error {
	switch {
	case errors.Is(err, certparse.ErrInvalidPassword):
		return NewError(CodeCertInvalidPassword, "stored certificate password no longer opens the container", err)
	case errors.Is(err, certparse.ErrNoTaxIDFound):
		return NewError(CodeCertNoTaxID, "certificate subject carries no tax id", err)
	case errors.Is(err, certparse.ErrInvalidTaxID):
		return NewError(CodeCertInvalidTaxID, "certificate tax id fails its checksum", err)
	case errors.Is(err, certparse.ErrNotYetValid):
		return NewError(CodeCertNotYetValid, "certificate validity window has not started", err)
	case errors.Is(err, certparse.ErrExpired):
		return NewError(CodeCertExpired, "certificate validity window has ended", err)
	default:
		return NewError(CodeCertMalformed, "stored certificate container could not be decoded", err)
	}
}
