package invoicing

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"software.sslmate.com/src/go-pkcs12"

	"go_fiskal/internal/cert"
	"go_fiskal/internal/crypto"
	"go_fiskal/internal/model"
	"go_fiskal/internal/queue"
)

func makeTestP12(t *testing.T) []byte {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   "FISKAL TEST",
			SerialNumber: "12345678903",
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}

	p12, err := pkcs12.Modern.Encode(key, leaf, nil, "test-password")
	if err != nil {
		t.Fatalf("failed to encode PKCS#12: %v", err)
	}
	return p12
}

type fixture struct {
	db      *gorm.DB
	service *Service
	certs   *cert.Service
	company *model.Company
	invoice *model.Invoice
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(&model.Company{}, &model.Invoice{}, &model.Certificate{}, &model.FiscalRequest{})
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	masterKey := make([]byte, crypto.KeySize)
	if _, err := rand.Read(masterKey); err != nil {
		t.Fatalf("failed to generate master key: %v", err)
	}

	certs := cert.NewService(db, masterKey)
	queueService := queue.NewService(db, queue.BackoffPolicy{Base: 30 * time.Second, Cap: 2 * time.Hour, Factor: 4}, 5*time.Minute)
	service := NewService(db, certs, queueService)

	company := &model.Company{
		Name:                 "Kavana Zagreb d.o.o.",
		TaxID:                "12345678903",
		FiscalizationEnabled: true,
		Environment:          model.EnvironmentTest,
		PremisesCode:         "POSL1",
		DeviceCode:           "1",
		VATRegistered:        true,
	}
	if err := db.Create(company).Error; err != nil {
		t.Fatalf("failed to create company: %v", err)
	}

	invoice := &model.Invoice{
		CompanyID:     company.ID,
		Number:        "17",
		IssueDate:     time.Now(),
		PaymentMethod: model.PaymentMethodCash,
		OperatorTaxID: "47356185900",
		Total:         137.00,
	}
	if err := invoice.SetLineItems([]model.LineItem{
		{Description: "espresso", Quantity: 2, UnitPrice: 50, VATRate: 25, VATBase: 100, VATAmount: 25, Total: 125},
	}); err != nil {
		t.Fatalf("failed to set line items: %v", err)
	}
	if err := db.Create(invoice).Error; err != nil {
		t.Fatalf("failed to create invoice: %v", err)
	}

	return &fixture{db: db, service: service, certs: certs, company: company, invoice: invoice}
}

func (f *fixture) uploadCertificate(t *testing.T) *model.Certificate {
	t.Helper()
	record, err := f.certs.Save(f.company.ID, model.EnvironmentTest, makeTestP12(t), "test-password")
	if err != nil {
		t.Fatalf("failed to save certificate: %v", err)
	}
	return record
}

func TestTriggerQueuesRequest(t *testing.T) {
	f := newFixture(t)
	record := f.uploadCertificate(t)

	req, err := f.service.Trigger(f.company.ID, f.invoice.ID, model.MessageTypeInvoice)
	if err != nil {
		t.Fatalf("Trigger() failed: %v", err)
	}

	if req.Status != model.RequestStatusQueued {
		t.Errorf("status = %s, want queued", req.Status)
	}
	if req.CertificateID != record.ID {
		t.Errorf("certificate id = %d, want %d", req.CertificateID, record.ID)
	}
	if req.InvoiceID == nil || *req.InvoiceID != f.invoice.ID {
		t.Error("request not bound to the invoice")
	}
}

func TestTriggerIdempotent(t *testing.T) {
	f := newFixture(t)
	f.uploadCertificate(t)

	first, err := f.service.Trigger(f.company.ID, f.invoice.ID, model.MessageTypeInvoice)
	if err != nil {
		t.Fatalf("first Trigger() failed: %v", err)
	}
	second, err := f.service.Trigger(f.company.ID, f.invoice.ID, model.MessageTypeInvoice)
	if err != nil {
		t.Fatalf("second Trigger() failed: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("expected same request, got ids %d and %d", first.ID, second.ID)
	}
}

func TestTriggerRequiresFiscalizationEnabled(t *testing.T) {
	f := newFixture(t)
	f.uploadCertificate(t)
	f.db.Model(f.company).Update("fiscalization_enabled", false)

	_, err := f.service.Trigger(f.company.ID, f.invoice.ID, model.MessageTypeInvoice)
	if !errors.Is(err, ErrFiscalizationDisabled) {
		t.Errorf("expected ErrFiscalizationDisabled, got %v", err)
	}
}

func TestTriggerRejectsBankTransfer(t *testing.T) {
	f := newFixture(t)
	f.uploadCertificate(t)
	f.db.Model(f.invoice).Update("payment_method", model.PaymentMethodTransfer)

	_, err := f.service.Trigger(f.company.ID, f.invoice.ID, model.MessageTypeInvoice)
	if !errors.Is(err, ErrNotFiscalizable) {
		t.Errorf("expected ErrNotFiscalizable, got %v", err)
	}
}

func TestTriggerRequiresActiveCertificate(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Trigger(f.company.ID, f.invoice.ID, model.MessageTypeInvoice)
	if !errors.Is(err, ErrNoActiveCertificate) {
		t.Errorf("expected ErrNoActiveCertificate, got %v", err)
	}
}

func TestTriggerUnknownInvoice(t *testing.T) {
	f := newFixture(t)
	f.uploadCertificate(t)

	_, err := f.service.Trigger(f.company.ID, 9999, model.MessageTypeInvoice)
	if !errors.Is(err, ErrInvoiceNotFound) {
		t.Errorf("expected ErrInvoiceNotFound, got %v", err)
	}
}

func TestTriggerVerifyNotBoundToInvoice(t *testing.T) {
	f := newFixture(t)
	f.uploadCertificate(t)

	req, err := f.service.TriggerVerify(f.company.ID)
	if err != nil {
		t.Fatalf("TriggerVerify() failed: %v", err)
	}
	if req.InvoiceID != nil {
		t.Error("verify request must not reference an invoice")
	}
	if req.MessageType != model.MessageTypeVerify {
		t.Errorf("message type = %s, want verify", req.MessageType)
	}
}

func TestSetFiscalResult(t *testing.T) {
	f := newFixture(t)

	if err := f.service.SetFiscalResult(f.invoice.ID, "jir-123", "abc123"); err != nil {
		t.Fatalf("SetFiscalResult() failed: %v", err)
	}

	var row model.Invoice
	f.db.First(&row, f.invoice.ID)
	if row.JIR == nil || *row.JIR != "jir-123" {
		t.Error("JIR not written back")
	}
	if row.ZKI == nil || *row.ZKI != "abc123" {
		t.Error("ZKI not written back")
	}
}

func TestShouldFiscalize(t *testing.T) {
	f := newFixture(t)

	if !f.service.ShouldFiscalize(f.company, f.invoice) {
		t.Error("cash invoice with fiscalization on should fiscalize")
	}

	f.invoice.PaymentMethod = model.PaymentMethodTransfer
	if f.service.ShouldFiscalize(f.company, f.invoice) {
		t.Error("bank transfer invoices are exempt")
	}

	f.invoice.PaymentMethod = model.PaymentMethodCash
	f.company.FiscalizationEnabled = false
	if f.service.ShouldFiscalize(f.company, f.invoice) {
		t.Error("disabled company must not fiscalize")
	}
}
