package model

import "time"

// FiscalRequest tracks one fiscalization attempt per (company, invoice,
// message type). The unique index on that triple is the idempotency key:
// re-triggering fiscalization for an already queued or completed invoice
// must not create a second row.
type FiscalRequest struct {
	ID            int    `gorm:"primaryKey;autoIncrement" json:"id"`
	CompanyID     int    `gorm:"not null;uniqueIndex:uniq_req_company_invoice_type" json:"companyId"`
	InvoiceID     *int   `gorm:"uniqueIndex:uniq_req_company_invoice_type" json:"invoiceId"` // nil for messages not bound to an invoice
	MessageType   string `gorm:"type:varchar(20);not null;uniqueIndex:uniq_req_company_invoice_type" json:"messageType"`
	CertificateID int    `gorm:"not null;index" json:"certificateId"`

	Status      string    `gorm:"type:varchar(20);not null;default:queued;index" json:"status"` // queued|processing|completed|failed|dead
	Attempts    int       `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts int       `gorm:"not null;default:6" json:"maxAttempts"`
	NextRetryAt time.Time `gorm:"not null;index" json:"nextRetryAt"`

	// Lock fields: set while a worker holds the row, cleared on release.
	LockedAt *time.Time `gorm:"index" json:"lockedAt"`
	LockedBy *string    `gorm:"type:varchar(64)" json:"lockedBy"`

	// Result fields.
	JIR            *string `gorm:"column:jir;type:varchar(64)" json:"jir"` // unique invoice identifier from the tax authority
	ZKI            *string `gorm:"column:zki;type:varchar(32)" json:"zki"` // issuer protective code
	ErrorCode      *string `gorm:"type:varchar(40)" json:"errorCode"`
	ErrorMessage   *string `gorm:"type:varchar(500)" json:"errorMessage"`
	LastHTTPStatus *int    `gorm:"column:last_http_status" json:"lastHttpStatus"`

	// Audit payloads, retained for dispute resolution.
	BuiltXML    *string `gorm:"column:built_xml;type:mediumtext" json:"-"`
	SignedXML   *string `gorm:"column:signed_xml;type:mediumtext" json:"-"`
	ResponseXML *string `gorm:"column:response_xml;type:mediumtext" json:"-"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

// TableName specifies the table name for FiscalRequest
func (FiscalRequest) TableName() string {
	return "fiscal_requests"
}

// FiscalRequest status constants
const (
	RequestStatusQueued     = "queued"
	RequestStatusProcessing = "processing"
	RequestStatusCompleted  = "completed"
	RequestStatusFailed     = "failed"
	RequestStatusDead       = "dead"
)

// Message type constants
const (
	MessageTypeInvoice      = "invoice"
	MessageTypeCancellation = "cancellation"
	MessageTypeVerify       = "verify"
)

// IsTerminal reports whether the request reached a terminal state.
func (r *FiscalRequest) IsTerminal() bool {
	return r.Status == RequestStatusCompleted || r.Status == RequestStatusDead
}
