package model

import "time"

// Certificate stores a company's fiscalization signing certificate for one
// environment. The PKCS#12 blob and its unlock password are kept only as
// AES-256-GCM ciphertext under a per-record data key; the data key itself is
// stored wrapped by the process master key (envelope encryption).
type Certificate struct {
	ID          int    `gorm:"primaryKey;autoIncrement" json:"id"`
	CompanyID   int    `gorm:"not null;uniqueIndex:uniq_cert_company_env" json:"companyId"`
	Environment string `gorm:"type:varchar(10);not null;uniqueIndex:uniq_cert_company_env" json:"environment"` // test|prod

	Subject      string    `gorm:"type:varchar(512);not null" json:"subject"`
	SerialNumber string    `gorm:"type:varchar(128);not null" json:"serialNumber"`
	TaxID        string    `gorm:"column:tax_id;type:varchar(11);not null" json:"taxId"`
	Fingerprint  string    `gorm:"type:varchar(64);not null;index" json:"fingerprint"` // SHA-256 of DER, hex
	NotBefore    time.Time `gorm:"not null" json:"notBefore"`
	NotAfter     time.Time `gorm:"not null" json:"notAfter"`

	// Secret material, never serialized to API responses.
	WrappedDataKey    string `gorm:"type:text;not null" json:"-"`
	EncryptedP12      string `gorm:"column:encrypted_p12;type:mediumtext;not null" json:"-"`
	EncryptedPassword string `gorm:"type:text;not null" json:"-"`

	Status     string     `gorm:"type:varchar(20);not null;default:active" json:"status"` // pending|active|revoked
	LastUsedAt *time.Time `json:"lastUsedAt"`
	CreatedAt  time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt  time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

// TableName specifies the table name for Certificate
func (Certificate) TableName() string {
	return "certificates"
}

// Certificate status constants. Expired is derived from NotAfter at read
// time and never persisted as a status transition.
const (
	CertificateStatusPending = "pending"
	CertificateStatusActive  = "active"
	CertificateStatusRevoked = "revoked"
)

// Fiscalization environment constants
const (
	EnvironmentTest = "test"
	EnvironmentProd = "prod"
)

// IsExpired reports whether the certificate validity window has passed.
func (c *Certificate) IsExpired(now time.Time) bool {
	return now.After(c.NotAfter)
}

// IsValidAt reports whether now falls inside the certificate validity window.
func (c *Certificate) IsValidAt(now time.Time) bool {
	return !now.Before(c.NotBefore) && !now.After(c.NotAfter)
}
