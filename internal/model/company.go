package model

import "time"

// Company is the read model handed over by the tenant/billing collaborator.
// The core only consumes the fiscalization-relevant columns.
type Company struct {
	ID                   int       `gorm:"primaryKey;autoIncrement" json:"id"`
	Name                 string    `gorm:"type:varchar(255);not null" json:"name"`
	TaxID                string    `gorm:"column:tax_id;type:varchar(11);not null" json:"taxId"`
	FiscalizationEnabled bool      `gorm:"not null;default:false" json:"fiscalizationEnabled"`
	Environment          string    `gorm:"type:varchar(10);not null;default:test" json:"environment"` // test|prod
	PremisesCode         string    `gorm:"type:varchar(20);not null" json:"premisesCode"`
	DeviceCode           string    `gorm:"type:varchar(20);not null" json:"deviceCode"`
	VATRegistered        bool      `gorm:"column:vat_registered;not null;default:true" json:"vatRegistered"`
	CreatedAt            time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt            time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

// TableName specifies the table name for Company
func (Company) TableName() string {
	return "companies"
}
