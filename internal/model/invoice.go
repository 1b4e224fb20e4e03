package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Invoice is the read model handed over by the invoicing collaborator.
// Line items are stored as a JSON column; the jir/zki columns are the
// write-back surface the fiscal pipeline fills in on success.
type Invoice struct {
	ID            int            `gorm:"primaryKey;autoIncrement" json:"id"`
	CompanyID     int            `gorm:"not null;index" json:"companyId"`
	Number        string         `gorm:"type:varchar(30);not null" json:"number"` // sequential number within premises/device
	IssueDate     time.Time      `gorm:"not null" json:"issueDate"`
	PaymentMethod string         `gorm:"type:varchar(1);not null" json:"paymentMethod"`
	OperatorTaxID string         `gorm:"column:operator_tax_id;type:varchar(11);not null" json:"operatorTaxId"`
	Total         float64        `gorm:"not null" json:"total"`
	Lines         datatypes.JSON `gorm:"column:lines_json;not null" json:"lines"`

	JIR       *string   `gorm:"column:jir;type:varchar(64)" json:"jir"`
	ZKI       *string   `gorm:"column:zki;type:varchar(32)" json:"zki"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

// TableName specifies the table name for Invoice
func (Invoice) TableName() string {
	return "invoices"
}

// Payment method codes from the fiscalization rulebook.
const (
	PaymentMethodCash     = "G" // gotovina
	PaymentMethodCard     = "K" // kartica
	PaymentMethodCheque   = "C" // ček
	PaymentMethodTransfer = "T" // transakcijski račun, not fiscalized
	PaymentMethodOther    = "O"
)

// LineItem is one invoice line inside the lines_json column.
type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
	VATRate     float64 `json:"vatRate"` // percentage, e.g. 25.0
	VATBase     float64 `json:"vatBase"`
	VATAmount   float64 `json:"vatAmount"`
	Total       float64 `json:"total"`
}

// LineItems decodes the lines_json column.
func (i *Invoice) LineItems() ([]LineItem, error) {
	var lines []LineItem
	if err := json.Unmarshal(i.Lines, &lines); err != nil {
		return nil, err
	}
	return lines, nil
}

// SetLineItems encodes line items into the lines_json column.
func (i *Invoice) SetLineItems(lines []LineItem) error {
	data, err := json.Marshal(lines)
	if err != nil {
		return err
	}
	i.Lines = datatypes.JSON(data)
	return nil
}

// IsCashEquivalent reports whether the payment method requires fiscalization.
func IsCashEquivalent(paymentMethod string) bool {
	switch paymentMethod {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodCheque, PaymentMethodOther:
		return true
	}
	return false
}
