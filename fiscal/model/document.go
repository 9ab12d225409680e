package model

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type DocumentType string

const (
	GoodsInvoice   DocumentType = "NF-e"
	ServiceInvoice DocumentType = "NFS-e"
)

func (t DocumentType) Valid() bool {
	return t == GoodsInvoice || t == ServiceInvoice
}

type Status string

const (
	StatusDraft      Status = "draft"
	StatusSubmitting Status = "submitting"
	StatusAuthorized Status = "authorized"
	StatusRejected   Status = "rejected"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusAuthorized || s == StatusRejected || s == StatusFailed
}

// Document is a persisted fiscal document header. Only authorized documents
// are stored in the documents table.
type Document struct {
	ID                  string          `gorm:"primaryKey;size:36" json:"id"`
	Number              int64           `gorm:"not null;uniqueIndex:idx_series_number,priority:2" json:"number"`
	Series              string          `gorm:"size:10;not null;uniqueIndex:idx_series_number,priority:1" json:"series"`
	Type                DocumentType    `gorm:"size:8;not null;index" json:"type"`
	Status              Status          `gorm:"size:16;not null;index" json:"status"`
	CounterpartyName    string          `gorm:"not null" json:"counterparty_name"`
	CounterpartyTaxID   string          `gorm:"size:14;not null;index" json:"counterparty_tax_id"`
	CounterpartyAddress string          `gorm:"not null" json:"counterparty_address"`
	IssuedAt            time.Time       `gorm:"not null;index" json:"issued_at"`
	ExternalDocumentRef string          `json:"external_document_ref"`
	ExternalRenderRef   string          `json:"external_render_ref"`
	TotalAmount         decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"total_amount"`
	RejectionReason     string          `json:"rejection_reason,omitempty"`
	ServiceCode         string          `gorm:"size:10" json:"service_code,omitempty"`
	TaxWithheld         bool            `json:"tax_withheld"`
	WithheldAmount      decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"withheld_amount"`
	VerificationCode    string          `gorm:"size:8" json:"verification_code"`
	Items               []Item          `gorm:"foreignKey:DocumentID;constraint:OnDelete:CASCADE" json:"items,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

func (Document) TableName() string { return "fiscal_documents" }

// Scales and widths of the stored columns. Validation keeps requests inside them.
const (
	CurrencyPlaces    = 2
	QuantityPlaces    = 4
	MaxSeriesLen      = 10
	MaxServiceCodeLen = 10
	MaxNCMDigits      = 8
	CFOPDigits        = 4
)

// Item is one line of a document. LineTotal is derived and never stored.
type Item struct {
	ID          uint            `gorm:"primaryKey" json:"-"`
	DocumentID  string          `gorm:"size:36;not null;index" json:"document_id,omitempty"`
	Position    int             `gorm:"not null" json:"position"`
	Code        string          `gorm:"size:20;not null" json:"code"`
	Description string          `gorm:"not null" json:"description"`
	Quantity    decimal.Decimal `gorm:"type:decimal(14,4);not null" json:"quantity"`
	UnitPrice   decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"unit_price"`
	NCM         string          `gorm:"size:8" json:"ncm,omitempty"`
	CFOP        string          `gorm:"size:4" json:"cfop,omitempty"`
	ServiceCode string          `gorm:"size:10" json:"service_code,omitempty"`
}

func (Item) TableName() string { return "fiscal_document_items" }

// LineTotal is quantity × unit price rounded half-up to currency precision.
// Document totals are the sum of these values.
func (i Item) LineTotal() decimal.Decimal {
	return i.Quantity.Mul(i.UnitPrice).Round(CurrencyPlaces)
}

// ItemCode is the stable display id of the item at 1-based position n.
func ItemCode(n int) string {
	return "ITEM-" + strconv.Itoa(n)
}
