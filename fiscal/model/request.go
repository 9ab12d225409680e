package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Counterparty struct {
	Name    string `json:"name"`
	TaxID   string `json:"tax_id"`
	Address string `json:"address"`
}

// Extras holds the fields that only apply to service invoices.
type Extras struct {
	ServiceCode string `json:"service_code,omitempty"`
	TaxWithheld bool   `json:"tax_withheld,omitempty"`
}

// EmissionRequest is the draft a caller submits for emission. It is never persisted as such.
type EmissionRequest struct {
	Type         DocumentType `json:"type"`
	Series       string       `json:"series,omitempty"`
	Counterparty Counterparty `json:"counterparty"`
	Items        []Item       `json:"items"`
	Extras       Extras       `json:"extras"`
}

// Attempt is an audit record of an emission that did not end authorized.
type Attempt struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	RequestID         string          `gorm:"size:64;index" json:"request_id"`
	Type              DocumentType    `gorm:"size:8;not null" json:"type"`
	Series            string          `gorm:"size:10;not null" json:"series"`
	CounterpartyName  string          `json:"counterparty_name"`
	CounterpartyTaxID string          `gorm:"size:14" json:"counterparty_tax_id"`
	TotalAmount       decimal.Decimal `gorm:"type:decimal(14,2)" json:"total_amount"`
	Status            Status          `gorm:"size:16;not null;index" json:"status"`
	Reason            string          `json:"reason"`
	CreatedAt         time.Time       `json:"created_at"`
}

func (Attempt) TableName() string { return "emission_attempts" }

// SeriesSequence holds the last number handed out for a series.
type SeriesSequence struct {
	Series    string `gorm:"primaryKey;size:10"`
	LastValue int64  `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

func (SeriesSequence) TableName() string { return "series_sequences" }
