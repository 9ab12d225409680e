// Package assembler computes the derived amounts of a fiscal document.
// All arithmetic is decimal; amounts are rounded to CurrencyPlaces per line
// before summing, so the document total is always the exact sum of the
// line totals as printed.
package assembler

import (
	"github.com/alapierre/go-fiscal-engine/fiscal/model"
	"github.com/shopspring/decimal"
)

// CurrencyPlaces is the number of fraction digits of BRL amounts.
const CurrencyPlaces = model.CurrencyPlaces

// DefaultServiceTaxRate is the ISS rate used when none is configured.
var DefaultServiceTaxRate = decimal.RequireFromString("0.05")

type Totals struct {
	LineTotals     []decimal.Decimal
	DocumentTotal  decimal.Decimal
	WithheldAmount decimal.Decimal
}

// Assemble derives line totals, the document total and, for service invoices with
// withheld tax, the withheld amount at the given rate. It does not modify items.
func Assemble(items []model.Item, docType model.DocumentType, extras model.Extras, rate decimal.Decimal) Totals {
	t := Totals{
		LineTotals:     make([]decimal.Decimal, len(items)),
		DocumentTotal:  decimal.Zero,
		WithheldAmount: decimal.Zero,
	}

	for i, item := range items {
		lt := item.LineTotal()
		t.LineTotals[i] = lt
		t.DocumentTotal = t.DocumentTotal.Add(lt)
	}

	if docType == model.ServiceInvoice && extras.TaxWithheld {
		t.WithheldAmount = t.DocumentTotal.Mul(rate).Round(CurrencyPlaces)
	}

	return t
}
