// Package validation checks emission requests before anything is sent to the
// authority. Every rule is evaluated; errors are accumulated so the caller can
// fix the whole form in one round trip.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/alapierre/go-fiscal-engine/fiscal/model"
	"github.com/shopspring/decimal"
)

const (
	MsgNameRequired        = "counterparty name required."
	MsgTaxIDRequired       = "tax id required."
	MsgTaxIDInvalid        = "tax id invalid: expected 11 (individual) or 14 (organization) digits."
	MsgAddressRequired     = "counterparty address required."
	MsgItemsRequired       = "at least one item required."
	MsgServiceCodeRequired = "service code required for service invoice."
	MsgServiceCodeTooLong  = "service code must have at most 10 characters."
	MsgSeriesTooLong       = "series must have at most 10 characters."
)

// Result is the outcome of ValidateRequest. Valid is true iff Errors is empty.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

var (
	nonDigitsRe = regexp.MustCompile(`\D+`)
	// digits with the usual printed separators, e.g. "2523.29.10" or "5.102"
	fiscalCodeRe = regexp.MustCompile(`^[0-9][0-9. -]*$`)
)

// TaxIDDigits strips every non-digit character from a CPF/CNPJ.
func TaxIDDigits(taxID string) string {
	return nonDigitsRe.ReplaceAllString(taxID, "")
}

// CodeDigits returns the digits of an NCM or CFOP written with separators.
// A code containing anything but digits and separators is returned trimmed
// and unchanged, so the format check still sees it.
func CodeDigits(code string) string {
	code = strings.TrimSpace(code)
	if !fiscalCodeRe.MatchString(code) {
		return code
	}
	return TaxIDDigits(code)
}

func isDigits(s string) bool {
	return s != "" && !nonDigitsRe.MatchString(s)
}

// fitsScale reports whether d has no more than places fraction digits.
func fitsScale(d decimal.Decimal, places int32) bool {
	return d.Equal(d.Round(places))
}

// ValidateItem checks one item at 1-based position against the rules of docType.
func ValidateItem(position int, item model.Item, docType model.DocumentType) []string {
	var errs []string

	switch {
	case !item.Quantity.IsPositive():
		errs = append(errs, fmt.Sprintf("Item %d: quantity must be greater than zero.", position))
	case !fitsScale(item.Quantity, model.QuantityPlaces):
		errs = append(errs, fmt.Sprintf("Item %d: quantity must have at most %d decimal places.", position, model.QuantityPlaces))
	}
	switch {
	case !item.UnitPrice.IsPositive():
		errs = append(errs, fmt.Sprintf("Item %d: unit price must be greater than zero.", position))
	case !fitsScale(item.UnitPrice, model.CurrencyPlaces):
		errs = append(errs, fmt.Sprintf("Item %d: unit price must have at most %d decimal places.", position, model.CurrencyPlaces))
	}

	switch docType {
	case model.GoodsInvoice:
		if utf8.RuneCountInString(strings.TrimSpace(item.NCM)) < 2 {
			errs = append(errs, fmt.Sprintf("Item %d: NCM required for goods invoice.", position))
		} else if ncm := CodeDigits(item.NCM); !isDigits(ncm) || len(ncm) > model.MaxNCMDigits {
			errs = append(errs, fmt.Sprintf("Item %d: NCM must have up to %d digits.", position, model.MaxNCMDigits))
		}
		if strings.TrimSpace(item.CFOP) == "" {
			errs = append(errs, fmt.Sprintf("Item %d: CFOP required for goods invoice.", position))
		} else if cfop := CodeDigits(item.CFOP); !isDigits(cfop) || len(cfop) != model.CFOPDigits {
			errs = append(errs, fmt.Sprintf("Item %d: CFOP must have %d digits.", position, model.CFOPDigits))
		}
	case model.ServiceInvoice:
		if utf8.RuneCountInString(strings.TrimSpace(item.ServiceCode)) > model.MaxServiceCodeLen {
			errs = append(errs, fmt.Sprintf("Item %d: %s", position, MsgServiceCodeTooLong))
		}
	}

	return errs
}

// ValidateRequest runs all document level rules in order and never stops at the first failure.
func ValidateRequest(req model.EmissionRequest) Result {
	var errs []string

	if !req.Type.Valid() {
		errs = append(errs, fmt.Sprintf("unsupported document type %q.", req.Type))
	}

	if strings.TrimSpace(req.Counterparty.Name) == "" {
		errs = append(errs, MsgNameRequired)
	}

	// presence before format
	digits := TaxIDDigits(req.Counterparty.TaxID)
	switch {
	case digits == "":
		errs = append(errs, MsgTaxIDRequired)
	case len(digits) != 11 && len(digits) != 14:
		errs = append(errs, MsgTaxIDInvalid)
	}

	if strings.TrimSpace(req.Counterparty.Address) == "" {
		errs = append(errs, MsgAddressRequired)
	}

	if len(req.Items) == 0 {
		errs = append(errs, MsgItemsRequired)
	} else {
		for i, item := range req.Items {
			errs = append(errs, ValidateItem(i+1, item, req.Type)...)
		}
	}

	if req.Type == model.ServiceInvoice {
		code := strings.TrimSpace(req.Extras.ServiceCode)
		switch {
		case code == "":
			errs = append(errs, MsgServiceCodeRequired)
		case utf8.RuneCountInString(code) > model.MaxServiceCodeLen:
			errs = append(errs, MsgServiceCodeTooLong)
		}
	}

	errs = append(errs, ValidateSeries(req.Series)...)

	return Result{Valid: len(errs) == 0, Errors: errs}
}

// ValidateSeries checks a series as it will be stored. An empty series is
// allowed; the caller falls back to the configured default.
func ValidateSeries(series string) []string {
	if utf8.RuneCountInString(strings.TrimSpace(series)) > model.MaxSeriesLen {
		return []string{MsgSeriesTooLong}
	}
	return nil
}
