package cmd

import (
	"os"

	"github.com/alapierre/go-fiscal-engine/fiscal/model"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// requestFile is the on-disk form of an emission request. Amounts are kept as
// strings so "10.50" never passes through a float.
type requestFile struct {
	Type         string `yaml:"type"`
	Series       string `yaml:"series"`
	Counterparty struct {
		Name    string `yaml:"name"`
		TaxID   string `yaml:"tax_id"`
		Address string `yaml:"address"`
	} `yaml:"counterparty"`
	Items []struct {
		Description string `yaml:"description"`
		Quantity    string `yaml:"quantity"`
		UnitPrice   string `yaml:"unit_price"`
		NCM         string `yaml:"ncm"`
		CFOP        string `yaml:"cfop"`
		ServiceCode string `yaml:"service_code"`
	} `yaml:"items"`
	Extras struct {
		ServiceCode string `yaml:"service_code"`
		TaxWithheld bool   `yaml:"tax_withheld"`
	} `yaml:"extras"`
}

func loadRequestFile(path string) (model.EmissionRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.EmissionRequest{}, errors.Wrap(err, "read request file")
	}
	return parseRequest(data)
}

func parseRequest(data []byte) (model.EmissionRequest, error) {
	var f requestFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return model.EmissionRequest{}, errors.Wrap(err, "parse request file")
	}

	req := model.EmissionRequest{
		Type:   model.DocumentType(f.Type),
		Series: f.Series,
		Counterparty: model.Counterparty{
			Name:    f.Counterparty.Name,
			TaxID:   f.Counterparty.TaxID,
			Address: f.Counterparty.Address,
		},
		Extras: model.Extras{
			ServiceCode: f.Extras.ServiceCode,
			TaxWithheld: f.Extras.TaxWithheld,
		},
	}

	for i, it := range f.Items {
		qty, err := parseAmount(it.Quantity)
		if err != nil {
			return req, errors.Wrapf(err, "item %d quantity", i+1)
		}
		price, err := parseAmount(it.UnitPrice)
		if err != nil {
			return req, errors.Wrapf(err, "item %d unit_price", i+1)
		}
		req.Items = append(req.Items, model.Item{
			Description: it.Description,
			Quantity:    qty,
			UnitPrice:   price,
			NCM:         it.NCM,
			CFOP:        it.CFOP,
			ServiceCode: it.ServiceCode,
		})
	}
	return req, nil
}

// parseAmount leaves an empty value as zero so validation reports it.
func parseAmount(v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(v)
}
