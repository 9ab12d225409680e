package xmldoc

import (
	"strings"
	"testing"
	"time"

	"github.com/alapierre/go-fiscal-engine/fiscal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestBuild_GoodsInvoice(t *testing.T) {
	doc := &model.Document{
		Type:                model.GoodsInvoice,
		Series:              "1",
		Number:              42,
		CounterpartyName:    "Construtora Horizonte Ltda",
		CounterpartyTaxID:   "12.345.678/0001-95",
		CounterpartyAddress: "Rua das Obras, 100",
		IssuedAt:            time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	items := []model.Item{
		{Code: "ITEM-1", Description: "Cimento CP-II 50kg", Quantity: dec("10"), UnitPrice: dec("32.90"), NCM: "25232910", CFOP: "5102"},
		{Code: "ITEM-2", Description: "Areia média m3", Quantity: dec("2.5"), UnitPrice: dec("120.00"), NCM: "25051000", CFOP: "5102"},
	}

	out, err := Build(doc, items)
	require.NoError(t, err)

	xml := string(out)
	assert.Contains(t, xml, `<NFe xmlns="`+NamespaceNFe+`">`)
	assert.Contains(t, xml, "<CNPJ>12345678000195</CNPJ>")
	assert.Contains(t, xml, "<NCM>25232910</NCM>")
	assert.Contains(t, xml, "<vNF>629.00</vNF>")
	assert.Contains(t, xml, "<nNF>42</nNF>")

	s, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, model.GoodsInvoice, s.Type)
	assert.Equal(t, "1", s.Series)
	assert.Equal(t, int64(42), s.Number)
	assert.Equal(t, "12345678000195", s.TaxID)
	assert.Equal(t, 2, s.ItemCount)
	assert.Equal(t, "629.00", s.Total.StringFixed(2))
}

func TestBuild_ServiceInvoiceDraft(t *testing.T) {
	doc := &model.Document{
		Type:                model.ServiceInvoice,
		Series:              "A",
		CounterpartyName:    "Maria Souza",
		CounterpartyTaxID:   "123.456.789-09",
		CounterpartyAddress: "Av. Brasil, 1",
		ServiceCode:         "07.02",
		TaxWithheld:         true,
		WithheldAmount:      dec("25.00"),
	}
	items := []model.Item{{Code: "ITEM-1", Description: "Reboco", Quantity: dec("1"), UnitPrice: dec("500")}}

	out, err := Build(doc, items)
	require.NoError(t, err)

	xml := string(out)
	assert.Contains(t, xml, "<CPF>12345678909</CPF>")
	assert.Contains(t, xml, "<cServico>07.02</cServico>")
	assert.Contains(t, xml, "<ISSRetido>true</ISSRetido>")
	assert.Contains(t, xml, "<vISSRetido>25.00</vISSRetido>")
	assert.False(t, strings.Contains(xml, "<nNF>"), "draft must not carry a number")

	s, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.Number)
	assert.Equal(t, "500.00", s.Total.StringFixed(2))
}

func TestBuild_RejectsUnknownType(t *testing.T) {
	_, err := Build(&model.Document{Type: "CT-e"}, nil)
	assert.Error(t, err)

	_, err = Build(nil, nil)
	assert.Error(t, err)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("<Other/>"))
	assert.Error(t, err)

	_, err = Parse([]byte("<NFe><ide/></NFe>"))
	assert.Error(t, err)
}

func TestDigest_Stable(t *testing.T) {
	assert.Equal(t, Digest([]byte("abc")), Digest([]byte("abc")))
	assert.Len(t, Digest([]byte("abc")), 64)
}
