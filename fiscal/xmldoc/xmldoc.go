// Package xmldoc builds the XML representation of a fiscal document, the
// payload a signing integration would forward to the authority.
package xmldoc

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/alapierre/go-fiscal-engine/fiscal/model"
	"github.com/alapierre/go-fiscal-engine/fiscal/validation"
	"github.com/beevik/etree"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

const (
	NamespaceNFe  = "http://www.portalfiscal.inf.br/nfe"
	NamespaceNFSe = "http://www.abrasf.org.br/nfse.xsd"
)

// Build renders doc and its items. Number and IssuedAt are written only when set,
// so the same function serves both the pre-submission draft and the archived copy.
func Build(doc *model.Document, items []model.Item) ([]byte, error) {
	if doc == nil {
		return nil, errors.New("document is nil")
	}

	xd := etree.NewDocument()
	xd.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	var root *etree.Element
	switch doc.Type {
	case model.GoodsInvoice:
		root = xd.CreateElement("NFe")
		root.CreateAttr("xmlns", NamespaceNFe)
	case model.ServiceInvoice:
		root = xd.CreateElement("NFSe")
		root.CreateAttr("xmlns", NamespaceNFSe)
	default:
		return nil, fmt.Errorf("unsupported document type %q", doc.Type)
	}

	ide := root.CreateElement("ide")
	ide.CreateElement("mod").SetText(string(doc.Type))
	ide.CreateElement("serie").SetText(doc.Series)
	if doc.Number > 0 {
		ide.CreateElement("nNF").SetText(strconv.FormatInt(doc.Number, 10))
	}
	if !doc.IssuedAt.IsZero() {
		ide.CreateElement("dhEmi").SetText(doc.IssuedAt.UTC().Format(time.RFC3339))
	}

	dest := root.CreateElement("dest")
	digits := validation.TaxIDDigits(doc.CounterpartyTaxID)
	if len(digits) == 11 {
		dest.CreateElement("CPF").SetText(digits)
	} else {
		dest.CreateElement("CNPJ").SetText(digits)
	}
	dest.CreateElement("xNome").SetText(doc.CounterpartyName)
	dest.CreateElement("xEnder").SetText(doc.CounterpartyAddress)

	total := decimal.Zero
	for i, it := range items {
		det := root.CreateElement("det")
		det.CreateAttr("nItem", strconv.Itoa(i+1))
		prod := det.CreateElement("prod")
		prod.CreateElement("cProd").SetText(it.Code)
		prod.CreateElement("xProd").SetText(it.Description)
		prod.CreateElement("qCom").SetText(it.Quantity.StringFixed(model.QuantityPlaces))
		prod.CreateElement("vUnCom").SetText(it.UnitPrice.StringFixed(model.CurrencyPlaces))
		lt := it.LineTotal()
		prod.CreateElement("vProd").SetText(lt.StringFixed(2))
		total = total.Add(lt)

		switch doc.Type {
		case model.GoodsInvoice:
			prod.CreateElement("NCM").SetText(it.NCM)
			prod.CreateElement("CFOP").SetText(it.CFOP)
		case model.ServiceInvoice:
			code := it.ServiceCode
			if code == "" {
				code = doc.ServiceCode
			}
			prod.CreateElement("cServico").SetText(code)
		}
	}

	tot := root.CreateElement("total")
	tot.CreateElement("vNF").SetText(total.StringFixed(2))
	if doc.Type == model.ServiceInvoice {
		tot.CreateElement("cServico").SetText(doc.ServiceCode)
		tot.CreateElement("ISSRetido").SetText(strconv.FormatBool(doc.TaxWithheld))
		tot.CreateElement("vISSRetido").SetText(doc.WithheldAmount.StringFixed(2))
	}

	xd.Indent(2)
	return xd.WriteToBytes()
}

// Summary is what Parse reads back from a built document.
type Summary struct {
	Type      model.DocumentType
	Series    string
	Number    int64
	TaxID     string
	ItemCount int
	Total     decimal.Decimal
}

func Parse(data []byte) (*Summary, error) {
	xd := etree.NewDocument()
	if err := xd.ReadFromBytes(data); err != nil {
		return nil, errors.Wrap(err, "read xml")
	}
	root := xd.Root()
	if root == nil {
		return nil, errors.New("empty xml document")
	}

	s := &Summary{}
	switch root.Tag {
	case "NFe":
		s.Type = model.GoodsInvoice
	case "NFSe":
		s.Type = model.ServiceInvoice
	default:
		return nil, fmt.Errorf("unexpected root element %q", root.Tag)
	}

	if el := root.FindElement("ide/serie"); el != nil {
		s.Series = el.Text()
	}
	if el := root.FindElement("ide/nNF"); el != nil {
		n, err := strconv.ParseInt(el.Text(), 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "parse nNF")
		}
		s.Number = n
	}
	for _, tag := range []string{"dest/CNPJ", "dest/CPF"} {
		if el := root.FindElement(tag); el != nil {
			s.TaxID = el.Text()
		}
	}
	s.ItemCount = len(root.SelectElements("det"))

	el := root.FindElement("total/vNF")
	if el == nil {
		return nil, errors.New("missing total/vNF")
	}
	total, err := decimal.NewFromString(el.Text())
	if err != nil {
		return nil, errors.Wrap(err, "parse vNF")
	}
	s.Total = total
	return s, nil
}

// Digest returns the hex SHA-256 of the document XML.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
