package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/alapierre/go-fiscal-engine/fiscal/emission"
	"github.com/alapierre/go-fiscal-engine/fiscal/model"
)

func printResult(w io.Writer, res *emission.Result) {
	fmt.Fprintf(w, "request:  %s\n", res.RequestID)
	fmt.Fprintf(w, "status:   %s\n", res.Status)
	if res.Kind != "" {
		fmt.Fprintf(w, "kind:     %s (retryable: %t)\n", res.Kind, res.Retryable)
	}
	if res.Message != "" {
		fmt.Fprintf(w, "message:  %s\n", res.Message)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  - %s\n", e)
	}
	if res.Document != nil {
		printDocument(w, res.Document)
	}
}

func printDocument(w io.Writer, doc *model.Document) {
	fmt.Fprintf(w, "id:       %s\n", doc.ID)
	fmt.Fprintf(w, "document: %s %s/%d issued %s\n", doc.Type, doc.Series, doc.Number, doc.IssuedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "to:       %s (%s)\n", doc.CounterpartyName, doc.CounterpartyTaxID)
	fmt.Fprintf(w, "total:    %s\n", doc.TotalAmount.StringFixed(2))
	if doc.TaxWithheld {
		fmt.Fprintf(w, "withheld: %s\n", doc.WithheldAmount.StringFixed(2))
	}
	fmt.Fprintf(w, "code:     %s\n", doc.VerificationCode)
	if doc.ExternalDocumentRef != "" {
		fmt.Fprintf(w, "xml:      %s\n", doc.ExternalDocumentRef)
		fmt.Fprintf(w, "pdf:      %s\n", doc.ExternalRenderRef)
	}
	if len(doc.Items) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tCODE\tDESCRIPTION\tQTY\tUNIT\tTOTAL")
	for _, it := range doc.Items {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", it.Position, it.Code, it.Description,
			it.Quantity.String(), it.UnitPrice.StringFixed(2), it.LineTotal().StringFixed(2))
	}
	_ = tw.Flush()
}

func printDocuments(w io.Writer, docs []model.Document) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSERIES\tNUMBER\tISSUED\tTAX ID\tTOTAL\tSTATUS")
	for _, d := range docs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n", d.ID, d.Type, d.Series, d.Number,
			d.IssuedAt.Format(time.DateOnly), d.CounterpartyTaxID, d.TotalAmount.StringFixed(2), d.Status)
	}
	_ = tw.Flush()
}
