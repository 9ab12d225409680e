package cmd

import (
	"os"
	"time"

	"github.com/alapierre/go-fiscal-engine/fiscal/model"
	"github.com/alapierre/go-fiscal-engine/fiscal/registry"
	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
)

type filterFlags struct {
	docType string
	status  string
	series  string
	taxID   string
	from    string
	to      string
	limit   int
	offset  int
}

func (f *filterFlags) register(cmd *cobra.Command, paging bool) {
	cmd.Flags().StringVar(&f.docType, "type", "", "document type (NF-e or NFS-e)")
	cmd.Flags().StringVar(&f.series, "series", "", "series")
	cmd.Flags().StringVar(&f.taxID, "tax-id", "", "counterparty tax id (digits)")
	cmd.Flags().StringVar(&f.from, "from", "", "issued on or after (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.to, "to", "", "issued on or before (YYYY-MM-DD)")
	if paging {
		cmd.Flags().StringVar(&f.status, "status", "", "document status")
		cmd.Flags().IntVar(&f.limit, "limit", 0, "maximum number of documents")
		cmd.Flags().IntVar(&f.offset, "offset", 0, "number of documents to skip")
	}
}

func (f *filterFlags) filter() (registry.Filter, error) {
	out := registry.Filter{
		Type:   model.DocumentType(f.docType),
		Status: model.Status(f.status),
		Series: f.series,
		TaxID:  f.taxID,
		Limit:  f.limit,
		Offset: f.offset,
	}
	if out.Type != "" && !out.Type.Valid() {
		return out, errors.Errorf("unknown document type %q", f.docType)
	}
	if f.limit < 0 || f.offset < 0 {
		return out, errors.New("limit and offset must not be negative")
	}
	var err error
	if f.from != "" {
		if out.From, err = time.ParseInLocation(time.DateOnly, f.from, time.UTC); err != nil {
			return out, errors.Wrap(err, "--from")
		}
	}
	if f.to != "" {
		if out.To, err = time.ParseInLocation(time.DateOnly, f.to, time.UTC); err != nil {
			return out, errors.Wrap(err, "--to")
		}
		// inclusive of the whole day
		out.To = out.To.AddDate(0, 0, 1)
	}
	return out, nil
}

var listFlags filterFlags

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents in the registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := listFlags.filter()
		if err != nil {
			return err
		}
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		docs, err := eng.registry.ListDocuments(cmd.Context(), f)
		if err != nil {
			return err
		}
		printDocuments(os.Stdout, docs)
		return nil
	},
}

func init() {
	listFlags.register(listCmd, true)
	rootCmd.AddCommand(listCmd)
}
