package cmd

import (
	"fmt"
	"os"

	"github.com/alapierre/go-fiscal-engine/fiscal/qr"
	"github.com/spf13/cobra"
)

var showQR string

var showCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a document with its items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		doc, err := eng.registry.GetDocumentWithItems(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printDocument(os.Stdout, doc)

		link, err := qr.VerificationLink(cfg.Authority.Env(), doc.CounterpartyTaxID, doc.IssuedAt, doc.VerificationCode)
		if err != nil {
			return err
		}
		fmt.Printf("verify:   %s\n", link)

		if showQR == "" {
			return nil
		}
		img, err := qr.PNG(link)
		if err != nil {
			return err
		}
		return os.WriteFile(showQR, img, 0o644)
	},
}

func init() {
	showCmd.Flags().StringVar(&showQR, "qr", "", "write the verification QR code PNG to this path")
	rootCmd.AddCommand(showCmd)
}
