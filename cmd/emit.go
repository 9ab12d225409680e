package cmd

import (
	"os"

	"github.com/alapierre/go-fiscal-engine/fiscal"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	emitFile   string
	emitSeries string
)

var emitCmd = &cobra.Command{
	Use:   "emit",
	Short: "Emit one document from a YAML request file",
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := loadRequestFile(emitFile)
		if err != nil {
			return err
		}

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx := fiscal.Context(cmd.Context(), uuid.NewString())
		if emitSeries != "" {
			ctx = fiscal.ContextWithSeries(ctx, emitSeries)
		}

		res, err := eng.orchestrator.Emit(ctx, req)
		if res != nil {
			printResult(os.Stdout, res)
		}
		if err != nil {
			return err
		}
		if !res.Authorized() {
			return errors.Errorf("document not authorized: %s", res.Kind)
		}
		return nil
	},
}

func init() {
	emitCmd.Flags().StringVarP(&emitFile, "file", "f", "", "path to the request YAML file")
	emitCmd.Flags().StringVar(&emitSeries, "series", "", "series to use when the request names none")
	_ = emitCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(emitCmd)
}
