package cmd

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/alapierre/go-fiscal-engine/fiscal/archive"
	"github.com/spf13/cobra"
)

var (
	archiveFlags filterFlags
	archiveOut   string
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Export authorized documents as a ZIP of XML files with a manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := archiveFlags.filter()
		if err != nil {
			return err
		}
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		src, err := archive.NewRegistrySource(cmd.Context(), eng.registry, f)
		if err != nil {
			return err
		}

		out := archiveOut
		if out == "" {
			out = fmt.Sprintf("fiscal-archive-%s.zip", time.Now().Format("20060102-150405"))
		}
		res, err := archive.BuildFile(out, src)
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s (%d documents)\n", hex.EncodeToString(res.ZipSHA256), res.ZipPath, len(res.Documents))
		return nil
	},
}

func init() {
	archiveFlags.register(archiveCmd, false)
	archiveCmd.Flags().StringVarP(&archiveOut, "out", "o", "", "output ZIP path")
	rootCmd.AddCommand(archiveCmd)
}
