package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var attemptsLimit int

var attemptsCmd = &cobra.Command{
	Use:   "attempts",
	Short: "List audited emission attempts that were rejected or failed",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.Emission.AuditAttempts {
			fmt.Fprintln(os.Stderr, "note: emission.audit_attempts is off, new attempts are not recorded")
		}
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		attempts, err := eng.registry.ListAttempts(cmd.Context(), attemptsLimit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "WHEN\tREQUEST\tTYPE\tSERIES\tTAX ID\tTOTAL\tSTATUS\tREASON")
		for _, a := range attempts {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", a.CreatedAt.Format(time.RFC3339), a.RequestID,
				a.Type, a.Series, a.CounterpartyTaxID, a.TotalAmount.StringFixed(2), a.Status, a.Reason)
		}
		return tw.Flush()
	},
}

func init() {
	attemptsCmd.Flags().IntVar(&attemptsLimit, "limit", 50, "maximum number of attempts")
	rootCmd.AddCommand(attemptsCmd)
}
