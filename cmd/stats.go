package cmd

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/app-usage-collector/internal/report"
)

// newStatsCmd creates the 'stats' subcommand that summarizes the latest run by category.
func newStatsCmd() *cobra.Command {
	var output string
	var asJSON bool
	cmd := &cobra.Command{
		Use:         "stats",
		Annotations: map[string]string{needsStoreAnnotation: "true"},
		Short:       "Show token usage of the latest run by category",
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := report.Latest(cmd.Context(), a.Store())
			if errors.Is(err, report.ErrNoRuns) {
				fmt.Fprintln(cmd.OutOrStdout(), "No collection runs yet. Run batch-collect first.")
				return nil
			}
			if err != nil {
				return err
			}
			if asJSON {
				return writeResult(cmd, a, output, stats)
			}
			var buf bytes.Buffer
			if err := stats.WriteTable(&buf); err != nil {
				return fmt.Errorf("render stats: %w", err)
			}
			return writeBody(cmd, a, output, "text/plain; charset=utf-8", buf.Bytes())
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "write the report to a file path or gs://bucket/object")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON instead of a table")
	return cmd
}
