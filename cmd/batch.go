package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/app-usage-collector/internal/collector"
)

// newBatchCollectCmd creates the 'batch-collect' subcommand that runs one full collection.
func newBatchCollectCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:         "batch-collect",
		Annotations: map[string]string{needsStoreAnnotation: "true"},
		Short:       "Run one collection over every catalog source",
		Long: `Seeds the model catalog, opens a collection run, fetches every source's
listing, stores new apps and appends the run's usage history. When
collector.backfill_after_collect is set, missing metadata is backfilled too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer pushMetrics(cmd.Context(), a)

			p, err := a.Pipeline(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := p.Collect(cmd.Context())
			if err != nil {
				return fmt.Errorf("collect: %w", err)
			}
			return writeResult(cmd, a, output, summary)
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "write the run summary to a file path or gs://bucket/object")
	return cmd
}

// newBatchAppsCmd creates the 'batch-apps' subcommand that backfills app metadata.
func newBatchAppsCmd() *cobra.Command {
	var policy, output string
	cmd := &cobra.Command{
		Use:         "batch-apps",
		Annotations: map[string]string{needsStoreAnnotation: "true"},
		Short:       "Backfill missing descriptions and categories",
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer pushMetrics(cmd.Context(), a)

			selected := a.Config().BackfillPolicy()
			if policy != "" {
				if selected, err = collector.ParseBackfillPolicy(policy); err != nil {
					return err
				}
			}
			p, err := a.Pipeline(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := p.BackfillWithPolicy(cmd.Context(), selected)
			if err != nil {
				return fmt.Errorf("backfill: %w", err)
			}
			return writeResult(cmd, a, output, summary)
		},
	}
	cmd.Flags().StringVar(&policy, "policy", "", "combined or category_only (default: collector.backfill_policy)")
	cmd.Flags().StringVar(&output, "output", "", "write the backfill summary to a file path or gs://bucket/object")
	return cmd
}
