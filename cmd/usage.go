package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/app-usage-collector/internal/collector"
)

// sourceListing is the usage command's per-model output.
type sourceListing struct {
	Model string                 `json:"model"`
	Apps  []collector.UsageEntry `json:"apps"`
	Error string                 `json:"error,omitempty"`
}

// newUsageCmd creates the 'usage' subcommand, a read-only fetch of one or all
// model listings. Nothing is persisted.
func newUsageCmd() *cobra.Command {
	var model, output string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Fetch the app usage listing of a model",
		Long: `Extracts the apps ranked on a model's usage page and prints them as JSON.
Without --model every catalog source is fetched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			p, err := a.Pipeline(cmd.Context())
			if err != nil {
				return err
			}

			keys := []string{model}
			if model == "" {
				keys = keys[:0]
				for _, src := range p.Catalog() {
					keys = append(keys, src.Key)
				}
			}

			results := p.FetchUsage(cmd.Context(), keys)
			listings := make([]sourceListing, 0, len(results))
			failed := 0
			for _, res := range results {
				listing := sourceListing{Model: res.SourceKey, Apps: res.Entries}
				if listing.Apps == nil {
					listing.Apps = []collector.UsageEntry{}
				}
				if res.Err != nil {
					failed++
					listing.Error = res.Err.Error()
					a.Logger().Warn("usage fetch failed", zap.String("source", res.SourceKey), zap.Error(res.Err))
				}
				listings = append(listings, listing)
			}

			var payload any = listings
			if model != "" && len(listings) == 1 {
				payload = listings[0]
			}
			if err := writeResult(cmd, a, output, payload); err != nil {
				return err
			}
			if failed > 0 && failed == len(results) {
				return errors.New("every usage fetch failed")
			}
			if failed > 0 {
				a.Logger().Warn("some sources failed", zap.Int("failed", failed), zap.Int("total", len(results)))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model name, e.g. anthropic/claude-sonnet-4 (default: every catalog source)")
	cmd.Flags().StringVar(&output, "output", "", "write JSON to a file path or gs://bucket/object instead of stdout")
	return cmd
}

// newAppsCmd creates the 'apps' subcommand, which describes a single app.
func newAppsCmd() *cobra.Command {
	var appURL, output string
	cmd := &cobra.Command{
		Use:   "apps",
		Short: "Extract the description and category of one app",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			p, err := a.Pipeline(cmd.Context())
			if err != nil {
				return err
			}
			info, err := p.Describe(cmd.Context(), appURL)
			if err != nil {
				return fmt.Errorf("describe %s: %w", appURL, err)
			}
			return writeResult(cmd, a, output, info)
		},
	}
	cmd.Flags().StringVar(&appURL, "url", "", "app site url, e.g. https://cline.bot")
	cmd.Flags().StringVar(&output, "output", "", "write JSON to a file path or gs://bucket/object instead of stdout")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}
