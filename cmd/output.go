package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/app-usage-collector/internal/metrics"
	"github.com/JakeFAU/app-usage-collector/internal/storage"
)

const contentTypeJSON = "application/json"

// writeResult encodes payload as indented JSON to stdout or to the --output target.
func writeResult(cmd *cobra.Command, a App, output string, payload any) error {
	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	body = append(body, '\n')
	return writeBody(cmd, a, output, contentTypeJSON, body)
}

func writeBody(cmd *cobra.Command, a App, output, contentType string, body []byte) error {
	target, err := storage.ParseTarget(output)
	if err != nil {
		return err
	}
	if target.Kind == storage.TargetStdout {
		_, err := cmd.OutOrStdout().Write(body)
		return err
	}
	w := *a.Output()
	w.Metadata = map[string]string{"generator": serviceName, "command": cmd.Name()}
	location, err := w.Write(cmd.Context(), output, contentType, body)
	if err != nil {
		return err
	}
	a.Logger().Info("result written", zap.String("location", location))
	return nil
}

// pushMetrics sends run metrics to the configured Pushgateway. Failures are logged only.
func pushMetrics(ctx context.Context, a App) {
	cfg := a.Config().Metrics
	if cfg.PushgatewayURL == "" {
		return
	}
	if err := metrics.Push(ctx, cfg.PushgatewayURL, cfg.JobName); err != nil {
		a.Logger().Warn("metrics push failed", zap.String("url", cfg.PushgatewayURL), zap.Error(err))
	}
}
