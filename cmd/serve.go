package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/app-usage-collector/internal/api"
)

// newServeCmd creates the 'serve' subcommand that exposes stats and run triggers over HTTP.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "serve",
		Annotations: map[string]string{needsStoreAnnotation: "true"},
		Short:       "Serve health, metrics, stats and run triggers over HTTP",
		Long: `Starts the HTTP API. The port comes from server.port unless PORT is set,
as on Cloud Run. SIGTERM drains in-flight requests and waits for a
triggered run to finish.`,
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
			logger := a.Logger()
			cfg := a.Config()

			var ready api.Pinger
			if pinger := a.Ready(); pinger != nil {
				ready = pinger
			}
			server := api.NewServer(p, a.Store(), ready, a.IDs(), a.Clock(), cfg, logger.Named("api"))

			port := cfg.Server.Port
			if env := os.Getenv("PORT"); env != "" {
				if port, err = strconv.Atoi(env); err != nil {
					return fmt.Errorf("invalid PORT %q: %w", env, err)
				}
			}
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", port),
				Handler:           server.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			ctx, stop := context.WithCancel(cmd.Context())
			defer stop()
			errCh := make(chan error, 1)
			go func() {
				logger.Info("http server started", zap.Int("port", port))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
					stop()
				}
			}()

			<-ctx.Done()
			logger.Info("shutdown initiated")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("server shutdown error", zap.Error(err))
			}
			server.Wait()
			logger.Info("shutdown complete")

			select {
			case err := <-errCh:
				return fmt.Errorf("http server: %w", err)
			default:
				return nil
			}
		},
	}
}
