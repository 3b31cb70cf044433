// Package cmd defines and implements the CLI commands for the collector executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/app-usage-collector/internal/app"
	"github.com/JakeFAU/app-usage-collector/internal/collector"
	"github.com/JakeFAU/app-usage-collector/internal/config"
	"github.com/JakeFAU/app-usage-collector/internal/logging"
	"github.com/JakeFAU/app-usage-collector/internal/pipeline"
	"github.com/JakeFAU/app-usage-collector/internal/storage"
	"github.com/JakeFAU/app-usage-collector/internal/telemetry"
)

const serviceName = "app-usage-collector"

// Command annotations.
const (
	// skipAppAnnotation marks commands that only need configuration and a logger.
	skipAppAnnotation = "skip-app"
	// needsStoreAnnotation marks commands that read or write the configured store.
	// Other commands run against a throwaway in-memory store.
	needsStoreAnnotation = "needs-store"
)

// contextKey is the key type for values stored in the command context.
type contextKey string

const (
	appKey    contextKey = "app"
	configKey contextKey = "config"
	loggerKey contextKey = "logger"
	tracerKey contextKey = "tracer"
)

// App defines the application interface that commands will use.
// This allows us to inject a test app during tests.
type App interface {
	Config() config.Config
	Logger() *zap.Logger
	Store() collector.Store
	Ready() interface{ Ping(context.Context) error }
	Clock() collector.Clock
	IDs() collector.IDGenerator
	Output() *storage.Writer
	Pipeline(ctx context.Context) (*pipeline.Pipeline, error)
	Close()
}

// newApp is the application factory. It's a variable so we can
// replace it with a test factory.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "collector",
		Short: "Collects app token usage from model leaderboards.",
		Long: `collector scrapes the per-model app listings of an LLM router, keeps one
identity per app URL, appends usage history for every run and backfills
missing descriptions and categories.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
				Format:      cfg.Logging.Format,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			shutdownTracing, err := telemetry.Setup(cmd.Context(), telemetry.Options{
				ServiceName: serviceName,
				Command:     cmd.Name(),
			})
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}

			ctx := context.WithValue(cmd.Context(), configKey, cfg)
			ctx = context.WithValue(ctx, loggerKey, logger)
			ctx = context.WithValue(ctx, tracerKey, shutdownTracing)
			if cmd.Annotations[skipAppAnnotation] == "" {
				appCfg := cfg
				if cmd.Annotations[needsStoreAnnotation] == "" {
					appCfg.DB = config.DBConfig{Driver: config.DriverMemory}
				}
				appInstance, err := newApp(ctx, appCfg, logger)
				if err != nil {
					return fmt.Errorf("failed to initialize application services: %w", err)
				}
				ctx = context.WithValue(ctx, appKey, appInstance)
			}
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if shutdown, ok := cmd.Context().Value(tracerKey).(func(context.Context) error); ok {
				_ = shutdown(context.Background())
			}
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
				return
			}
			if logger, ok := cmd.Context().Value(loggerKey).(*zap.Logger); ok {
				_ = logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml); env vars use the COLLECTOR_ prefix")

	cmd.AddCommand(
		newUsageCmd(),
		newAppsCmd(),
		newBatchCollectCmd(),
		newBatchAppsCmd(),
		newStatsCmd(),
		newMigrateCmd(),
		newServeCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		zap.L().Error("Command execution failed", zap.Error(err))
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func resolveConfig(ctx context.Context) (config.Config, *zap.Logger, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, nil, errors.New("configuration not loaded")
	}
	logger, ok := ctx.Value(loggerKey).(*zap.Logger)
	if !ok || logger == nil {
		logger = zap.NewNop()
	}
	return cfg, logger, nil
}
