// Package app initializes and holds long-lived application services, acting as
// a dependency injection container for the commands.
package app

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/app-usage-collector/internal/cache"
	"github.com/JakeFAU/app-usage-collector/internal/clock/system"
	"github.com/JakeFAU/app-usage-collector/internal/collector"
	"github.com/JakeFAU/app-usage-collector/internal/config"
	"github.com/JakeFAU/app-usage-collector/internal/extract"
	collyfetcher "github.com/JakeFAU/app-usage-collector/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/app-usage-collector/internal/fetcher/headless"
	"github.com/JakeFAU/app-usage-collector/internal/headless/detector"
	"github.com/JakeFAU/app-usage-collector/internal/id/uuid"
	"github.com/JakeFAU/app-usage-collector/internal/llm"
	"github.com/JakeFAU/app-usage-collector/internal/pipeline"
	"github.com/JakeFAU/app-usage-collector/internal/policy/ratelimit"
	"github.com/JakeFAU/app-usage-collector/internal/publisher/pubsub"
	"github.com/JakeFAU/app-usage-collector/internal/storage"
	"github.com/JakeFAU/app-usage-collector/internal/storage/memory"
	"github.com/JakeFAU/app-usage-collector/internal/storage/postgres"
)

// App holds the shared services of one command execution. Services that need
// a browser or a model are built on first use so that commands such as stats
// never start Chrome.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     collector.Store
	pinger    interface{ Ping(context.Context) error }
	publisher *pubsub.Publisher
	output    *storage.Writer
	clock     collector.Clock
	ids       collector.IDGenerator

	gatewayOnce sync.Once
	gateway     collector.Gateway
	gatewayErr  error
	closers     []func()
}

// New connects the store and optional publisher described by cfg.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.ValidateStore(); err != nil {
		return nil, err
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		output: storage.NewWriter(os.Stdout),
		clock:  system.New(),
		ids:    uuid.New(),
	}

	switch cfg.DB.Driver {
	case config.DriverMemory:
		logger.Info("using in-memory store; nothing will be persisted")
		a.store = memory.NewStore()
	default:
		if cfg.DB.MigrationsAuto {
			if err := postgres.Migrate(cfg.DB.DSN, postgres.DirectionUp, 0); err != nil {
				return nil, fmt.Errorf("auto migrate: %w", err)
			}
		}
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.store = pg
		a.pinger = pg
	}

	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		pub, err := pubsub.New(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			a.store.Close()
			return nil, fmt.Errorf("connect pubsub: %w", err)
		}
		logger.Info("publishing run summaries", zap.String("topic", cfg.PubSub.TopicName))
		a.publisher = pub
	}
	return a, nil
}

// NewWithServices builds an App around pre-built services; used by tests and dry runs.
func NewWithServices(cfg config.Config, store collector.Store, gateway collector.Gateway, clock collector.Clock, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
		output: storage.NewWriter(os.Stdout),
		clock:  clock,
		ids:    uuid.New(),
	}
	if gateway != nil {
		a.gatewayOnce.Do(func() { a.gateway = gateway })
	}
	return a
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Store returns the configured store.
func (a *App) Store() collector.Store {
	return a.store
}

// Ready returns a readiness probe for the store, or nil when it has none.
func (a *App) Ready() interface{ Ping(context.Context) error } {
	return a.pinger
}

// Clock returns the system clock.
func (a *App) Clock() collector.Clock {
	return a.clock
}

// IDs returns the execution id generator.
func (a *App) IDs() collector.IDGenerator {
	return a.ids
}

// Output returns the writer behind --output.
func (a *App) Output() *storage.Writer {
	return a.output
}

// SetOutput replaces the output writer.
func (a *App) SetOutput(w *storage.Writer) {
	a.output = w
}

// Gateway builds the renderer, model, cache and limiter on first call.
func (a *App) Gateway(ctx context.Context) (collector.Gateway, error) {
	a.gatewayOnce.Do(func() {
		a.gateway, a.gatewayErr = a.buildGateway(ctx)
	})
	return a.gateway, a.gatewayErr
}

// Pipeline wires a pipeline to the store and gateway.
func (a *App) Pipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	gateway, err := a.Gateway(ctx)
	if err != nil {
		return nil, err
	}
	var publisher collector.Publisher
	if a.publisher != nil {
		publisher = a.publisher
	}
	return pipeline.New(pipeline.Config{
		Catalog:              a.cfg.Sources(),
		Scheduler:            a.cfg.SchedulerConfig(),
		BackfillPolicy:       a.cfg.BackfillPolicy(),
		BackfillAfterCollect: a.cfg.Collector.BackfillAfterCollect,
		Topic:                a.cfg.PubSub.TopicName,
	}, a.store, gateway, publisher, a.clock, a.ids, a.logger)
}

func (a *App) buildGateway(ctx context.Context) (collector.Gateway, error) {
	model, err := llm.New(llm.Config{
		BaseURL:     a.cfg.LLM.BaseURL,
		APIKey:      a.cfg.LLM.APIKey,
		Model:       a.cfg.LLM.Model,
		Temperature: a.cfg.LLM.Temperature,
		MaxTokens:   a.cfg.LLM.MaxTokens,
		Timeout:     a.cfg.LLMTimeout(),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("llm client: %w", err)
	}

	renderer, err := a.buildRenderer()
	if err != nil {
		return nil, err
	}

	var extractionCache extract.Cache
	if a.cfg.Cache.RedisAddr != "" {
		rc, err := cache.New(ctx, cache.Config{
			Addr:     a.cfg.Cache.RedisAddr,
			Password: a.cfg.Cache.Password,
			DB:       a.cfg.Cache.DB,
			TTL:      a.cfg.CacheTTL(),
			Prefix:   a.cfg.Cache.Prefix,
		})
		if err != nil {
			// The cache only saves model calls.
			a.logger.Warn("redis cache disabled", zap.String("addr", a.cfg.Cache.RedisAddr), zap.Error(err))
		} else {
			extractionCache = rc
			a.closers = append(a.closers, func() { _ = rc.Close() })
		}
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.Extraction.RatePerSecond,
		DefaultBurst: a.cfg.Extraction.Burst,
		PerHost:      a.cfg.PerHostRates(),
	})

	gateway, err := extract.New(extract.Config{
		BaseURL:      a.cfg.Extraction.BaseURL,
		MaxPageChars: a.cfg.Extraction.MaxPageChars,
	}, renderer, model, extractionCache, limiter, a.logger)
	if err != nil {
		return nil, fmt.Errorf("extraction gateway: %w", err)
	}
	return gateway, nil
}

func (a *App) buildRenderer() (collector.Renderer, error) {
	static := func() *collyfetcher.Fetcher {
		return collyfetcher.New(collyfetcher.Config{
			UserAgent:     a.cfg.Extraction.UserAgent,
			RespectRobots: a.cfg.Extraction.RespectRobots,
			Timeout:       a.cfg.NavTimeout(),
		})
	}
	headless := func() (*headlessfetcher.Fetcher, error) {
		f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Extraction.MaxParallel,
			UserAgent:         a.cfg.Extraction.UserAgent,
			NavigationTimeout: a.cfg.NavTimeout(),
			SettleDelay:       a.cfg.SettleDelay(),
		})
		if err != nil {
			return nil, fmt.Errorf("headless renderer: %w", err)
		}
		a.closers = append(a.closers, f.Close)
		return f, nil
	}

	switch a.cfg.Extraction.Renderer {
	case config.RendererColly:
		return static(), nil
	case config.RendererAuto:
		h, err := headless()
		if err != nil {
			return nil, err
		}
		return detector.NewRenderer(static(), h, detector.NewHeuristic(a.cfg.Extraction.PromotionThreshold), a.logger), nil
	default:
		h, err := headless()
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

// Close releases every service in reverse order of creation.
func (a *App) Close() {
	a.logger.Debug("shutting down application services")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("error closing pubsub client", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	// Sync fails on some terminals; there is nothing left to report it to.
	_ = a.logger.Sync()
}
