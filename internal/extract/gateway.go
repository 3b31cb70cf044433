package extract

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/app-usage-collector/internal/collector"
	"github.com/JakeFAU/app-usage-collector/internal/hash/sha256"
	"github.com/JakeFAU/app-usage-collector/internal/metrics"
)

// DefaultBaseURL is the aggregator hosting the listing and details pages.
const DefaultBaseURL = "https://openrouter.ai"

var _ collector.Gateway = (*Gateway)(nil)

// Model completes a prompt into a JSON object.
type Model interface {
	CompleteJSON(ctx context.Context, system, user string) (string, error)
}

// Cache stores validated model responses keyed by schema and page text.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Limiter throttles page loads per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Config controls the Gateway.
type Config struct {
	BaseURL      string
	MaxPageChars int
}

// Gateway implements collector.Gateway.
type Gateway struct {
	cfg      Config
	renderer collector.Renderer
	model    Model
	cache    Cache
	limiter  Limiter
	hasher   sha256.Hasher
	logger   *zap.Logger
}

// New constructs a Gateway. cache and limiter are optional.
func New(
	cfg Config,
	renderer collector.Renderer,
	model Model,
	cache Cache,
	limiter Limiter,
	logger *zap.Logger,
) (*Gateway, error) {
	if renderer == nil {
		return nil, errors.New("extract: renderer is required")
	}
	if model == nil {
		return nil, errors.New("extract: model is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxPageChars <= 0 {
		cfg.MaxPageChars = DefaultMaxPageChars
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		cfg:      cfg,
		renderer: renderer,
		model:    model,
		cache:    cache,
		limiter:  limiter,
		hasher:   sha256.New(),
		logger:   logger.Named("extract"),
	}, nil
}

// Usage extracts the app listing of a source.
func (g *Gateway) Usage(ctx context.Context, sourceKey string) ([]collector.UsageEntry, error) {
	target := ListingURL(g.cfg.BaseURL, sourceKey)
	var entries []collector.UsageEntry
	err := g.run(ctx, target, usageSchema, func(raw string) error {
		decoded, dropped, err := decodeUsage(raw, g.cfg.BaseURL)
		if err != nil {
			return err
		}
		if dropped > 0 {
			g.logger.Debug("dropped listing entries without a usable url",
				zap.String("source", sourceKey), zap.Int("dropped", dropped))
		}
		entries = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Details extracts name and description from the aggregator page of an app.
func (g *Gateway) Details(ctx context.Context, appURL string) (collector.AppDetails, error) {
	target := DetailsURL(g.cfg.BaseURL, appURL)
	var details collector.AppDetails
	err := g.run(ctx, target, detailsSchema, func(raw string) error {
		decoded, err := decodeDetails(raw)
		details = decoded
		return err
	})
	if err != nil {
		return collector.AppDetails{}, err
	}
	return details, nil
}

// Category classifies an app from its own site.
func (g *Gateway) Category(ctx context.Context, appURL string) (collector.Category, error) {
	var category collector.Category
	err := g.run(ctx, appURL, categorySchema, func(raw string) error {
		decoded, err := decodeCategory(raw)
		category = decoded
		return err
	})
	if err != nil {
		return "", err
	}
	return category, nil
}

func (g *Gateway) run(ctx context.Context, target string, s schema, decode func(string) error) (err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveExtraction(s.name, err == nil, time.Since(start))
	}()

	fail := func(kind Kind, cause error) error {
		return &Error{Kind: kind, Target: target, Schema: s.name, Err: cause}
	}

	page, err := g.render(ctx, target)
	if err != nil {
		return fail(KindUnreachable, err)
	}
	text := s.condense(page, g.cfg.MaxPageChars)
	if text == "" {
		return fail(KindUnreachable, errors.New("page has no text"))
	}

	key := g.hasher.Key(s.name, text)
	if cached, ok := g.cacheGet(ctx, key); ok {
		if decodeErr := decode(cached); decodeErr == nil {
			g.logger.Debug("extraction served from cache", zap.String("target", target), zap.String("schema", s.name))
			return nil
		}
	}

	raw, err := g.model.CompleteJSON(ctx, s.systemPrompt(), "URL: "+page.URL+"\n\n"+text)
	if err != nil {
		return fail(KindModel, err)
	}
	if err := decode(raw); err != nil {
		return fail(KindSchemaMismatch, err)
	}
	g.cacheSet(ctx, key, raw)
	return nil
}

func (g *Gateway) render(ctx context.Context, target string) (collector.Page, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx, target); err != nil {
			return collector.Page{}, err
		}
	}
	page, err := g.renderer.Render(ctx, target)
	if err != nil {
		return collector.Page{}, fmt.Errorf("render: %w", err)
	}
	if page.StatusCode >= http.StatusBadRequest {
		return collector.Page{}, fmt.Errorf("render: status %d", page.StatusCode)
	}
	if page.URL == "" {
		page.URL = target
	}
	return page, nil
}

func (g *Gateway) cacheGet(ctx context.Context, key string) (string, bool) {
	if g.cache == nil {
		return "", false
	}
	val, ok, err := g.cache.Get(ctx, key)
	if err != nil {
		g.logger.Warn("extraction cache read failed", zap.Error(err))
		return "", false
	}
	return val, ok
}

func (g *Gateway) cacheSet(ctx context.Context, key, val string) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Set(ctx, key, val); err != nil {
		g.logger.Warn("extraction cache write failed", zap.Error(err))
	}
}
