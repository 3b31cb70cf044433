// Package ratelimit throttles page loads per host with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/app-usage-collector/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// DefaultRPS applies to hosts without an override. Zero or less disables throttling.
	DefaultRPS   float64
	DefaultBurst int
	// PerHost overrides DefaultRPS for specific hostnames (for example the aggregator).
	PerHost map[string]float64
}

// Limiter manages per-host rate limits.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      Config
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	if cfg.DefaultBurst <= 0 {
		cfg.DefaultBurst = 1
	}
	perHost := make(map[string]float64, len(cfg.PerHost))
	for host, rps := range cfg.PerHost {
		perHost[strings.ToLower(host)] = rps
	}
	cfg.PerHost = perHost
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		cfg:      cfg,
	}
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func (l *Limiter) forHost(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if !ok {
		rps, override := l.cfg.PerHost[host]
		if !override {
			rps = l.cfg.DefaultRPS
		}
		limiter = rate.NewLimiter(toLimit(rps), l.cfg.DefaultBurst)
		l.limiters[host] = limiter
	}
	return limiter
}

// Wait blocks until a token is available for the URL's host, respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := metrics.SanitizeSite(rawURL)
	start := time.Now()
	if err := l.forHost(host).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", host, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}
