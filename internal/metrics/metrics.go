// Package metrics exposes Prometheus collectors for the collector commands.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	tasksTotal                 *prometheus.CounterVec
	extractionsTotal           *prometheus.CounterVec
	extractionDurationSeconds  *prometheus.HistogramVec
	runsTotal                  *prometheus.CounterVec
	runDurationSeconds         prometheus.Histogram
	identitiesCreatedTotal     prometheus.Counter
	usageRecordsTotal          prometheus.Counter
	backfillTotal              *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_tasks_total",
				Help: "Scheduled tasks settled, labeled by kind (usage, backfill) and status.",
			},
			[]string{"kind", "status"},
		)

		extractionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_extractions_total",
				Help: "Extraction gateway calls, labeled by schema and result.",
			},
			[]string{"schema", "result"},
		)

		extractionDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collector_extraction_duration_seconds",
				Help:    "Latency of extraction gateway calls, labeled by schema.",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
			},
			[]string{"schema"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_runs_total",
				Help: "Pipeline executions, labeled by command and result.",
			},
			[]string{"command", "result"},
		)

		runDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "collector_run_duration_seconds",
				Help:    "Wall-clock duration of collection runs.",
				Buckets: []float64{10, 30, 60, 120, 300, 600, 1200},
			},
		)

		identitiesCreatedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "collector_identities_created_total",
				Help: "New app identities persisted.",
			},
		)

		usageRecordsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "collector_usage_records_total",
				Help: "Usage history rows appended.",
			},
		)

		backfillTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_backfill_total",
				Help: "Backfill outcomes per identity, labeled by result.",
			},
			[]string{"result"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collector_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// Push sends the default registry to a Pushgateway under the given job name.
func Push(ctx context.Context, gatewayURL, job string) error {
	Init()
	if job == "" {
		job = "app_usage_collector"
	}
	if err := push.New(gatewayURL, job).Gatherer(prometheus.DefaultGatherer).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}

func statusLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// ObserveTask counts one settled scheduler task.
func ObserveTask(kind string, ok bool) {
	Init()
	tasksTotal.WithLabelValues(kind, statusLabel(ok)).Inc()
}

// ObserveExtraction records one gateway call.
func ObserveExtraction(schema string, ok bool, duration time.Duration) {
	Init()
	extractionsTotal.WithLabelValues(schema, statusLabel(ok)).Inc()
	extractionDurationSeconds.WithLabelValues(schema).Observe(duration.Seconds())
}

// ObserveRun records a finished command run.
func ObserveRun(command string, ok bool, duration time.Duration) {
	Init()
	runsTotal.WithLabelValues(command, statusLabel(ok)).Inc()
	if command == "collect" {
		runDurationSeconds.Observe(duration.Seconds())
	}
}

// AddIdentitiesCreated increments the new identity counter.
func AddIdentitiesCreated(n int) {
	Init()
	if n > 0 {
		identitiesCreatedTotal.Add(float64(n))
	}
}

// AddUsageRecords increments the history row counter.
func AddUsageRecords(n int) {
	Init()
	if n > 0 {
		usageRecordsTotal.Add(float64(n))
	}
}

// ObserveBackfill counts one backfill outcome ("updated", "unchanged", "update_failed").
func ObserveBackfill(result string) {
	Init()
	backfillTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
