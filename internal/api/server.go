package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/app-usage-collector/internal/collector"
	"github.com/JakeFAU/app-usage-collector/internal/config"
	"github.com/JakeFAU/app-usage-collector/internal/metrics"
	"github.com/JakeFAU/app-usage-collector/internal/pipeline"
	"github.com/JakeFAU/app-usage-collector/internal/report"
)

// Runner executes collection and backfill runs.
type Runner interface {
	Collect(ctx context.Context) (pipeline.CollectSummary, error)
	BackfillWithPolicy(ctx context.Context, policy collector.BackfillPolicy) (pipeline.BackfillSummary, error)
}

// Pinger reports whether a downstream dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RunState describes the active or most recent triggered run.
type RunState struct {
	TriggerID  string     `json:"trigger_id"`
	Kind       string     `json:"kind"`
	Running    bool       `json:"running"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	Summary    any        `json:"summary,omitempty"`
}

// Server wires HTTP handlers to the pipeline and the store.
type Server struct {
	router chi.Router
	runner Runner
	stats  report.Reader
	ready  Pinger
	idGen  collector.IDGenerator
	clock  collector.Clock
	cfg    config.Config
	logger *zap.Logger

	mu      sync.Mutex
	current *RunState
	wg      sync.WaitGroup
}

// NewServer constructs a Server with middleware and routes. ready may be nil.
func NewServer(
	runner Runner,
	stats report.Reader,
	ready Pinger,
	idGen collector.IDGenerator,
	clock collector.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		runner: runner,
		stats:  stats,
		ready:  ready,
		idGen:  idGen,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(metrics.Middleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(60 * time.Second))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/stats/latest", s.latestStats)
		r.Route("/runs", func(r chi.Router) {
			r.Get("/current", s.currentRun)
			r.Post("/collect", s.triggerCollect)
			r.Post("/backfill", s.triggerBackfill)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Wait blocks until a triggered run in flight has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) latestStats(w http.ResponseWriter, r *http.Request) {
	stats, err := report.Latest(r.Context(), s.stats)
	if errors.Is(err, report.ErrNoRuns) {
		writeError(w, http.StatusNotFound, "no collection runs yet")
		return
	}
	if err != nil {
		s.logger.Error("latest stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to build stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) currentRun(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		writeError(w, http.StatusNotFound, "no run triggered yet")
		return
	}
	writeJSON(w, http.StatusOK, *s.current)
}

func (s *Server) triggerCollect(w http.ResponseWriter, r *http.Request) {
	s.trigger(w, r, "collect", func(ctx context.Context) (any, error) {
		return s.runner.Collect(ctx)
	})
}

func (s *Server) triggerBackfill(w http.ResponseWriter, r *http.Request) {
	policy := s.cfg.BackfillPolicy()
	if raw := r.URL.Query().Get("policy"); raw != "" {
		parsed, err := collector.ParseBackfillPolicy(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		policy = parsed
	}
	s.trigger(w, r, "backfill", func(ctx context.Context) (any, error) {
		return s.runner.BackfillWithPolicy(ctx, policy)
	})
}

// trigger starts fn in the background unless a run is already active.
func (s *Server) trigger(w http.ResponseWriter, r *http.Request, kind string, fn func(context.Context) (any, error)) {
	triggerID, err := s.idGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("generate trigger id: %v", err))
		return
	}

	s.mu.Lock()
	if s.current != nil && s.current.Running {
		active := *s.current
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]any{"error": "a run is already in progress", "run": active})
		return
	}
	state := &RunState{TriggerID: triggerID, Kind: kind, Running: true, StartedAt: s.clock.Now()}
	s.current = state
	s.wg.Add(1)
	s.mu.Unlock()

	ctx := context.WithoutCancel(r.Context())
	logger := s.logger.With(zap.String("trigger_id", triggerID), zap.String("kind", kind))
	go func() {
		defer s.wg.Done()
		logger.Info("triggered run started")
		summary, runErr := fn(ctx)
		finished := s.clock.Now()

		s.mu.Lock()
		defer s.mu.Unlock()
		state.Running = false
		state.FinishedAt = &finished
		state.Summary = summary
		if runErr != nil {
			state.Error = runErr.Error()
			logger.Error("triggered run failed", zap.Error(runErr))
			return
		}
		logger.Info("triggered run finished")
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"trigger_id": triggerID, "kind": kind})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", reqID),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
