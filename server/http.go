// Package server provides the operational HTTP surface for the chain cache:
// balance and inventory reads, cache invalidation with background refresh,
// and circuit breaker introspection.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Solvium/SolviumAI-sub001/breaker"
	"github.com/Solvium/SolviumAI-sub001/near"
	"github.com/Solvium/SolviumAI-sub001/task"
	"github.com/Solvium/SolviumAI-sub001/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken enables Bearer token authentication when non-empty.
	AuthToken string

	// RefreshMaxRetries bounds the background refresh attempts made after an
	// invalidation. Default 3.
	RefreshMaxRetries int

	// RefreshRetryDelay is the wait between refresh attempts. Default 2s.
	RefreshRetryDelay time.Duration

	// TaskRetention is how long a finished refresh task stays readable on the
	// tasks endpoint before it is pruned. Default 5m.
	TaskRetention time.Duration

	// Logger for the server
	Logger *slog.Logger
}

// maxTrackedTasks caps the refresh task map. Retention alone cannot bound a
// burst of invalidations, so the longest-finished tasks are evicted early
// once the cap is reached.
const maxTrackedTasks = 256

// Server is the HTTP server exposing the chain data access service.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	chain    *near.Service
	breakers *breaker.Registry

	mu    sync.Mutex
	tasks map[string]*taskEntry
}

// taskEntry pairs a refresh task with the time it was first seen terminal,
// which drives pruning.
type taskEntry struct {
	task     *task.Task
	finished time.Time
}

// New creates a new server around the chain service and breaker registry.
func New(cfg Config, chain *near.Service, breakers *breaker.Registry) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.RefreshMaxRetries <= 0 {
		cfg.RefreshMaxRetries = 3
	}
	if cfg.RefreshRetryDelay <= 0 {
		cfg.RefreshRetryDelay = 2 * time.Second
	}
	if cfg.TaskRetention <= 0 {
		cfg.TaskRetention = 5 * time.Minute
	}

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		chain:    chain,
		breakers: breakers,
		tasks:    make(map[string]*taskEntry),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // fallback across endpoints can be slow
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Account data
	mux.HandleFunc("GET /v1/accounts/{account}/balance", s.handleBalance)
	mux.HandleFunc("GET /v1/accounts/{account}/tokens", s.handleTokens)
	mux.HandleFunc("POST /v1/accounts/{account}/invalidate", s.handleInvalidate)

	// Background refresh tasks
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleTask)

	// Circuit breaker operational surface
	mux.HandleFunc("GET /v1/breakers", s.handleBreakers)
	mux.HandleFunc("POST /v1/breakers/reset", s.handleBreakerReset)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// useCache reports whether the request allows cached reads. A refresh=true
// query forces a fresh fetch, tagged as a cache bypass.
func useCache(r *http.Request) bool {
	if r.URL.Query().Get("refresh") == "true" {
		telemetry.SetCacheResult(r, telemetry.CacheBypass)
		return false
	}
	telemetry.SetCacheResult(r, telemetry.CacheNA)
	return true
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "balance")
	account := r.PathValue("account")

	balance, err := s.chain.AccountBalance(r.Context(), account, useCache(r))

	// degraded reads still answer with the safe default
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": account,
		"balance":    balance,
		"degraded":   err != nil,
	})
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "tokens")
	account := r.PathValue("account")

	tokens, err := s.chain.EnrichedInventory(r.Context(), account, useCache(r))

	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": account,
		"tokens":     tokens,
		"degraded":   err != nil,
	})
}

// handleInvalidate clears the balance and inventory caches for an account and
// kicks off a bounded background refresh so the next read is warm.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "invalidate")
	account := r.PathValue("account")

	s.chain.InvalidateAccountCaches(r.Context(), account)

	refresh := task.New("refresh:"+account, s.config.RefreshMaxRetries,
		task.WithRetryDelay(s.config.RefreshRetryDelay),
		task.WithLogger(s.logger.With("component", "refresh")),
	)
	s.rememberTask(refresh)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		// balance and inventory refresh independently so one cold upstream
		// does not keep the other from rewarming
		_ = refresh.Run(ctx, func(ctx context.Context) error {
			_, balErr := s.chain.AccountBalance(ctx, account, false)
			_, invErr := s.chain.EnrichedInventory(ctx, account, false)
			return errors.Join(balErr, invErr)
		})
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"account_id": account,
		"task_id":    refresh.ID(),
	})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "tasks")

	s.mu.Lock()
	entry, ok := s.tasks[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, entry.task.Snapshot())
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "breakers")

	if endpoint := r.URL.Query().Get("endpoint"); endpoint != "" {
		status, ok := s.breakers.Status(endpoint)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown endpoint"})
			return
		}
		writeJSON(w, http.StatusOK, status)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"breakers": s.breakers.AllStatuses(),
	})
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "breakers")

	var body struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Endpoint == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "endpoint required"})
		return
	}

	if !s.breakers.Reset(body.Endpoint) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown endpoint"})
		return
	}

	s.logger.Info("circuit breaker reset by operator", "endpoint", body.Endpoint)
	writeJSON(w, http.StatusOK, map[string]any{"endpoint": body.Endpoint, "reset": true})
}

// rememberTask keeps a refresh task visible to the tasks endpoint. Finished
// tasks are pruned first so repeated invalidations cannot grow the map
// without bound.
func (s *Server) rememberTask(refresh *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneTasksLocked(time.Now())
	s.tasks[refresh.ID()] = &taskEntry{task: refresh}
}

// pruneTasksLocked removes terminal tasks past the retention window and, when
// the map is still over maxTrackedTasks, evicts the longest-finished entries.
// Callers must hold s.mu.
func (s *Server) pruneTasksLocked(now time.Time) {
	for id, entry := range s.tasks {
		status := entry.task.Snapshot().Status
		if status != task.StatusCompleted && status != task.StatusFailed {
			continue
		}
		if entry.finished.IsZero() {
			entry.finished = now
			continue
		}
		if now.Sub(entry.finished) > s.config.TaskRetention {
			delete(s.tasks, id)
		}
	}

	for len(s.tasks) >= maxTrackedTasks {
		oldestID := ""
		var oldest time.Time
		for id, entry := range s.tasks {
			if entry.finished.IsZero() {
				continue
			}
			if oldestID == "" || entry.finished.Before(oldest) {
				oldestID, oldest = id, entry.finished
			}
		}
		if oldestID == "" {
			// every retained task is still running
			break
		}
		delete(s.tasks, oldestID)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the server's root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
