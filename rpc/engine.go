// Package rpc orchestrates calls against ranked chain RPC endpoints: bounded
// retries with exponential backoff per endpoint, and fallback across the list
// when an endpoint exhausts its attempts. Per-endpoint circuit breakers skip
// endpoints that are known bad.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	chaincache "github.com/Solvium/SolviumAI-sub001"
	"github.com/Solvium/SolviumAI-sub001/breaker"
	"github.com/Solvium/SolviumAI-sub001/telemetry"
)

var (
	// ErrCircuitOpen is returned when an endpoint's breaker rejects the call
	// before any attempt is made.
	ErrCircuitOpen = errors.New("rpc: circuit breaker open")

	// ErrNoEndpoints is returned by fallback when every endpoint in the list
	// was skipped by its breaker.
	ErrNoEndpoints = errors.New("rpc: no available endpoints")
)

// Operation is a unit of work executed against one endpoint. The engine calls
// it once per attempt; implementations must be safe to invoke repeatedly.
type Operation func(ctx context.Context, endpoint string) (json.RawMessage, error)

// Config holds retry tuning shared by all calls through an Engine.
type Config struct {
	// MaxRetries is the number of retries after the first attempt, so a call
	// makes at most MaxRetries+1 attempts per endpoint. Default 3.
	MaxRetries int

	// BaseDelay is the delay before the first retry. Default 500ms.
	BaseDelay time.Duration

	// Multiplier grows the delay between consecutive retries. Default 2.
	Multiplier float64

	// MaxDelay caps the delay between retries. Default 10s.
	MaxDelay time.Duration

	// Logger for attempt and fallback decisions.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		Multiplier: 2,
		MaxDelay:   10 * time.Second,
	}
}

// Engine executes operations with retries, backoff and endpoint fallback. It
// owns no endpoint state beyond the breaker registry passed at construction.
type Engine struct {
	config   Config
	breakers *breaker.Registry
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithSleep replaces the backoff sleep for testing.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		e.sleep = sleep
	}
}

// NewEngine creates a retry/fallback engine backed by a breaker registry.
func NewEngine(cfg Config, breakers *breaker.Registry, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Engine{
		config:   cfg,
		breakers: breakers,
		logger:   cfg.Logger.With("component", "rpc"),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Breakers returns the breaker registry, for the operational surface.
func (e *Engine) Breakers() *breaker.Registry {
	return e.breakers
}

// ExecuteWithRetry runs the operation against a single endpoint with bounded
// retries. The endpoint's breaker gates the call: an open breaker fails
// immediately without invoking the operation. Non-retryable errors propagate
// after the first failing attempt.
func (e *Engine) ExecuteWithRetry(ctx context.Context, op Operation, endpoint string) (json.RawMessage, error) {
	brk := e.breakers.Get(endpoint)
	if !brk.CanExecute() {
		telemetry.RecordRPCAttempt(ctx, endpoint, "circuit_open")
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, endpoint)
	}

	delays := e.newBackOff()

	var lastErr error
	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		result, err := op(ctx, endpoint)
		if err == nil {
			brk.RecordSuccess()
			telemetry.RecordRPCAttempt(ctx, endpoint, "success")
			return result, nil
		}
		lastErr = err
		telemetry.RecordRPCAttempt(ctx, endpoint, "failure")

		class := chaincache.Classify(err)
		if !class.Retryable() {
			brk.RecordFailure()
			e.logger.Error("rpc call failed, not retryable",
				"endpoint", endpoint, "class", string(class), "error", err)
			return nil, err
		}
		if attempt == e.config.MaxRetries {
			break
		}

		delay := delays.NextBackOff()
		e.logger.Warn("rpc call failed, retrying",
			"endpoint", endpoint, "class", string(class),
			"attempt", attempt+1, "delay", delay, "error", err)
		if err := e.sleep(ctx, delay); err != nil {
			brk.RecordFailure()
			return nil, err
		}
	}

	brk.RecordFailure()
	e.logger.Error("rpc call failed, retries exhausted",
		"endpoint", endpoint, "attempts", e.config.MaxRetries+1, "error", lastErr)
	return nil, lastErr
}

// ExecuteWithFallback runs the operation against a ranked endpoint list,
// trying each in order and returning the first success. Endpoints whose
// breakers are open are skipped without an attempt. If every endpoint was
// skipped, ErrNoEndpoints is returned; otherwise the last observed error.
func (e *Engine) ExecuteWithFallback(ctx context.Context, op Operation, network string, endpoints []string) (json.RawMessage, error) {
	var lastErr error
	attempted := false

	for _, endpoint := range endpoints {
		if !e.breakers.Get(endpoint).CanExecute() {
			e.logger.Warn("skipping endpoint, circuit open",
				"network", network, "endpoint", endpoint)
			continue
		}
		attempted = true

		result, err := e.ExecuteWithRetry(ctx, op, endpoint)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}

	if !attempted {
		return nil, fmt.Errorf("%w: network %s", ErrNoEndpoints, network)
	}
	return nil, lastErr
}

// newBackOff builds the delay sequence base, base*m, base*m^2, ... capped at
// MaxDelay. Randomization is disabled so delays are deterministic.
func (e *Engine) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     e.config.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          e.config.Multiplier,
		MaxInterval:         e.config.MaxDelay,
	}
	b.Reset()
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
