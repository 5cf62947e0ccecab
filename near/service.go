// Package near is the chain data access service: the only component that
// issues network calls. It reads through the cache service, fills misses via
// the retry/fallback engine, and converts hard failures into safe defaults so
// a flaky endpoint never breaks a caller-facing request.
package near

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	chaincache "github.com/Solvium/SolviumAI-sub001"
	"github.com/Solvium/SolviumAI-sub001/cache"
	"github.com/Solvium/SolviumAI-sub001/rpc"
	"github.com/Solvium/SolviumAI-sub001/telemetry"
)

// Config holds the chain access settings.
type Config struct {
	// Network names the chain the ranked endpoints belong to, "mainnet" or
	// "testnet". Used in logs and metrics only.
	Network string

	// RPCEndpoints is the ranked JSON-RPC endpoint list for the network.
	RPCEndpoints []string

	// TokenListURL is the FastNear-style token inventory API base, queried as
	// GET {TokenListURL}/v1/account/{account_id}/ft.
	TokenListURL string

	// RateLimitRetryDelay is the fixed wait before the single extra retry the
	// token-list fetch performs on HTTP 429. Default 2s.
	RateLimitRetryDelay time.Duration

	// Logger for degradation decisions.
	Logger *slog.Logger
}

// DefaultConfig returns mainnet settings with public endpoints.
func DefaultConfig() Config {
	return Config{
		Network: "mainnet",
		RPCEndpoints: []string{
			"https://rpc.mainnet.near.org",
			"https://rpc.mainnet.fastnear.com",
			"https://near.lava.build",
		},
		TokenListURL:        "https://api.fastnear.com",
		RateLimitRetryDelay: 2 * time.Second,
	}
}

// Service composes the cache service and retry engine into the read path the
// application consumes. Methods return the safe default alongside the error
// that caused it, so callers can distinguish a degraded answer from a real
// one while still always having something to display.
type Service struct {
	config     Config
	cache      *cache.Service
	engine     *rpc.Engine
	client     *rpc.Client
	httpClient *http.Client
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Service.
type Option func(*Service)

// WithHTTPClient replaces the HTTP client used for the token-list API.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Service) {
		s.httpClient = hc
	}
}

// WithRPCClient replaces the JSON-RPC client.
func WithRPCClient(c *rpc.Client) Option {
	return func(s *Service) {
		s.client = c
	}
}

// WithSleep replaces the rate-limit backoff sleep for testing.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) {
		s.sleep = sleep
	}
}

// NewService creates the chain data access service.
func NewService(cfg Config, cacheSvc *cache.Service, engine *rpc.Engine, opts ...Option) *Service {
	if cfg.RateLimitRetryDelay <= 0 {
		cfg.RateLimitRetryDelay = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Service{
		config: cfg,
		cache:  cacheSvc,
		engine: engine,
		client: rpc.NewClient(),
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: telemetry.NewInstrumentedTransport(nil, "token_list"),
		},
		logger:     cfg.Logger.With("component", "near"),
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// viewAccountResult is the subset of the view_account response we consume.
type viewAccountResult struct {
	Amount string `json:"amount"`
}

// AccountBalance returns the account's NEAR balance as a display string.
// Cache-first with a 30s window; a miss issues a view_account query through
// the fallback engine. On irrecoverable failure the zero sentinel is returned
// together with the error so the caller's flow never breaks on display.
func (s *Service) AccountBalance(ctx context.Context, accountID string, useCache bool) (string, error) {
	if useCache {
		if balance, ok := s.cache.GetAccountBalance(ctx, accountID); ok {
			return balance, nil
		}
	}

	result, err := s.engine.ExecuteWithFallback(ctx, func(ctx context.Context, endpoint string) (json.RawMessage, error) {
		return s.client.Call(ctx, endpoint, "query", map[string]any{
			"request_type": "view_account",
			"finality":     "final",
			"account_id":   accountID,
		})
	}, s.config.Network, s.config.RPCEndpoints)
	if err != nil {
		s.logger.Error("balance fetch failed, returning zero sentinel",
			"account_id", accountID, "error", err)
		return chaincache.ZeroNear, err
	}

	var account viewAccountResult
	if err := json.Unmarshal(result, &account); err != nil {
		s.logger.Error("balance response malformed, returning zero sentinel",
			"account_id", accountID, "error", err)
		return chaincache.ZeroNear, fmt.Errorf("decode view_account result: %w", err)
	}

	balance, err := chaincache.FormatNear(account.Amount)
	if err != nil {
		s.logger.Error("balance amount malformed, returning zero sentinel",
			"account_id", accountID, "amount", account.Amount, "error", err)
		return chaincache.ZeroNear, err
	}

	s.cache.SetAccountBalance(ctx, accountID, balance)
	return balance, nil
}

// InvalidateAccountCaches clears the NEAR balance and token inventory entries
// for an account. Callers invoke this after any balance-mutating action so
// the next read reflects the transaction instead of waiting out the TTL.
// Token metadata is left intact.
func (s *Service) InvalidateAccountCaches(ctx context.Context, accountID string) {
	s.cache.ClearAllBalances(ctx, accountID)
}
