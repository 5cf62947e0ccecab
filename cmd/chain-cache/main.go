// Command chain-cache serves cached NEAR chain data: account balances and
// token inventories read through a tiered TTL cache backed by a retry/fallback
// RPC engine with per-endpoint circuit breakers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/Solvium/SolviumAI-sub001/breaker"
	"github.com/Solvium/SolviumAI-sub001/cache"
	"github.com/Solvium/SolviumAI-sub001/kv"
	"github.com/Solvium/SolviumAI-sub001/near"
	"github.com/Solvium/SolviumAI-sub001/rpc"
	"github.com/Solvium/SolviumAI-sub001/server"
	"github.com/Solvium/SolviumAI-sub001/telemetry"
)

var version = "dev"

type cli struct {
	Address   string `help:"Address to listen on." default:":8080"`
	AuthToken string `help:"Bearer token required for API requests (empty disables auth)." env:"CHAIN_CACHE_AUTH_TOKEN"`

	Network      string   `help:"Chain network." enum:"mainnet,testnet" default:"mainnet"`
	RPCEndpoints []string `help:"Ranked JSON-RPC endpoint list (overrides the network default)."`
	TokenListURL string   `help:"Token inventory API base URL." default:"https://api.fastnear.com"`

	Store         string        `help:"Cache store backend." enum:"memory,redis,bolt" default:"memory"`
	RedisAddr     string        `help:"Redis address." default:"localhost:6379"`
	RedisPassword string        `help:"Redis password." env:"CHAIN_CACHE_REDIS_PASSWORD"`
	BoltPath      string        `help:"Path to the bbolt database file." default:"./chain-cache.db" type:"path"`
	ReapInterval  time.Duration `help:"How often the bolt store reaps expired entries." default:"1m"`

	MetadataTTL  time.Duration `help:"TTL for token metadata." default:"24h"`
	BalanceTTL   time.Duration `help:"TTL for account balances." default:"30s"`
	InventoryTTL time.Duration `help:"TTL for token inventories." default:"30s"`

	BreakerThreshold int           `help:"Consecutive failures before an endpoint's breaker opens." default:"5"`
	BreakerRecovery  time.Duration `help:"Cooldown before an open breaker allows a probe." default:"30s"`

	MaxRetries int           `help:"Retries per endpoint after the first attempt." default:"3"`
	BaseDelay  time.Duration `help:"Delay before the first retry." default:"500ms"`
	MaxDelay   time.Duration `help:"Backoff delay ceiling." default:"10s"`
	Multiplier float64       `help:"Backoff multiplier." default:"2"`

	OTLPEndpoint      string `help:"OTLP gRPC endpoint for metrics export (empty disables)." env:"CHAIN_CACHE_OTLP_ENDPOINT"`
	MetricsPrometheus bool   `help:"Enable the Prometheus /metrics endpoint." default:"true"`

	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text"`
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("chain-cache"),
		kong.Description("Tiered cache and RPC resilience layer for NEAR chain data."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run(flags))
}

func run(flags cli) error {
	logger, err := newLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "chain-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: flags.MetricsPrometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = shutdownMetrics(shutdownCtx)
	}()

	store, reaper, err := newStore(flags, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if reaper != nil {
		go reaper.Run(ctx)
	}

	cacheSvc := cache.New(store, cache.Config{
		MetadataTTL:  flags.MetadataTTL,
		BalanceTTL:   flags.BalanceTTL,
		InventoryTTL: flags.InventoryTTL,
		Logger:       logger,
	})

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: flags.BreakerThreshold,
		RecoveryTimeout:  flags.BreakerRecovery,
		Logger:           logger,
	})

	engine := rpc.NewEngine(rpc.Config{
		MaxRetries: flags.MaxRetries,
		BaseDelay:  flags.BaseDelay,
		Multiplier: flags.Multiplier,
		MaxDelay:   flags.MaxDelay,
		Logger:     logger,
	}, breakers)

	chainCfg := near.DefaultConfig()
	chainCfg.Network = flags.Network
	chainCfg.TokenListURL = flags.TokenListURL
	chainCfg.Logger = logger
	if flags.Network == "testnet" {
		chainCfg.RPCEndpoints = []string{
			"https://rpc.testnet.near.org",
			"https://rpc.testnet.fastnear.com",
		}
	}
	if len(flags.RPCEndpoints) > 0 {
		chainCfg.RPCEndpoints = flags.RPCEndpoints
	}
	chain := near.NewService(chainCfg, cacheSvc, engine)

	srv := server.New(server.Config{
		Address:   flags.Address,
		AuthToken: flags.AuthToken,
		Logger:    logger,
	}, chain, breakers)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"network", flags.Network,
		"store", flags.Store,
		"endpoints", chainCfg.RPCEndpoints,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

// newStore builds the configured cache store backend. The bolt backend also
// returns a reaper the caller must run.
func newStore(flags cli, logger *slog.Logger) (kv.Store, *kv.Reaper, error) {
	switch flags.Store {
	case "redis":
		cfg := kv.DefaultRedisConfig()
		cfg.Address = flags.RedisAddr
		cfg.Password = flags.RedisPassword
		store, err := kv.NewRedis(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return store, nil, nil

	case "bolt":
		store, err := kv.NewBolt(flags.BoltPath, kv.WithBoltLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("opening bolt store: %w", err)
		}
		reaper := kv.NewReaper(store,
			kv.WithReaperInterval(flags.ReapInterval),
			kv.WithReaperLogger(logger),
		)
		return store, reaper, nil

	case "memory":
		store, err := kv.NewMemory(kv.DefaultMemoryCapacity)
		if err != nil {
			return nil, nil, fmt.Errorf("creating memory store: %w", err)
		}
		return store, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend: %s", flags.Store)
	}
}
