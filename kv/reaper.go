package kv

import (
	"context"
	"log/slog"
	"time"

	"github.com/Solvium/SolviumAI-sub001/telemetry"
)

// Reaper runs periodic cleanup of expired entries in a Bolt store. Redis
// expires keys server-side and does not need one.
type Reaper struct {
	store     *Bolt
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperInterval sets the cleanup interval.
func WithReaperInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.interval = d
	}
}

// WithReaperBatchSize sets the maximum entries to remove per cycle.
func WithReaperBatchSize(n int) ReaperOption {
	return func(r *Reaper) {
		r.batchSize = n
	}
}

// WithReaperLogger sets the logger for the reaper.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// NewReaper creates a reaper for a Bolt store.
// Defaults: interval=1m, batchSize=256.
func NewReaper(store *Bolt, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		store:     store,
		interval:  time.Minute,
		batchSize: 256,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the reaper loop. It blocks until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("reaper started", "interval", r.interval, "batch_size", r.batchSize)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("reaper stopped")
			return
		case <-ticker.C:
			r.reapBatch(ctx)
		}
	}
}

// ReapNow runs a single reap cycle immediately. Useful for testing.
func (r *Reaper) ReapNow(ctx context.Context) {
	r.reapBatch(ctx)
}

func (r *Reaper) reapBatch(ctx context.Context) {
	start := time.Now()

	deleted, err := r.store.Reap(ctx, r.batchSize)
	telemetry.RecordReaperCycle(ctx, deleted, time.Since(start))

	if err != nil {
		r.logger.Error("reap cycle failed", "error", err)
		return
	}
	if deleted > 0 {
		r.logger.Info("expired entries reaped", "deleted", deleted)
	}
}
