package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/storyloom/loom/pkg/ident"
	"github.com/storyloom/loom/pkg/store"
)

// DefaultReapInterval spaces reaper sweeps.
const DefaultReapInterval = time.Minute

// Reaper releases idempotency rows orphaned by a crashed process:
// in_progress rows older than the TTL are marked failed(STEP_FAILED)
// so clients may retry the key. Safe to run from multiple pods.
type Reaper struct {
	store    store.Store
	ttl      time.Duration
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper creates a reaper. A TTL of 0 disables it.
func NewReaper(st store.Store, ttl, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &Reaper{store: st, ttl: ttl, interval: interval}
}

// Start launches the background sweep loop.
func (r *Reaper) Start(ctx context.Context) {
	if r.cancel != nil || r.ttl <= 0 {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go r.run(ctx)

	slog.Info("Idempotency reaper started", "ttl", r.ttl, "interval", r.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (r *Reaper) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
	slog.Info("Idempotency reaper stopped")
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.done)

	r.Sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass; exposed for tests and admin tooling.
func (r *Reaper) Sweep(ctx context.Context) {
	count, err := r.store.ReapStaleIdempotency(ctx, ident.Now().Add(-r.ttl))
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("Reaper sweep failed", "error", err)
		}
		return
	}
	if count > 0 {
		slog.Info("Reaper released stale idempotency rows", "count", count)
	}
}
