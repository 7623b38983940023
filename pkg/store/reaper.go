package store

import (
	"context"
	"sync"
	"time"

	"github.com/carrelhq/carrel/internal/logger"
)

// ReaperConfig holds configuration for the background reaper.
type ReaperConfig struct {
	// Interval between sweeps. Default: 1 hour.
	Interval time.Duration

	// IdempotencyTTL is only informational here; records carry their own
	// expiry and the sweep removes whatever is past it.
	IdempotencyTTL time.Duration
}

// Reaper periodically hard-deletes files whose recovery window has closed and
// purges expired idempotency records. It is the only component that removes
// rows; everything else soft-deletes and forgets.
type Reaper struct {
	store    *Store
	interval time.Duration

	mu        sync.Mutex
	started   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewReaper creates a reaper for the store.
func NewReaper(s *Store, cfg ReaperConfig) *Reaper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Reaper{
		store:     s,
		interval:  interval,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start launches the sweep loop. The first sweep runs immediately so a
// restart catches up on anything that expired while the process was down.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	logger.Info("Starting reaper", "interval", r.interval)

	go func() {
		defer close(r.stoppedCh)

		r.sweep(ctx)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop, waiting for an in-flight sweep to finish.
func (r *Reaper) Stop(timeout time.Duration) {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	close(r.stopCh)
	select {
	case <-r.stoppedCh:
		logger.Debug("Reaper stopped")
	case <-time.After(timeout):
		logger.Warn("Reaper stop timed out")
	}
}

// Sweep runs one pass on demand, outside the usual schedule.
func (r *Reaper) Sweep(ctx context.Context) {
	r.sweep(ctx)
}

func (r *Reaper) sweep(ctx context.Context) {
	now := time.Now().UTC()

	reaped, err := r.store.HardDeleteExpired(ctx, now)
	if err != nil {
		logger.Error("Reaper failed to hard-delete expired files", "error", err)
	} else if reaped > 0 {
		logger.Info("Reaped expired files", "count", reaped)
	}

	purged, err := r.store.PurgeExpiredIdempotency(ctx, now)
	if err != nil {
		logger.Error("Reaper failed to purge idempotency records", "error", err)
	} else if purged > 0 {
		logger.Debug("Purged idempotency records", "count", purged)
	}
}
