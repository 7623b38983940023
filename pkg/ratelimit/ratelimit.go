// Package ratelimit implements per-subject token buckets for the HTTP
// surface. The capability planes are limited per key, the unauthenticated
// bootstrap route per client IP; both share this limiter with different
// rates. Decisions are returned as data so the transport layer owns the
// header and status wiring.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/carrelhq/carrel/internal/logger"
)

// Config holds limiter tuning.
type Config struct {
	// PerMinute is the sustained request rate. The burst equals the rate,
	// so a full-idle bucket admits one minute of traffic at once.
	// Default: 120
	PerMinute int

	// IdleTTL is how long an untouched bucket survives before pruning.
	// Default: 10m
	IdleTTL time.Duration

	// PruneInterval is how often the prune pass runs. Default: 5m
	PruneInterval time.Duration
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	Reset      time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per subject identifier.
type Limiter struct {
	perMinute     int
	idleTTL       time.Duration
	pruneInterval time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket

	started   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New creates a limiter.
func New(cfg Config) *Limiter {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 120
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = 5 * time.Minute
	}
	return &Limiter{
		perMinute:     cfg.PerMinute,
		idleTTL:       cfg.IdleTTL,
		pruneInterval: cfg.PruneInterval,
		buckets:       make(map[string]*bucket),
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}
}

// Allow runs one admission check for the subject.
func (l *Limiter) Allow(id string) Decision {
	return l.allowAt(id, time.Now())
}

func (l *Limiter) allowAt(id string, now time.Time) Decision {
	l.mu.Lock()
	b, ok := l.buckets[id]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.perMinute)}
		l.buckets[id] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	d := Decision{Limit: l.perMinute}

	res := b.lim.ReserveN(now, 1)
	if !res.OK() {
		// Cannot happen with burst >= 1; treat as a hard denial.
		d.RetryAfter = time.Minute
		d.Reset = now.Add(time.Minute)
		return d
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		d.RetryAfter = delay
		d.Reset = now.Add(delay)
		return d
	}

	d.Allowed = true
	tokens := b.lim.TokensAt(now)
	if tokens < 0 {
		tokens = 0
	}
	d.Remaining = int(tokens)
	d.Reset = now.Add(l.refillTime(tokens))
	return d
}

// refillTime is how long the bucket needs to fill back up from the given
// token count. Reported as the reset horizon.
func (l *Limiter) refillTime(tokens float64) time.Duration {
	deficit := float64(l.perMinute) - tokens
	if deficit <= 0 {
		return 0
	}
	perSecond := float64(l.perMinute) / 60.0
	return time.Duration(deficit / perSecond * float64(time.Second))
}

// Start launches the idle-bucket pruner.
func (l *Limiter) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	logger.Debug("Starting rate limiter", "per_minute", l.perMinute, "prune_interval", l.pruneInterval)

	go func() {
		defer close(l.stoppedCh)
		ticker := time.NewTicker(l.pruneInterval)
		defer ticker.Stop()

		for {
			select {
			case <-l.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := l.prune(time.Now()); n > 0 {
					logger.Debug("Pruned idle rate limit buckets", "count", n)
				}
			}
		}
	}()
}

// Stop shuts the pruner down.
func (l *Limiter) Stop(timeout time.Duration) {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	close(l.stopCh)
	select {
	case <-l.stoppedCh:
	case <-time.After(timeout):
		logger.Warn("Rate limiter stop timed out")
	}
}

// prune drops buckets idle past the TTL and returns how many went.
func (l *Limiter) prune(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	pruned := 0
	for id, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idleTTL {
			delete(l.buckets, id)
			pruned++
		}
	}
	return pruned
}

// Size returns the number of live buckets.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
