// Package reaper runs the periodic housekeeping of the fleet server:
// expiring silent nodes, rolling back rentals whose start was never
// confirmed and compacting the telemetry store.
package reaper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sweeper marks silent nodes offline and returns their ids.
type Sweeper interface {
	Sweep(ctx context.Context) []string
}

// PendingExpirer rolls back PENDING rentals older than a cutoff.
type PendingExpirer interface {
	ExpirePending(ctx context.Context, olderThan time.Duration) (int, error)
}

// Compactor reclaims space in a store.
type Compactor interface {
	RunGC(ctx context.Context)
}

// Reaper evaluates on a fixed interval, starting immediately.
type Reaper struct {
	sweeper        Sweeper
	expirer        PendingExpirer
	compactor      Compactor
	interval       time.Duration
	pendingTimeout time.Duration
	logger         *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithCompactor runs c after every pass.
func WithCompactor(c Compactor) Option { return func(r *Reaper) { r.compactor = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(r *Reaper) { r.logger = l } }

// New returns a stopped reaper.
func New(sweeper Sweeper, expirer PendingExpirer, interval, pendingTimeout time.Duration, opts ...Option) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if pendingTimeout <= 0 {
		pendingTimeout = 5 * time.Minute
	}
	r := &Reaper{
		sweeper:        sweeper,
		expirer:        expirer,
		interval:       interval,
		pendingTimeout: pendingTimeout,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins the loop. Calling Start on a running reaper does nothing.
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		r.logger.Debug("reaper already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	r.logger.Info("reaper started",
		zap.Duration("interval", r.interval),
		zap.Duration("pending_timeout", r.pendingTimeout))

	go r.loop(ctx, r.done)
}

func (r *Reaper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the loop and waits for the pass in progress to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
	r.logger.Info("reaper stopped")
}

// RunOnce performs a single pass.
func (r *Reaper) RunOnce(ctx context.Context) {
	if expired := r.sweeper.Sweep(ctx); len(expired) > 0 {
		r.logger.Warn("nodes missed heartbeats", zap.Strings("node_ids", expired))
	}

	n, err := r.expirer.ExpirePending(ctx, r.pendingTimeout)
	if err != nil {
		r.logger.Error("failed to expire pending rentals", zap.Error(err))
	} else if n > 0 {
		r.logger.Info("expired unconfirmed rentals", zap.Int("count", n))
	}

	if r.compactor != nil {
		r.compactor.RunGC(ctx)
	}
}
