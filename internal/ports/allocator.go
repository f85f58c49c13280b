// Package ports hands out public ports from a closed range to rentals.
//
// Ports are scanned in ascending order and the first free one wins, so low
// ports are reused first and the active set stays compact. The scan is
// linear in the range size; ranges are expected to be in the low hundreds.
package ports

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"evalgo.org/fleetrent/internal/clock"
	"evalgo.org/fleetrent/internal/metrics"
)

// ErrPortRangeExhausted is returned when every port in range is active.
var ErrPortRangeExhausted = errors.New("port range exhausted")

// Store persists allocations. ClaimPort must be a compare-and-swap: it
// reports true only for the single caller that flipped the port active.
type Store interface {
	ActivePorts(ctx context.Context, start, end int) ([]int, error)
	ClaimPort(ctx context.Context, port int, nodeID, rentalID string, at time.Time) (bool, error)
	ReleasePort(ctx context.Context, port int, at time.Time) (int64, error)
	ReleasePortsByRental(ctx context.Context, rentalID string, at time.Time) (int64, error)
	ReleasePortsByNode(ctx context.Context, nodeID string, at time.Time) (int64, error)
	PortActive(ctx context.Context, port int) (bool, error)
	CountActivePorts(ctx context.Context, start, end int) (int64, error)
}

// Allocator assigns ports in [Start, End].
type Allocator struct {
	start, end int
	store      Store
	clock      clock.Clock
	metrics    *metrics.Collectors
	logger     *zap.Logger

	// allocate is serialized so a scan never races another scan in this
	// process; the store CAS covers other processes
	mu sync.Mutex
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithClock overrides the time source used for allocation timestamps.
func WithClock(c clock.Clock) Option { return func(a *Allocator) { a.clock = c } }

// WithMetrics records allocation counters.
func WithMetrics(m *metrics.Collectors) Option { return func(a *Allocator) { a.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(a *Allocator) { a.logger = l } }

// NewAllocator returns an allocator over the closed range [start, end].
func NewAllocator(store Store, start, end int, opts ...Option) (*Allocator, error) {
	if start < 1 || end > 65535 || start > end {
		return nil, fmt.Errorf("invalid port range [%d, %d]", start, end)
	}
	a := &Allocator{
		start:  start,
		end:    end,
		store:  store,
		clock:  clock.Real(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Range returns the configured bounds.
func (a *Allocator) Range() (start, end int) { return a.start, a.end }

// Size returns the number of ports in range.
func (a *Allocator) Size() int { return a.end - a.start + 1 }

// Allocate reserves the lowest free port for nodeID and rentalID (which may
// be empty). No row is touched when the range is exhausted.
func (a *Allocator) Allocate(ctx context.Context, nodeID, rentalID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	active, err := a.store.ActivePorts(ctx, a.start, a.end)
	if err != nil {
		return 0, err
	}
	taken := make(map[int]struct{}, len(active))
	for _, p := range active {
		taken[p] = struct{}{}
	}

	now := a.clock.Now().UTC()
	for port := a.start; port <= a.end; port++ {
		if _, ok := taken[port]; ok {
			continue
		}
		won, err := a.store.ClaimPort(ctx, port, nodeID, rentalID, now)
		if err != nil {
			return 0, err
		}
		if !won {
			// another process took it between the scan and the claim
			a.logger.Debug("lost port claim", zap.Int("port", port))
			continue
		}
		a.observe(len(active) + 1)
		if a.metrics != nil {
			a.metrics.PortAllocations.Inc()
		}
		a.logger.Debug("port allocated",
			zap.Int("port", port),
			zap.String("node_id", nodeID),
			zap.String("rental_id", rentalID))
		return port, nil
	}

	if a.metrics != nil {
		a.metrics.PortExhaustions.Inc()
	}
	a.logger.Warn("port range exhausted", zap.Int("start", a.start), zap.Int("end", a.end))
	return 0, fmt.Errorf("%w: [%d, %d]", ErrPortRangeExhausted, a.start, a.end)
}

// Release frees one port.
func (a *Allocator) Release(ctx context.Context, port int) error {
	_, err := a.store.ReleasePort(ctx, port, a.clock.Now().UTC())
	a.refresh(ctx)
	return err
}

// ReleaseByRental frees every port held by a rental.
func (a *Allocator) ReleaseByRental(ctx context.Context, rentalID string) error {
	_, err := a.store.ReleasePortsByRental(ctx, rentalID, a.clock.Now().UTC())
	a.refresh(ctx)
	return err
}

// ReleaseByNode frees every port held for a node.
func (a *Allocator) ReleaseByNode(ctx context.Context, nodeID string) error {
	_, err := a.store.ReleasePortsByNode(ctx, nodeID, a.clock.Now().UTC())
	a.refresh(ctx)
	return err
}

// IsAvailable reports whether port is in range and not active.
func (a *Allocator) IsAvailable(ctx context.Context, port int) (bool, error) {
	if port < a.start || port > a.end {
		return false, nil
	}
	active, err := a.store.PortActive(ctx, port)
	if err != nil {
		return false, err
	}
	return !active, nil
}

// AvailableCount returns the number of free ports in range.
func (a *Allocator) AvailableCount(ctx context.Context) (int, error) {
	n, err := a.store.CountActivePorts(ctx, a.start, a.end)
	if err != nil {
		return 0, err
	}
	return a.Size() - int(n), nil
}

func (a *Allocator) refresh(ctx context.Context) {
	if a.metrics == nil {
		return
	}
	n, err := a.store.CountActivePorts(ctx, a.start, a.end)
	if err != nil {
		return
	}
	a.observe(int(n))
}

func (a *Allocator) observe(active int) {
	if a.metrics != nil {
		a.metrics.PortsActive.Set(float64(active))
	}
}
