// Package registry tracks which nodes are connected right now and delivers
// commands to them.
//
// A node is reachable exactly when it has a session here. The persisted
// node status is advisory: it is refreshed by connects, heartbeats and
// disconnects, and set offline when heartbeats stop, but a session is only
// removed when its transport goes away (or, if configured, after a long
// silence).
//
// Connect, disconnect and heartbeat bookkeeping for a node are serialized
// by that node's own lock. Dispatch reads the current session through an
// atomic pointer and never takes a lock, so heartbeats cannot delay
// commands.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"evalgo.org/fleetrent/internal/clock"
	"evalgo.org/fleetrent/internal/events"
	"evalgo.org/fleetrent/internal/metrics"
	"evalgo.org/fleetrent/internal/protocol"
	"evalgo.org/fleetrent/models"
)

var (
	// ErrUnauthenticated is returned when a credential does not resolve to
	// a node.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrNotConnected is returned for node events with no live session.
	ErrNotConnected = errors.New("node not connected")

	// ErrInvalidStatus is returned for heartbeats carrying a status a node
	// may not report.
	ErrInvalidStatus = errors.New("invalid node status")
)

// Identity is what a node credential resolves to.
type Identity struct {
	NodeID  string
	OwnerID string
}

// IdentityVerifier resolves a bearer credential to exactly one node.
type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// Transport is the live connection to a node. Send must not block; Close
// must be safe to call more than once.
type Transport interface {
	Send(frame []byte) error
	Close() error
}

// NodeStatusStore persists the advisory node status.
type NodeStatusStore interface {
	MarkNodeOnline(ctx context.Context, id string, at time.Time) error
	MarkNodeOffline(ctx context.Context, id string) error
	RecordNodeHeartbeat(ctx context.Context, id string, status models.NodeStatus, at time.Time) error
}

// MetricsSink receives heartbeat telemetry. It is write-only from the
// registry's point of view.
type MetricsSink interface {
	Write(ctx context.Context, nodeID string, at time.Time, m protocol.NodeMetrics) error
}

// DefaultHeartbeatExpiry is how long a node may stay silent before its
// persisted status is set offline.
const DefaultHeartbeatExpiry = 15 * time.Second

// slot holds the session of one node id. Slots are created on first
// connect and kept for the life of the process.
type slot struct {
	mu      sync.Mutex
	current atomic.Pointer[Session]
}

// Registry is the process-wide map of node id to live session.
type Registry struct {
	slots sync.Map // node id -> *slot

	verifier IdentityVerifier
	store    NodeStatusStore
	sink     MetricsSink
	events   events.Publisher
	clock    clock.Clock
	metrics  *metrics.Collectors
	logger   *zap.Logger

	expiry    time.Duration
	reapAfter time.Duration

	connected  atomic.Int64
	generation atomic.Uint64
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option { return func(r *Registry) { r.clock = c } }

// WithSink forwards heartbeat metrics to s.
func WithSink(s MetricsSink) Option { return func(r *Registry) { r.sink = s } }

// WithEvents publishes node lifecycle events to p.
func WithEvents(p events.Publisher) Option { return func(r *Registry) { r.events = p } }

// WithMetrics records registry metrics.
func WithMetrics(m *metrics.Collectors) Option { return func(r *Registry) { r.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithHeartbeatExpiry sets the silence after which a node is marked offline.
func WithHeartbeatExpiry(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.expiry = d
		}
	}
}

// WithReapAfter closes sessions silent for longer than d. Zero disables it.
func WithReapAfter(d time.Duration) Option { return func(r *Registry) { r.reapAfter = d } }

// New returns an empty registry.
func New(verifier IdentityVerifier, store NodeStatusStore, opts ...Option) *Registry {
	r := &Registry{
		verifier: verifier,
		store:    store,
		events:   events.Nop{},
		clock:    clock.Real(),
		logger:   zap.NewNop(),
		expiry:   DefaultHeartbeatExpiry,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) slotFor(nodeID string) *slot {
	if v, ok := r.slots.Load(nodeID); ok {
		return v.(*slot)
	}
	v, _ := r.slots.LoadOrStore(nodeID, &slot{})
	return v.(*slot)
}

// session returns the live session of nodeID without locking.
func (r *Registry) session(nodeID string) *Session {
	v, ok := r.slots.Load(nodeID)
	if !ok {
		return nil
	}
	return v.(*slot).current.Load()
}

// AuthenticateAndRegister verifies credential and binds the node to t.
// A failed verification closes t and leaves no state behind. A node that is
// already connected has its previous session replaced and closed.
func (r *Registry) AuthenticateAndRegister(ctx context.Context, credential string, t Transport) (*Session, error) {
	id, err := r.verifier.Verify(ctx, credential)
	if err == nil && id.NodeID == "" {
		err = errors.New("credential resolved to an empty node id")
	}
	if err != nil {
		_ = t.Close()
		r.logger.Warn("rejected node connection", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	now := r.clock.Now().UTC()
	sess := newSession(id, t, now, r.generation.Add(1))

	sl := r.slotFor(id.NodeID)
	sl.mu.Lock()
	prev := sl.current.Swap(sess)
	if prev != nil {
		r.logger.Info("replacing existing session",
			zap.String("node_id", id.NodeID),
			zap.Uint64("old_generation", prev.Generation),
			zap.Uint64("new_generation", sess.Generation))
		_ = prev.transport.Close()
	} else {
		r.setConnected(r.connected.Add(1))
	}
	storeErr := r.store.MarkNodeOnline(ctx, id.NodeID, now)
	sl.mu.Unlock()

	if storeErr != nil {
		r.logger.Error("failed to persist node online", zap.String("node_id", id.NodeID), zap.Error(storeErr))
	}

	r.logger.Info("node connected", zap.String("node_id", id.NodeID), zap.String("owner_id", id.OwnerID))
	r.events.Publish(ctx, events.NodeConnected, map[string]string{"node_id": id.NodeID, "owner_id": id.OwnerID})
	return sess, nil
}

// OnDisconnect removes whatever session nodeID has and marks it offline. It
// is a no-op when the node has no session.
func (r *Registry) OnDisconnect(ctx context.Context, nodeID string) {
	v, ok := r.slots.Load(nodeID)
	if !ok {
		return
	}
	sl := v.(*slot)
	sl.mu.Lock()
	sess := sl.current.Load()
	if sess == nil {
		sl.mu.Unlock()
		return
	}
	r.removeLocked(ctx, sl, sess, "disconnect")
	sl.mu.Unlock()
	r.events.Publish(ctx, events.NodeDisconnected, map[string]string{"node_id": nodeID, "reason": "disconnect"})
}

// Release removes sess if it is still the node's current session. It
// reports false when sess was already replaced or removed, in which case
// nothing changes.
func (r *Registry) Release(ctx context.Context, sess *Session) bool {
	v, ok := r.slots.Load(sess.NodeID)
	if !ok {
		return false
	}
	sl := v.(*slot)
	sl.mu.Lock()
	if sl.current.Load() != sess {
		sl.mu.Unlock()
		_ = sess.transport.Close()
		return false
	}
	r.removeLocked(ctx, sl, sess, "transport closed")
	sl.mu.Unlock()
	r.events.Publish(ctx, events.NodeDisconnected, map[string]string{"node_id": sess.NodeID, "reason": "transport closed"})
	return true
}

// removeLocked clears the slot. The caller holds sl.mu and has checked that
// sess is current.
func (r *Registry) removeLocked(ctx context.Context, sl *slot, sess *Session, reason string) {
	sl.current.Store(nil)
	r.setConnected(r.connected.Add(-1))
	_ = sess.transport.Close()

	if err := r.store.MarkNodeOffline(ctx, sess.NodeID); err != nil {
		r.logger.Error("failed to persist node offline", zap.String("node_id", sess.NodeID), zap.Error(err))
	}
	r.logger.Info("node disconnected", zap.String("node_id", sess.NodeID), zap.String("reason", reason))
}

// RecordHeartbeat refreshes liveness for nodeID, persists the reported
// status and forwards the metrics to the sink.
func (r *Registry) RecordHeartbeat(ctx context.Context, nodeID string, status models.NodeStatus, m protocol.NodeMetrics) error {
	if !status.Reportable() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	sess := r.session(nodeID)
	if sess == nil {
		return fmt.Errorf("heartbeat from %s: %w", nodeID, ErrNotConnected)
	}

	now := r.clock.Now().UTC()
	sess.touch(now, status)

	sl := r.slotFor(nodeID)
	sl.mu.Lock()
	if sl.current.Load() != sess {
		sl.mu.Unlock()
		return fmt.Errorf("heartbeat from %s: %w", nodeID, ErrNotConnected)
	}
	err := r.store.RecordNodeHeartbeat(ctx, nodeID, status, now)
	sl.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to persist heartbeat for %s: %w", nodeID, err)
	}

	if r.metrics != nil {
		r.metrics.Heartbeats.Inc()
	}
	if r.sink != nil {
		if err := r.sink.Write(ctx, nodeID, now, m); err != nil {
			r.logger.Warn("failed to store heartbeat metrics", zap.String("node_id", nodeID), zap.Error(err))
		}
	}
	return nil
}

// Dispatch sends cmd to nodeID. It returns false when the node has no
// session (or the command cannot be encoded) and true otherwise; true
// does not mean the node processed the command.
func (r *Registry) Dispatch(nodeID string, cmd protocol.Command) bool {
	frame, err := protocol.Marshal(cmd)
	if err != nil {
		r.logger.Error("failed to encode command", zap.String("command", cmd.Name()), zap.Error(err))
		return false
	}

	sess := r.session(nodeID)
	if sess == nil {
		r.countDispatch(cmd.Name(), "no_session")
		r.logger.Debug("dispatch to disconnected node", zap.String("node_id", nodeID), zap.String("command", cmd.Name()))
		return false
	}

	if err := sess.transport.Send(frame); err != nil {
		r.countDispatch(cmd.Name(), "send_failed")
		r.logger.Warn("failed to enqueue command",
			zap.String("node_id", nodeID),
			zap.String("command", cmd.Name()),
			zap.Error(err))
		return true
	}

	r.countDispatch(cmd.Name(), "delivered")
	return true
}

// IsConnected reports whether nodeID has a live session.
func (r *Registry) IsConnected(nodeID string) bool {
	return r.session(nodeID) != nil
}

// Session returns the live session of nodeID, or nil.
func (r *Registry) Session(nodeID string) *Session {
	return r.session(nodeID)
}

// ListConnectedIDs returns the ids of all connected nodes, sorted.
func (r *Registry) ListConnectedIDs() []string {
	var ids []string
	r.slots.Range(func(k, v any) bool {
		if v.(*slot).current.Load() != nil {
			ids = append(ids, k.(string))
		}
		return true
	})
	sort.Strings(ids)
	return ids
}

// Sweep marks nodes whose last heartbeat is older than the expiry window as
// offline and returns their ids. Sessions are kept unless reaping is
// enabled and the node has been silent longer than the reap threshold.
func (r *Registry) Sweep(ctx context.Context) []string {
	now := r.clock.Now().UTC()
	var expired []string

	r.slots.Range(func(k, v any) bool {
		sl := v.(*slot)
		sess := sl.current.Load()
		if sess == nil {
			return true
		}
		silent := now.Sub(sess.LastHeartbeat())

		if r.reapAfter > 0 && silent > r.reapAfter {
			sl.mu.Lock()
			reaped := sl.current.Load() == sess
			if reaped {
				r.removeLocked(ctx, sl, sess, "heartbeat timeout")
			}
			sl.mu.Unlock()
			if reaped {
				expired = append(expired, sess.NodeID)
				r.events.Publish(ctx, events.NodeDisconnected, map[string]string{"node_id": sess.NodeID, "reason": "heartbeat timeout"})
			}
			return true
		}

		if silent <= r.expiry || sess.expired.Load() {
			return true
		}

		sl.mu.Lock()
		if sl.current.Load() == sess && sess.expired.CompareAndSwap(false, true) {
			if err := r.store.MarkNodeOffline(ctx, sess.NodeID); err != nil {
				r.logger.Error("failed to persist expired node", zap.String("node_id", sess.NodeID), zap.Error(err))
			}
			expired = append(expired, sess.NodeID)
			r.logger.Warn("node heartbeat expired",
				zap.String("node_id", sess.NodeID),
				zap.Duration("silent_for", silent))
		}
		sl.mu.Unlock()
		return true
	})

	sort.Strings(expired)
	return expired
}

// Close closes every live transport. Sessions are removed as their read
// loops exit.
func (r *Registry) Close() {
	r.slots.Range(func(_, v any) bool {
		if sess := v.(*slot).current.Load(); sess != nil {
			_ = sess.transport.Close()
		}
		return true
	})
}

func (r *Registry) setConnected(n int64) {
	if r.metrics != nil {
		r.metrics.ConnectedNodes.Set(float64(n))
	}
}

func (r *Registry) countDispatch(command, result string) {
	if r.metrics != nil {
		r.metrics.Dispatches.WithLabelValues(command, result).Inc()
	}
}
