// Package rental owns the rental lifecycle and its money.
//
//	PENDING --instance_started--> ACTIVE --stop / instance_stopped--> COMPLETED | CANCELLED
//
// A PENDING rental that cannot be started (no session at creation, node
// rejected the start, or no confirmation within the pending timeout) is
// rolled back: the row is deleted and its ports released in one
// transaction. Balances change only when an ACTIVE rental settles, and a
// settlement is applied in one transaction guarded by the ACTIVE status,
// so a rental is billed at most once however many stop paths race.
package rental

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"evalgo.org/fleetrent/internal/clock"
	"evalgo.org/fleetrent/internal/events"
	"evalgo.org/fleetrent/internal/metrics"
	"evalgo.org/fleetrent/internal/protocol"
	"evalgo.org/fleetrent/internal/storage"
	"evalgo.org/fleetrent/internal/tunnel"
	"evalgo.org/fleetrent/models"
)

// ErrInvalidRequest is returned for create requests missing required fields.
var ErrInvalidRequest = errors.New("invalid rental request")

// DefaultPlatformFee is the share of every settlement kept by the platform.
var DefaultPlatformFee = decimal.RequireFromString("0.15")

var msPerHour = decimal.NewFromInt(int64(time.Hour / time.Millisecond))

// Store is the ledger the engine reads and writes.
type Store interface {
	GetNode(ctx context.Context, id string) (*models.Node, error)
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	CountOpenRentalsForNode(ctx context.Context, nodeID string) (int64, error)
	CreateRental(ctx context.Context, rental *models.Rental) error
	GetRental(ctx context.Context, id string) (*models.Rental, error)
	ListRentalsByRenter(ctx context.Context, renterID string) ([]models.Rental, error)
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]models.Rental, error)
	ReleaseOrphanedPorts(ctx context.Context, cutoff, at time.Time) (int64, error)
	ActivateRental(ctx context.Context, a storage.Activation) error
	AbortRental(ctx context.Context, rentalID string, at time.Time) error
	SettleRental(ctx context.Context, st storage.Settlement) error
}

// PortAllocator reserves public tunnel ports.
type PortAllocator interface {
	Allocate(ctx context.Context, nodeID, rentalID string) (int, error)
	ReleaseByRental(ctx context.Context, rentalID string) error
}

// Dispatcher delivers commands to connected nodes. It reports false when
// the node has no live session.
type Dispatcher interface {
	Dispatch(nodeID string, cmd protocol.Command) bool
}

// Config holds the engine settings taken from the rental and tunnel
// configuration sections.
type Config struct {
	// Services are the container ports exposed for every rental
	Services []int
	// PlatformFee is the fraction of each settlement not credited to the
	// owner; unset means DefaultPlatformFee
	PlatformFee decimal.NullDecimal
	// Tunnel is the frps server nodes expose rental ports through
	Tunnel tunnel.Server
	// Descriptor tunes the renter-facing connection descriptor
	Descriptor tunnel.Options
	// StopTimeout is the graceful stop window sent to nodes; zero keeps
	// the protocol default
	StopTimeout time.Duration
}

// CreateRequest is a renter's request to lease a node.
type CreateRequest struct {
	RenterID       string
	NodeID         string
	Image          string
	ResourceLimits models.ResourceLimits
	EnvVars        map[string]string
	EstimatedHours decimal.Decimal
}

// Engine runs rental transitions.
type Engine struct {
	store      Store
	ports      PortAllocator
	dispatcher Dispatcher
	cfg        Config

	clock   clock.Clock
	events  events.Publisher
	metrics *metrics.Collectors
	logger  *zap.Logger
	tracer  trace.Tracer

	rentalLocks sync.Map // rental id -> *sync.Mutex
	nodeLocks   sync.Map // node id -> *sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithEvents publishes lifecycle events to p.
func WithEvents(p events.Publisher) Option { return func(e *Engine) { e.events = p } }

// WithMetrics records rental metrics.
func WithMetrics(m *metrics.Collectors) Option { return func(e *Engine) { e.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// NewEngine returns an engine. Services default to ssh and notebook and
// the platform fee to 15%.
func NewEngine(store Store, ports PortAllocator, dispatcher Dispatcher, cfg Config, opts ...Option) *Engine {
	if len(cfg.Services) == 0 {
		cfg.Services = []int{tunnel.SSHPort, tunnel.NotebookPort}
	}
	if !cfg.PlatformFee.Valid {
		cfg.PlatformFee = decimal.NewNullDecimal(DefaultPlatformFee)
	}
	e := &Engine{
		store:      store,
		ports:      ports,
		dispatcher: dispatcher,
		cfg:        cfg,
		clock:      clock.Real(),
		events:     events.Nop{},
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("evalgo.org/fleetrent/internal/rental"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func lock(m *sync.Map, id string) func() {
	v, _ := m.LoadOrStore(id, &sync.Mutex{})
	mtx := v.(*sync.Mutex)
	mtx.Lock()
	return mtx.Unlock
}

func (e *Engine) now() time.Time { return e.clock.Now().UTC() }

func (e *Engine) stopCommand(r *models.Rental) protocol.StopInstance {
	cmd := protocol.NewStopInstance(r.ID, r.ContainerID)
	if secs := int(e.cfg.StopTimeout / time.Second); secs > 0 {
		cmd.TimeoutSeconds = secs
	}
	return cmd
}

// CreateRental validates the request, reserves ports, persists a PENDING
// rental and asks the node to start it. Nothing is left behind when the
// node cannot be reached.
func (e *Engine) CreateRental(ctx context.Context, req CreateRequest) (_ *models.Rental, err error) {
	ctx, span := e.tracer.Start(ctx, "rental.CreateRental", trace.WithAttributes(
		attribute.String("node.id", req.NodeID),
		attribute.String("renter.id", req.RenterID),
	))
	defer func() { endSpan(span, err) }()

	if req.NodeID == "" || req.RenterID == "" || req.Image == "" {
		return nil, fmt.Errorf("%w: node, renter and image are required", ErrInvalidRequest)
	}
	if req.EstimatedHours.IsNegative() {
		return nil, fmt.Errorf("%w: estimated hours must not be negative", ErrInvalidRequest)
	}

	unlock := lock(&e.nodeLocks, req.NodeID)
	defer unlock()

	node, err := e.store.GetNode(ctx, req.NodeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, req.NodeID)
		}
		return nil, err
	}
	if node.Status != models.NodeOnline {
		return nil, fmt.Errorf("%w: node %s is %s", ErrNodeUnavailable, node.ID, node.Status)
	}
	open, err := e.store.CountOpenRentalsForNode(ctx, node.ID)
	if err != nil {
		return nil, err
	}
	if open > 0 {
		return nil, fmt.Errorf("%w: node %s already has a rental", ErrNodeUnavailable, node.ID)
	}

	renter, err := e.store.GetAccount(ctx, req.RenterID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRenterNotFound, req.RenterID)
		}
		return nil, err
	}
	estimate := node.HourlyRate.Mul(req.EstimatedHours)
	if renter.Balance.LessThan(estimate) {
		return nil, fmt.Errorf("%w: balance %s, estimated cost %s", ErrInsufficientBalance, renter.Balance, estimate)
	}

	rentalID := models.NewID()
	mapping := models.PortMapping{}
	for _, svc := range e.cfg.Services {
		port, err := e.ports.Allocate(ctx, node.ID, rentalID)
		if err != nil {
			e.releasePorts(ctx, rentalID)
			return nil, fmt.Errorf("failed to reserve port for service %d: %w", svc, err)
		}
		mapping[svc] = port
	}

	now := e.now()
	r := &models.Rental{
		ID:             rentalID,
		NodeID:         node.ID,
		RenterID:       renter.ID,
		Image:          req.Image,
		CostPerHour:    node.HourlyRate,
		EstimatedHours: req.EstimatedHours,
		StartTime:      now,
		Status:         models.RentalPending,
		ResourceLimits: req.ResourceLimits,
		EnvVars:        req.EnvVars,
		PortMapping:    mapping,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateRental(ctx, r); err != nil {
		e.releasePorts(ctx, rentalID)
		return nil, err
	}

	cmd := protocol.StartInstance{
		RentalID:         r.ID,
		Image:            r.Image,
		ResourceLimits:   r.ResourceLimits,
		EnvVars:          r.EnvVars,
		ProxyPortMapping: mapping,
		TunnelConfig:     tunnel.ClientConfig(r.ID, mapping, nil, e.cfg.Tunnel),
	}
	if !e.dispatcher.Dispatch(node.ID, cmd) {
		if abortErr := e.store.AbortRental(ctx, r.ID, e.now()); abortErr != nil {
			e.logger.Error("failed to roll back undeliverable rental",
				zap.String("rental_id", r.ID), zap.Error(abortErr))
			return nil, fmt.Errorf("%w (rollback failed: %v)", ErrDispatchFailed, abortErr)
		}
		e.releasePorts(ctx, r.ID)
		e.countRental("rolled_back")
		e.events.Publish(ctx, events.RentalRolledBack, rentalEvent(r, "dispatch failed"))
		e.logger.Warn("node has no live session, rental rolled back",
			zap.String("rental_id", r.ID), zap.String("node_id", node.ID))
		return nil, fmt.Errorf("%w: node %s", ErrDispatchFailed, node.ID)
	}

	e.countRental("created")
	e.events.Publish(ctx, events.RentalCreated, rentalEvent(r, ""))
	e.logger.Info("rental created",
		zap.String("rental_id", r.ID),
		zap.String("node_id", r.NodeID),
		zap.String("renter_id", r.RenterID),
		zap.Any("ports", mapping))
	return r, nil
}

// OnInstanceStarted activates a PENDING rental. Billing starts now. Repeats
// and confirmations for rentals no longer PENDING are ignored.
func (e *Engine) OnInstanceStarted(ctx context.Context, rentalID, containerID string, reported *models.ConnectionDescriptor) (err error) {
	ctx, span := e.tracer.Start(ctx, "rental.OnInstanceStarted", trace.WithAttributes(attribute.String("rental.id", rentalID)))
	defer func() { endSpan(span, err) }()

	unlock := lock(&e.rentalLocks, rentalID)
	defer unlock()

	r, err := e.get(ctx, rentalID)
	if err != nil {
		return err
	}
	if r.Status != models.RentalPending {
		e.logger.Debug("ignoring start confirmation",
			zap.String("rental_id", rentalID), zap.String("status", string(r.Status)))
		return nil
	}

	desc := e.describe(r.PortMapping, reported)
	now := e.now()
	err = e.store.ActivateRental(ctx, storage.Activation{
		RentalID:    r.ID,
		NodeID:      r.NodeID,
		ContainerID: containerID,
		Connection:  &desc,
		StartedAt:   now,
	})
	if errors.Is(err, storage.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	e.countRental("started")
	e.events.Publish(ctx, events.RentalStarted, map[string]any{
		"rental_id":  r.ID,
		"node_id":    r.NodeID,
		"renter_id":  r.RenterID,
		"started_at": now,
		"connection": desc,
	})
	e.logger.Info("rental active",
		zap.String("rental_id", r.ID),
		zap.String("container_id", containerID),
		zap.String("host", desc.Host),
		zap.Int("ssh_port", desc.SSHPort))
	return nil
}

// describe builds the renter-facing descriptor from the tunnel server. The
// host the node reported is only used when no tunnel host is configured.
func (e *Engine) describe(mapping models.PortMapping, reported *models.ConnectionDescriptor) models.ConnectionDescriptor {
	srv := e.cfg.Tunnel
	if srv.PublicHost == "" && srv.Addr == "" && reported != nil {
		srv.PublicHost = reported.Host
	}
	return tunnel.Describe(mapping, srv, e.cfg.Descriptor)
}

// StopRental stops and settles a rental on behalf of its renter.
func (e *Engine) StopRental(ctx context.Context, rentalID, requesterID string) (*models.Rental, error) {
	return e.stop(ctx, rentalID, requesterID, true)
}

// ForceStopRental stops and settles a rental without an ownership check.
func (e *Engine) ForceStopRental(ctx context.Context, rentalID string) (*models.Rental, error) {
	return e.stop(ctx, rentalID, "", false)
}

func (e *Engine) stop(ctx context.Context, rentalID, requesterID string, checkOwner bool) (_ *models.Rental, err error) {
	ctx, span := e.tracer.Start(ctx, "rental.StopRental", trace.WithAttributes(
		attribute.String("rental.id", rentalID),
		attribute.Bool("forced", !checkOwner),
	))
	defer func() { endSpan(span, err) }()

	unlock := lock(&e.rentalLocks, rentalID)
	defer unlock()

	r, err := e.get(ctx, rentalID)
	if err != nil {
		return nil, err
	}
	if checkOwner && r.RenterID != requesterID {
		return nil, ErrUnauthorized
	}
	if r.Status != models.RentalActive {
		return nil, fmt.Errorf("%w: rental %s is %s", ErrRentalNotActive, r.ID, r.Status)
	}

	// The node confirms asynchronously; billing does not wait for it.
	if !e.dispatcher.Dispatch(r.NodeID, e.stopCommand(r)) {
		e.logger.Warn("node not connected, settling without stop confirmation",
			zap.String("rental_id", r.ID), zap.String("node_id", r.NodeID))
	}

	if err := e.settle(ctx, r, models.RentalCompleted, protocol.ReasonRequested, ""); err != nil {
		return nil, err
	}
	return e.get(ctx, rentalID)
}

// OnInstanceStopped handles a node reporting that a rental's container is
// gone. An ACTIVE rental is settled, CANCELLED when the container failed.
// A PENDING rental was rejected by the node and is rolled back. Anything
// else is a duplicate and ignored.
func (e *Engine) OnInstanceStopped(ctx context.Context, rentalID, reason, errorMessage string) (err error) {
	ctx, span := e.tracer.Start(ctx, "rental.OnInstanceStopped", trace.WithAttributes(
		attribute.String("rental.id", rentalID),
		attribute.String("reason", reason),
	))
	defer func() { endSpan(span, err) }()

	unlock := lock(&e.rentalLocks, rentalID)
	defer unlock()

	r, err := e.get(ctx, rentalID)
	if errors.Is(err, ErrRentalNotFound) {
		e.logger.Debug("stop event for unknown rental", zap.String("rental_id", rentalID))
		return nil
	}
	if err != nil {
		return err
	}

	switch r.Status {
	case models.RentalActive:
		status := models.RentalCompleted
		if reason == protocol.ReasonError {
			status = models.RentalCancelled
		}
		err := e.settle(ctx, r, status, reason, errorMessage)
		if errors.Is(err, ErrRentalNotActive) {
			return nil
		}
		return err
	case models.RentalPending:
		return e.rollback(ctx, r, "node rejected start: "+errorMessage)
	default:
		e.logger.Debug("ignoring stop event for settled rental",
			zap.String("rental_id", rentalID), zap.String("status", string(r.Status)))
		return nil
	}
}

// ExpirePending rolls back PENDING rentals that were created more than
// olderThan ago and never confirmed. It returns how many were rolled back.
func (e *Engine) ExpirePending(ctx context.Context, olderThan time.Duration) (_ int, err error) {
	ctx, span := e.tracer.Start(ctx, "rental.ExpirePending")
	defer func() { endSpan(span, err) }()

	now := e.now()
	cutoff := now.Add(-olderThan)
	stale, err := e.store.ListPendingBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	n := 0
	for i := range stale {
		r := &stale[i]
		unlock := lock(&e.rentalLocks, r.ID)
		err := e.rollback(ctx, r, "start not confirmed in time")
		unlock()
		if err != nil {
			e.logger.Error("failed to expire pending rental", zap.String("rental_id", r.ID), zap.Error(err))
			continue
		}
		// A late start would otherwise leave a container running unbilled.
		e.dispatcher.Dispatch(r.NodeID, e.stopCommand(r))
		n++
	}
	span.SetAttributes(attribute.Int("expired", n))

	orphans, relErr := e.store.ReleaseOrphanedPorts(ctx, cutoff, now)
	if relErr != nil {
		e.logger.Error("failed to release orphaned ports", zap.Error(relErr))
	} else if orphans > 0 {
		e.logger.Warn("released ports claimed for rentals that were never recorded", zap.Int64("ports", orphans))
	}
	return n, nil
}

// Get returns a rental.
func (e *Engine) Get(ctx context.Context, rentalID string) (*models.Rental, error) {
	return e.get(ctx, rentalID)
}

// ListByRenter returns a renter's rentals, newest first.
func (e *Engine) ListByRenter(ctx context.Context, renterID string) ([]models.Rental, error) {
	return e.store.ListRentalsByRenter(ctx, renterID)
}

func (e *Engine) get(ctx context.Context, rentalID string) (*models.Rental, error) {
	r, err := e.store.GetRental(ctx, rentalID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRentalNotFound, rentalID)
		}
		return nil, err
	}
	return r, nil
}

// Cost returns the charge for running at rate from start to end and the
// owner's share after fee. Duration is measured in whole milliseconds.
func Cost(rate decimal.Decimal, start, end time.Time, fee decimal.Decimal) (total, ownerCredit decimal.Decimal) {
	ms := end.Sub(start).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	hours := decimal.NewFromInt(ms).Div(msPerHour)
	total = rate.Mul(hours).Round(8)
	ownerCredit = total.Mul(decimal.NewFromInt(1).Sub(fee)).Round(8)
	return total, ownerCredit
}

// settle closes an ACTIVE rental. The caller holds the rental lock.
func (e *Engine) settle(ctx context.Context, r *models.Rental, status models.RentalStatus, reason, errorMessage string) error {
	node, err := e.store.GetNode(ctx, r.NodeID)
	if err != nil {
		return fmt.Errorf("failed to load node %s for settlement: %w", r.NodeID, err)
	}

	end := e.now()
	total, credit := Cost(r.CostPerHour, r.StartTime, end, e.cfg.PlatformFee.Decimal)

	err = e.store.SettleRental(ctx, storage.Settlement{
		RentalID:     r.ID,
		NodeID:       r.NodeID,
		RenterID:     r.RenterID,
		OwnerID:      node.OwnerID,
		Status:       status,
		EndTime:      end,
		TotalCost:    total,
		OwnerCredit:  credit,
		StopReason:   reason,
		ErrorMessage: errorMessage,
	})
	if errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("%w: rental %s", ErrRentalNotActive, r.ID)
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.SettlementFailures.Inc()
		}
		e.logger.Error("settlement failed, nothing applied",
			zap.String("rental_id", r.ID),
			zap.String("total_cost", total.String()),
			zap.Error(err))
		return fmt.Errorf("failed to settle rental %s: %w", r.ID, err)
	}

	e.releasePorts(ctx, r.ID)
	if e.metrics != nil {
		e.metrics.Settlements.WithLabelValues(string(status)).Inc()
		e.metrics.SettledAmount.Add(total.InexactFloat64())
	}

	subject, outcome := events.RentalCompleted, "completed"
	if status == models.RentalCancelled {
		subject, outcome = events.RentalCancelled, "cancelled"
	}
	e.countRental(outcome)
	e.events.Publish(ctx, subject, map[string]any{
		"rental_id":    r.ID,
		"node_id":      r.NodeID,
		"renter_id":    r.RenterID,
		"owner_id":     node.OwnerID,
		"total_cost":   total.String(),
		"owner_credit": credit.String(),
		"reason":       reason,
	})
	e.logger.Info("rental settled",
		zap.String("rental_id", r.ID),
		zap.String("status", string(status)),
		zap.String("total_cost", total.String()),
		zap.String("owner_credit", credit.String()),
		zap.Duration("duration", end.Sub(r.StartTime)))
	return nil
}

// rollback deletes a PENDING rental and frees its ports. The caller holds
// the rental lock. A rental that already left PENDING is left alone.
func (e *Engine) rollback(ctx context.Context, r *models.Rental, why string) error {
	err := e.store.AbortRental(ctx, r.ID, e.now())
	if errors.Is(err, storage.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to roll back rental %s: %w", r.ID, err)
	}
	e.releasePorts(ctx, r.ID)
	e.countRental("rolled_back")
	e.events.Publish(ctx, events.RentalRolledBack, rentalEvent(r, why))
	e.logger.Warn("pending rental rolled back", zap.String("rental_id", r.ID), zap.String("reason", why))
	return nil
}

// releasePorts frees a rental's ports through the allocator. Settlement
// and rollback already release them in their transactions; this covers
// ports reserved before the row existed and keeps the allocator's gauges
// current.
func (e *Engine) releasePorts(ctx context.Context, rentalID string) {
	if err := e.ports.ReleaseByRental(ctx, rentalID); err != nil {
		e.logger.Error("failed to release rental ports", zap.String("rental_id", rentalID), zap.Error(err))
	}
}

func (e *Engine) countRental(outcome string) {
	if e.metrics != nil {
		e.metrics.Rentals.WithLabelValues(outcome).Inc()
	}
}

func rentalEvent(r *models.Rental, reason string) map[string]any {
	m := map[string]any{
		"rental_id": r.ID,
		"node_id":   r.NodeID,
		"renter_id": r.RenterID,
		"image":     r.Image,
		"ports":     r.PortMapping,
	}
	if reason != "" {
		m["reason"] = reason
	}
	return m
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
