package storage_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/fleetrent/internal/storage"
	"evalgo.org/fleetrent/internal/storage/storagetest"
	"evalgo.org/fleetrent/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNodeLifecycle(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)
	storagetest.Node(t, s, "node-1", "owner-1", models.NodeOffline, "2.5")

	require.NoError(t, s.MarkNodeOnline(ctx, "node-1", t0))
	n, err := s.GetNode(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, models.NodeOnline, n.Status)
	require.NotNil(t, n.LastHeartbeat)
	assert.True(t, n.LastHeartbeat.Equal(t0))
	assert.True(t, n.HourlyRate.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, "RTX 4090", n.Specs.GPUModel)

	require.NoError(t, s.RecordNodeHeartbeat(ctx, "node-1", models.NodeMaintenance, t0.Add(5*time.Second)))
	n, err = s.GetNode(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, models.NodeMaintenance, n.Status)

	require.NoError(t, s.MarkNodeOffline(ctx, "node-1"))
	n, err = s.GetNode(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, models.NodeOffline, n.Status)
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)

	_, err := s.GetNode(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.GetRental(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = s.MarkNodeOnline(ctx, "missing", t0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestClaimPortCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)

	ok, err := s.ClaimPort(ctx, 10000, "node-1", "rental-1", t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimPort(ctx, 10000, "node-2", "rental-2", t0)
	require.NoError(t, err)
	assert.False(t, ok, "an active port cannot be claimed twice")

	n, err := s.ReleasePort(ctx, 10000, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	pa, err := s.GetPortAllocation(ctx, 10000)
	require.NoError(t, err)
	assert.False(t, pa.Active)
	require.NotNil(t, pa.ReleasedAt)
	assert.Equal(t, "rental-1", pa.RentalID, "released rows keep their history")

	ok, err = s.ClaimPort(ctx, 10000, "node-2", "rental-2", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	pa, err = s.GetPortAllocation(ctx, 10000)
	require.NoError(t, err)
	assert.True(t, pa.Active)
	assert.Equal(t, "node-2", pa.NodeID)
	assert.Equal(t, "rental-2", pa.RentalID)
	assert.Nil(t, pa.ReleasedAt)
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)

	n, err := s.ReleasePort(ctx, 12345, t0)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.ClaimPort(ctx, 10000, "node-1", "rental-1", t0)
	require.NoError(t, err)
	_, err = s.ClaimPort(ctx, 10001, "node-1", "rental-1", t0)
	require.NoError(t, err)

	n, err = s.ReleasePortsByRental(ctx, "rental-1", t0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = s.ReleasePortsByRental(ctx, "rental-1", t0)
	require.NoError(t, err)
	assert.Zero(t, n)

	count, err := s.CountActivePorts(ctx, 10000, 10100)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestReleaseOrphanedPorts(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)
	r := newActiveRental(t, s)

	_, err := s.ClaimPort(ctx, 10005, "node-1", "ghost", t0)
	require.NoError(t, err)
	_, err = s.ClaimPort(ctx, 10006, "node-1", "ghost-late", t0.Add(time.Hour))
	require.NoError(t, err)

	n, err := s.ReleaseOrphanedPorts(ctx, t0.Add(time.Minute), t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	active, err := s.PortActive(ctx, 10005)
	require.NoError(t, err)
	assert.False(t, active)

	active, err = s.PortActive(ctx, 10006)
	require.NoError(t, err)
	assert.True(t, active, "claims newer than the cutoff stay")

	for _, p := range r.PortMapping.PublicPorts() {
		active, err = s.PortActive(ctx, p)
		require.NoError(t, err)
		assert.True(t, active, "ports of a recorded rental stay")
	}
}

func newActiveRental(t *testing.T, s *storage.Storage) *models.Rental {
	t.Helper()
	ctx := context.Background()

	storagetest.Account(t, s, "renter-1", models.RoleRenter, "100")
	storagetest.Account(t, s, "owner-1", models.RoleOwner, "0")
	storagetest.Node(t, s, "node-1", "owner-1", models.NodeOnline, "2.5")

	r := &models.Rental{
		ID:             "rental-1",
		NodeID:         "node-1",
		RenterID:       "renter-1",
		Image:          "pytorch/pytorch:latest",
		CostPerHour:    decimal.RequireFromString("2.5"),
		EstimatedHours: decimal.NewFromInt(8),
		StartTime:      t0,
		Status:         models.RentalPending,
		PortMapping:    models.PortMapping{22: 10000, 8888: 10001},
	}
	require.NoError(t, s.CreateRental(ctx, r))
	for _, p := range r.PortMapping.PublicPorts() {
		ok, err := s.ClaimPort(ctx, p, r.NodeID, r.ID, t0)
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, s.ActivateRental(ctx, storage.Activation{
		RentalID:    r.ID,
		NodeID:      r.NodeID,
		ContainerID: "c-1",
		Connection:  &models.ConnectionDescriptor{Host: "tunnel", SSHPort: 10000, SSHUser: "root"},
		StartedAt:   t0,
	}))
	return r
}

func TestActivateRental(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)
	r := newActiveRental(t, s)

	got, err := s.GetRental(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RentalActive, got.Status)
	assert.Equal(t, "c-1", got.ContainerID)
	require.NotNil(t, got.Connection)
	assert.Equal(t, 10000, got.Connection.SSHPort)
	assert.Equal(t, models.PortMapping{22: 10000, 8888: 10001}, got.PortMapping)

	node, err := s.GetNode(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, models.NodeBusy, node.Status)

	err = s.ActivateRental(ctx, storage.Activation{RentalID: r.ID, NodeID: r.NodeID, StartedAt: t0})
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestSettleRental(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)
	r := newActiveRental(t, s)

	st := storage.Settlement{
		RentalID:    r.ID,
		NodeID:      r.NodeID,
		RenterID:    r.RenterID,
		OwnerID:     "owner-1",
		Status:      models.RentalCompleted,
		EndTime:     t0.Add(2 * time.Hour),
		TotalCost:   decimal.RequireFromString("5"),
		OwnerCredit: decimal.RequireFromString("4.25"),
		StopReason:  "requested",
	}
	require.NoError(t, s.SettleRental(ctx, st))

	got, err := s.GetRental(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RentalCompleted, got.Status)
	require.NotNil(t, got.EndTime)
	assert.True(t, got.TotalCost.Valid)
	assert.True(t, got.TotalCost.Decimal.Equal(decimal.NewFromInt(5)))

	renter, err := s.GetAccount(ctx, "renter-1")
	require.NoError(t, err)
	assert.True(t, renter.Balance.Equal(decimal.NewFromInt(95)), "renter balance %s", renter.Balance)

	owner, err := s.GetAccount(ctx, "owner-1")
	require.NoError(t, err)
	assert.True(t, owner.Balance.Equal(decimal.RequireFromString("4.25")), "owner balance %s", owner.Balance)

	node, err := s.GetNode(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, models.NodeOnline, node.Status)

	active, err := s.CountActivePorts(ctx, 10000, 10100)
	require.NoError(t, err)
	assert.Zero(t, active)

	// a second settlement is rejected and changes nothing
	err = s.SettleRental(ctx, st)
	assert.ErrorIs(t, err, storage.ErrConflict)

	renter, err = s.GetAccount(ctx, "renter-1")
	require.NoError(t, err)
	assert.True(t, renter.Balance.Equal(decimal.NewFromInt(95)))
}

func TestSettlementBalancesAreExact(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)
	storagetest.Account(t, s, "renter-1", models.RoleRenter, "1")
	storagetest.Account(t, s, "owner-1", models.RoleOwner, "0")
	storagetest.Node(t, s, "node-1", "owner-1", models.NodeOnline, "1")

	for i, amount := range []string{"0.1", "0.2"} {
		id := fmt.Sprintf("rental-%d", i)
		require.NoError(t, s.CreateRental(ctx, &models.Rental{
			ID: id, NodeID: "node-1", RenterID: "renter-1", Image: "img",
			CostPerHour: decimal.NewFromInt(1), EstimatedHours: decimal.NewFromInt(1),
			StartTime: t0, Status: models.RentalPending,
		}))
		require.NoError(t, s.ActivateRental(ctx, storage.Activation{RentalID: id, NodeID: "node-1", StartedAt: t0}))
		require.NoError(t, s.SettleRental(ctx, storage.Settlement{
			RentalID:    id,
			NodeID:      "node-1",
			RenterID:    "renter-1",
			OwnerID:     "owner-1",
			Status:      models.RentalCompleted,
			EndTime:     t0.Add(time.Hour),
			TotalCost:   decimal.RequireFromString(amount),
			OwnerCredit: decimal.RequireFromString(amount),
		}))
	}

	owner, err := s.GetAccount(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "0.3", owner.Balance.String())

	renter, err := s.GetAccount(ctx, "renter-1")
	require.NoError(t, err)
	assert.Equal(t, "0.7", renter.Balance.String())
}

func TestAccountBalanceKeepsPrecision(t *testing.T) {
	s := storagetest.New(t)
	storagetest.Account(t, s, "whale", models.RoleRenter, "123456789012.12345678")

	a, err := s.GetAccount(context.Background(), "whale")
	require.NoError(t, err)
	assert.Equal(t, "123456789012.12345678", a.Balance.String())
}

func TestSettleRentalRollsBackOnMissingOwner(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)
	r := newActiveRental(t, s)

	err := s.SettleRental(ctx, storage.Settlement{
		RentalID:    r.ID,
		NodeID:      r.NodeID,
		RenterID:    r.RenterID,
		OwnerID:     "no-such-owner",
		Status:      models.RentalCompleted,
		EndTime:     t0.Add(time.Hour),
		TotalCost:   decimal.RequireFromString("2.5"),
		OwnerCredit: decimal.RequireFromString("2.125"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := s.GetRental(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RentalActive, got.Status)

	renter, err := s.GetAccount(ctx, "renter-1")
	require.NoError(t, err)
	assert.True(t, renter.Balance.Equal(decimal.NewFromInt(100)), "debit must roll back")

	active, err := s.CountActivePorts(ctx, 10000, 10100)
	require.NoError(t, err)
	assert.EqualValues(t, 2, active, "ports stay reserved when settlement fails")
}

func TestAbortRental(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)
	storagetest.Node(t, s, "node-1", "owner-1", models.NodeOnline, "1")

	r := &models.Rental{
		ID: "rental-9", NodeID: "node-1", RenterID: "renter-1", Image: "img",
		CostPerHour: decimal.NewFromInt(1), EstimatedHours: decimal.NewFromInt(1),
		StartTime: t0, Status: models.RentalPending,
	}
	require.NoError(t, s.CreateRental(ctx, r))
	_, err := s.ClaimPort(ctx, 10000, "node-1", r.ID, t0)
	require.NoError(t, err)

	open, err := s.CountOpenRentalsForNode(ctx, "node-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, open)

	require.NoError(t, s.AbortRental(ctx, r.ID, t0))

	_, err = s.GetRental(ctx, r.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	active, err := s.PortActive(ctx, 10000)
	require.NoError(t, err)
	assert.False(t, active)

	assert.ErrorIs(t, s.AbortRental(ctx, r.ID, t0), storage.ErrConflict)
}

func TestListPendingBefore(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New(t)

	for i, start := range []time.Time{t0, t0.Add(10 * time.Minute)} {
		require.NoError(t, s.CreateRental(ctx, &models.Rental{
			ID: []string{"old", "new"}[i], NodeID: "n", RenterID: "r", Image: "img",
			CostPerHour: decimal.NewFromInt(1), EstimatedHours: decimal.NewFromInt(1),
			StartTime: start, Status: models.RentalPending,
		}))
	}

	pending, err := s.ListPendingBefore(ctx, t0.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "old", pending[0].ID)
}

func TestHealth(t *testing.T) {
	s := storagetest.New(t)
	h := s.Health(context.Background())
	assert.Equal(t, "up", h["status"])
	assert.Equal(t, "sqlite", h["driver"])
}
