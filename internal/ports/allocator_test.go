package ports_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/fleetrent/internal/clock"
	"evalgo.org/fleetrent/internal/metrics"
	"evalgo.org/fleetrent/internal/ports"
	"evalgo.org/fleetrent/internal/storage"
	"evalgo.org/fleetrent/internal/storage/storagetest"
)

func newAllocator(t *testing.T, start, end int) (*ports.Allocator, *storage.Storage) {
	t.Helper()
	s := storagetest.New(t)
	a, err := ports.NewAllocator(s, start, end,
		ports.WithClock(clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))))
	require.NoError(t, err)
	return a, s
}

func TestNewAllocatorRejectsBadRange(t *testing.T) {
	for _, r := range [][2]int{{0, 10}, {10, 5}, {60000, 70000}} {
		_, err := ports.NewAllocator(nil, r[0], r[1])
		assert.Error(t, err, "range %v", r)
	}
}

func TestAllocateAscending(t *testing.T) {
	ctx := context.Background()
	a, _ := newAllocator(t, 10000, 10100)

	for want := 10000; want < 10005; want++ {
		got, err := a.Allocate(ctx, "node-1", "rental-1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	n, err := a.AvailableCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 96, n)
}

func TestAllocateReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	a, _ := newAllocator(t, 10000, 10100)

	p, err := a.Allocate(ctx, "node-a", "")
	require.NoError(t, err)

	ok, err := a.IsAvailable(ctx, p)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx, p))

	ok, err = a.IsAvailable(ctx, p)
	require.NoError(t, err)
	assert.True(t, ok)

	again, err := a.Allocate(ctx, "node-b", "")
	require.NoError(t, err)
	assert.Equal(t, p, again, "the lowest free port is reused")
}

func TestAllocateExhausted(t *testing.T) {
	ctx := context.Background()
	a, s := newAllocator(t, 10000, 10001)

	_, err := a.Allocate(ctx, "node-1", "r1")
	require.NoError(t, err)
	_, err = a.Allocate(ctx, "node-1", "r1")
	require.NoError(t, err)

	_, err = a.Allocate(ctx, "node-2", "r2")
	assert.ErrorIs(t, err, ports.ErrPortRangeExhausted)

	for _, p := range []int{10000, 10001} {
		row, err := s.GetPortAllocation(ctx, p)
		require.NoError(t, err)
		assert.True(t, row.Active)
		assert.Equal(t, "r1", row.RentalID, "exhaustion must not touch existing rows")
	}

	n, err := a.AvailableCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReleaseVariantsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	a, _ := newAllocator(t, 10000, 10010)

	for i := 0; i < 2; i++ {
		_, err := a.Allocate(ctx, "node-1", "rental-1")
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := a.Allocate(ctx, "node-2", "rental-2")
		require.NoError(t, err)
	}

	require.NoError(t, a.ReleaseByRental(ctx, "rental-1"))
	require.NoError(t, a.ReleaseByRental(ctx, "rental-1"))
	n, err := a.AvailableCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 11-3, n)

	require.NoError(t, a.ReleaseByNode(ctx, "node-2"))
	require.NoError(t, a.ReleaseByNode(ctx, "node-2"))
	n, err = a.AvailableCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	require.NoError(t, a.Release(ctx, 10005))
	require.NoError(t, a.Release(ctx, 12345))
}

func TestIsAvailableOutOfRange(t *testing.T) {
	a, _ := newAllocator(t, 10000, 10010)
	ok, err := a.IsAvailable(context.Background(), 9999)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentAllocateNeverDoubleAssigns(t *testing.T) {
	ctx := context.Background()
	a, _ := newAllocator(t, 10000, 10019)

	const workers = 30
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		got       = map[int]int{}
		exhausted int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := a.Allocate(ctx, "node", "")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, ports.ErrPortRangeExhausted)
				exhausted++
				return
			}
			got[p]++
		}()
	}
	wg.Wait()

	assert.Len(t, got, 20)
	assert.Equal(t, workers-20, exhausted)
	for p, n := range got {
		assert.Equal(t, 1, n, "port %d handed out %d times", p, n)
	}
}

// raceStore loses the CAS on the first port it is asked to claim.
type raceStore struct {
	ports.Store
	lost map[int]bool
}

func (r *raceStore) ClaimPort(ctx context.Context, port int, nodeID, rentalID string, at time.Time) (bool, error) {
	if !r.lost[port] {
		r.lost[port] = true
		return false, nil
	}
	return r.Store.ClaimPort(ctx, port, nodeID, rentalID, at)
}

func TestAllocateSkipsPortLostToAnotherWriter(t *testing.T) {
	s := storagetest.New(t)
	rs := &raceStore{Store: s, lost: map[int]bool{}}
	m := metrics.New()
	a, err := ports.NewAllocator(rs, 10000, 10005, ports.WithMetrics(m))
	require.NoError(t, err)

	p, err := a.Allocate(context.Background(), "node", "")
	require.NoError(t, err)
	assert.Equal(t, 10001, p)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PortAllocations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PortsActive))
}
