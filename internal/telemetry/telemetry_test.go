package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"evalgo.org/fleetrent/internal/protocol"
)

func TestWriteAndRecent(t *testing.T) {
	s, err := OpenInMemory(time.Hour, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Write(ctx, "node-a", base.Add(time.Duration(i)*5*time.Second),
			protocol.NodeMetrics{CPUUsagePercent: float64(i)}))
	}
	require.NoError(t, s.Write(ctx, "node-ab", base, protocol.NodeMetrics{CPUUsagePercent: 99}))

	got, err := s.Recent("node-a", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 4.0, got[0].Metrics.CPUUsagePercent)
	assert.Equal(t, 3.0, got[1].Metrics.CPUUsagePercent)
	assert.Equal(t, 2.0, got[2].Metrics.CPUUsagePercent)
	assert.Equal(t, "node-a", got[0].NodeID)
	assert.True(t, got[0].Time.Equal(base.Add(20*time.Second)))

	all, err := s.Recent("node-a", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	none, err := s.Recent("node-z", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestOpenOnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultRetention, s.retention)

	require.NoError(t, s.Write(context.Background(), "n", time.Now(), protocol.NodeMetrics{}))
	require.NoError(t, s.Close())

	s, err = Open(dir, time.Hour, nil)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Recent("n", 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
