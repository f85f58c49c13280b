package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"evalgo.org/fleetrent/internal/api"
	"evalgo.org/fleetrent/internal/auth"
	"evalgo.org/fleetrent/internal/config"
	"evalgo.org/fleetrent/internal/metrics"
	"evalgo.org/fleetrent/internal/ports"
	"evalgo.org/fleetrent/internal/registry"
	"evalgo.org/fleetrent/internal/rental"
	"evalgo.org/fleetrent/internal/storage"
	"evalgo.org/fleetrent/internal/storage/storagetest"
	"evalgo.org/fleetrent/internal/telemetry"
	"evalgo.org/fleetrent/internal/tunnel"
	"evalgo.org/fleetrent/models"
	"evalgo.org/fleetrent/pkg/client"
)

// fleet is a complete server stack behind an httptest listener.
type fleet struct {
	url      string
	store    *storage.Storage
	registry *registry.Registry
	jwt      *auth.JWTService
	secret   string
}

func startFleet(t *testing.T) *fleet {
	t.Helper()
	logger := zaptest.NewLogger(t)

	cfg := config.Default()
	cfg.Security.JWTSecret = "user-secret"
	cfg.Security.NodeTokenSecret = "node-secret"
	cfg.Security.RateLimit = 0

	store := storagetest.New(t)
	storagetest.Account(t, store, "renter-1", models.RoleRenter, "100")
	storagetest.Account(t, store, "owner-1", models.RoleOwner, "0")
	storagetest.Node(t, store, "node-1", "owner-1", models.NodeOnline, "2.5")

	m := metrics.New()
	samples, err := telemetry.OpenInMemory(time.Hour, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = samples.Close() })

	reg := registry.New(auth.NewNodeVerifier(cfg.Security.NodeTokenSecret, store), store,
		registry.WithSink(samples),
		registry.WithMetrics(m),
		registry.WithLogger(logger))

	alloc, err := ports.NewAllocator(store, 20000, 20009, ports.WithMetrics(m))
	require.NoError(t, err)

	engine := rental.NewEngine(store, alloc, reg, rental.Config{
		Tunnel: tunnel.Server{Addr: "frp.internal", Port: 7000, PublicHost: "gpu.example.com"},
	}, rental.WithMetrics(m), rental.WithLogger(logger))

	s := api.New(cfg, api.Deps{
		Store:     store,
		Rentals:   engine,
		Registry:  reg,
		Ports:     alloc,
		Telemetry: samples,
		Metrics:   m,
		Logger:    logger,
	})
	srv := httptest.NewServer(s)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		srv.Close()
	})

	return &fleet{
		url:      srv.URL,
		store:    store,
		registry: reg,
		jwt:      auth.NewJWTService(cfg.Security),
		secret:   cfg.Security.NodeTokenSecret,
	}
}

func TestRentalRoundTripThroughAgent(t *testing.T) {
	ctx := context.Background()
	f := startFleet(t)

	nodeToken, err := auth.GenerateNodeToken(f.secret, "node-1", "owner-1", time.Hour)
	require.NoError(t, err)

	rt := &fakeRuntime{}
	tunnels := &fakeTunnels{}
	a, err := New(config.AgentConfig{
		BackendURL:        "ws" + strings.TrimPrefix(f.url, "http") + "/fleet",
		Token:             nodeToken,
		NodeID:            "node-1",
		HeartbeatInterval: 50 * time.Millisecond,
		ReconnectDelay:    20 * time.Millisecond,
		MaxReconnectDelay: 100 * time.Millisecond,
		FRP:               config.FRPConfig{ServerAddr: "frp.internal", ServerPort: 7000},
		Docker:            config.DockerConfig{AllowedImages: []string{"pytorch/*"}, CleanupAfter: time.Minute},
	}, rt, tunnels,
		WithLogger(zaptest.NewLogger(t)),
		WithMetricsSource(fixedMetrics{}),
		WithCleanupInterval(time.Hour),
	)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, a.Run(runCtx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return f.registry.IsConnected("node-1") }, 5*time.Second, 10*time.Millisecond)

	renterToken, err := f.jwt.GenerateUserToken("renter-1", models.RoleRenter)
	require.NoError(t, err)
	c, err := client.New(f.url, client.WithToken(renterToken))
	require.NoError(t, err)

	created, err := c.CreateRental(ctx, client.CreateRentalRequest{
		NodeID:         "node-1",
		Image:          "pytorch/pytorch:latest",
		ResourceLimits: models.ResourceLimits{CPUCores: 4, RAMLimit: "8g"},
		EstimatedHours: decimal.NewFromInt(2),
	})
	require.NoError(t, err)
	assert.Equal(t, models.RentalPending, created.Status)

	var active *models.Rental
	require.Eventually(t, func() bool {
		active, err = c.GetRental(ctx, created.ID)
		return err == nil && active.Status == models.RentalActive
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, "c-"+created.ID, active.ContainerID)
	require.NotNil(t, active.Connection)
	assert.Equal(t, "gpu.example.com", active.Connection.Host)
	assert.Equal(t, 20000, active.Connection.SSHPort)

	started, _, _ := rt.snapshot()
	require.Len(t, started, 1)
	assert.Equal(t, []int{22, 8888}, started[0].Ports)
	assert.Equal(t, 4, started[0].Limits.CPUCores)

	// the node exposes its loopback host ports through the public ports
	frpc := tunnels.config(created.ID)
	assert.Contains(t, frpc, "local_port = 49153")
	assert.Contains(t, frpc, "remote_port = 20000")

	assert.Eventually(t, func() bool { return a.Status() == models.NodeBusy }, time.Second, 10*time.Millisecond)

	stopped, err := c.StopRental(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RentalCompleted, stopped.Status)
	assert.True(t, stopped.TotalCost.Valid)

	require.Eventually(t, func() bool {
		_, stoppedIDs, removed := rt.snapshot()
		return len(stoppedIDs) == 1 && len(removed) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool { return a.Status() == models.NodeOnline }, time.Second, 10*time.Millisecond)

	_, err = c.StopRental(ctx, created.ID)
	assert.True(t, client.IsStatus(err, http.StatusConflict), "second stop: %v", err)
}
