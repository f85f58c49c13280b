package agent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"evalgo.org/fleetrent/internal/config"
	"evalgo.org/fleetrent/internal/protocol"
	"evalgo.org/fleetrent/models"
)

type fakeRuntime struct {
	mu       sync.Mutex
	started  []ContainerSpec
	stopped  []string
	removed  []string
	exited   []ExitedContainer
	running  map[string]string
	startErr error
	stopErr  error
}

func (f *fakeRuntime) Start(_ context.Context, spec ContainerSpec) (StartedContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return StartedContainer{}, f.startErr
	}
	f.started = append(f.started, spec)
	hostPorts := make(map[int]int)
	for i, p := range spec.Ports {
		hostPorts[p] = 49153 + i
	}
	return StartedContainer{ID: "c-" + spec.RentalID, HostPorts: hostPorts}, nil
}

func (f *fakeRuntime) Stop(_ context.Context, id string, _ bool, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) Exited(context.Context) ([]ExitedContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.exited
	f.exited = nil
	return out, nil
}

func (f *fakeRuntime) Running(context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *fakeRuntime) Close() error { return nil }

func (f *fakeRuntime) snapshot() (started []ContainerSpec, stopped, removed []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ContainerSpec(nil), f.started...), append([]string(nil), f.stopped...), append([]string(nil), f.removed...)
}

type fakeTunnels struct {
	mu      sync.Mutex
	configs map[string]string
	stopped []string
	err     error
}

func (f *fakeTunnels) Start(rentalID, cfg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.configs == nil {
		f.configs = make(map[string]string)
	}
	f.configs[rentalID] = cfg
	return nil
}

func (f *fakeTunnels) Stop(rentalID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, rentalID)
}

func (f *fakeTunnels) StopAll() {}

func (f *fakeTunnels) config(rentalID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configs[rentalID]
}

type fixedMetrics struct{}

func (fixedMetrics) Collect(context.Context) protocol.NodeMetrics {
	return protocol.NodeMetrics{CPUUsagePercent: 12.5, RAMTotalMB: 64000}
}

// fakeBackend is a /fleet endpoint that records every frame a node sends.
type fakeBackend struct {
	t      *testing.T
	srv    *httptest.Server
	frames chan protocol.Envelope
	conns  chan *websocket.Conn
	auth   chan string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	b := &fakeBackend{
		t:      t,
		frames: make(chan protocol.Envelope, 1024),
		conns:  make(chan *websocket.Conn, 4),
		auth:   make(chan string, 4),
	}
	upgrader := websocket.Upgrader{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.auth <- r.Header.Get("Authorization")
		b.conns <- conn
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Decode(frame)
			if err == nil {
				b.frames <- env
			}
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/fleet"
}

func (b *fakeBackend) accept() *websocket.Conn {
	b.t.Helper()
	select {
	case conn := <-b.conns:
		return conn
	case <-time.After(5 * time.Second):
		b.t.Fatal("agent did not connect")
		return nil
	}
}

// expect returns the next frame for event, skipping others.
func (b *fakeBackend) expect(event string) protocol.Envelope {
	b.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-b.frames:
			if env.Event == event {
				return env
			}
		case <-deadline:
			b.t.Fatalf("no %s frame received", event)
			return protocol.Envelope{}
		}
	}
}

// expectHeartbeat returns the next heartbeat reporting status.
func (b *fakeBackend) expectHeartbeat(status models.NodeStatus) protocol.Heartbeat {
	b.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-b.frames:
			if env.Event != protocol.EventHeartbeat {
				continue
			}
			hb, err := protocol.DecodeData[protocol.Heartbeat](env)
			require.NoError(b.t, err)
			if hb.Status == status {
				return hb
			}
		case <-deadline:
			b.t.Fatalf("no %s heartbeat received", status)
			return protocol.Heartbeat{}
		}
	}
}

func command(t *testing.T, conn *websocket.Conn, cmd protocol.Command) {
	t.Helper()
	frame, err := protocol.Marshal(cmd)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func decodeAs[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	v, err := protocol.DecodeData[T](env)
	require.NoError(t, err)
	return v
}

type harness struct {
	agent   *Agent
	backend *fakeBackend
	runtime *fakeRuntime
	tunnels *fakeTunnels
	conn    *websocket.Conn
}

func startAgent(t *testing.T, mutate func(*config.AgentConfig), rt *fakeRuntime) *harness {
	t.Helper()

	backend := newFakeBackend(t)
	if rt == nil {
		rt = &fakeRuntime{}
	}
	tunnels := &fakeTunnels{}

	cfg := config.AgentConfig{
		BackendURL:        backend.url(),
		Token:             "nk_secret",
		NodeID:            "node-1",
		HeartbeatInterval: time.Hour,
		ReconnectDelay:    20 * time.Millisecond,
		MaxReconnectDelay: 100 * time.Millisecond,
		FRP:               config.FRPConfig{ServerAddr: "frp.example.com", ServerPort: 7000, Token: "frp-token"},
		Docker: config.DockerConfig{
			AllowedImages: []string{"pytorch/pytorch:*", "nvidia/cuda:*"},
			CleanupAfter:  time.Minute,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	a, err := New(cfg, rt, tunnels,
		WithLogger(zaptest.NewLogger(t)),
		WithMetricsSource(fixedMetrics{}),
		WithCleanupInterval(20*time.Millisecond),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, a.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	h := &harness{agent: a, backend: backend, runtime: rt, tunnels: tunnels}
	h.conn = backend.accept()
	return h
}

func startCommand(rentalID, image string) protocol.StartInstance {
	return protocol.StartInstance{
		RentalID:         rentalID,
		Image:            image,
		ResourceLimits:   models.ResourceLimits{GPUIndices: []string{"0"}, CPUCores: 4, RAMLimit: "16g"},
		EnvVars:          map[string]string{"JUPYTER_TOKEN": "x"},
		ProxyPortMapping: models.PortMapping{22: 20000, 8888: 20001},
	}
}

func TestNewValidatesConfig(t *testing.T) {
	rt := &fakeRuntime{}
	base := config.AgentConfig{BackendURL: "ws://x/fleet", Token: "t", NodeID: "n"}

	_, err := New(base, rt, nil)
	require.NoError(t, err)

	for name, mutate := range map[string]func(*config.AgentConfig){
		"no url":   func(c *config.AgentConfig) { c.BackendURL = "" },
		"no token": func(c *config.AgentConfig) { c.Token = "" },
		"no node":  func(c *config.AgentConfig) { c.NodeID = "" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			_, err := New(cfg, rt, nil)
			assert.Error(t, err)
		})
	}

	_, err = New(base, nil, nil)
	assert.Error(t, err)
}

func TestConnectSendsCredentialAndHeartbeat(t *testing.T) {
	h := startAgent(t, nil, nil)

	assert.Equal(t, "Bearer nk_secret", <-h.backend.auth)

	hb := h.backend.expectHeartbeat(models.NodeOnline)
	assert.Equal(t, "node-1", hb.NodeID)
	assert.Equal(t, 12.5, hb.Metrics.CPUUsagePercent)
	assert.True(t, h.agent.Connected())
}

func TestStartAndStopInstance(t *testing.T) {
	h := startAgent(t, nil, nil)
	h.backend.expectHeartbeat(models.NodeOnline)

	command(t, h.conn, startCommand("rental-1", "pytorch/pytorch:2.1"))

	started := decodeAs[protocol.InstanceStarted](t, h.backend.expect(protocol.EventInstanceStarted))
	assert.Equal(t, "rental-1", started.RentalID)
	assert.Equal(t, "c-rental-1", started.ContainerID)
	assert.Equal(t, "frp.example.com", started.ConnectionInfo.SSHHost)
	assert.Equal(t, 20000, started.ConnectionInfo.SSHPort)
	assert.Equal(t, map[string]int{"8888": 20001}, started.ConnectionInfo.AdditionalPorts)

	specs, _, _ := h.runtime.snapshot()
	require.Len(t, specs, 1)
	assert.Equal(t, []int{22, 8888}, specs[0].Ports)
	assert.Equal(t, "16g", specs[0].Limits.RAMLimit)

	cfg := h.tunnels.config("rental-1")
	assert.Contains(t, cfg, "server_addr = frp.example.com")
	assert.Contains(t, cfg, "token = frp-token")
	assert.Contains(t, cfg, "local_port = 49153\nremote_port = 20000")
	assert.Contains(t, cfg, "local_port = 49154\nremote_port = 20001")

	h.backend.expectHeartbeat(models.NodeBusy)

	command(t, h.conn, protocol.NewStopInstance("rental-1", "c-rental-1"))

	stopped := decodeAs[protocol.InstanceStopped](t, h.backend.expect(protocol.EventInstanceStopped))
	assert.Equal(t, "rental-1", stopped.RentalID)
	assert.Equal(t, protocol.ReasonRequested, stopped.Reason)

	_, stoppedIDs, removed := h.runtime.snapshot()
	assert.Equal(t, []string{"c-rental-1"}, stoppedIDs)
	assert.Equal(t, []string{"c-rental-1"}, removed)

	h.backend.expectHeartbeat(models.NodeOnline)
}

func TestStartInstanceFailures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.AgentConfig)
		runtime *fakeRuntime
		image   string
		message string
	}{
		{
			name:    "image not allowed",
			image:   "alpine:3.19",
			message: "image not allowed",
		},
		{
			name:    "runtime failure",
			runtime: &fakeRuntime{startErr: errors.New("no such device")},
			image:   "nvidia/cuda:12",
			message: "no such device",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startAgent(t, tt.mutate, tt.runtime)

			command(t, h.conn, startCommand("rental-x", tt.image))

			stopped := decodeAs[protocol.InstanceStopped](t, h.backend.expect(protocol.EventInstanceStopped))
			assert.Equal(t, "rental-x", stopped.RentalID)
			assert.Equal(t, protocol.ReasonError, stopped.Reason)
			assert.Contains(t, stopped.ErrorMessage, tt.message)

			agentErr := decodeAs[protocol.AgentError](t, h.backend.expect(protocol.EventAgentError))
			assert.Equal(t, ErrCodeStartFailed, agentErr.ErrorCode)
			assert.Equal(t, "node-1", agentErr.NodeID)

			assert.Equal(t, models.NodeOnline, h.agent.Status())
		})
	}
}

func TestTunnelFailureDiscardsContainer(t *testing.T) {
	h := startAgent(t, nil, nil)
	h.tunnels.mu.Lock()
	h.tunnels.err = errors.New("frps unreachable")
	h.tunnels.mu.Unlock()

	command(t, h.conn, startCommand("rental-2", "nvidia/cuda:12"))

	stopped := decodeAs[protocol.InstanceStopped](t, h.backend.expect(protocol.EventInstanceStopped))
	assert.Equal(t, protocol.ReasonError, stopped.Reason)
	assert.Equal(t, "c-rental-2", stopped.ContainerID)

	_, stoppedIDs, removed := h.runtime.snapshot()
	assert.Equal(t, []string{"c-rental-2"}, stoppedIDs)
	assert.Equal(t, []string{"c-rental-2"}, removed)
}

func TestDrainRefusesStarts(t *testing.T) {
	h := startAgent(t, nil, nil)

	command(t, h.conn, protocol.DrainNode{NodeID: "node-1", Reason: "maintenance window"})
	h.backend.expectHeartbeat(models.NodeMaintenance)

	command(t, h.conn, startCommand("rental-3", "pytorch/pytorch:2.1"))

	stopped := decodeAs[protocol.InstanceStopped](t, h.backend.expect(protocol.EventInstanceStopped))
	assert.Equal(t, ErrDraining.Error(), stopped.ErrorMessage)

	specs, _, _ := h.runtime.snapshot()
	assert.Empty(t, specs)
}

func TestUpdateConfig(t *testing.T) {
	h := startAgent(t, nil, nil)
	h.backend.expectHeartbeat(models.NodeOnline)

	command(t, h.conn, protocol.UpdateConfig{NodeID: "node-1", Config: protocol.AgentConfig{
		HeartbeatIntervalMS:  50,
		MaxConcurrentRentals: 1,
		AllowedImages:        []string{"alpine:*"},
	}})

	// heartbeats now arrive every 50ms
	h.backend.expectHeartbeat(models.NodeOnline)
	h.backend.expectHeartbeat(models.NodeOnline)
	assert.Equal(t, 50*time.Millisecond, h.agent.heartbeatInterval())

	command(t, h.conn, startCommand("rental-4", "alpine:3.19"))
	decodeAs[protocol.InstanceStarted](t, h.backend.expect(protocol.EventInstanceStarted))

	command(t, h.conn, startCommand("rental-5", "alpine:3.19"))
	stopped := decodeAs[protocol.InstanceStopped](t, h.backend.expect(protocol.EventInstanceStopped))
	assert.Equal(t, "rental-5", stopped.RentalID)
	assert.Equal(t, ErrAtCapacity.Error(), stopped.ErrorMessage)
}

func TestStopUnknownRentalIsReportedStopped(t *testing.T) {
	h := startAgent(t, nil, nil)

	command(t, h.conn, protocol.StopInstance{RentalID: "ghost", Graceful: true})

	stopped := decodeAs[protocol.InstanceStopped](t, h.backend.expect(protocol.EventInstanceStopped))
	assert.Equal(t, "ghost", stopped.RentalID)
	assert.Equal(t, protocol.ReasonRequested, stopped.Reason)

	_, stoppedIDs, _ := h.runtime.snapshot()
	assert.Empty(t, stoppedIDs)
}

func TestStopFailureIsReported(t *testing.T) {
	h := startAgent(t, nil, &fakeRuntime{running: map[string]string{"rental-6": "c-6"}})
	h.runtime.mu.Lock()
	h.runtime.stopErr = errors.New("daemon busy")
	h.runtime.mu.Unlock()

	command(t, h.conn, protocol.StopInstance{RentalID: "rental-6", Graceful: true})

	stopped := decodeAs[protocol.InstanceStopped](t, h.backend.expect(protocol.EventInstanceStopped))
	assert.Equal(t, "c-6", stopped.ContainerID)
	assert.Equal(t, protocol.ReasonError, stopped.Reason)
	assert.Contains(t, stopped.ErrorMessage, "daemon busy")

	agentErr := decodeAs[protocol.AgentError](t, h.backend.expect(protocol.EventAgentError))
	assert.Equal(t, ErrCodeStopFailed, agentErr.ErrorCode)
	assert.Equal(t, models.NodeBusy, h.agent.Status())
}

func TestAdoptedContainerExitIsReported(t *testing.T) {
	rt := &fakeRuntime{running: map[string]string{"rental-7": "c-7"}}
	h := startAgent(t, nil, rt)
	h.backend.expectHeartbeat(models.NodeBusy)

	rt.mu.Lock()
	rt.exited = []ExitedContainer{
		{ID: "c-7", RentalID: "rental-7", ExitCode: 137, FinishedAt: time.Now().Add(-2 * time.Minute)},
		{ID: "c-old", RentalID: "rental-old", FinishedAt: time.Now()},
	}
	rt.mu.Unlock()

	stopped := decodeAs[protocol.InstanceStopped](t, h.backend.expect(protocol.EventInstanceStopped))
	assert.Equal(t, "rental-7", stopped.RentalID)
	assert.Equal(t, protocol.ReasonError, stopped.Reason)
	assert.Equal(t, "container exited with code 137", stopped.ErrorMessage)

	h.backend.expectHeartbeat(models.NodeOnline)

	// only the container past cleanup_after is removed
	require.Eventually(t, func() bool {
		_, _, removed := rt.snapshot()
		return len(removed) == 1
	}, 5*time.Second, 10*time.Millisecond)
	_, _, removed := rt.snapshot()
	assert.Equal(t, []string{"c-7"}, removed)
}

func TestReconnectsAfterDisconnect(t *testing.T) {
	h := startAgent(t, nil, nil)
	h.backend.expectHeartbeat(models.NodeOnline)

	require.NoError(t, h.conn.Close())

	conn := h.backend.accept()
	defer conn.Close()
	h.backend.expectHeartbeat(models.NodeOnline)
	assert.Equal(t, "Bearer nk_secret", <-h.backend.auth)
}

func TestUnknownCommandReportsError(t *testing.T) {
	h := startAgent(t, nil, nil)

	require.NoError(t, h.conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"reboot","data":{}}`)))

	agentErr := decodeAs[protocol.AgentError](t, h.backend.expect(protocol.EventAgentError))
	assert.Equal(t, ErrCodeUnknownEvent, agentErr.ErrorCode)
}
