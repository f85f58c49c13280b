// Package agent is the node side of the fleet: it keeps a websocket session
// to the fleet server, reports heartbeats with host and GPU metrics, and runs
// rental containers and their frpc tunnels on command.
//
// The agent dials agent.backend_url with its node credential and reconnects
// with exponential backoff whenever the session drops. Containers keep
// running across reconnects and agent restarts; only the tunnels are torn
// down when the agent stops.
//
// Example usage:
//
//	rt, err := agent.NewDockerRuntime(cfg.Agent.Docker, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	tunnels, _ := agent.NewFRPC(cfg.Agent.FRP.FRPCPath, logger)
//
//	a, err := agent.New(cfg.Agent, rt, tunnels, agent.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = a.Run(ctx)
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"evalgo.org/fleetrent/internal/config"
	"evalgo.org/fleetrent/internal/protocol"
	"evalgo.org/fleetrent/models"
)

const (
	writeWait = 10 * time.Second

	// The server pings every 54s; a silent link is dead after this.
	readWait = 2 * time.Minute

	defaultCleanupInterval = 30 * time.Second
)

// Agent error codes reported in agent_error.
const (
	ErrCodeStartFailed  = "START_INSTANCE_FAILED"
	ErrCodeStopFailed   = "STOP_INSTANCE_FAILED"
	ErrCodeCleanup      = "CLEANUP_FAILED"
	ErrCodeBadCommand   = "INVALID_COMMAND"
	ErrCodeUnknownEvent = "UNKNOWN_COMMAND"
)

// Agent runs one node.
type Agent struct {
	cfg     config.AgentConfig
	runtime Runtime
	tunnels Tunnels
	metrics MetricsSource
	dialer  *websocket.Dialer
	logger  *zap.Logger
	now     func() time.Time
	started time.Time

	cleanupInterval time.Duration

	mu         sync.Mutex
	draining   bool
	heartbeat  time.Duration
	allowed    []string
	maxRentals int
	rentals    map[string]string // rental ID -> container ID, empty while starting

	link  atomic.Pointer[link]
	poke  chan struct{}
	tasks sync.WaitGroup
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the agent's logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithMetricsSource replaces the host metrics collector.
func WithMetricsSource(m MetricsSource) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(a *Agent) { a.dialer = d }
}

// WithCleanupInterval sets how often exited containers are looked for.
func WithCleanupInterval(d time.Duration) Option {
	return func(a *Agent) { a.cleanupInterval = d }
}

// New creates an agent. tunnels may be nil when no frpc is installed, in
// which case every start_instance fails.
func New(cfg config.AgentConfig, rt Runtime, tunnels Tunnels, opts ...Option) (*Agent, error) {
	if cfg.BackendURL == "" {
		return nil, fmt.Errorf("backend URL is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("node token is required")
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node ID is required")
	}
	if rt == nil {
		return nil, fmt.Errorf("container runtime is required")
	}

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = 300 * time.Second
	}

	a := &Agent{
		cfg:             cfg,
		runtime:         rt,
		tunnels:         tunnels,
		dialer:          &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		logger:          zap.NewNop(),
		now:             time.Now,
		started:         time.Now(),
		cleanupInterval: defaultCleanupInterval,
		heartbeat:       cfg.HeartbeatInterval,
		allowed:         append([]string(nil), cfg.Docker.AllowedImages...),
		maxRentals:      cfg.Docker.MaxConcurrentRentals,
		rentals:         make(map[string]string),
		poke:            make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("agent").With(zap.String("node_id", cfg.NodeID))
	if a.metrics == nil {
		a.metrics = NewHostCollector(NvidiaSMI, a.logger)
	}
	return a, nil
}

// Status is the status the node reports in its heartbeat.
func (a *Agent) Status() models.NodeStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.draining:
		return models.NodeMaintenance
	case len(a.rentals) > 0:
		return models.NodeBusy
	default:
		return models.NodeOnline
	}
}

// Connected reports whether a backend session is up.
func (a *Agent) Connected() bool {
	return a.link.Load() != nil
}

// Run keeps a session to the backend until ctx is cancelled. Containers
// already running for this node are adopted first.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting agent", zap.String("backend_url", a.cfg.BackendURL))

	a.adopt(ctx)

	if a.cfg.HTTPAddr != "" {
		if err := a.startHTTPServer(ctx, a.cfg.HTTPAddr); err != nil {
			return err
		}
	}

	a.tasks.Add(1)
	go func() {
		defer a.tasks.Done()
		a.cleanupLoop(ctx)
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.ReconnectDelay
	b.Multiplier = 2
	b.MaxInterval = a.cfg.MaxReconnectDelay
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		connected, err := a.serve(ctx)
		if ctx.Err() != nil {
			break
		}
		if connected {
			b.Reset()
		}

		delay := b.NextBackOff()
		a.logger.Warn("backend connection lost, reconnecting", zap.Error(err), zap.Duration("delay", delay))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	a.tasks.Wait()
	if a.tunnels != nil {
		a.tunnels.StopAll()
	}
	a.logger.Info("agent stopped")
	return nil
}

// serve runs one session. connected reports whether the handshake
// succeeded, so the caller can reset its backoff.
func (a *Agent) serve(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.cfg.Token)

	conn, resp, err := a.dialer.DialContext(ctx, a.cfg.BackendURL, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial %s: %w (status %d)", a.cfg.BackendURL, err, resp.StatusCode)
		}
		return false, fmt.Errorf("dial %s: %w", a.cfg.BackendURL, err)
	}

	l := &link{conn: conn}
	a.link.Store(l)
	defer a.link.CompareAndSwap(l, nil)

	a.logger.Info("connected to backend")

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	closed := make(chan struct{})
	go func() {
		<-sctx.Done()
		l.close()
		close(closed)
	}()

	heartbeats := make(chan struct{})
	go func() {
		defer close(heartbeats)
		a.heartbeatLoop(sctx)
	}()

	err = a.readLoop(ctx, l)
	cancel()
	<-heartbeats
	<-closed
	return true, err
}

func (a *Agent) readLoop(ctx context.Context, l *link) error {
	conn := l.conn
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		a.handleFrame(ctx, frame)
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	for {
		a.sendHeartbeat(ctx)

		t := time.NewTimer(a.heartbeatInterval())
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-a.poke:
			t.Stop()
		case <-t.C:
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) {
	hb := protocol.Heartbeat{
		NodeID:  a.cfg.NodeID,
		Status:  a.Status(),
		Metrics: a.metrics.Collect(ctx),
	}
	if a.send(protocol.EventHeartbeat, hb) {
		a.logger.Debug("heartbeat sent", zap.String("status", string(hb.Status)))
	}
}

// pokeHeartbeat makes the next heartbeat go out now, so status changes
// reach the server without waiting a full interval.
func (a *Agent) pokeHeartbeat() {
	select {
	case a.poke <- struct{}{}:
	default:
	}
}

func (a *Agent) heartbeatInterval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.heartbeat
}

// send writes an event on the current session. Events raised while
// disconnected are dropped.
func (a *Agent) send(event string, data any) bool {
	l := a.link.Load()
	if l == nil {
		a.logger.Warn("not connected, dropping event", zap.String("event", event))
		return false
	}

	frame, err := protocol.Encode(event, data)
	if err != nil {
		a.logger.Error("failed to encode event", zap.String("event", event), zap.Error(err))
		return false
	}
	if err := l.write(frame); err != nil {
		a.logger.Warn("failed to send event", zap.String("event", event), zap.Error(err))
		return false
	}
	return true
}

func (a *Agent) reportError(code, message string) {
	a.send(protocol.EventAgentError, protocol.AgentError{
		NodeID:    a.cfg.NodeID,
		ErrorCode: code,
		Message:   message,
		Timestamp: a.now().UTC(),
	})
}

// adopt tracks rental containers left running by a previous agent process.
func (a *Agent) adopt(ctx context.Context) {
	running, err := a.runtime.Running(ctx)
	if err != nil {
		a.logger.Warn("failed to list running rental containers", zap.Error(err))
		return
	}

	a.mu.Lock()
	for rentalID, containerID := range running {
		a.rentals[rentalID] = containerID
	}
	a.mu.Unlock()

	if len(running) > 0 {
		a.logger.Info("adopted running rental containers", zap.Int("count", len(running)))
	}
}

// cleanupLoop reports containers that exited on their own and removes
// exited containers once they are older than docker.cleanup_after.
func (a *Agent) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cleanup(ctx)
		}
	}
}

func (a *Agent) cleanup(ctx context.Context) {
	exited, err := a.runtime.Exited(ctx)
	if err != nil {
		a.logger.Warn("failed to list exited containers", zap.Error(err))
		return
	}

	for _, c := range exited {
		if a.forgetContainer(c.RentalID, c.ID) {
			a.logger.Warn("rental container exited",
				zap.String("rental_id", c.RentalID),
				zap.String("container_id", models.ShortID(c.ID)),
				zap.Int("exit_code", c.ExitCode),
			)
			if a.tunnels != nil {
				a.tunnels.Stop(c.RentalID)
			}
			a.send(protocol.EventInstanceStopped, protocol.InstanceStopped{
				RentalID:     c.RentalID,
				ContainerID:  c.ID,
				Reason:       protocol.ReasonError,
				ErrorMessage: fmt.Sprintf("container exited with code %d", c.ExitCode),
			})
			a.pokeHeartbeat()
		}

		if a.now().Sub(c.FinishedAt) < a.cfg.Docker.CleanupAfter {
			continue
		}
		if err := a.runtime.Remove(ctx, c.ID); err != nil {
			a.logger.Warn("failed to remove exited container", zap.String("container_id", models.ShortID(c.ID)), zap.Error(err))
			a.reportError(ErrCodeCleanup, err.Error())
			continue
		}
		a.logger.Info("removed exited container", zap.String("container_id", models.ShortID(c.ID)))
	}
}

// link is one websocket session. gorilla allows a single concurrent
// writer, so writes are serialized.
type link struct {
	conn *websocket.Conn

	mu   sync.Mutex
	once sync.Once
}

func (l *link) write(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteMessage(websocket.TextMessage, frame)
}

func (l *link) close() {
	l.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = l.conn.Close()
	})
}
