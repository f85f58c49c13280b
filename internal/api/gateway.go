package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"evalgo.org/fleetrent/internal/auth"
	"evalgo.org/fleetrent/internal/events"
	"evalgo.org/fleetrent/internal/protocol"
	"evalgo.org/fleetrent/internal/registry"
	"evalgo.org/fleetrent/internal/rental"
	"evalgo.org/fleetrent/models"
)

// eventTimeout bounds the handling of one inbound node event.
const eventTimeout = 10 * time.Second

// Gateway serves the /fleet websocket. Every connection is authenticated
// with the node credential and registered as the node's session; inbound
// events are routed to the registry and the rental engine.
type Gateway struct {
	registry  *registry.Registry
	rentals   RentalService
	events    events.Publisher
	logger    *zap.Logger
	upgrader  websocket.Upgrader
	sendQueue int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithGatewayEvents sets the publisher for agent_error events.
func WithGatewayEvents(p events.Publisher) GatewayOption {
	return func(g *Gateway) { g.events = p }
}

// WithGatewayLogger sets the logger.
func WithGatewayLogger(l *zap.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l.Named("gateway") }
}

// WithSendQueue sets the per-connection outbound queue length.
func WithSendQueue(n int) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.sendQueue = n
		}
	}
}

// NewGateway creates a gateway bound to a registry and rental service.
func NewGateway(reg *registry.Registry, rentals RentalService, opts ...GatewayOption) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		registry: reg,
		rentals:  rentals,
		events:   events.Nop{},
		logger:   zap.NewNop(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// nodes are not browsers; the credential is the access check
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sendQueue: defaultSendQueue,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// credential returns the bearer token from the Authorization header or the
// token query parameter.
func credential(r *http.Request) string {
	if tok, ok := auth.BearerToken(r.Header.Get("Authorization")); ok {
		return tok
	}
	return r.URL.Query().Get("token")
}

// Handle upgrades GET /fleet and runs the connection until it closes.
func (g *Gateway) Handle(c echo.Context) error {
	cred := credential(c.Request())
	if cred == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing node credential")
	}

	conn, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the error response
		g.logger.Debug("websocket upgrade failed", zap.Error(err))
		return nil
	}
	conn.SetReadLimit(maxFrameSize)

	t := newWSTransport(conn, g.sendQueue)
	t.setCloseReason(websocket.ClosePolicyViolation, "authentication failed")
	go t.writePump()

	// the registry closes the transport when the credential is rejected
	sess, err := g.registry.AuthenticateAndRegister(g.ctx, cred, t)
	if err != nil {
		g.logger.Info("node rejected",
			zap.String("remote", c.RealIP()),
			zap.Error(err))
		return nil
	}

	t.setCloseReason(websocket.CloseNormalClosure, "")

	g.wg.Add(1)
	defer g.wg.Done()
	g.readLoop(sess, t)
	return nil
}

// readLoop reads frames until the connection fails, then releases the
// session if it is still the node's current one.
func (g *Gateway) readLoop(sess *registry.Session, t *wsTransport) {
	logger := g.logger.With(zap.String("node_id", sess.NodeID), zap.Uint64("generation", sess.Generation))
	defer func() {
		g.registry.Release(context.Background(), sess)
		t.Close()
	}()

	t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("node connection lost", zap.Error(err))
			}
			return
		}
		t.conn.SetReadDeadline(time.Now().Add(pongWait))

		ctx, cancel := context.WithTimeout(g.ctx, eventTimeout)
		g.handleFrame(ctx, logger, sess, frame)
		cancel()
	}
}

// handleFrame routes one inbound event. Malformed or misaddressed events
// are logged and dropped; they never close the connection.
func (g *Gateway) handleFrame(ctx context.Context, logger *zap.Logger, sess *registry.Session, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	switch env.Event {
	case protocol.EventHeartbeat:
		hb, err := protocol.DecodeData[protocol.Heartbeat](env)
		if err != nil {
			logger.Warn("dropping heartbeat", zap.Error(err))
			return
		}
		if hb.NodeID != "" && hb.NodeID != sess.NodeID {
			logger.Warn("heartbeat names another node", zap.String("claimed", hb.NodeID))
		}
		if err := g.registry.RecordHeartbeat(ctx, sess.NodeID, hb.Status, hb.Metrics); err != nil {
			logger.Warn("heartbeat rejected", zap.Error(err))
		}

	case protocol.EventInstanceStarted:
		ev, err := protocol.DecodeData[protocol.InstanceStarted](env)
		if err != nil {
			logger.Warn("dropping instance_started", zap.Error(err))
			return
		}
		if !g.ownsRental(ctx, logger, sess, ev.RentalID) {
			return
		}
		reported := &models.ConnectionDescriptor{
			Host:            ev.ConnectionInfo.SSHHost,
			SSHPort:         ev.ConnectionInfo.SSHPort,
			AdditionalPorts: ev.ConnectionInfo.AdditionalPorts,
		}
		if err := g.rentals.OnInstanceStarted(ctx, ev.RentalID, ev.ContainerID, reported); err != nil {
			logger.Error("failed to activate rental", zap.String("rental_id", ev.RentalID), zap.Error(err))
		}

	case protocol.EventInstanceStopped:
		ev, err := protocol.DecodeData[protocol.InstanceStopped](env)
		if err != nil {
			logger.Warn("dropping instance_stopped", zap.Error(err))
			return
		}
		if !g.ownsRental(ctx, logger, sess, ev.RentalID) {
			return
		}
		if err := g.rentals.OnInstanceStopped(ctx, ev.RentalID, ev.Reason, ev.ErrorMessage); err != nil {
			logger.Error("failed to settle rental", zap.String("rental_id", ev.RentalID), zap.Error(err))
		}

	case protocol.EventAgentError:
		ev, err := protocol.DecodeData[protocol.AgentError](env)
		if err != nil {
			logger.Warn("dropping agent_error", zap.Error(err))
			return
		}
		logger.Warn("agent error",
			zap.String("error_code", ev.ErrorCode),
			zap.String("message", ev.Message))
		g.events.Publish(ctx, events.NodeError, map[string]any{
			"node_id":    sess.NodeID,
			"error_code": ev.ErrorCode,
			"message":    ev.Message,
			"timestamp":  ev.Timestamp,
		})

	default:
		logger.Debug("ignoring unknown event", zap.String("event", env.Event))
	}
}

// ownsRental reports whether rentalID runs on the session's node. Events
// for unknown rentals or rentals on other nodes are dropped.
func (g *Gateway) ownsRental(ctx context.Context, logger *zap.Logger, sess *registry.Session, rentalID string) bool {
	r, err := g.rentals.Get(ctx, rentalID)
	if errors.Is(err, rental.ErrRentalNotFound) {
		logger.Debug("event for unknown rental", zap.String("rental_id", rentalID))
		return false
	}
	if err != nil {
		logger.Error("failed to load rental", zap.String("rental_id", rentalID), zap.Error(err))
		return false
	}
	if r.NodeID != sess.NodeID {
		logger.Warn("event for another node's rental",
			zap.String("rental_id", rentalID),
			zap.String("rental_node", r.NodeID))
		return false
	}
	return true
}

// Close cancels in-flight event handling and closes every node session.
func (g *Gateway) Close() {
	g.cancel()
	g.registry.Close()
	g.wg.Wait()
}
