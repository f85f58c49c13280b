// Package events publishes rental and node lifecycle events to NATS so
// other services (billing exports, dashboards) can follow the fleet
// without polling the API.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subjects, relative to the configured prefix.
const (
	RentalCreated    = "rental.created"
	RentalStarted    = "rental.started"
	RentalCompleted  = "rental.completed"
	RentalCancelled  = "rental.cancelled"
	RentalRolledBack = "rental.rolled_back"
	NodeConnected    = "node.connected"
	NodeDisconnected = "node.disconnected"
	NodeError        = "node.error"
)

// Publisher delivers an event. Implementations never fail the caller:
// delivery problems are logged.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any)
}

// Event is the JSON body published for every subject.
type Event struct {
	Subject string    `json:"subject"`
	Time    time.Time `json:"time"`
	Data    any       `json:"data"`
}

// NATSPublisher publishes JSON events to a NATS server.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// Connect returns a NATS-backed publisher, or a no-op publisher when url
// is empty.
func Connect(url, prefix string, logger *zap.Logger) (Publisher, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if url == "" {
		logger.Info("event publishing disabled")
		return Nop{}, func() {}, nil
	}

	opts := []nats.Option{
		nats.Name("fleetrent"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}

	p := &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
	return p, p.Close, nil
}

// Subject returns the fully qualified subject for name.
func Subject(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Publish marshals payload into an Event and publishes it.
func (p *NATSPublisher) Publish(ctx context.Context, subject string, payload any) {
	full := Subject(p.prefix, subject)
	if p.nc == nil || p.nc.IsClosed() {
		p.logger.Warn("nats not connected, dropping event", zap.String("subject", full))
		return
	}
	data, err := json.Marshal(Event{Subject: full, Time: time.Now().UTC(), Data: payload})
	if err != nil {
		p.logger.Error("failed to encode event", zap.String("subject", full), zap.Error(err))
		return
	}
	if err := p.nc.Publish(full, data); err != nil {
		p.logger.Warn("failed to publish event", zap.String("subject", full), zap.Error(err))
	}
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) {}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, subject string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Subject: subject, Data: payload})
}

// Subjects returns the recorded subjects in publish order.
func (r *Recorder) Subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Subject
	}
	return out
}

// Count returns how many events were recorded for subject.
func (r *Recorder) Count(subject string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Subject == subject {
			n++
		}
	}
	return n
}
