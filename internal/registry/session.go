package registry

import (
	"sync/atomic"
	"time"

	"evalgo.org/fleetrent/models"
)

// Session binds a connected node to its transport. It lives in memory only.
type Session struct {
	NodeID      string
	OwnerID     string
	ConnectedAt time.Time

	// Generation increases with every registration and tells replaced
	// sessions apart in logs.
	Generation uint64

	transport Transport
	lastSeen  atomic.Int64 // unix nanos
	status    atomic.Value // models.NodeStatus
	expired   atomic.Bool
}

func newSession(id Identity, t Transport, now time.Time, gen uint64) *Session {
	s := &Session{
		NodeID:      id.NodeID,
		OwnerID:     id.OwnerID,
		ConnectedAt: now,
		Generation:  gen,
		transport:   t,
	}
	s.lastSeen.Store(now.UnixNano())
	s.status.Store(models.NodeOnline)
	return s
}

func (s *Session) touch(now time.Time, status models.NodeStatus) {
	s.lastSeen.Store(now.UnixNano())
	s.status.Store(status)
	s.expired.Store(false)
}

// LastHeartbeat returns the time of the last heartbeat (or of the connect).
func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastSeen.Load()).UTC()
}

// Status returns the status last reported by the node.
func (s *Session) Status() models.NodeStatus {
	return s.status.Load().(models.NodeStatus)
}

// Expired reports whether the heartbeat window lapsed since the last
// heartbeat.
func (s *Session) Expired() bool {
	return s.expired.Load()
}

// Send writes a raw frame to the node.
func (s *Session) Send(frame []byte) error {
	return s.transport.Send(frame)
}
