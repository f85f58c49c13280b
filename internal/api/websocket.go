package api

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds each frame write
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait
	pingPeriod = (pongWait * 9) / 10

	// maxFrameSize caps inbound frames
	maxFrameSize = 1 << 20

	defaultSendQueue = 256
)

var (
	errTransportClosed = errors.New("transport closed")
	errSendQueueFull   = errors.New("send queue full")
)

// wsTransport is a node's websocket connection. Sends are queued and
// written by a single writer goroutine; a full queue fails the send
// instead of blocking the caller.
type wsTransport struct {
	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeText string
	mu        sync.Mutex
}

func newWSTransport(conn *websocket.Conn, queue int) *wsTransport {
	if queue <= 0 {
		queue = defaultSendQueue
	}
	return &wsTransport{
		conn:      conn,
		send:      make(chan []byte, queue),
		done:      make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}
}

// Send queues frame for delivery.
func (t *wsTransport) Send(frame []byte) error {
	select {
	case <-t.done:
		return errTransportClosed
	default:
	}

	select {
	case t.send <- frame:
		return nil
	case <-t.done:
		return errTransportClosed
	default:
		return errSendQueueFull
	}
}

// Close stops the writer, which sends a close frame and closes the
// connection. It is safe to call more than once.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// setCloseReason sets the close frame sent when the transport closes.
func (t *wsTransport) setCloseReason(code int, text string) {
	t.mu.Lock()
	t.closeCode, t.closeText = code, text
	t.mu.Unlock()
}

// writePump writes queued frames and keepalive pings until the transport
// is closed or a write fails.
func (t *wsTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		t.Close()
		t.conn.Close()
	}()

	for {
		select {
		case frame := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-t.done:
			t.mu.Lock()
			msg := websocket.FormatCloseMessage(t.closeCode, t.closeText)
			t.mu.Unlock()
			t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}
