// ABOUTME: Websocket endpoint with a buffered writer goroutine and keepalive pings
// ABOUTME: A slow consumer is disconnected instead of blocking the broadcaster

package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/relay-gateway/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

// wsEndpoint is a registry.Endpoint backed by a websocket.
type wsEndpoint struct {
	id     string
	conn   *websocket.Conn
	send   chan protocol.Envelope
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newEndpoint(id string, conn *websocket.Conn, buffer int, logger *slog.Logger) *wsEndpoint {
	return &wsEndpoint{
		id:     id,
		conn:   conn,
		send:   make(chan protocol.Envelope, buffer),
		done:   make(chan struct{}),
		logger: logger.With("endpoint_id", id),
	}
}

func (e *wsEndpoint) ID() string { return e.id }

// Send queues env for the writer. It never blocks and reports false when the
// endpoint is closed or its buffer is full. A full buffer closes the endpoint:
// the client reconnects and its outbox replay is acked from the store.
func (e *wsEndpoint) Send(env protocol.Envelope) bool {
	select {
	case <-e.done:
		return false
	default:
	}

	select {
	case e.send <- env:
		return true
	default:
		e.logger.Warn("send buffer full, closing slow endpoint", "type", env.Type)
		e.close()
		return false
	}
}

// close stops the writer. Safe to call more than once.
func (e *wsEndpoint) close() {
	e.once.Do(func() { close(e.done) })
}

// writePump drains the send buffer to the socket and pings on an interval.
// It owns all writes to conn.
func (e *wsEndpoint) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = e.conn.Close()
	}()

	for {
		select {
		case env := <-e.send:
			_ = e.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := e.conn.WriteJSON(env); err != nil {
				e.logger.Debug("write failed", "error", err)
				e.close()
				return
			}
		case <-ticker.C:
			_ = e.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := e.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				e.logger.Debug("ping failed", "error", err)
				e.close()
				return
			}
		case <-e.done:
			_ = e.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// readPump hands every frame to handle, in arrival order, until the socket
// fails or the endpoint is closed.
func (e *wsEndpoint) readPump(ctx context.Context, handle func(ctx context.Context, raw []byte)) {
	e.conn.SetReadLimit(maxMessageSize)
	_ = e.conn.SetReadDeadline(time.Now().Add(pongWait))
	e.conn.SetPongHandler(func(string) error {
		return e.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := e.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				e.logger.Warn("read error", "error", err)
			}
			return
		}
		_ = e.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(ctx, data)
	}
}
