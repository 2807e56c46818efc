package connector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxFrame   = 16 << 20
)

// WebSocket adapts a gorilla connection to Transport. Writes are serialized;
// gorilla allows one concurrent writer.
type WebSocket struct {
	conn *websocket.Conn
	mu   sync.Mutex
	open atomic.Bool
}

// NewWebSocket wraps an upgraded connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	ws := &WebSocket{conn: conn}
	ws.open.Store(true)
	return ws
}

func (w *WebSocket) Kind() Kind   { return KindDirect }
func (w *WebSocket) IsOpen() bool { return w.open.Load() }

func (w *WebSocket) Send(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.open.Load() {
		return websocket.ErrCloseSent
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *WebSocket) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (w *WebSocket) Close() error {
	if !w.open.CompareAndSwap(true, false) {
		return nil
	}
	w.mu.Lock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	w.mu.Unlock()
	return w.conn.Close()
}

// ServeWebSocket attaches conn as the active session and pumps frames into
// the connector until the peer goes away or ctx ends.
func (c *Connector) ServeWebSocket(ctx context.Context, conn *websocket.Conn) {
	ws := NewWebSocket(conn)
	s := c.Attach(ws)
	defer func() {
		_ = ws.Close()
		c.Detach(s)
	}()

	conn.SetReadLimit(maxFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = ws.Close()
				return
			case <-ticker.C:
				if err := ws.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		kind, frame, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) && ws.IsOpen() {
				c.logger.Debug("WebSocket read ended", "session", s.id, "error", err)
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		c.Deliver(s, frame)
	}
}
