package bridge

import (
	"sync"

	"github.com/gorilla/websocket"
)

// wsSink adapts a *websocket.Conn to the Sink interface Session pushes
// through. Concurrent writes to a gorilla/websocket connection are not
// safe, so every write is serialized behind a mutex here rather than in
// Session, which may be handed any Sink implementation.
type wsSink struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewWebSocketSink wraps conn as a Sink for Bridge.Subscribe.
func NewWebSocketSink(conn *websocket.Conn) Sink {
	return &wsSink{conn: conn}
}

func (w *wsSink) WriteMessage(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return websocket.ErrCloseSent
	}
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func (w *wsSink) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.conn.Close()
}
