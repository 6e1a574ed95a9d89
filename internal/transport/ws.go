package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const closeWriteTimeout = 2 * time.Second

// WSConn adapts a *websocket.Conn (the teacher's transport of choice in
// server.go) to the Conn interface. Writes are serialized with a mutex
// since gorilla/websocket forbids concurrent writers on one connection.
type WSConn struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed atomic.Bool
}

// NewWSConn wraps an already-upgraded websocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

func (w *WSConn) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		w.closed.Store(true)
		return nil, err
	}
	return data, nil
}

func (w *WSConn) WriteMessage(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.Load() {
		return websocket.ErrCloseSent
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *WSConn) Close(code int, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.Swap(true) {
		return nil
	}
	deadline := websocket.FormatCloseMessage(code, reason)
	_ = w.conn.WriteControl(websocket.CloseMessage, deadline, time.Now().Add(closeWriteTimeout))
	return w.conn.Close()
}

func (w *WSConn) IsClosed() bool {
	return w.closed.Load()
}

func (w *WSConn) RemoteAddr() net.Addr {
	return w.conn.RemoteAddr()
}
