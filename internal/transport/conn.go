// Package transport abstracts the bidirectional framed connection a Session
// is bound to. Spec.md names WebSocket as the reference deployment
// transport but allows "any ordered bidirectional framed transport"; Conn
// is the minimal interface the rest of the service needs, mirroring the
// teacher's DatagramSender pattern of hiding the real connection behind a
// narrow interface so tests can inject a fake.
package transport

import "net"

// CloseNormal and CloseTakeover are the two close codes this service ever
// originates (spec.md §6). All other codes a transport reports are
// passthroughs.
const (
	CloseNormal   = 1000
	CloseTakeover = 4001
)

// Conn is the minimal surface the dispatcher and session registry need from
// a live client connection.
type Conn interface {
	// ReadMessage blocks until a frame arrives and returns its payload.
	ReadMessage() ([]byte, error)
	// WriteMessage sends a single frame. Safe for concurrent use.
	WriteMessage(data []byte) error
	// Close closes the connection with the given close code and reason.
	Close(code int, reason string) error
	// IsClosed reports whether the connection has already been closed,
	// without blocking. Used by the dispatcher's zombie sweep.
	IsClosed() bool
	// RemoteAddr identifies the peer, for logging.
	RemoteAddr() net.Addr
}
