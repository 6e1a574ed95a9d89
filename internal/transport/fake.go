package transport

import (
	"errors"
	"net"
	"sync"
)

// Fake is an in-memory Conn for tests, mirroring the teacher's mockSender
// pattern (room_test.go): a struct implementing the narrow interface so
// unit tests never need a real socket.
type Fake struct {
	mu        sync.Mutex
	inbox     [][]byte
	outbox    [][]byte
	closed    bool
	closeCode int
	closeMsg  string
}

// NewFake returns a Fake with the given inbound frames queued for
// ReadMessage, in order.
func NewFake(inbound ...[]byte) *Fake {
	return &Fake{inbox: inbound}
}

func (f *Fake) ReadMessage() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbox) == 0 {
		return nil, errors.New("fake: no more inbound frames")
	}
	msg := f.inbox[0]
	f.inbox = f.inbox[1:]
	return msg, nil
}

func (f *Fake) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("fake: write on closed connection")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.outbox = append(f.outbox, cp)
	return nil
}

func (f *Fake) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	f.closeMsg = reason
	return nil
}

func (f *Fake) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

// Sent returns every frame written so far.
func (f *Fake) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.outbox))
	copy(out, f.outbox)
	return out
}

// CloseCode returns the code passed to Close, or 0 if never closed.
func (f *Fake) CloseCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

// Push queues another inbound frame to be returned by a future ReadMessage.
func (f *Fake) Push(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox = append(f.inbox, data)
}
