// Package session implements the Session Registry (spec.md §4.3): the
// connection<->session<->name<->identity maps, reconnect-token takeover,
// and per-session room-set tracking. The registry is a single struct
// guarded by one RWMutex (spec.md §5 strategy (a)), grounded on the
// teacher's Room.mu convention in room.go.
package session

import (
	"time"

	"github.com/agentroom/service/internal/transport"
)

// Session is the server-side state tied to one open connection (spec.md
// §3 Session).
type Session struct {
	ID            string
	Name          string
	Conn          transport.Conn
	ConnectedAt   time.Time
	Authenticated bool
	Token         string
	Rooms         map[string]bool
}

// roomList returns Rooms as a sorted-by-insertion-order-agnostic slice;
// spec.md doesn't require ordering for room sets.
func (s *Session) roomList() []string {
	out := make([]string, 0, len(s.Rooms))
	for id := range s.Rooms {
		out = append(out, id)
	}
	return out
}

// Identity is the persistent record keyed by name that survives
// disconnection (spec.md §3 Identity). Identities are never removed.
type Identity struct {
	Name       string
	Token      string
	LastUserID string
	Rooms      map[string]bool
	CreatedAt  time.Time
}

// OnlineSummary is the read-only view of an authenticated session exposed
// to Session.ListOnline and the HTTP side-channel (spec.md §4.6).
type OnlineSummary struct {
	ID          string
	Name        string
	ConnectedAt time.Time
	Rooms       []string
}

// AuthResult is the typed, non-throwing result of Authenticate (spec.md
// §4.3: "all operations are non-throwing; errors are returned as typed
// results").
type AuthResult struct {
	Success       bool
	Reconnected   bool
	RestoredRooms []string
	Token         string
	Error         string

	// ReplacedSessionID is the session id of the connection this auth took
	// over from, set only on the takeover path. Callers must scrub it from
	// the Room Registry's membership before re-joining RestoredRooms under
	// the new session id, since the two connections carry different ids.
	ReplacedSessionID string
}
