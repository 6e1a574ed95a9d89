package session

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentroom/service/internal/protocol"
	"github.com/agentroom/service/internal/transport"
)

// Registry owns every connection<->session<->name<->identity mapping for
// the process. Registries are constructed in main and passed by reference
// (spec.md §9: "should NOT be process-global singletons").
type Registry struct {
	mu sync.RWMutex

	byConn map[transport.Conn]*Session
	byID   map[string]*Session
	byName map[string]*Session // authenticated sessions only

	identities map[string]*Identity
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn:     make(map[transport.Conn]*Session),
		byID:       make(map[string]*Session),
		byName:     make(map[string]*Session),
		identities: make(map[string]*Identity),
	}
}

// Register allocates a new Session for a freshly-opened connection. The
// session's Name equals its ID until Authenticate succeeds.
func (r *Registry) Register(conn transport.Conn) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := protocol.NewID()
	s := &Session{
		ID:          id,
		Name:        id,
		Conn:        conn,
		ConnectedAt: time.Now().UTC(),
		Rooms:       make(map[string]bool),
	}
	r.byConn[conn] = s
	r.byID[id] = s
	return id
}

// Authenticate resolves spec.md §4.3's four-case auth/reconnect flow.
func (r *Registry) Authenticate(conn transport.Conn, name, token string) AuthResult {
	name = strings.TrimSpace(name)
	if name == "" {
		return AuthResult{Success: false, Error: "name is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.byConn[conn]
	if !ok {
		return AuthResult{Success: false, Error: "connection is not registered"}
	}

	// Re-auth on the same connection: spec.md §9 open question #4's safe
	// default is to reject any name change, and allow a same-name re-auth
	// as a no-op success.
	if session.Authenticated {
		if session.Name == name {
			return AuthResult{Success: true, Reconnected: false, Token: session.Token, RestoredRooms: session.roomList()}
		}
		return AuthResult{Success: false, Error: "cannot change name on an already-authenticated connection"}
	}

	existing := r.byName[name]
	identity := r.identities[name]

	switch {
	case existing != nil:
		// Case 1: takeover. existing is necessarily a different connection
		// here since session (this connection) is not yet authenticated.
		if token == "" || identity == nil || token != identity.Token {
			if token == "" {
				return AuthResult{Success: false, Error: fmt.Sprintf("Name '%s' is already taken", name)}
			}
			return AuthResult{Success: false, Error: fmt.Sprintf("Invalid reconnect token for '%s'", name)}
		}
		oldID := existing.ID
		restored := r.takeover(session, existing, identity, name, token)
		return AuthResult{Success: true, Reconnected: true, RestoredRooms: restored, Token: token, ReplacedSessionID: oldID}

	case identity != nil && token != "":
		// Case 2: restore.
		if token != identity.Token {
			return AuthResult{Success: false, Error: fmt.Sprintf("Invalid reconnect token for '%s'", name)}
		}
		r.hydrate(session, identity, name, token)
		return AuthResult{Success: true, Reconnected: true, RestoredRooms: session.roomList(), Token: token}

	case identity == nil:
		// Case 3: fresh assignment, name free.
		newToken := protocol.NewID()
		r.assignFresh(session, name, newToken)
		return AuthResult{Success: true, Reconnected: false, Token: newToken}

	default:
		// Case 4: identity exists but token was missing/blank — replace the
		// stale identity with a freshly generated token.
		newToken := protocol.NewID()
		r.assignFresh(session, name, newToken)
		return AuthResult{Success: true, Reconnected: false, Token: newToken}
	}
}

// takeover closes the old connection with code 4001, transfers its
// identity's room set into the new session, and rebinds name -> new
// session. Called with mu already held.
func (r *Registry) takeover(newSession, oldSession *Session, identity *Identity, name, token string) []string {
	_ = oldSession.Conn.Close(transport.CloseTakeover, "Session taken over by reconnect")
	delete(r.byConn, oldSession.Conn)
	delete(r.byID, oldSession.ID)
	delete(r.byName, name)

	newSession.Name = name
	newSession.Token = token
	newSession.Authenticated = true
	newSession.Rooms = copyRoomSet(identity.Rooms)
	r.byName[name] = newSession

	identity.LastUserID = newSession.ID
	identity.Rooms = copyRoomSet(newSession.Rooms)

	return newSession.roomList()
}

// hydrate restores an identity's room set onto a fresh session (no prior
// live session existed for this name). Called with mu already held.
func (r *Registry) hydrate(s *Session, identity *Identity, name, token string) {
	s.Name = name
	s.Token = token
	s.Authenticated = true
	s.Rooms = copyRoomSet(identity.Rooms)
	r.byName[name] = s
	identity.LastUserID = s.ID
}

// assignFresh binds a brand-new name/token to s and creates (or replaces) its
// identity. Called with mu already held.
func (r *Registry) assignFresh(s *Session, name, token string) {
	s.Name = name
	s.Token = token
	s.Authenticated = true
	r.byName[name] = s
	r.identities[name] = &Identity{
		Name:       name,
		Token:      token,
		LastUserID: s.ID,
		Rooms:      make(map[string]bool),
		CreatedAt:  time.Now().UTC(),
	}
}

// Remove tears down every mapping for conn. If the session was
// authenticated, its room set is snapshotted into its identity first — the
// identity itself is never deleted.
func (r *Registry) Remove(conn transport.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byConn[conn]
	if !ok {
		return
	}
	delete(r.byConn, conn)
	delete(r.byID, s.ID)

	if s.Authenticated {
		delete(r.byName, s.Name)
		if identity, ok := r.identities[s.Name]; ok {
			identity.Rooms = copyRoomSet(s.Rooms)
		}
	}
}

// GetByConn looks up a session by its live connection.
func (r *Registry) GetByConn(conn transport.Conn) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byConn[conn]
	return s, ok
}

// GetByID looks up a session by its server-generated id.
func (r *Registry) GetByID(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// GetByName looks up the (at most one) authenticated session for name.
func (r *Registry) GetByName(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

// ConnByID resolves a session id to its live connection. This is the
// narrow lookup the Room Registry depends on (via the SessionDirectory
// interface) so rooms can deliver envelopes without holding a reference to
// the Session itself (spec.md §9 design note on cyclic ownership).
func (r *Registry) ConnByID(id string) (transport.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return s.Conn, true
}

// NameByID resolves a session id to its current display name.
func (r *Registry) NameByID(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	if !ok {
		return "", false
	}
	return s.Name, true
}

// JoinRoom adds roomID to both the session's and its identity's room set.
func (r *Registry) JoinRoom(conn transport.Conn, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byConn[conn]
	if !ok {
		return
	}
	s.Rooms[roomID] = true
	r.syncIdentityRooms(s)
}

// LeaveRoom removes roomID from both the session's and its identity's room
// set.
func (r *Registry) LeaveRoom(conn transport.Conn, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byConn[conn]
	if !ok {
		return
	}
	delete(s.Rooms, roomID)
	r.syncIdentityRooms(s)
}

// syncIdentityRooms mirrors a session's current room set onto its identity.
// Called with mu already held.
func (r *Registry) syncIdentityRooms(s *Session) {
	if !s.Authenticated {
		return
	}
	if identity, ok := r.identities[s.Name]; ok {
		identity.Rooms = copyRoomSet(s.Rooms)
	}
}

// ListOnline returns every authenticated session, ordered by connect time
// then id for determinism.
func (r *Registry) ListOnline() []OnlineSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]OnlineSummary, 0, len(r.byName))
	for _, s := range r.byName {
		out = append(out, OnlineSummary{
			ID:          s.ID,
			Name:        s.Name,
			ConnectedAt: s.ConnectedAt,
			Rooms:       s.roomList(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// AllConns returns the transport.Conn of every live session, authenticated
// or not. Used by the dispatcher's zombie sweep, which must reap connections
// that died before ever authenticating (spec.md §4.5) — unlike ListOnline,
// which only covers the authenticated subset keyed by name.
func (r *Registry) AllConns() []transport.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]transport.Conn, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s.Conn)
	}
	return out
}

// Count returns the total number of live (connected) sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// AuthenticatedCount returns the number of authenticated sessions.
func (r *Registry) AuthenticatedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

func copyRoomSet(src map[string]bool) map[string]bool {
	out := make(map[string]bool, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
