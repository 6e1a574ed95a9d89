// Package room implements the Room Registry (spec.md §4.4): room CRUD,
// membership, bounded per-room history, role assignment, and broadcast
// with per-member visibility filtering. Grounded on the teacher's Room
// struct (room.go) — one RWMutex guarding a map of named entities plus
// getter/setter pairs, and the msgStore/msgStoreKeys bounded-eviction
// idiom for history.
package room

import (
	"time"

	"github.com/agentroom/service/internal/permission"
	"github.com/agentroom/service/internal/protocol"
)

// maxHistory is the bounded FIFO capacity for chat history per room
// (spec.md §3: "bounded history (FIFO of recent chat envelopes, capacity
// 100)").
const maxHistory = 100

// HistoryEntry pairs a committed chat envelope with the sender id and
// optional visibility permission needed to re-evaluate CanViewMessage for
// a later GetHistory call.
type HistoryEntry struct {
	Envelope   *protocol.Envelope
	SenderID   string
	Permission *permission.MessagePermission
}

// Room is the server-side state for one named chat room (spec.md §3 Room).
// Members stores session ids only — rooms reference sessions only by id
// through the Session Registry (spec.md §9 design note on cyclic
// ownership).
type Room struct {
	ID          string
	Name        string
	Description string
	Members     map[string]bool // session id -> present
	CreatedBy   string
	CreatedAt   time.Time
	Persistent  bool
	Password    string

	History []*HistoryEntry

	MemberRoles     map[string]permission.Role
	RoomPermissions permission.RoomPermissions
	RoomConfig      permission.RoomConfig
}

// appendHistory pushes entry onto the room's bounded FIFO, evicting the
// oldest entry first when full. Callers must hold the registry's write
// lock.
func (r *Room) appendHistory(entry *HistoryEntry) {
	r.History = append(r.History, entry)
	if len(r.History) > maxHistory {
		r.History = r.History[len(r.History)-maxHistory:]
	}
}

// memberIDs returns a snapshot slice of the room's member session ids.
// Callers must hold at least a read lock.
func (r *Room) memberIDs() []string {
	ids := make([]string, 0, len(r.Members))
	for id := range r.Members {
		ids = append(ids, id)
	}
	return ids
}

// roleSnapshot copies the member role map so callers can read it after
// releasing the registry lock. Callers must hold at least a read lock.
func (r *Room) roleSnapshot() map[string]permission.Role {
	out := make(map[string]permission.Role, len(r.MemberRoles))
	for k, v := range r.MemberRoles {
		out[k] = v
	}
	return out
}
