package room

import (
	"fmt"
	"log"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/agentroom/service/internal/linkpreview"
	"github.com/agentroom/service/internal/permission"
	"github.com/agentroom/service/internal/protocol"
	"github.com/agentroom/service/internal/transport"
)

// roomIDPattern is spec.md §4.4's room id validation rule.
var roomIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// historyPreviewCount is how many recent history entries are sent to a
// joiner (spec.md §4.4: "up to the last 20 history entries").
const historyPreviewCount = 20

// SessionDirectory is the narrow view into the Session Registry that Room
// needs to resolve a member id to a live connection or display name,
// without Room owning any session state itself (spec.md §9: "rooms
// reference sessions only by id through the Session Registry").
type SessionDirectory interface {
	ConnByID(id string) (transport.Conn, bool)
	NameByID(id string) (string, bool)
}

// Options configures a new room at creation time.
type Options struct {
	Name        string
	Description string
	Persistent  bool
	Password    string
}

// JoinResult is the typed, non-throwing result of JoinRoom.
type JoinResult struct {
	Success bool
	Error   string
	Members []string // display names
}

// LeaveResult is the typed, non-throwing result of LeaveRoom.
type LeaveResult struct {
	Success bool
	Error   string
}

// BroadcastResult is the typed, non-throwing result of BroadcastChat.
type BroadcastResult struct {
	Success   bool
	Error     string
	Delivered int
	Filtered  int
	Envelope  *protocol.Envelope
}

// RoleChangeResult is the typed, non-throwing result of SetUserRole.
type RoleChangeResult struct {
	Success bool
	Error   string
	OldRole permission.Role
	NewRole permission.Role
}

// Info is the password-free read view of a room (spec.md §4.6: "entries
// never leak passwords, only a hasPassword flag").
type Info struct {
	ID          string
	Name        string
	Description string
	MemberCount int
	Persistent  bool
	HasPassword bool
	CreatedBy   string
	CreatedAt   time.Time
	YourRole    permission.Role // "" when not requested or not a member
}

// MemberInfo is one entry in GetMembers' result.
type MemberInfo struct {
	ID   string
	Name string
	Role permission.Role
}

// Registry owns every room in the process, guarded by one RWMutex
// (spec.md §5 strategy (a), grounded on the teacher's Room.mu).
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]*Room
	sessions SessionDirectory

	onLinkPreview func()
}

// SetLinkPreviewHook registers a callback invoked once per link preview
// broadcast to a room. main wires this to the metrics collector.
func (reg *Registry) SetLinkPreviewHook(fn func()) {
	reg.onLinkPreview = fn
}

// NewRegistry constructs a Registry and seeds the two default persistent
// rooms (spec.md §6: "general", "random", both persistent, created by
// "server").
func NewRegistry(sessions SessionDirectory) *Registry {
	reg := &Registry{
		rooms:    make(map[string]*Room),
		sessions: sessions,
	}
	for _, id := range []string{"general", "random"} {
		reg.rooms[id] = newRoom(id, "server", Options{Persistent: true})
	}
	return reg
}

func newRoom(id, createdBy string, opts Options) *Room {
	name := opts.Name
	if name == "" {
		name = id
	}
	return &Room{
		ID:              id,
		Name:            name,
		Description:     opts.Description,
		Members:         make(map[string]bool),
		CreatedBy:       createdBy,
		CreatedAt:       time.Now().UTC(),
		Persistent:      opts.Persistent,
		Password:        opts.Password,
		MemberRoles:     map[string]permission.Role{createdBy: permission.Owner},
		RoomPermissions: permission.DefaultPermissions(),
		RoomConfig:      withPersistent(permission.DefaultRoomConfig(), opts.Persistent),
	}
}

func withPersistent(cfg permission.RoomConfig, persistent bool) permission.RoomConfig {
	cfg.Persistent = persistent
	return cfg
}

// CreateRoom validates id and creates a new room (spec.md §4.4).
func (reg *Registry) CreateRoom(id, createdBy string, opts Options) (*Info, error) {
	if !roomIDPattern.MatchString(id) {
		return nil, fmt.Errorf("invalid room id %q", id)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.rooms[id]; exists {
		return nil, fmt.Errorf("room %q already exists", id)
	}

	r := newRoom(id, createdBy, opts)
	reg.rooms[id] = r
	return roomInfoLocked(r, ""), nil
}

// JoinRoom resolves spec.md §4.4's join flow: idempotent re-join, password
// check, default role assignment, user.joined notification, and a
// room.history envelope to the joiner.
func (reg *Registry) JoinRoom(roomID, userID, password string) *JoinResult {
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	if !ok {
		reg.mu.Unlock()
		return &JoinResult{Error: fmt.Sprintf("room %q not found", roomID)}
	}

	if r.Members[userID] {
		members := reg.memberNamesLocked(r)
		reg.mu.Unlock()
		return &JoinResult{Success: true, Members: members}
	}

	if r.Password != "" {
		if password == "" {
			reg.mu.Unlock()
			return &JoinResult{Error: "this room requires a password"}
		}
		if password != r.Password {
			reg.mu.Unlock()
			return &JoinResult{Error: "Incorrect room password"}
		}
	}

	r.Members[userID] = true
	if _, hasRole := r.MemberRoles[userID]; !hasRole {
		r.MemberRoles[userID] = r.RoomConfig.DefaultRole
	}

	history := recentHistoryLocked(r, historyPreviewCount)
	members := reg.memberNamesLocked(r)
	reg.mu.Unlock()

	joinerName, _ := reg.sessions.NameByID(userID)
	reg.broadcastSystemExcept(roomID, userID, "user.joined", protocol.Payload{
		"room_id": roomID, "user_id": userID, "user_name": joinerName,
	})
	reg.send(userID, protocol.NewSystemEnvelope("room.history", protocol.Payload{
		"room_id": roomID,
		"history": encodeHistory(history),
	}))

	return &JoinResult{Success: true, Members: members}
}

// LeaveRoom resolves spec.md §4.4's leave flow: remove membership, notify
// remaining members, destroy the room if it is now empty and
// non-persistent.
func (reg *Registry) LeaveRoom(roomID, userID string) *LeaveResult {
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	if !ok {
		reg.mu.Unlock()
		return &LeaveResult{Error: fmt.Sprintf("room %q not found", roomID)}
	}
	if !r.Members[userID] {
		reg.mu.Unlock()
		return &LeaveResult{Error: "not a member of this room"}
	}

	delete(r.Members, userID)
	destroyed := len(r.Members) == 0 && !r.Persistent
	if destroyed {
		delete(reg.rooms, roomID)
	}
	reg.mu.Unlock()

	if !destroyed {
		leaverName, _ := reg.sessions.NameByID(userID)
		reg.broadcastSystemExcept(roomID, userID, "user.left", protocol.Payload{
			"room_id": roomID, "user_id": userID, "user_name": leaverName,
		})
	}
	return &LeaveResult{Success: true}
}

// RemoveUserFromAll applies LeaveRoom's effect to every room containing
// userID (spec.md §4.4: "invoked on disconnect... bypasses idempotency
// checks" — bypass is automatic here since membership is already known
// true for every room returned).
func (reg *Registry) RemoveUserFromAll(userID string) {
	reg.mu.RLock()
	var ids []string
	for id, r := range reg.rooms {
		if r.Members[userID] {
			ids = append(ids, id)
		}
	}
	reg.mu.RUnlock()

	for _, id := range ids {
		reg.LeaveRoom(id, userID)
	}
}

// BroadcastChat resolves spec.md §4.4's broadcast flow: permission checks,
// history append, per-member visibility filtering, and delivery.
func (reg *Registry) BroadcastChat(roomID, fromID, fromName, text string, perm *permission.MessagePermission) *BroadcastResult {
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	if !ok {
		reg.mu.Unlock()
		return &BroadcastResult{Error: fmt.Sprintf("room %q not found", roomID)}
	}
	if !r.Members[fromID] {
		reg.mu.Unlock()
		return &BroadcastResult{Error: "not a member of this room"}
	}

	senderRole := r.MemberRoles[fromID]
	if !permission.CanPerformAction(permission.ActionSendMessage, senderRole, r.RoomPermissions, "") {
		reg.mu.Unlock()
		return &BroadcastResult{Error: "not permitted to send messages in this room"}
	}
	if perm != nil && perm.Visibility != "" && perm.Visibility != "public" {
		if !permission.CanPerformAction(permission.ActionSendRestricted, senderRole, r.RoomPermissions, "") {
			reg.mu.Unlock()
			return &BroadcastResult{Error: "not permitted to send restricted messages in this room"}
		}
	}

	extra := protocol.Payload{"room": roomID}
	if perm != nil {
		extra["permission"] = encodePermission(perm)
	}
	env := protocol.NewChatEnvelope(fromName, protocol.RoomTarget(roomID), text, extra)
	r.appendHistory(&HistoryEntry{Envelope: env, SenderID: fromID, Permission: perm})

	memberIDs := r.memberIDs()
	roles := r.roleSnapshot()
	defaultVisibility := r.RoomConfig.DefaultVisibility
	reg.mu.Unlock()

	delivered, filtered := deliverChat(reg.sessions, memberIDs, roles, fromID, perm, defaultVisibility, env)

	if perm == nil {
		go reg.maybeFetchLinkPreview(roomID, env, text)
	}

	return &BroadcastResult{Success: true, Delivered: delivered, Filtered: filtered, Envelope: env}
}

func deliverChat(dir SessionDirectory, memberIDs []string, roles map[string]permission.Role, fromID string, perm *permission.MessagePermission, defaultVisibility string, env *protocol.Envelope) (delivered, filtered int) {
	now := time.Now().Unix()
	data, err := protocol.Encode(env)
	if err != nil {
		log.Printf("[room] encode chat envelope: %v", err)
		return 0, len(memberIDs)
	}

	for _, id := range memberIDs {
		conn, ok := dir.ConnByID(id)
		if !ok || conn.IsClosed() {
			continue
		}
		msg := permission.Message{SenderID: fromID, Permission: perm}
		if !permission.CanViewMessage(msg, id, roles[id], defaultVisibility, now) {
			filtered++
			continue
		}
		if err := conn.WriteMessage(data); err != nil {
			continue
		}
		delivered++
	}
	return delivered, filtered
}

// SetUserRole resolves spec.md §4.4's role-change flow.
func (reg *Registry) SetUserRole(roomID, actorID, targetID string, newRole permission.Role) *RoleChangeResult {
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	if !ok {
		reg.mu.Unlock()
		return &RoleChangeResult{Error: fmt.Sprintf("room %q not found", roomID)}
	}
	if !r.Members[targetID] {
		reg.mu.Unlock()
		return &RoleChangeResult{Error: "target is not a member of this room"}
	}

	actorRole := r.MemberRoles[actorID]
	targetRole := r.MemberRoles[targetID]
	if !permission.CanChangeRole(actorRole, targetRole, newRole) {
		reg.mu.Unlock()
		return &RoleChangeResult{Error: "not permitted to change this member's role"}
	}

	r.MemberRoles[targetID] = newRole
	reg.mu.Unlock()

	targetName, _ := reg.sessions.NameByID(targetID)
	reg.broadcastSystem(roomID, "user.role_changed", protocol.Payload{
		"user_id": targetID, "user_name": targetName, "room_id": roomID,
		"old_role": string(targetRole), "new_role": string(newRole),
	})
	return &RoleChangeResult{Success: true, OldRole: targetRole, NewRole: newRole}
}

// GetHistory resolves spec.md §4.4's history-read flow: membership and
// VIEW_HISTORY checks, memberHistoryLimit clamp, visibility filtering.
func (reg *Registry) GetHistory(roomID, userID string, count int) ([]*protocol.Envelope, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	r, ok := reg.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("room %q not found", roomID)
	}
	if !r.Members[userID] {
		return nil, fmt.Errorf("not a member of this room")
	}
	role := r.MemberRoles[userID]
	if !permission.CanPerformAction(permission.ActionViewHistory, role, r.RoomPermissions, "") {
		return nil, fmt.Errorf("not permitted to view history in this room")
	}

	limit := count
	if r.RoomConfig.MemberHistoryLimit > 0 && role == permission.Member {
		if limit <= 0 || limit > r.RoomConfig.MemberHistoryLimit {
			limit = r.RoomConfig.MemberHistoryLimit
		}
	}

	entries := r.History
	if limit > 0 && limit < len(entries) {
		entries = entries[len(entries)-limit:]
	}

	now := time.Now().Unix()
	out := make([]*protocol.Envelope, 0, len(entries))
	for _, e := range entries {
		msg := permission.Message{SenderID: e.SenderID, Permission: e.Permission}
		if permission.CanViewMessage(msg, userID, role, r.RoomConfig.DefaultVisibility, now) {
			out = append(out, e.Envelope)
		}
	}
	return out, nil
}

// GetMembers returns the room's current members with name and role.
func (reg *Registry) GetMembers(roomID string) ([]MemberInfo, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	r, ok := reg.rooms[roomID]
	if !ok {
		return nil, false
	}
	out := make([]MemberInfo, 0, len(r.Members))
	for id := range r.Members {
		name, _ := reg.sessions.NameByID(id)
		out = append(out, MemberInfo{ID: id, Name: name, Role: r.MemberRoles[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, true
}

// ListRooms returns every room's read-only Info. When requestingUserID is
// non-empty, YourRole is stamped on rooms the caller belongs to.
func (reg *Registry) ListRooms(requestingUserID string) []Info {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	out := make([]Info, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		out = append(out, *roomInfoLocked(r, requestingUserID))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Has reports whether roomID currently exists.
func (reg *Registry) Has(roomID string) bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	_, ok := reg.rooms[roomID]
	return ok
}

// IsMember reports whether userID currently belongs to roomID.
func (reg *Registry) IsMember(roomID, userID string) bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[roomID]
	return ok && r.Members[userID]
}

// GetUserRole returns userID's role in roomID.
func (reg *Registry) GetUserRole(roomID, userID string) (permission.Role, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[roomID]
	if !ok {
		return "", false
	}
	role, ok := r.MemberRoles[userID]
	return role, ok
}

// GetUserPermissions returns every action name userID is allowed to perform
// in roomID under the room's current permission table.
func (reg *Registry) GetUserPermissions(roomID, userID string) (map[string]bool, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[roomID]
	if !ok {
		return nil, false
	}
	role := r.MemberRoles[userID]
	out := make(map[string]bool, len(r.RoomPermissions))
	for action := range r.RoomPermissions {
		out[action] = permission.CanPerformAction(action, role, r.RoomPermissions, "")
	}
	return out, true
}

// GetRoomConfig returns a room's permission table and config.
func (reg *Registry) GetRoomConfig(roomID string) (permission.RoomPermissions, permission.RoomConfig, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[roomID]
	if !ok {
		return nil, permission.RoomConfig{}, false
	}
	return r.RoomPermissions, r.RoomConfig, true
}

// --- internal helpers ---

func roomInfoLocked(r *Room, requestingUserID string) *Info {
	info := &Info{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		MemberCount: len(r.Members),
		Persistent:  r.Persistent,
		HasPassword: r.Password != "",
		CreatedBy:   r.CreatedBy,
		CreatedAt:   r.CreatedAt,
	}
	if requestingUserID != "" {
		info.YourRole = r.MemberRoles[requestingUserID]
	}
	return info
}

func recentHistoryLocked(r *Room, n int) []*HistoryEntry {
	if n <= 0 || n >= len(r.History) {
		out := make([]*HistoryEntry, len(r.History))
		copy(out, r.History)
		return out
	}
	out := make([]*HistoryEntry, n)
	copy(out, r.History[len(r.History)-n:])
	return out
}

func encodeHistory(entries []*HistoryEntry) []*protocol.Envelope {
	out := make([]*protocol.Envelope, len(entries))
	for i, e := range entries {
		out[i] = e.Envelope
	}
	return out
}

func encodePermission(p *permission.MessagePermission) protocol.Payload {
	roles := make([]string, len(p.AllowedRoles))
	for i, r := range p.AllowedRoles {
		roles[i] = string(r)
	}
	return protocol.Payload{
		"visibility":     p.Visibility,
		"allowed_roles":  roles,
		"allowed_users":  p.AllowedUsers,
		"denied_users":   p.DeniedUsers,
		"expires_at":     p.ExpiresAt,
	}
}

// memberNamesLocked resolves member session ids to display names. Callers
// must hold at least a read lock (or the write lock, during JoinRoom).
func (reg *Registry) memberNamesLocked(r *Room) []string {
	out := make([]string, 0, len(r.Members))
	for id := range r.Members {
		if name, ok := reg.sessions.NameByID(id); ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// broadcastSystem sends a system envelope to every current member of
// roomID.
func (reg *Registry) broadcastSystem(roomID, event string, payload protocol.Payload) {
	reg.mu.RLock()
	r, ok := reg.rooms[roomID]
	var ids []string
	if ok {
		ids = r.memberIDs()
	}
	reg.mu.RUnlock()
	if !ok {
		return
	}
	env := protocol.NewSystemEnvelope(event, payload)
	for _, id := range ids {
		reg.sendEnvelope(id, env)
	}
}

// broadcastSystemExcept is broadcastSystem excluding one member (the actor
// whose action triggered the notification).
func (reg *Registry) broadcastSystemExcept(roomID, exceptID, event string, payload protocol.Payload) {
	reg.mu.RLock()
	r, ok := reg.rooms[roomID]
	var ids []string
	if ok {
		ids = r.memberIDs()
	}
	reg.mu.RUnlock()
	if !ok {
		return
	}
	env := protocol.NewSystemEnvelope(event, payload)
	for _, id := range ids {
		if id == exceptID {
			continue
		}
		reg.sendEnvelope(id, env)
	}
}

// send sends env to one member.
func (reg *Registry) send(userID string, env *protocol.Envelope) {
	reg.sendEnvelope(userID, env)
}

func (reg *Registry) sendEnvelope(userID string, env *protocol.Envelope) {
	conn, ok := reg.sessions.ConnByID(userID)
	if !ok || conn.IsClosed() {
		return
	}
	data, err := protocol.Encode(env)
	if err != nil {
		log.Printf("[room] encode envelope: %v", err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("[room] send to %s: %v", userID, err)
	}
}

// maybeFetchLinkPreview is the §4.7 supplemental feature: best-effort,
// asynchronous, never gates or delays the original broadcast.
func (reg *Registry) maybeFetchLinkPreview(roomID string, env *protocol.Envelope, text string) {
	url := linkpreview.ExtractFirstURL(text)
	if url == "" {
		return
	}
	preview, err := linkpreview.Fetch(url)
	if err != nil {
		return
	}
	reg.broadcastSystem(roomID, "link.preview", protocol.Payload{
		"room":        roomID,
		"message_id":  env.ID,
		"url":         preview.URL,
		"title":       preview.Title,
		"description": preview.Desc,
		"image":       preview.Image,
		"site_name":   preview.SiteName,
	})
	if reg.onLinkPreview != nil {
		reg.onLinkPreview()
	}
}
