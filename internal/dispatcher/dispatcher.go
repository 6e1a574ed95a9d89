// Package dispatcher implements the per-connection state machine (spec.md
// §4.5): the read loop that decodes envelopes off a transport.Conn, routes
// `action` and `chat` frames to the Session/Room registries, and runs the
// periodic zombie sweep. Grounded on the teacher's processControl switch
// (client.go) — one handler function per case, extracted so it can be unit
// tested without a live socket.
package dispatcher

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/agentroom/service/internal/permission"
	"github.com/agentroom/service/internal/protocol"
	"github.com/agentroom/service/internal/room"
	"github.com/agentroom/service/internal/session"
	"github.com/agentroom/service/internal/transport"
)

// zombieSweepInterval is the cadence of the periodic sweep that evicts
// sessions whose transport reports closed without the close path having
// already run (spec.md §4.5).
const zombieSweepInterval = 30 * time.Second

// Dispatcher wires the Session Registry and Room Registry to a transport
// connection's read loop.
type Dispatcher struct {
	sessions *session.Registry
	rooms    *room.Registry

	onEnvelopeSent func()
}

// New constructs a Dispatcher over the given registries. Registries are
// constructed by the caller and passed by reference — they are not
// process-global singletons (spec.md §9).
func New(sessions *session.Registry, rooms *room.Registry) *Dispatcher {
	return &Dispatcher{sessions: sessions, rooms: rooms}
}

// SetEnvelopeHook registers a callback invoked once per envelope this
// dispatcher writes to a connection. main wires this to the metrics
// collector so read views never need a direct reference into the hot path.
func (d *Dispatcher) SetEnvelopeHook(fn func()) {
	d.onEnvelopeSent = fn
}

// Serve runs one connection from Connected through disconnect cleanup. It
// blocks until the connection's read loop ends.
func (d *Dispatcher) Serve(conn transport.Conn) {
	id := d.sessions.Register(conn)
	d.send(conn, protocol.NewSystemEnvelope("welcome", protocol.Payload{
		"message": "Welcome to AgentRoom. Send an 'action' envelope with your name to authenticate.",
		"user_id": id,
	}))

	defer d.disconnect(conn)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		d.handleFrame(conn, data)
	}
}

// disconnect runs spec.md §4.5's cleanup: remove the session from every
// room, then remove the session itself. Idempotent — safe to call more than
// once for the same connection (the zombie sweep may race a live close).
func (d *Dispatcher) disconnect(conn transport.Conn) {
	s, ok := d.sessions.GetByConn(conn)
	if !ok {
		return
	}
	d.rooms.RemoveUserFromAll(s.ID)
	d.sessions.Remove(conn)
}

// handleFrame decodes and routes one inbound frame. It never panics out of
// a frame handler (spec.md §7: "dispatcher MUST NOT leak exceptions out of
// a frame handler").
func (d *Dispatcher) handleFrame(conn transport.Conn, data []byte) {
	env, ok := protocol.Parse(data)
	if !ok {
		d.send(conn, protocol.NewErrorEnvelope(400, "Invalid message format. Expected JSON."))
		return
	}

	switch env.Type {
	case protocol.TypeAction:
		d.handleAction(conn, env)
	case protocol.TypeChat:
		d.handleChat(conn, env)
	default:
		d.send(conn, protocol.NewErrorEnvelope(400, "Unsupported message type"))
	}
}

// requireAuth resolves the session for conn and, for actions that require
// authentication, sends error(401) and returns ok=false when unauthenticated.
func (d *Dispatcher) requireAuth(conn transport.Conn, needAuth bool) (*session.Session, bool) {
	s, ok := d.sessions.GetByConn(conn)
	if !ok {
		return nil, false
	}
	if needAuth && !s.Authenticated {
		d.send(conn, protocol.NewErrorEnvelope(401, "Authenticate first. Send an 'action' with your name."))
		return nil, false
	}
	return s, true
}

// handleAction dispatches payload.action per spec.md §4.5's table.
func (d *Dispatcher) handleAction(conn transport.Conn, env *protocol.Envelope) {
	action, _ := env.Payload["action"].(string)
	if action == "" {
		d.send(conn, protocol.NewErrorEnvelope(400, "Invalid message format. Expected JSON."))
		return
	}

	switch action {
	case "auth":
		d.actionAuth(conn, env)
	case "room.create":
		d.withAuth(conn, action, d.actionRoomCreate, env)
	case "room.join":
		d.withAuth(conn, action, d.actionRoomJoin, env)
	case "room.leave":
		d.withAuth(conn, action, d.actionRoomLeave, env)
	case "room.list":
		d.withAuth(conn, action, d.actionRoomList, env)
	case "room.members":
		d.withAuth(conn, action, d.actionRoomMembers, env)
	case "dm":
		d.withAuth(conn, action, d.actionDM, env)
	case "users.list":
		d.withAuth(conn, action, d.actionUsersList, env)
	case "ping":
		d.withAuth(conn, action, d.actionPing, env)
	case "permission.set_role":
		d.withAuth(conn, action, d.actionSetRole, env)
	case "permission.get_my_permissions":
		d.withAuth(conn, action, d.actionGetMyPermissions, env)
	case "permission.get_room_config":
		d.withAuth(conn, action, d.actionGetRoomConfig, env)
	case "permission.send_restricted":
		d.withAuth(conn, action, d.actionSendRestricted, env)
	default:
		d.respond(conn, action, false, nil, fmt.Sprintf("unknown action %q", action))
	}
}

// preAuthOK lists the actions that do not need an authenticated session,
// per spec.md §4.5's "Pre-auth OK?" column.
var preAuthOK = map[string]bool{
	"room.list":                  true,
	"room.members":               true,
	"users.list":                 true,
	"ping":                       true,
	"permission.get_room_config": true,
}

// withAuth resolves the session, enforces auth per preAuthOK, and invokes fn.
func (d *Dispatcher) withAuth(conn transport.Conn, action string, fn func(conn transport.Conn, s *session.Session, env *protocol.Envelope), env *protocol.Envelope) {
	s, ok := d.requireAuth(conn, !preAuthOK[action])
	if !ok {
		return
	}
	fn(conn, s, env)
}

func stringField(env *protocol.Envelope, key string) string {
	v, _ := env.Payload[key].(string)
	return v
}

func boolField(env *protocol.Envelope, key string) bool {
	v, _ := env.Payload[key].(bool)
	return v
}

// actionAuth implements `auth` (pre-auth OK).
func (d *Dispatcher) actionAuth(conn transport.Conn, env *protocol.Envelope) {
	name := stringField(env, "name")
	token := stringField(env, "token")

	res := d.sessions.Authenticate(conn, name, token)
	if !res.Success {
		d.respond(conn, "auth", false, nil, res.Error)
		return
	}

	s, _ := d.sessions.GetByConn(conn)
	if res.ReplacedSessionID != "" {
		// The old connection's reader task will observe a closed transport
		// and no-op its own disconnect cleanup (its session id was already
		// unmapped by the takeover) — scrub the old session id's room
		// membership here instead, before the rooms are re-joined under the
		// new session id.
		d.rooms.RemoveUserFromAll(res.ReplacedSessionID)
	}
	restored := make([]string, 0, len(res.RestoredRooms))
	for _, roomID := range res.RestoredRooms {
		// RemoveUserFromAll above may have just destroyed a non-persistent
		// room whose only member was the old session id. Keep the room in
		// the new session's room set only when the room join actually
		// succeeded, or the Room Registry and Session Registry disagree on
		// membership (spec.md §8: s.id ∈ r.members ↔ r.id ∈ s.rooms).
		if jr := d.rooms.JoinRoom(roomID, s.ID, ""); jr.Success {
			d.sessions.JoinRoom(conn, roomID)
			restored = append(restored, roomID)
		} else {
			d.sessions.LeaveRoom(conn, roomID)
		}
	}

	d.respond(conn, "auth", true, protocol.Payload{
		"user_id":        s.ID,
		"name":           s.Name,
		"token":          res.Token,
		"reconnected":    res.Reconnected,
		"restored_rooms": restored,
		"rooms":          restored,
	}, "")
}

func (d *Dispatcher) actionRoomCreate(conn transport.Conn, s *session.Session, env *protocol.Envelope) {
	roomID := stringField(env, "room_id")
	if roomID == "" {
		d.respond(conn, "room.create", false, nil, "room_id is required")
		return
	}
	info, err := d.rooms.CreateRoom(roomID, s.ID, room.Options{
		Name:        stringField(env, "name"),
		Description: stringField(env, "description"),
		Persistent:  boolField(env, "persistent"),
		Password:    stringField(env, "password"),
	})
	if err != nil {
		d.respond(conn, "room.create", false, nil, err.Error())
		return
	}
	d.respond(conn, "room.create", true, protocol.Payload{
		"room_id":      info.ID,
		"name":         info.Name,
		"description":  info.Description,
		"persistent":   info.Persistent,
		"has_password": info.HasPassword,
		"created_by":   info.CreatedBy,
	}, "")
}

func (d *Dispatcher) actionRoomJoin(conn transport.Conn, s *session.Session, env *protocol.Envelope) {
	roomID := stringField(env, "room_id")
	if roomID == "" {
		d.respond(conn, "room.join", false, nil, "room_id is required")
		return
	}
	res := d.rooms.JoinRoom(roomID, s.ID, stringField(env, "password"))
	if !res.Success {
		d.respond(conn, "room.join", false, nil, res.Error)
		return
	}
	d.sessions.JoinRoom(conn, roomID)
	d.respond(conn, "room.join", true, protocol.Payload{
		"room_id": roomID,
		"members": res.Members,
	}, "")
}

func (d *Dispatcher) actionRoomLeave(conn transport.Conn, s *session.Session, env *protocol.Envelope) {
	roomID := stringField(env, "room_id")
	if roomID == "" {
		d.respond(conn, "room.leave", false, nil, "room_id is required")
		return
	}
	res := d.rooms.LeaveRoom(roomID, s.ID)
	if !res.Success {
		d.respond(conn, "room.leave", false, nil, res.Error)
		return
	}
	d.sessions.LeaveRoom(conn, roomID)
	d.respond(conn, "room.leave", true, protocol.Payload{"room_id": roomID}, "")
}

func (d *Dispatcher) actionRoomList(conn transport.Conn, s *session.Session, _ *protocol.Envelope) {
	rooms := d.rooms.ListRooms(s.ID)
	out := make([]protocol.Payload, len(rooms))
	for i, r := range rooms {
		out[i] = protocol.Payload{
			"room_id":      r.ID,
			"name":         r.Name,
			"description":  r.Description,
			"member_count": r.MemberCount,
			"persistent":   r.Persistent,
			"has_password": r.HasPassword,
			"your_role":    string(r.YourRole),
		}
	}
	d.respond(conn, "room.list", true, protocol.Payload{"rooms": out}, "")
}

func (d *Dispatcher) actionRoomMembers(conn transport.Conn, _ *session.Session, env *protocol.Envelope) {
	roomID := stringField(env, "room_id")
	if roomID == "" {
		d.respond(conn, "room.members", false, nil, "room_id is required")
		return
	}
	members, ok := d.rooms.GetMembers(roomID)
	if !ok {
		d.respond(conn, "room.members", false, nil, fmt.Sprintf("room %q not found", roomID))
		return
	}
	out := make([]protocol.Payload, len(members))
	for i, m := range members {
		out[i] = protocol.Payload{"user_id": m.ID, "name": m.Name, "role": string(m.Role)}
	}
	d.respond(conn, "room.members", true, protocol.Payload{"room_id": roomID, "members": out}, "")
}

func (d *Dispatcher) actionDM(conn transport.Conn, s *session.Session, env *protocol.Envelope) {
	to := stringField(env, "to")
	message := stringField(env, "message")
	if to == "" || message == "" {
		d.respond(conn, "dm", false, nil, "to and message are required")
		return
	}
	target, ok := d.sessions.GetByName(to)
	if !ok || target.Conn == nil || target.Conn.IsClosed() {
		d.respond(conn, "dm", false, nil, fmt.Sprintf("%q is offline", to))
		return
	}

	dmEnv := protocol.NewChatEnvelope(s.Name, to, message, protocol.Payload{"dm": true})
	d.sendEnvelope(target.Conn, dmEnv)
	d.sendEnvelope(conn, dmEnv)

	d.respond(conn, "dm", true, protocol.Payload{"to": to, "delivered": true}, "")
}

func (d *Dispatcher) actionUsersList(conn transport.Conn, _ *session.Session, _ *protocol.Envelope) {
	online := d.sessions.ListOnline()
	out := make([]protocol.Payload, len(online))
	for i, u := range online {
		out[i] = protocol.Payload{
			"user_id":      u.ID,
			"name":         u.Name,
			"connected_at": u.ConnectedAt.Format(time.RFC3339),
			"rooms":        u.Rooms,
		}
	}
	d.respond(conn, "users.list", true, protocol.Payload{"users": out}, "")
}

func (d *Dispatcher) actionPing(conn transport.Conn, _ *session.Session, _ *protocol.Envelope) {
	d.respond(conn, "ping", true, protocol.Payload{
		"pong": true,
		"time": time.Now().UTC().Format(time.RFC3339),
	}, "")
}

func (d *Dispatcher) actionSetRole(conn transport.Conn, s *session.Session, env *protocol.Envelope) {
	roomID := stringField(env, "room_id")
	targetID := stringField(env, "user_id")
	roleStr := stringField(env, "role")
	if roomID == "" || targetID == "" || roleStr == "" {
		d.respond(conn, "permission.set_role", false, nil, "room_id, user_id and role are required")
		return
	}
	newRole := permission.Role(strings.ToLower(roleStr))
	if permission.Level(newRole) < 0 {
		d.respond(conn, "permission.set_role", false, nil, fmt.Sprintf("invalid role %q", roleStr))
		return
	}
	res := d.rooms.SetUserRole(roomID, s.ID, targetID, newRole)
	if !res.Success {
		d.respond(conn, "permission.set_role", false, nil, res.Error)
		return
	}
	d.respond(conn, "permission.set_role", true, protocol.Payload{
		"userId":  targetID,
		"oldRole": string(res.OldRole),
		"newRole": string(res.NewRole),
	}, "")
}

func (d *Dispatcher) actionGetMyPermissions(conn transport.Conn, s *session.Session, env *protocol.Envelope) {
	roomID := stringField(env, "room_id")
	if roomID == "" {
		d.respond(conn, "permission.get_my_permissions", false, nil, "room_id is required")
		return
	}
	role, ok := d.rooms.GetUserRole(roomID, s.ID)
	if !ok || !d.rooms.IsMember(roomID, s.ID) {
		d.respond(conn, "permission.get_my_permissions", false, nil, "not in room")
		return
	}
	perms, _ := d.rooms.GetUserPermissions(roomID, s.ID)
	d.respond(conn, "permission.get_my_permissions", true, protocol.Payload{
		"user_id":     s.ID,
		"room_id":     roomID,
		"role":        string(role),
		"permissions": perms,
	}, "")
}

func (d *Dispatcher) actionGetRoomConfig(conn transport.Conn, _ *session.Session, env *protocol.Envelope) {
	roomID := stringField(env, "room_id")
	if roomID == "" {
		d.respond(conn, "permission.get_room_config", false, nil, "room_id is required")
		return
	}
	perms, cfg, ok := d.rooms.GetRoomConfig(roomID)
	if !ok {
		d.respond(conn, "permission.get_room_config", false, nil, fmt.Sprintf("room %q not found", roomID))
		return
	}
	permOut := make(protocol.Payload, len(perms))
	for action, roles := range perms {
		names := make([]string, 0, len(roles))
		for r, allowed := range roles {
			if allowed {
				names = append(names, string(r))
			}
		}
		permOut[action] = names
	}
	d.respond(conn, "permission.get_room_config", true, protocol.Payload{
		"room_id":     roomID,
		"permissions": permOut,
		"config": protocol.Payload{
			"default_visibility":  cfg.DefaultVisibility,
			"default_role":        string(cfg.DefaultRole),
			"message_rate_limit":  cfg.MessageRateLimit,
			"member_history_limit": cfg.MemberHistoryLimit,
			"persistent":          cfg.Persistent,
		},
	}, "")
}

func (d *Dispatcher) actionSendRestricted(conn transport.Conn, s *session.Session, env *protocol.Envelope) {
	roomID := stringField(env, "room_id")
	message := stringField(env, "message")
	if roomID == "" || message == "" {
		d.respond(conn, "permission.send_restricted", false, nil, "room_id and message are required")
		return
	}

	perm := &permission.MessagePermission{Visibility: stringField(env, "visibility")}
	if roles, ok := env.Payload["allowed_roles"].([]any); ok {
		for _, r := range roles {
			if rs, ok := r.(string); ok {
				perm.AllowedRoles = append(perm.AllowedRoles, permission.Role(rs))
			}
		}
	}
	if users, ok := env.Payload["allowed_users"].([]any); ok {
		perm.AllowedUsers = toStringSlice(users)
	}
	if denied, ok := env.Payload["denied_users"].([]any); ok {
		perm.DeniedUsers = toStringSlice(denied)
	}
	if expiresIn, ok := env.Payload["expires_in"]; ok {
		if secs := toInt64(expiresIn); secs > 0 {
			perm.ExpiresAt = time.Now().Unix() + secs
		}
	}

	res := d.rooms.BroadcastChat(roomID, s.ID, s.Name, message, perm)
	if !res.Success {
		d.respond(conn, "permission.send_restricted", false, nil, res.Error)
		return
	}
	d.respond(conn, "permission.send_restricted", true, protocol.Payload{"room_id": roomID}, "")
}

func toStringSlice(vals []any) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err == nil {
			return i
		}
	}
	return 0
}

// handleChat implements spec.md §4.5's `chat` routing: room broadcast, DM,
// or error(400) when neither applies.
func (d *Dispatcher) handleChat(conn transport.Conn, env *protocol.Envelope) {
	s, ok := d.requireAuth(conn, true)
	if !ok {
		return
	}

	message, _ := env.Payload["message"].(string)
	if message == "" {
		d.send(conn, protocol.NewErrorEnvelope(400, "payload.message is required"))
		return
	}

	if roomID, isRoom := protocol.RoomID(env.To); isRoom {
		res := d.rooms.BroadcastChat(roomID, s.ID, s.Name, message, nil)
		if !res.Success {
			d.send(conn, protocol.NewErrorEnvelope(404, res.Error))
		}
		return
	}

	if env.To != "" {
		target, ok := d.sessions.GetByName(env.To)
		if !ok || target.Conn == nil || target.Conn.IsClosed() {
			d.send(conn, protocol.NewErrorEnvelope(404, fmt.Sprintf("%q is offline", env.To)))
			return
		}
		dmEnv := protocol.NewChatEnvelope(s.Name, env.To, message, protocol.Payload{"dm": true})
		d.sendEnvelope(target.Conn, dmEnv)
		d.sendEnvelope(conn, dmEnv)
		return
	}

	d.send(conn, protocol.NewErrorEnvelope(400, "chat requires a 'to' of 'room:<id>' or a user name"))
}

// respond sends a `response` envelope for action.
func (d *Dispatcher) respond(conn transport.Conn, action string, success bool, data protocol.Payload, errMsg string) {
	d.send(conn, protocol.NewResponseEnvelope(action, success, data, errMsg))
}

func (d *Dispatcher) send(conn transport.Conn, env *protocol.Envelope) {
	d.sendEnvelope(conn, env)
}

func (d *Dispatcher) sendEnvelope(conn transport.Conn, env *protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		log.Printf("[dispatcher] encode envelope: %v", err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("[dispatcher] write: %v", err)
		return
	}
	if d.onEnvelopeSent != nil {
		d.onEnvelopeSent()
	}
}

// SweepZombies evicts every session whose transport reports closed without
// having already triggered the disconnect path (spec.md §4.5: "periodic
// zombie sweep"). Run this on a 30s ticker from main.
func (d *Dispatcher) SweepZombies() {
	for _, conn := range d.sessions.AllConns() {
		if conn != nil && conn.IsClosed() {
			d.disconnect(conn)
		}
	}
}

// SweepInterval is exported so main can wire the periodic ticker at the
// cadence this package was designed around.
const SweepInterval = zombieSweepInterval
