// Package permission is a pure library implementing the role hierarchy,
// action-permission checks, and per-message visibility rules. It has no
// side effects and holds no state of its own.
package permission

import "log"

// Role is one step in the GUEST < MEMBER < ADMIN < OWNER hierarchy.
type Role string

const (
	Guest  Role = "guest"
	Member Role = "member"
	Admin  Role = "admin"
	Owner  Role = "owner"
)

// level maps a Role to its position in the hierarchy, higher is stronger.
var level = map[Role]int{
	Guest:  0,
	Member: 1,
	Admin:  2,
	Owner:  3,
}

// Level returns the hierarchy level of a role, or -1 if the role is unknown.
func Level(r Role) int {
	l, ok := level[r]
	if !ok {
		return -1
	}
	return l
}

// AtLeast reports whether a is at or above b in the hierarchy.
func AtLeast(a, b Role) bool {
	return Level(a) >= Level(b) && Level(a) >= 0 && Level(b) >= 0
}

// Action names recognized by CanPerformAction. Actions without a special
// case in CanPerformAction (e.g. ActionSendMessage, ActionInviteMembers) are
// resolved via the generic roomPermissions lookup.
const (
	ActionDeleteRoom        = "DELETE_ROOM"
	ActionTransferOwnership = "TRANSFER_OWNERSHIP"
	ActionModifyRoom        = "MODIFY_ROOM"
	ActionViewAuditLog      = "VIEW_AUDIT_LOG"
	ActionSetUserRole       = "SET_USER_ROLE"
	ActionKickMember        = "KICK_MEMBER"
	ActionBanMember         = "BAN_MEMBER"
	ActionViewPublicMsgs    = "VIEW_PUBLIC_MESSAGES"
	ActionReceiveDM         = "RECEIVE_DM"
	ActionSendMessage       = "SEND_MESSAGE"
	ActionSendRestricted    = "SEND_RESTRICTED_MESSAGE"
	ActionViewHistory       = "VIEW_HISTORY"
)

// RoomPermissions is the per-room action→allowed-role-set table. Keys are
// the generic action names (e.g. ActionSendMessage); GUEST/MEMBER/ADMIN/
// OWNER each appear in the set of roles allowed to perform that action.
type RoomPermissions map[string]map[Role]bool

// Allows reports whether role may perform action per the generic table
// (used for every action not given special-cased resolution below).
func (p RoomPermissions) Allows(action string, role Role) bool {
	roles, ok := p[action]
	if !ok {
		return false
	}
	return roles[role]
}

// Generic action names with no special-cased resolution in
// CanPerformAction; each maps directly to a RoomPermissions entry.
const (
	ActionInviteMembers     = "INVITE_MEMBERS"
	ActionModifyPermissions = "MODIFY_PERMISSIONS"
	ActionDeleteMessages    = "DELETE_MESSAGES"
	ActionEditMessages      = "EDIT_MESSAGES"
	ActionPinMessages       = "PIN_MESSAGES"
	ActionViewMembers       = "VIEW_MEMBERS"
	ActionSendDM            = "SEND_DM"
	actionKickMembersGate   = "KICK_MEMBERS_GATE" // backs CanKick, not a dispatcher action
)

// CanKick reports whether roomPermissions grants KICK_MEMBER/BAN_MEMBER to
// role at all (the role-set half of the kick/ban check).
func (p RoomPermissions) CanKick(role Role) bool {
	return p.Allows(actionKickMembersGate, role)
}

// DefaultPermissions returns the balanced preset used when a room is
// created (spec.md GLOSSARY "Default Permissions").
func DefaultPermissions() RoomPermissions {
	all := map[Role]bool{Owner: true, Admin: true, Member: true, Guest: true}
	omaHigh := map[Role]bool{Owner: true, Admin: true, Member: true}
	omaOnly := map[Role]bool{Owner: true, Admin: true}

	return RoomPermissions{
		ActionSendMessage:       omaHigh,
		ActionViewHistory:       omaHigh,
		ActionSendRestricted:    omaOnly,
		ActionInviteMembers:     omaOnly,
		actionKickMembersGate:   omaOnly,
		ActionModifyPermissions: omaOnly,
		ActionDeleteMessages:    omaOnly,
		ActionEditMessages:      omaOnly,
		ActionPinMessages:       omaOnly,
		ActionViewMembers:       all,
		ActionSendDM:            omaHigh,
	}
}

// RoomConfig holds the per-room defaults (spec.md §3 Room, GLOSSARY).
type RoomConfig struct {
	DefaultVisibility string // public | role_based | user_based | private
	DefaultRole       Role
	MessageRateLimit  int // advisory only; never enforced (spec.md §1 Non-goals)
	MemberHistoryLimit int // -1 = unlimited
	Persistent        bool
}

// DefaultRoomConfig returns the balanced preset config used at room
// creation (spec.md GLOSSARY "default config").
func DefaultRoomConfig() RoomConfig {
	return RoomConfig{
		DefaultVisibility:  "public",
		DefaultRole:        Member,
		MessageRateLimit:   60,
		MemberHistoryLimit: -1,
		Persistent:         false,
	}
}

// CanPerformAction resolves spec.md §4.2's action table. targetRole is only
// consulted by KICK_MEMBER/BAN_MEMBER; pass "" when there is no target.
func CanPerformAction(action string, userRole Role, perms RoomPermissions, targetRole Role) bool {
	switch action {
	case ActionDeleteRoom, ActionTransferOwnership:
		return userRole == Owner
	case ActionModifyRoom, ActionViewAuditLog:
		return userRole == Owner || userRole == Admin
	case ActionSetUserRole:
		return userRole == Owner // ADMIN's restricted form is handled by CanAssignRole
	case ActionKickMember, ActionBanMember:
		if !perms.CanKick(userRole) {
			return false
		}
		if targetRole == "" {
			return true
		}
		return Level(userRole) > Level(targetRole)
	case ActionViewPublicMsgs:
		return true
	case ActionReceiveDM:
		return userRole != Guest
	default:
		if _, known := perms[action]; !known {
			log.Printf("[permission] unknown action %q denied", action)
			return false
		}
		return perms.Allows(action, userRole)
	}
}

// CanAssignRole resolves the SET_USER_ROLE special case: OWNER may set any
// role; ADMIN may only set roles at or below MEMBER; everyone else is
// denied.
func CanAssignRole(actorRole, newRole Role) bool {
	switch actorRole {
	case Owner:
		return true
	case Admin:
		return Level(newRole) <= Level(Member)
	default:
		return false
	}
}

// MessagePermission is the optional visibility rule attached to a chat
// envelope (spec.md §3).
type MessagePermission struct {
	Visibility   string // public | role_based | user_based | private
	AllowedRoles []Role
	AllowedUsers []string
	DeniedUsers  []string
	ExpiresAt    int64 // Unix seconds; 0 = no expiry
}

// Message is the minimal view of a chat envelope CanViewMessage needs.
type Message struct {
	SenderID   string
	Permission *MessagePermission // nil = plain public message
}

// CanViewMessage resolves spec.md §4.2's visibility evaluation order.
func CanViewMessage(msg Message, userID string, userRole Role, defaultVisibility string, now int64) bool {
	if msg.SenderID == userID {
		return true
	}
	if userRole == Owner {
		return true
	}

	perm := msg.Permission
	if perm == nil {
		// No explicit permission attached: fall back to the room's default
		// visibility, evaluated with no role/user allow-lists.
		return visibilityAllows(defaultVisibility, nil, nil, userRole, userID)
	}

	if perm.ExpiresAt != 0 && perm.ExpiresAt < now {
		return false
	}
	for _, denied := range perm.DeniedUsers {
		if denied == userID {
			return false
		}
	}

	return visibilityAllows(perm.Visibility, perm.AllowedRoles, perm.AllowedUsers, userRole, userID)
}

func visibilityAllows(visibility string, allowedRoles []Role, allowedUsers []string, userRole Role, userID string) bool {
	switch visibility {
	case "", "public":
		return true
	case "role_based":
		if len(allowedRoles) == 0 {
			return false
		}
		min := -1
		for _, r := range allowedRoles {
			l := Level(r)
			if min == -1 || l < min {
				min = l
			}
		}
		return Level(userRole) >= min
	case "user_based", "private":
		for _, u := range allowedUsers {
			if u == userID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// CanChangeRole resolves spec.md §4.2's CanChangeRole rule: OWNER may
// change anyone except another OWNER; ADMIN may only swap between MEMBER
// and GUEST; everyone else is denied.
func CanChangeRole(actorRole, targetCurrentRole, targetNewRole Role) bool {
	switch actorRole {
	case Owner:
		return targetCurrentRole != Owner
	case Admin:
		swapSet := map[Role]bool{Member: true, Guest: true}
		return swapSet[targetCurrentRole] && swapSet[targetNewRole]
	default:
		return false
	}
}
