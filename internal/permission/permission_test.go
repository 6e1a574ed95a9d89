package permission

import "testing"

func TestCanPerformActionOwnerOnly(t *testing.T) {
	perms := DefaultPermissions()
	if !CanPerformAction(ActionDeleteRoom, Owner, perms, "") {
		t.Error("owner should be able to delete the room")
	}
	if CanPerformAction(ActionDeleteRoom, Admin, perms, "") {
		t.Error("admin should not be able to delete the room")
	}
}

func TestCanPerformActionModifyRoomOwnerOrAdmin(t *testing.T) {
	perms := DefaultPermissions()
	for _, r := range []Role{Owner, Admin} {
		if !CanPerformAction(ActionModifyRoom, r, perms, "") {
			t.Errorf("%s should be able to modify room", r)
		}
	}
	if CanPerformAction(ActionModifyRoom, Member, perms, "") {
		t.Error("member should not be able to modify room")
	}
}

func TestCanAssignRole(t *testing.T) {
	if !CanAssignRole(Owner, Owner) {
		t.Error("owner should be able to assign any role")
	}
	if !CanAssignRole(Admin, Member) {
		t.Error("admin should be able to assign member")
	}
	if CanAssignRole(Admin, Admin) {
		t.Error("admin should not be able to assign admin")
	}
	if CanAssignRole(Member, Guest) {
		t.Error("member should never assign roles")
	}
}

func TestCanPerformActionKickRequiresHigherRole(t *testing.T) {
	perms := DefaultPermissions()
	if !CanPerformAction(ActionKickMember, Admin, perms, Member) {
		t.Error("admin should be able to kick a member")
	}
	if CanPerformAction(ActionKickMember, Admin, perms, Admin) {
		t.Error("admin should not be able to kick an equal-ranked admin")
	}
	if CanPerformAction(ActionKickMember, Member, perms, Guest) {
		t.Error("member lacks KICK_MEMBER permission entirely")
	}
}

func TestCanPerformActionViewPublicAlwaysTrue(t *testing.T) {
	perms := RoomPermissions{}
	if !CanPerformAction(ActionViewPublicMsgs, Guest, perms, "") {
		t.Error("VIEW_PUBLIC_MESSAGES must always be allowed")
	}
}

func TestCanPerformActionReceiveDM(t *testing.T) {
	perms := RoomPermissions{}
	if CanPerformAction(ActionReceiveDM, Guest, perms, "") {
		t.Error("guest should not be able to receive DMs")
	}
	if !CanPerformAction(ActionReceiveDM, Member, perms, "") {
		t.Error("member should be able to receive DMs")
	}
}

func TestCanPerformActionUnknownDenied(t *testing.T) {
	perms := DefaultPermissions()
	if CanPerformAction("NONSENSE", Owner, perms, "") {
		t.Error("unknown actions must be denied even for owner")
	}
}

func TestCanViewMessageSenderAlwaysSees(t *testing.T) {
	msg := Message{
		SenderID: "alice",
		Permission: &MessagePermission{
			Visibility:   "role_based",
			AllowedRoles: []Role{Owner},
		},
	}
	if !CanViewMessage(msg, "alice", Guest, "public", 0) {
		t.Error("sender should always be able to view their own message")
	}
}

func TestCanViewMessageOwnerSeesEverything(t *testing.T) {
	msg := Message{SenderID: "alice", Permission: &MessagePermission{Visibility: "private", AllowedUsers: []string{"bob"}}}
	if !CanViewMessage(msg, "charlie", Owner, "public", 0) {
		t.Error("owner should see every message regardless of visibility")
	}
}

func TestCanViewMessageExpired(t *testing.T) {
	msg := Message{SenderID: "alice", Permission: &MessagePermission{Visibility: "public", ExpiresAt: 100}}
	if CanViewMessage(msg, "bob", Member, "public", 200) {
		t.Error("expired message should be denied")
	}
}

func TestCanViewMessageDeniedUsers(t *testing.T) {
	msg := Message{SenderID: "alice", Permission: &MessagePermission{Visibility: "public", DeniedUsers: []string{"bob"}}}
	if CanViewMessage(msg, "bob", Member, "public", 0) {
		t.Error("explicitly denied user should be denied even for public visibility")
	}
}

func TestCanViewMessageRoleBased(t *testing.T) {
	msg := Message{
		SenderID:   "alice",
		Permission: &MessagePermission{Visibility: "role_based", AllowedRoles: []Role{Admin}},
	}
	if CanViewMessage(msg, "bob", Member, "public", 0) {
		t.Error("member below the allowed role floor should be denied")
	}
	if !CanViewMessage(msg, "dave", Owner, "public", 0) {
		t.Error("owner always allowed")
	}
	if !CanViewMessage(msg, "carl", Admin, "public", 0) {
		t.Error("admin meets the role_based floor")
	}
}

func TestCanViewMessageRoleBasedEmptyAllowedRolesDenies(t *testing.T) {
	msg := Message{SenderID: "alice", Permission: &MessagePermission{Visibility: "role_based"}}
	if CanViewMessage(msg, "bob", Admin, "public", 0) {
		t.Error("role_based with no allowed roles must deny")
	}
}

func TestCanViewMessageUserBased(t *testing.T) {
	msg := Message{SenderID: "alice", Permission: &MessagePermission{Visibility: "user_based", AllowedUsers: []string{"bob"}}}
	if !CanViewMessage(msg, "bob", Member, "public", 0) {
		t.Error("allow-listed user should see a user_based message")
	}
	if CanViewMessage(msg, "carl", Member, "public", 0) {
		t.Error("non-allow-listed user should not see a user_based message")
	}
}

func TestCanViewMessageNoPermissionUsesDefaultVisibility(t *testing.T) {
	msg := Message{SenderID: "alice"}
	if !CanViewMessage(msg, "bob", Guest, "public", 0) {
		t.Error("default visibility public should allow everyone")
	}
}

func TestCanChangeRole(t *testing.T) {
	if CanChangeRole(Owner, Owner, Member) {
		t.Error("owner may not change another owner")
	}
	if !CanChangeRole(Owner, Member, Admin) {
		t.Error("owner may change anyone except another owner")
	}
	if !CanChangeRole(Admin, Member, Guest) {
		t.Error("admin may swap member<->guest")
	}
	if CanChangeRole(Admin, Member, Admin) {
		t.Error("admin may not promote to admin")
	}
	if CanChangeRole(Member, Guest, Member) {
		t.Error("member may never change roles")
	}
}

func TestAtLeast(t *testing.T) {
	if !AtLeast(Admin, Member) {
		t.Error("admin should be at least member")
	}
	if AtLeast(Member, Admin) {
		t.Error("member should not be at least admin")
	}
}
