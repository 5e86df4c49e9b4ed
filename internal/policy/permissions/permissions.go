package permissions

import api "github.com/OvyFlash/telegram-bot-api"

// IsManager reports whether the member can administer the chat itself:
// the creator, or an administrator with management grants.
func IsManager(member *api.ChatMember) bool {
	if member == nil {
		return false
	}
	if member.IsCreator() {
		return true
	}
	return member.IsAdministrator() && (member.CanManageChat || member.CanPromoteMembers)
}

// IsPrivilegedModerator reports whether the member outranks the detectors:
// managers plus administrators who can restrict others.
func IsPrivilegedModerator(member *api.ChatMember) bool {
	if member == nil {
		return false
	}
	if IsManager(member) {
		return true
	}
	return member.IsAdministrator()
}

// CanEnforce reports whether the member holds the two grants enforcement
// needs: deleting messages and restricting members.
func CanEnforce(member *api.ChatMember) bool {
	if member == nil {
		return false
	}
	return member.IsAdministrator() && member.CanDeleteMessages && member.CanRestrictMembers
}
