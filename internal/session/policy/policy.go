// Package policy provides the permission matrix for session actions.
//
// Decisions are pure lookups with no side effects: the authorization
// service consults Can and CanAssign before every store mutation.
package policy

import "github.com/driftpad/driftpad/internal/session/domain"

// Action represents a guarded session operation.
type Action int

const (
	// ActionView allows reading documents and presence.
	ActionView Action = iota + 1
	// ActionEdit allows mutating documents.
	ActionEdit
	// ActionInvite allows inviting new participants.
	ActionInvite
	// ActionRemoveParticipant allows removing participants.
	ActionRemoveParticipant
	// ActionChangeRoles allows changing participant roles.
	ActionChangeRoles
	// ActionTransferOwnership allows handing the session to a new owner.
	ActionTransferOwnership
	// ActionDeleteSession allows deleting the session.
	ActionDeleteSession
	// ActionUpdateSettings allows changing session settings.
	ActionUpdateSettings
)

// Can reports whether the role may perform the action.
func Can(role domain.Role, action Action) bool {
	switch action {
	case ActionView:
		return role.Valid()
	case ActionEdit:
		return role >= domain.RoleEditor
	case ActionInvite, ActionRemoveParticipant, ActionChangeRoles, ActionUpdateSettings:
		return role >= domain.RoleAdmin
	case ActionTransferOwnership, ActionDeleteSession:
		return role == domain.RoleOwner
	default:
		return false
	}
}

// CanAssign reports whether an actor with actorRole may assign targetRole
// to another participant.
//
// Owners assign admin and below; admins assign editor and below. Ownership
// is never assigned, only transferred.
func CanAssign(actorRole, targetRole domain.Role) bool {
	if !targetRole.Valid() || targetRole == domain.RoleOwner {
		return false
	}
	switch actorRole {
	case domain.RoleOwner:
		return true
	case domain.RoleAdmin:
		return targetRole < domain.RoleAdmin
	default:
		return false
	}
}
