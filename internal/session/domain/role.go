package domain

import "strings"

// Role describes a participant's role within a session.
//
// Roles form a total order: owner > admin > editor > viewer.
type Role int

const (
	// RoleUnspecified represents an invalid role value.
	RoleUnspecified Role = iota
	// RoleViewer may read documents and presence.
	RoleViewer
	// RoleEditor may edit documents.
	RoleEditor
	// RoleAdmin may manage participants below admin.
	RoleAdmin
	// RoleOwner owns the session. Exactly one active owner exists per session.
	RoleOwner
)

// Valid reports whether the role is one of the four assignable roles.
func (r Role) Valid() bool {
	return r >= RoleViewer && r <= RoleOwner
}

// Outranks reports whether r is strictly higher than other in the role order.
func (r Role) Outranks(other Role) bool {
	return r > other
}

// Label returns the string label for a role.
func (r Role) Label() string {
	switch r {
	case RoleViewer:
		return "VIEWER"
	case RoleEditor:
		return "EDITOR"
	case RoleAdmin:
		return "ADMIN"
	case RoleOwner:
		return "OWNER"
	default:
		return "UNSPECIFIED"
	}
}

// RoleFromLabel converts a role label to a Role value.
func RoleFromLabel(label string) Role {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "VIEWER":
		return RoleViewer
	case "EDITOR":
		return RoleEditor
	case "ADMIN":
		return RoleAdmin
	case "OWNER":
		return RoleOwner
	default:
		return RoleUnspecified
	}
}
