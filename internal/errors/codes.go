package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Session errors
	CodeSessionNameEmpty       Code = "SESSION_NAME_EMPTY"
	CodeSessionCreatorEmpty    Code = "SESSION_CREATOR_EMPTY"
	CodeSessionIDEmpty         Code = "SESSION_ID_EMPTY"
	CodeSessionInvalidCapacity Code = "SESSION_INVALID_CAPACITY"

	// Participant errors
	CodeParticipantUserIDEmpty Code = "PARTICIPANT_USER_ID_EMPTY"
	CodeParticipantInvalidRole Code = "PARTICIPANT_INVALID_ROLE"

	// Authorization errors
	CodeNotAParticipant      Code = "NOT_A_PARTICIPANT"
	CodePermissionDenied     Code = "PERMISSION_DENIED"
	CodeRoleAssignmentDenied Code = "ROLE_ASSIGNMENT_DENIED"
	CodeSelfOperation        Code = "SELF_OPERATION"
	CodeNoPendingInvitation  Code = "NO_PENDING_INVITATION"
	CodeCapacityExceeded     Code = "CAPACITY_EXCEEDED"
	CodeDomainNotAllowed     Code = "DOMAIN_NOT_ALLOWED"
	CodeAlreadyParticipant   Code = "ALREADY_PARTICIPANT"
	CodeSoleOwner            Code = "SOLE_OWNER_CONSTRAINT"
	CodeSelfInviteDisabled   Code = "SELF_INVITE_DISABLED"
	CodeRoleRequestsDisabled Code = "ROLE_REQUESTS_DISABLED"
	CodeRoleRequestForbidden Code = "ROLE_REQUEST_FORBIDDEN"

	// Document errors
	CodeCorruptDelta      Code = "CORRUPT_DELTA"
	CodeDocumentSeed      Code = "DOCUMENT_SEED_FAILURE"
	CodeRoomClosed        Code = "ROOM_CLOSED"
	CodeResourceEmptyPath Code = "RESOURCE_EMPTY_PATH"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"

	// Auth errors
	CodeInvalidToken Code = "INVALID_TOKEN"

	// Transport errors
	CodeInvalidRequest Code = "INVALID_REQUEST"
)

// HTTPStatus maps an error code to the HTTP status used by the API surface.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotAParticipant, CodePermissionDenied, CodeRoleAssignmentDenied,
		CodeDomainNotAllowed, CodeSelfInviteDisabled, CodeRoleRequestsDisabled,
		CodeRoleRequestForbidden:
		return http.StatusForbidden
	case CodeNotFound, CodeNoPendingInvitation:
		return http.StatusNotFound
	case CodeCapacityExceeded, CodeSoleOwner, CodeAlreadyParticipant:
		return http.StatusConflict
	case CodeSelfOperation, CodeSessionNameEmpty, CodeSessionCreatorEmpty,
		CodeSessionIDEmpty, CodeSessionInvalidCapacity,
		CodeParticipantUserIDEmpty, CodeParticipantInvalidRole,
		CodeCorruptDelta, CodeResourceEmptyPath, CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeInvalidToken:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
