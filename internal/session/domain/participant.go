package domain

import (
	"strings"
	"time"

	apperrors "github.com/driftpad/driftpad/internal/errors"
)

var (
	// ErrEmptySessionID indicates a missing session ID.
	ErrEmptySessionID = apperrors.New(apperrors.CodeSessionIDEmpty, "session id is required")
	// ErrEmptyUserID indicates a missing user ID.
	ErrEmptyUserID = apperrors.New(apperrors.CodeParticipantUserIDEmpty, "user id is required")
	// ErrInvalidRole indicates a role outside the assignable set.
	ErrInvalidRole = apperrors.New(apperrors.CodeParticipantInvalidRole, "invalid participant role")
)

// Status describes the lifecycle state of a participant record.
//
// Records are never hard-deleted: removal transitions to StatusRemoved so
// the invitation lineage stays auditable.
type Status int

const (
	// StatusUnspecified represents an invalid status value.
	StatusUnspecified Status = iota
	// StatusInvited indicates an invitation awaiting acceptance.
	StatusInvited
	// StatusActive indicates a participant who has joined.
	StatusActive
	// StatusRemoved indicates a participant who left or was removed.
	StatusRemoved
)

// Label returns the string label for a participant status.
func (s Status) Label() string {
	switch s {
	case StatusInvited:
		return "INVITED"
	case StatusActive:
		return "ACTIVE"
	case StatusRemoved:
		return "REMOVED"
	default:
		return "UNSPECIFIED"
	}
}

// StatusFromLabel converts a status label to a Status value.
func StatusFromLabel(label string) Status {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "INVITED":
		return StatusInvited
	case "ACTIVE":
		return StatusActive
	case "REMOVED":
		return StatusRemoved
	default:
		return StatusUnspecified
	}
}

// Participant represents a user's membership in a session.
type Participant struct {
	SessionID    string
	UserID       string
	Role         Role
	Status       Status
	InvitedBy    string // empty for the creator and self-joins
	JoinedAt     *time.Time
	LastActiveAt time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateParticipantInput describes the metadata needed to create a
// participant record.
type CreateParticipantInput struct {
	SessionID string
	UserID    string
	Role      Role
	Status    Status
	InvitedBy string
}

// CreateParticipant creates a new participant record. A participant created
// with StatusActive has its JoinedAt stamped immediately.
func CreateParticipant(input CreateParticipantInput, now func() time.Time) (Participant, error) {
	if now == nil {
		now = time.Now
	}

	normalized, err := NormalizeCreateParticipantInput(input)
	if err != nil {
		return Participant{}, err
	}

	createdAt := now().UTC()
	p := Participant{
		SessionID:    normalized.SessionID,
		UserID:       normalized.UserID,
		Role:         normalized.Role,
		Status:       normalized.Status,
		InvitedBy:    normalized.InvitedBy,
		LastActiveAt: createdAt,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
	if p.Status == StatusActive {
		joined := createdAt
		p.JoinedAt = &joined
	}
	return p, nil
}

// NormalizeCreateParticipantInput trims and validates participant input.
func NormalizeCreateParticipantInput(input CreateParticipantInput) (CreateParticipantInput, error) {
	input.SessionID = strings.TrimSpace(input.SessionID)
	if input.SessionID == "" {
		return CreateParticipantInput{}, ErrEmptySessionID
	}
	input.UserID = strings.TrimSpace(input.UserID)
	if input.UserID == "" {
		return CreateParticipantInput{}, ErrEmptyUserID
	}
	if !input.Role.Valid() {
		return CreateParticipantInput{}, ErrInvalidRole
	}
	if input.Status == StatusUnspecified {
		input.Status = StatusInvited
	}
	input.InvitedBy = strings.TrimSpace(input.InvitedBy)
	return input, nil
}
