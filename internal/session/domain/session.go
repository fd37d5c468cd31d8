// Package domain holds the session and participant types for the
// collaborative workspace, with pure constructors that take injected
// clocks and id generators.
package domain

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/driftpad/driftpad/internal/errors"
	"github.com/driftpad/driftpad/internal/platform/id"
)

var (
	// ErrEmptySessionName indicates a missing session name.
	ErrEmptySessionName = apperrors.New(apperrors.CodeSessionNameEmpty, "session name is required")
	// ErrEmptyCreatorID indicates a missing creator user ID.
	ErrEmptyCreatorID = apperrors.New(apperrors.CodeSessionCreatorEmpty, "creator id is required")
	// ErrInvalidCapacity indicates a non-positive participant capacity.
	ErrInvalidCapacity = apperrors.New(apperrors.CodeSessionInvalidCapacity, "max participants must be positive")
)

// DefaultMaxParticipants caps session membership when no explicit
// capacity is configured.
const DefaultMaxParticipants = 50

// Settings holds the mutable per-session policies. Settings may only be
// changed by the session owner or an admin.
type Settings struct {
	AllowSelfInvite   bool
	AllowedDomains    []string
	MaxParticipants   int
	AllowRoleRequests bool
}

// DomainAllowed reports whether the identity's email passes the session's
// domain allow-list. An empty allow-list admits every domain.
func (s Settings) DomainAllowed(email string) bool {
	if len(s.AllowedDomains) == 0 {
		return true
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(strings.TrimSpace(email[at+1:]))
	if domain == "" {
		return false
	}
	for _, allowed := range s.AllowedDomains {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed == "" {
			continue
		}
		if domain == allowed || strings.HasSuffix(domain, "."+allowed) {
			return true
		}
	}
	return false
}

// Session represents a named collaborative workspace session.
// Identity fields are immutable after creation; only Settings change.
type Session struct {
	ID          string
	Name        string
	Description string
	CreatorID   string
	Settings    Settings
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateSessionInput describes the metadata needed to create a session.
type CreateSessionInput struct {
	Name        string
	Description string
	CreatorID   string
	Settings    Settings
}

// CreateSession creates a new session with a generated ID and timestamps.
func CreateSession(input CreateSessionInput, now func() time.Time, idGenerator func() (string, error)) (Session, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateSessionInput(input)
	if err != nil {
		return Session{}, err
	}

	sessionID, err := idGenerator()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}

	createdAt := now().UTC()
	return Session{
		ID:          sessionID,
		Name:        normalized.Name,
		Description: normalized.Description,
		CreatorID:   normalized.CreatorID,
		Settings:    normalized.Settings,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}, nil
}

// NormalizeCreateSessionInput trims and validates session input metadata.
func NormalizeCreateSessionInput(input CreateSessionInput) (CreateSessionInput, error) {
	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" {
		return CreateSessionInput{}, ErrEmptySessionName
	}
	input.Description = strings.TrimSpace(input.Description)
	input.CreatorID = strings.TrimSpace(input.CreatorID)
	if input.CreatorID == "" {
		return CreateSessionInput{}, ErrEmptyCreatorID
	}
	if input.Settings.MaxParticipants == 0 {
		input.Settings.MaxParticipants = DefaultMaxParticipants
	}
	if input.Settings.MaxParticipants < 0 {
		return CreateSessionInput{}, ErrInvalidCapacity
	}
	return input, nil
}
