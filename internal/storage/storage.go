// Package storage defines the persistence interfaces consumed by the
// session service and the room manager.
package storage

import (
	"context"
	"errors"

	"github.com/driftpad/driftpad/internal/session/domain"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// SessionStore persists session metadata records.
type SessionStore interface {
	PutSession(ctx context.Context, session domain.Session) error
	GetSession(ctx context.Context, id string) (domain.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// ParticipantStore persists participant membership records.
//
// Participant records are keyed by (session id, user id) and are updated
// as whole records; callers serialize conflicting updates per session.
type ParticipantStore interface {
	PutParticipant(ctx context.Context, participant domain.Participant) error
	GetParticipant(ctx context.Context, sessionID, userID string) (domain.Participant, error)
	ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error)
	CountActive(ctx context.Context, sessionID string) (int, error)
	DeleteSessionParticipants(ctx context.Context, sessionID string) error
}

// CheckpointStore persists opaque document checkpoint blobs keyed by
// (session id, resource path).
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, sessionID, resourcePath string, data []byte) error
	LoadCheckpoint(ctx context.Context, sessionID, resourcePath string) ([]byte, error)
	DeleteSessionCheckpoints(ctx context.Context, sessionID string) error
}
