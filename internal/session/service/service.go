// Package service implements the session authorization engine: every
// membership mutation is validated against the permission matrix and the
// session's settings before it touches the store, and operations are
// serialized per session so multi-record invariants (exactly one active
// owner) hold at all times.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/driftpad/driftpad/internal/errors"
	"github.com/driftpad/driftpad/internal/platform/id"
	"github.com/driftpad/driftpad/internal/session/domain"
	"github.com/driftpad/driftpad/internal/session/policy"
	"github.com/driftpad/driftpad/internal/storage"
)

// Stores groups the storage interfaces the engine mutates.
type Stores struct {
	Sessions     storage.SessionStore
	Participants storage.ParticipantStore
}

// Identity is a resolved user identity, provided by the surrounding
// auth layer. The engine never verifies credentials itself.
type Identity struct {
	UserID      string
	Email       string
	DisplayName string
}

// RoomEvictor lets the engine cascade access revocations into live
// rooms. The room manager implements it; a nil evictor is a no-op.
type RoomEvictor interface {
	// EvictUser force-disconnects every connection of the user from all
	// rooms of the session.
	EvictUser(sessionID, userID string)
	// EvictSession tears down every room of the session.
	EvictSession(sessionID string)
}

// Service is the session authorization engine.
type Service struct {
	stores          Stores
	clock           func() time.Time
	idGenerator     func() (string, error)
	defaultJoinRole domain.Role
	logger          zerolog.Logger
	tracer          trace.Tracer
	locks           keyedMutex

	evictorMu sync.Mutex
	evictor   RoomEvictor
}

// New creates a Service with default dependencies.
func New(stores Stores, defaultJoinRole domain.Role, logger zerolog.Logger) *Service {
	if !defaultJoinRole.Valid() || defaultJoinRole == domain.RoleOwner {
		defaultJoinRole = domain.RoleViewer
	}
	return &Service{
		stores:          stores,
		clock:           time.Now,
		idGenerator:     id.NewID,
		defaultJoinRole: defaultJoinRole,
		logger:          logger,
		tracer:          otel.Tracer("driftpad/session"),
	}
}

// SetRoomEvictor wires the room manager in after construction; the
// manager itself depends on the Service for join authorization.
func (s *Service) SetRoomEvictor(evictor RoomEvictor) {
	s.evictorMu.Lock()
	s.evictor = evictor
	s.evictorMu.Unlock()
}

func (s *Service) roomEvictor() RoomEvictor {
	s.evictorMu.Lock()
	defer s.evictorMu.Unlock()
	return s.evictor
}

// CreateSession creates a session; the creator becomes its active owner.
func (s *Service) CreateSession(ctx context.Context, input domain.CreateSessionInput) (domain.Session, error) {
	ctx, span := s.tracer.Start(ctx, "session.CreateSession")
	defer span.End()

	session, err := domain.CreateSession(input, s.clock, s.idGenerator)
	if err != nil {
		return domain.Session{}, err
	}

	owner, err := domain.CreateParticipant(domain.CreateParticipantInput{
		SessionID: session.ID,
		UserID:    session.CreatorID,
		Role:      domain.RoleOwner,
		Status:    domain.StatusActive,
	}, s.clock)
	if err != nil {
		return domain.Session{}, err
	}

	if err := s.stores.Sessions.PutSession(ctx, session); err != nil {
		return domain.Session{}, fmt.Errorf("persist session: %w", err)
	}
	if err := s.stores.Participants.PutParticipant(ctx, owner); err != nil {
		// Roll the session back rather than leave one with no owner.
		if delErr := s.stores.Sessions.DeleteSession(ctx, session.ID); delErr != nil {
			s.logger.Error().Err(delErr).Str("session_id", session.ID).
				Msg("orphaned session after failed owner persist")
		}
		return domain.Session{}, fmt.Errorf("persist owner participant: %w", err)
	}

	s.logger.Info().Str("session_id", session.ID).Str("creator", session.CreatorID).Msg("session created")
	return session, nil
}

// GetSession loads a session record.
func (s *Service) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	session, err := s.stores.Sessions.GetSession(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Session{}, apperrors.New(apperrors.CodeNotFound, "session not found")
		}
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// UpdateSettings replaces the session's settings. Only owners and admins
// may change them.
func (s *Service) UpdateSettings(ctx context.Context, sessionID, actorID string, settings domain.Settings) (domain.Session, error) {
	ctx, span := s.tracer.Start(ctx, "session.UpdateSettings")
	defer span.End()

	unlock := s.locks.lock(sessionID)
	defer unlock()

	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if _, err := s.requireActor(ctx, sessionID, actorID, policy.ActionUpdateSettings); err != nil {
		return domain.Session{}, err
	}
	if settings.MaxParticipants <= 0 {
		return domain.Session{}, domain.ErrInvalidCapacity
	}

	session.Settings = settings
	session.UpdatedAt = s.clock().UTC()
	if err := s.stores.Sessions.PutSession(ctx, session); err != nil {
		return domain.Session{}, fmt.Errorf("persist session: %w", err)
	}
	return session, nil
}

// DeleteSession deletes a session, its participant records, and every
// live room. Owner only.
func (s *Service) DeleteSession(ctx context.Context, sessionID, actorID string) error {
	ctx, span := s.tracer.Start(ctx, "session.DeleteSession")
	defer span.End()

	unlock := s.locks.lock(sessionID)
	defer unlock()

	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return err
	}
	if _, err := s.requireActor(ctx, sessionID, actorID, policy.ActionDeleteSession); err != nil {
		return err
	}

	if err := s.stores.Participants.DeleteSessionParticipants(ctx, sessionID); err != nil {
		return fmt.Errorf("delete participants: %w", err)
	}
	if err := s.stores.Sessions.DeleteSession(ctx, sessionID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete session: %w", err)
	}

	if evictor := s.roomEvictor(); evictor != nil {
		evictor.EvictSession(sessionID)
	}
	s.logger.Info().Str("session_id", sessionID).Str("actor", actorID).Msg("session deleted")
	return nil
}

// GetParticipants lists every participant record of a session, removed
// ones included. Any active participant may read the list.
func (s *Service) GetParticipants(ctx context.Context, sessionID, actorID string) ([]domain.Participant, error) {
	if _, err := s.activeParticipant(ctx, sessionID, actorID); err != nil {
		return nil, err
	}
	participants, err := s.stores.Participants.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return participants, nil
}

// GetParticipant loads one participant record.
func (s *Service) GetParticipant(ctx context.Context, sessionID, actorID, userID string) (domain.Participant, error) {
	if _, err := s.activeParticipant(ctx, sessionID, actorID); err != nil {
		return domain.Participant{}, err
	}
	p, err := s.stores.Participants.GetParticipant(ctx, sessionID, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Participant{}, apperrors.New(apperrors.CodeNotFound, "participant not found")
		}
		return domain.Participant{}, fmt.Errorf("get participant: %w", err)
	}
	return p, nil
}

// ActiveRole returns the user's role if they are an active participant.
// The room manager uses it to authorize joins.
func (s *Service) ActiveRole(ctx context.Context, sessionID, userID string) (domain.Role, error) {
	p, err := s.activeParticipant(ctx, sessionID, userID)
	if err != nil {
		return domain.RoleUnspecified, err
	}
	return p.Role, nil
}

// activeParticipant loads the user's record and requires it to be
// active. Missing and removed records report NotAParticipant; a pending
// invitation grants no standing either.
func (s *Service) activeParticipant(ctx context.Context, sessionID, userID string) (domain.Participant, error) {
	p, err := s.stores.Participants.GetParticipant(ctx, strings.TrimSpace(sessionID), strings.TrimSpace(userID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Participant{}, apperrors.New(apperrors.CodeNotAParticipant, "user is not a participant of this session")
		}
		return domain.Participant{}, fmt.Errorf("get participant: %w", err)
	}
	switch p.Status {
	case domain.StatusActive:
		return p, nil
	case domain.StatusInvited:
		return domain.Participant{}, apperrors.New(apperrors.CodePermissionDenied, "invitation has not been accepted")
	default:
		return domain.Participant{}, apperrors.New(apperrors.CodeNotAParticipant, "user is not a participant of this session")
	}
}

// requireActor loads the actor's active record and checks the
// permission matrix for the action.
func (s *Service) requireActor(ctx context.Context, sessionID, actorID string, action policy.Action) (domain.Participant, error) {
	actor, err := s.activeParticipant(ctx, sessionID, actorID)
	if err != nil {
		return domain.Participant{}, err
	}
	if !policy.Can(actor.Role, action) {
		return domain.Participant{}, apperrors.WithMetadata(apperrors.CodePermissionDenied,
			"insufficient role for this operation",
			map[string]string{"role": actor.Role.Label()})
	}
	return actor, nil
}

// touch stamps the update time on a participant record.
func (s *Service) touch(p *domain.Participant) {
	now := s.clock().UTC()
	p.UpdatedAt = now
	p.LastActiveAt = now
}

// keyedMutex serializes operations per session id.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = make(map[string]*keyedLock)
	}
	entry, ok := k.entries[key]
	if !ok {
		entry = &keyedLock{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
