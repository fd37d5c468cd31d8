package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/driftpad/driftpad/internal/errors"
	"github.com/driftpad/driftpad/internal/session/domain"
	"github.com/driftpad/driftpad/internal/session/policy"
	"github.com/driftpad/driftpad/internal/storage"
)

// Invite invites a user into a session with the given role. A zero role
// defaults to viewer. Inviting an active participant is idempotent and
// returns their current record unchanged; re-inviting a removed user or
// updating a pending invitation reuses the existing record.
func (s *Service) Invite(ctx context.Context, sessionID, actorID, inviteeID string, role domain.Role) (domain.Participant, error) {
	ctx, span := s.tracer.Start(ctx, "session.Invite")
	defer span.End()

	unlock := s.locks.lock(sessionID)
	defer unlock()

	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return domain.Participant{}, err
	}
	actor, err := s.requireActor(ctx, sessionID, actorID, policy.ActionInvite)
	if err != nil {
		return domain.Participant{}, err
	}

	inviteeID = strings.TrimSpace(inviteeID)
	if inviteeID == "" {
		return domain.Participant{}, domain.ErrEmptyUserID
	}
	if inviteeID == actor.UserID {
		return domain.Participant{}, apperrors.New(apperrors.CodeSelfOperation, "cannot invite yourself")
	}

	if role == domain.RoleUnspecified {
		role = domain.RoleViewer
	}
	if !policy.CanAssign(actor.Role, role) {
		return domain.Participant{}, apperrors.WithMetadata(apperrors.CodeRoleAssignmentDenied,
			"role is not assignable by the actor",
			map[string]string{"actor_role": actor.Role.Label(), "target_role": role.Label()})
	}

	existing, err := s.stores.Participants.GetParticipant(ctx, sessionID, inviteeID)
	switch {
	case err == nil:
		switch existing.Status {
		case domain.StatusActive:
			// Idempotent: report the current membership instead of failing.
			return existing, nil
		case domain.StatusInvited, domain.StatusRemoved:
			existing.Role = role
			existing.Status = domain.StatusInvited
			existing.InvitedBy = actor.UserID
			existing.JoinedAt = nil
			s.touch(&existing)
			if err := s.stores.Participants.PutParticipant(ctx, existing); err != nil {
				return domain.Participant{}, fmt.Errorf("persist invitation: %w", err)
			}
			return existing, nil
		}
	case !errors.Is(err, storage.ErrNotFound):
		return domain.Participant{}, fmt.Errorf("get participant: %w", err)
	}

	invited, err := domain.CreateParticipant(domain.CreateParticipantInput{
		SessionID: sessionID,
		UserID:    inviteeID,
		Role:      role,
		Status:    domain.StatusInvited,
		InvitedBy: actor.UserID,
	}, s.clock)
	if err != nil {
		return domain.Participant{}, err
	}
	if err := s.stores.Participants.PutParticipant(ctx, invited); err != nil {
		return domain.Participant{}, fmt.Errorf("persist invitation: %w", err)
	}

	s.logger.Info().Str("session_id", sessionID).Str("invitee", inviteeID).
		Str("role", role.Label()).Str("invited_by", actor.UserID).Msg("participant invited")
	return invited, nil
}

// AcceptInvite activates a pending invitation, stamping the join time.
func (s *Service) AcceptInvite(ctx context.Context, sessionID, userID string) (domain.Participant, error) {
	ctx, span := s.tracer.Start(ctx, "session.AcceptInvite")
	defer span.End()

	unlock := s.locks.lock(sessionID)
	defer unlock()

	p, err := s.stores.Participants.GetParticipant(ctx, strings.TrimSpace(sessionID), strings.TrimSpace(userID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Participant{}, apperrors.New(apperrors.CodeNoPendingInvitation, "no pending invitation")
		}
		return domain.Participant{}, fmt.Errorf("get participant: %w", err)
	}
	if p.Status != domain.StatusInvited {
		return domain.Participant{}, apperrors.New(apperrors.CodeNoPendingInvitation, "no pending invitation")
	}

	p.Status = domain.StatusActive
	s.touch(&p)
	joined := p.UpdatedAt
	p.JoinedAt = &joined
	if err := s.stores.Participants.PutParticipant(ctx, p); err != nil {
		return domain.Participant{}, fmt.Errorf("persist participant: %w", err)
	}
	return p, nil
}

// SelfInvite lets a user join a session without an invitation, gated by
// the session's settings: self-invite must be enabled, the user's email
// must pass the domain allow-list, and the active participant count must
// be below capacity. The joiner may request viewer or editor; a zero
// role falls back to the configured default. A pending invitation's role
// wins over the request.
func (s *Service) SelfInvite(ctx context.Context, sessionID string, identity Identity, requested domain.Role) (domain.Participant, error) {
	ctx, span := s.tracer.Start(ctx, "session.SelfInvite")
	defer span.End()

	unlock := s.locks.lock(sessionID)
	defer unlock()

	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Participant{}, err
	}
	if !session.Settings.AllowSelfInvite {
		return domain.Participant{}, apperrors.New(apperrors.CodeSelfInviteDisabled, "self-invite is disabled for this session")
	}
	if !session.Settings.DomainAllowed(identity.Email) {
		return domain.Participant{}, apperrors.New(apperrors.CodeDomainNotAllowed, "email domain is not allowed")
	}

	if requested == domain.RoleUnspecified {
		requested = s.defaultJoinRole
	}
	if requested != domain.RoleViewer && requested != domain.RoleEditor {
		return domain.Participant{}, apperrors.WithMetadata(apperrors.CodeRoleRequestForbidden,
			"only viewer and editor may be requested",
			map[string]string{"requested_role": requested.Label()})
	}

	userID := strings.TrimSpace(identity.UserID)
	if userID == "" {
		return domain.Participant{}, domain.ErrEmptyUserID
	}

	existing, getErr := s.stores.Participants.GetParticipant(ctx, session.ID, userID)
	switch {
	case getErr == nil && existing.Status == domain.StatusActive:
		return existing, nil
	case getErr == nil && existing.Status == domain.StatusInvited:
		existing.Status = domain.StatusActive
		s.touch(&existing)
		joined := existing.UpdatedAt
		existing.JoinedAt = &joined
		if err := s.stores.Participants.PutParticipant(ctx, existing); err != nil {
			return domain.Participant{}, fmt.Errorf("persist participant: %w", err)
		}
		return existing, nil
	case getErr != nil && !errors.Is(getErr, storage.ErrNotFound):
		return domain.Participant{}, fmt.Errorf("get participant: %w", getErr)
	}

	active, err := s.stores.Participants.CountActive(ctx, session.ID)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("count active participants: %w", err)
	}
	if active >= session.Settings.MaxParticipants {
		return domain.Participant{}, apperrors.WithMetadata(apperrors.CodeCapacityExceeded,
			"session is at capacity",
			map[string]string{"max_participants": fmt.Sprint(session.Settings.MaxParticipants)})
	}

	if getErr == nil {
		// Removed participant rejoining.
		existing.Role = requested
		existing.Status = domain.StatusActive
		existing.InvitedBy = ""
		s.touch(&existing)
		joined := existing.UpdatedAt
		existing.JoinedAt = &joined
		if err := s.stores.Participants.PutParticipant(ctx, existing); err != nil {
			return domain.Participant{}, fmt.Errorf("persist participant: %w", err)
		}
		return existing, nil
	}

	joined, err := domain.CreateParticipant(domain.CreateParticipantInput{
		SessionID: session.ID,
		UserID:    userID,
		Role:      requested,
		Status:    domain.StatusActive,
	}, s.clock)
	if err != nil {
		return domain.Participant{}, err
	}
	if err := s.stores.Participants.PutParticipant(ctx, joined); err != nil {
		return domain.Participant{}, fmt.Errorf("persist participant: %w", err)
	}

	s.logger.Info().Str("session_id", session.ID).Str("user", userID).
		Str("role", joined.Role.Label()).Msg("participant self-joined")
	return joined, nil
}

// RequestRoleChange lets a participant change their own role, when the
// session allows it. Only viewer and editor may be requested; promotions
// beyond editor always go through an admin or owner.
func (s *Service) RequestRoleChange(ctx context.Context, sessionID, userID string, requested domain.Role) (domain.Participant, error) {
	ctx, span := s.tracer.Start(ctx, "session.RequestRoleChange")
	defer span.End()

	unlock := s.locks.lock(sessionID)
	defer unlock()

	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Participant{}, err
	}
	if !session.Settings.AllowRoleRequests {
		return domain.Participant{}, apperrors.New(apperrors.CodeRoleRequestsDisabled, "role requests are disabled for this session")
	}
	if requested != domain.RoleViewer && requested != domain.RoleEditor {
		return domain.Participant{}, apperrors.WithMetadata(apperrors.CodeRoleRequestForbidden,
			"only viewer and editor may be requested",
			map[string]string{"requested_role": requested.Label()})
	}

	p, err := s.activeParticipant(ctx, sessionID, userID)
	if err != nil {
		return domain.Participant{}, err
	}
	if p.Role == domain.RoleOwner {
		return domain.Participant{}, apperrors.New(apperrors.CodeSoleOwner, "the owner cannot step down without transferring ownership")
	}
	if p.Role == requested {
		return p, nil
	}

	p.Role = requested
	s.touch(&p)
	if err := s.stores.Participants.PutParticipant(ctx, p); err != nil {
		return domain.Participant{}, fmt.Errorf("persist participant: %w", err)
	}
	s.logger.Info().Str("session_id", sessionID).Str("user", userID).
		Str("role", requested.Label()).Msg("role change granted")
	return p, nil
}
