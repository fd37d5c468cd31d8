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

// RemoveParticipant removes a participant (or revokes their pending
// invitation). Participants may always remove themselves; removing
// anyone else requires admin or owner. The owner can never be removed,
// so a session keeps exactly one active owner until ownership is
// transferred or the session is deleted. Removal force-disconnects the
// user's live connections.
func (s *Service) RemoveParticipant(ctx context.Context, sessionID, actorID, targetID string) error {
	ctx, span := s.tracer.Start(ctx, "session.RemoveParticipant")
	defer span.End()

	unlock := s.locks.lock(sessionID)
	defer unlock()

	targetID = strings.TrimSpace(targetID)
	actor, err := s.activeParticipant(ctx, sessionID, actorID)
	if err != nil {
		return err
	}
	if actor.UserID != targetID && !policy.Can(actor.Role, policy.ActionRemoveParticipant) {
		return apperrors.WithMetadata(apperrors.CodePermissionDenied,
			"insufficient role for this operation",
			map[string]string{"role": actor.Role.Label()})
	}

	target, err := s.stores.Participants.GetParticipant(ctx, sessionID, targetID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.New(apperrors.CodeNotAParticipant, "target is not a participant of this session")
		}
		return fmt.Errorf("get participant: %w", err)
	}
	if target.Status == domain.StatusRemoved {
		return apperrors.New(apperrors.CodeNotAParticipant, "target is not a participant of this session")
	}
	if target.Role == domain.RoleOwner {
		return apperrors.New(apperrors.CodeSoleOwner, "the session owner cannot be removed")
	}

	target.Status = domain.StatusRemoved
	s.touch(&target)
	if err := s.stores.Participants.PutParticipant(ctx, target); err != nil {
		return fmt.Errorf("persist participant: %w", err)
	}

	if evictor := s.roomEvictor(); evictor != nil {
		evictor.EvictUser(sessionID, targetID)
	}
	s.logger.Info().Str("session_id", sessionID).Str("user", targetID).
		Str("removed_by", actor.UserID).Msg("participant removed")
	return nil
}

// TransferOwnership hands the session to another active participant.
// The previous owner becomes an admin and the target becomes the owner
// within the same serialized operation, so observers never see zero or
// two owners.
func (s *Service) TransferOwnership(ctx context.Context, sessionID, actorID, newOwnerID string) error {
	ctx, span := s.tracer.Start(ctx, "session.TransferOwnership")
	defer span.End()

	unlock := s.locks.lock(sessionID)
	defer unlock()

	actor, err := s.requireActor(ctx, sessionID, actorID, policy.ActionTransferOwnership)
	if err != nil {
		return err
	}
	newOwnerID = strings.TrimSpace(newOwnerID)
	if newOwnerID == actor.UserID {
		return apperrors.New(apperrors.CodeSelfOperation, "cannot transfer ownership to yourself")
	}

	target, err := s.activeParticipant(ctx, sessionID, newOwnerID)
	if err != nil {
		return err
	}

	previousRole := target.Role
	target.Role = domain.RoleOwner
	s.touch(&target)
	if err := s.stores.Participants.PutParticipant(ctx, target); err != nil {
		return fmt.Errorf("promote new owner: %w", err)
	}

	actor.Role = domain.RoleAdmin
	s.touch(&actor)
	if err := s.stores.Participants.PutParticipant(ctx, actor); err != nil {
		// Roll the promotion back rather than leave two owners.
		target.Role = previousRole
		if rollbackErr := s.stores.Participants.PutParticipant(ctx, target); rollbackErr != nil {
			s.logger.Error().Err(rollbackErr).Str("session_id", sessionID).
				Msg("ownership transfer rollback failed")
		}
		return fmt.Errorf("demote previous owner: %w", err)
	}

	s.logger.Info().Str("session_id", sessionID).Str("from", actor.UserID).
		Str("to", newOwnerID).Msg("ownership transferred")
	return nil
}

// UpdateRole changes another participant's role. The actor needs the
// change-roles permission and the new role must be assignable by the
// actor's role. The owner's role can only change via TransferOwnership.
func (s *Service) UpdateRole(ctx context.Context, sessionID, actorID, targetID string, newRole domain.Role) (domain.Participant, error) {
	ctx, span := s.tracer.Start(ctx, "session.UpdateRole")
	defer span.End()

	unlock := s.locks.lock(sessionID)
	defer unlock()

	actor, err := s.requireActor(ctx, sessionID, actorID, policy.ActionChangeRoles)
	if err != nil {
		return domain.Participant{}, err
	}
	if !policy.CanAssign(actor.Role, newRole) {
		return domain.Participant{}, apperrors.WithMetadata(apperrors.CodeRoleAssignmentDenied,
			"role is not assignable by the actor",
			map[string]string{"actor_role": actor.Role.Label(), "target_role": newRole.Label()})
	}

	target, err := s.activeParticipant(ctx, sessionID, strings.TrimSpace(targetID))
	if err != nil {
		return domain.Participant{}, err
	}
	if target.Role == domain.RoleOwner {
		return domain.Participant{}, apperrors.New(apperrors.CodeSoleOwner, "the owner's role changes only by transferring ownership")
	}
	if target.Role == newRole {
		return target, nil
	}

	target.Role = newRole
	s.touch(&target)
	if err := s.stores.Participants.PutParticipant(ctx, target); err != nil {
		return domain.Participant{}, fmt.Errorf("persist participant: %w", err)
	}

	s.logger.Info().Str("session_id", sessionID).Str("user", target.UserID).
		Str("role", newRole.Label()).Str("changed_by", actor.UserID).Msg("role updated")
	return target, nil
}
