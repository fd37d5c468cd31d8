// Package sqlite provides a SQLite-backed session and participant store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/driftpad/driftpad/internal/session/domain"
	"github.com/driftpad/driftpad/internal/storage"
)

// Store provides a SQLite-backed implementation of storage.SessionStore
// and storage.ParticipantStore.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at the provided path and
// applies pending migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	db, err := sql.Open("sqlite", filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}
	// Per-record read-modify-write is serialized by the service layer;
	// a single connection avoids SQLITE_BUSY between writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}

	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PutSession inserts or replaces a session record.
func (s *Store) PutSession(ctx context.Context, session domain.Session) error {
	domains, err := json.Marshal(session.Settings.AllowedDomains)
	if err != nil {
		return fmt.Errorf("encode allowed domains: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO sessions (id, name, description, creator_id, allow_self_invite,
    allowed_domains, max_participants, allow_role_requests, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    name = excluded.name,
    description = excluded.description,
    allow_self_invite = excluded.allow_self_invite,
    allowed_domains = excluded.allowed_domains,
    max_participants = excluded.max_participants,
    allow_role_requests = excluded.allow_role_requests,
    updated_at = excluded.updated_at`,
		session.ID, session.Name, session.Description, session.CreatorID,
		boolToInt(session.Settings.AllowSelfInvite), string(domains),
		session.Settings.MaxParticipants, boolToInt(session.Settings.AllowRoleRequests),
		session.CreatedAt.UnixNano(), session.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// GetSession loads a session record by ID.
func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, description, creator_id, allow_self_invite, allowed_domains,
    max_participants, allow_role_requests, created_at, updated_at
FROM sessions WHERE id = ?`, id)

	var (
		session            domain.Session
		selfInvite         int
		roleRequests       int
		domainsJSON        string
		createdAt, updated int64
	)
	err := row.Scan(&session.ID, &session.Name, &session.Description,
		&session.CreatorID, &selfInvite, &domainsJSON,
		&session.Settings.MaxParticipants, &roleRequests, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}

	if err := json.Unmarshal([]byte(domainsJSON), &session.Settings.AllowedDomains); err != nil {
		return domain.Session{}, fmt.Errorf("decode allowed domains: %w", err)
	}
	session.Settings.AllowSelfInvite = selfInvite != 0
	session.Settings.AllowRoleRequests = roleRequests != 0
	session.CreatedAt = time.Unix(0, createdAt).UTC()
	session.UpdatedAt = time.Unix(0, updated).UTC()
	return session, nil
}

// DeleteSession removes a session record. Deleting a missing session
// returns storage.ErrNotFound.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// PutParticipant inserts or replaces a participant record.
func (s *Store) PutParticipant(ctx context.Context, p domain.Participant) error {
	var joinedAt any
	if p.JoinedAt != nil {
		joinedAt = p.JoinedAt.UnixNano()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO participants (session_id, user_id, role, status, invited_by,
    joined_at, last_active_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id, user_id) DO UPDATE SET
    role = excluded.role,
    status = excluded.status,
    invited_by = excluded.invited_by,
    joined_at = excluded.joined_at,
    last_active_at = excluded.last_active_at,
    updated_at = excluded.updated_at`,
		p.SessionID, p.UserID, p.Role.Label(), p.Status.Label(), p.InvitedBy,
		joinedAt, p.LastActiveAt.UnixNano(), p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("put participant: %w", err)
	}
	return nil
}

// GetParticipant loads a participant record by (session id, user id).
func (s *Store) GetParticipant(ctx context.Context, sessionID, userID string) (domain.Participant, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, user_id, role, status, invited_by, joined_at,
    last_active_at, created_at, updated_at
FROM participants WHERE session_id = ? AND user_id = ?`, sessionID, userID)

	p, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Participant{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("get participant: %w", err)
	}
	return p, nil
}

// ListParticipants returns every participant record for a session,
// including removed ones, ordered by creation time.
func (s *Store) ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, user_id, role, status, invited_by, joined_at,
    last_active_at, created_at, updated_at
FROM participants WHERE session_id = ? ORDER BY created_at, user_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var participants []domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return participants, nil
}

// CountActive returns the number of active participants in a session.
func (s *Store) CountActive(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM participants WHERE session_id = ? AND status = ?`,
		sessionID, domain.StatusActive.Label()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active participants: %w", err)
	}
	return count, nil
}

// DeleteSessionParticipants removes all participant records for a session.
// Used only by session deletion, which discards the audit trail with the
// session itself.
func (s *Store) DeleteSessionParticipants(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM participants WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session participants: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row rowScanner) (domain.Participant, error) {
	var (
		p                  domain.Participant
		roleLabel          string
		statusLabel        string
		joinedAt           sql.NullInt64
		lastActive         int64
		createdAt, updated int64
	)
	err := row.Scan(&p.SessionID, &p.UserID, &roleLabel, &statusLabel,
		&p.InvitedBy, &joinedAt, &lastActive, &createdAt, &updated)
	if err != nil {
		return domain.Participant{}, err
	}

	p.Role = domain.RoleFromLabel(roleLabel)
	p.Status = domain.StatusFromLabel(statusLabel)
	if joinedAt.Valid {
		t := time.Unix(0, joinedAt.Int64).UTC()
		p.JoinedAt = &t
	}
	p.LastActiveAt = time.Unix(0, lastActive).UTC()
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	p.UpdatedAt = time.Unix(0, updated).UTC()
	return p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
