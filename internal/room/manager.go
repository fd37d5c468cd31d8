package room

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftpad/driftpad/internal/awareness"
	"github.com/driftpad/driftpad/internal/crdt"
	apperrors "github.com/driftpad/driftpad/internal/errors"
	"github.com/driftpad/driftpad/internal/session/domain"
	"github.com/driftpad/driftpad/internal/storage"
)

// Authorizer resolves a user's session role. Implemented by the session
// service.
type Authorizer interface {
	ActiveRole(ctx context.Context, sessionID, userID string) (domain.Role, error)
}

// Config tunes room lifecycle.
type Config struct {
	// GracePeriod is how long an empty room survives before teardown.
	// A rejoin within the window cancels it.
	GracePeriod time.Duration
	// FlushInterval is how often a dirty room checkpoints while occupied.
	FlushInterval time.Duration
	// SweepInterval is how often stale presence entries are expired.
	SweepInterval time.Duration
	// AwarenessTimeout is the presence heartbeat timeout.
	AwarenessTimeout time.Duration
	// SeedAttempts bounds checkpoint load retries on first join.
	SeedAttempts int
}

func (c Config) withDefaults() Config {
	if c.GracePeriod <= 0 {
		c.GracePeriod = 30 * time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.AwarenessTimeout <= 0 {
		c.AwarenessTimeout = awareness.DefaultTimeout
	}
	if c.SeedAttempts <= 0 {
		c.SeedAttempts = 3
	}
	return c
}

type roomEntry struct {
	room  *Room
	refs  int
	grace *time.Timer
	stop  chan struct{}
}

// Manager owns the live rooms. Rooms are created on first join, seeded
// from the checkpoint store, and torn down (checkpointing first) after
// a grace period with no subscribers.
type Manager struct {
	authorizer  Authorizer
	checkpoints storage.CheckpointStore
	cfg         Config
	logger      zerolog.Logger

	mu    sync.Mutex
	rooms map[Key]*roomEntry
}

// NewManager creates a room manager.
func NewManager(authorizer Authorizer, checkpoints storage.CheckpointStore, cfg Config, logger zerolog.Logger) *Manager {
	return &Manager{
		authorizer:  authorizer,
		checkpoints: checkpoints,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		rooms:       make(map[Key]*roomEntry),
	}
}

// Join admits an authenticated user into a room, creating and seeding
// the room if it is not live. The caller owns the returned client and
// must Close it when the connection ends.
func (m *Manager) Join(ctx context.Context, key Key, userID string) (*Client, error) {
	key.SessionID = strings.TrimSpace(key.SessionID)
	key.ResourcePath = strings.TrimSpace(key.ResourcePath)
	if key.ResourcePath == "" {
		return nil, apperrors.New(apperrors.CodeResourceEmptyPath, "resource path is required")
	}

	role, err := m.authorizer.ActiveRole(ctx, key.SessionID, userID)
	if err != nil {
		return nil, err
	}

	for {
		m.mu.Lock()
		entry, ok := m.rooms[key]
		if ok {
			if entry.grace != nil {
				entry.grace.Stop()
				entry.grace = nil
			}
			client := newClient(entry.room, m, userID, role)
			if !entry.room.attach(client) {
				m.mu.Unlock()
				return nil, apperrors.New(apperrors.CodeRoomClosed, "room is shutting down")
			}
			entry.refs++
			m.mu.Unlock()
			return client, nil
		}
		m.mu.Unlock()

		// Seed outside the lock: checkpoint loads (with retries) must not
		// stall joins to other rooms.
		doc, err := m.seed(ctx, key)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		if _, raced := m.rooms[key]; raced {
			// Another joiner opened the room first; use theirs.
			m.mu.Unlock()
			continue
		}
		entry = &roomEntry{
			room: newRoom(key, doc, awareness.NewSet(m.cfg.AwarenessTimeout),
				m.logger.With().Str("session_id", key.SessionID).Str("resource", key.ResourcePath).Logger()),
			stop: make(chan struct{}),
		}
		m.rooms[key] = entry
		go m.runLoops(entry)
		m.mu.Unlock()
		m.logger.Info().Str("session_id", key.SessionID).Str("resource", key.ResourcePath).Msg("room opened")
	}
}

// seed builds a room's document from its last checkpoint. Transient
// store failures are retried; a persistent failure refuses the join
// rather than silently serving an empty document.
func (m *Manager) seed(ctx context.Context, key Key) (*crdt.Doc, error) {
	var data []byte
	var err error
	for attempt := 1; attempt <= m.cfg.SeedAttempts; attempt++ {
		data, err = m.checkpoints.LoadCheckpoint(ctx, key.SessionID, key.ResourcePath)
		if err == nil || errors.Is(err, storage.ErrNotFound) {
			break
		}
		m.logger.Warn().Err(err).Int("attempt", attempt).
			Str("resource", key.ResourcePath).Msg("checkpoint load failed")
		time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
	}

	doc := crdt.NewDoc()
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return doc, nil
	case err != nil:
		return nil, apperrors.Wrap(apperrors.CodeDocumentSeed, "could not load document checkpoint", err)
	}
	if err := doc.ApplyDelta(data); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDocumentSeed, "stored checkpoint is corrupt", err)
	}
	return doc, nil
}

// release is called by Client.Close. The last leaver arms the grace
// timer instead of tearing the room down immediately.
func (m *Manager) release(room *Room, c *Client) {
	empty := room.detach(c)

	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.rooms[room.Key()]
	if !ok || entry.room != room {
		return
	}
	if entry.refs > 0 {
		entry.refs--
	}
	if !empty || entry.refs > 0 {
		return
	}
	key := room.Key()
	entry.grace = time.AfterFunc(m.cfg.GracePeriod, func() {
		m.teardown(key, entry)
	})
}

// teardown removes an empty room, persisting its checkpoint. The entry
// is matched by identity so a room recreated after a rejoin is never
// torn down by a stale timer.
func (m *Manager) teardown(key Key, armed *roomEntry) {
	m.mu.Lock()
	entry, ok := m.rooms[key]
	if !ok || entry != armed || entry.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.rooms, key)
	close(entry.stop)
	m.mu.Unlock()

	entry.room.close()
	m.persist(entry.room)
	m.logger.Info().Str("session_id", key.SessionID).Str("resource", key.ResourcePath).Msg("room closed")
}

func (m *Manager) persist(room *Room) {
	data, err := room.snapshot()
	if err != nil {
		m.logger.Error().Err(err).Str("resource", room.Key().ResourcePath).Msg("snapshot failed")
		return
	}
	m.saveCheckpoint(room, data)
}

func (m *Manager) saveCheckpoint(room *Room, data []byte) {
	key := room.Key()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.checkpoints.SaveCheckpoint(ctx, key.SessionID, key.ResourcePath, data); err != nil {
		m.logger.Error().Err(err).Str("session_id", key.SessionID).
			Str("resource", key.ResourcePath).Msg("checkpoint save failed")
	}
}

// runLoops periodically flushes dirty rooms and expires stale presence.
func (m *Manager) runLoops(entry *roomEntry) {
	flush := time.NewTicker(m.cfg.FlushInterval)
	sweep := time.NewTicker(m.cfg.SweepInterval)
	defer flush.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-entry.stop:
			return
		case <-flush.C:
			if data, ok := entry.room.snapshotDirty(); ok {
				m.saveCheckpoint(entry.room, data)
			}
		case <-sweep.C:
			entry.room.sweepPresence()
		}
	}
}

// EvictUser force-disconnects every connection of the user across the
// session's rooms. Called when a participant is removed.
func (m *Manager) EvictUser(sessionID, userID string) {
	m.mu.Lock()
	var victims []*Client
	for key, entry := range m.rooms {
		if key.SessionID != sessionID {
			continue
		}
		victims = append(victims, entry.room.clientsOfUser(userID)...)
	}
	m.mu.Unlock()

	for _, c := range victims {
		c.Close()
	}
	if len(victims) > 0 {
		m.logger.Info().Str("session_id", sessionID).Str("user", userID).
			Int("connections", len(victims)).Msg("user evicted")
	}
}

// EvictSession tears down every room of a deleted session and drops its
// checkpoints. Nothing is persisted; the session is gone.
func (m *Manager) EvictSession(sessionID string) {
	m.mu.Lock()
	var entries []*roomEntry
	for key, entry := range m.rooms {
		if key.SessionID != sessionID {
			continue
		}
		delete(m.rooms, key)
		if entry.grace != nil {
			entry.grace.Stop()
		}
		close(entry.stop)
		entries = append(entries, entry)
	}
	m.mu.Unlock()

	for _, entry := range entries {
		for _, c := range entry.room.close() {
			c.Close()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.checkpoints.DeleteSessionCheckpoints(ctx, sessionID); err != nil {
		m.logger.Error().Err(err).Str("session_id", sessionID).Msg("checkpoint cleanup failed")
	}
}

// Close persists every open room and shuts the manager down.
func (m *Manager) Close() {
	m.mu.Lock()
	entries := make([]*roomEntry, 0, len(m.rooms))
	for key, entry := range m.rooms {
		delete(m.rooms, key)
		if entry.grace != nil {
			entry.grace.Stop()
		}
		close(entry.stop)
		entries = append(entries, entry)
	}
	m.mu.Unlock()

	for _, entry := range entries {
		for _, c := range entry.room.close() {
			c.Close()
		}
		m.persist(entry.room)
	}
}
