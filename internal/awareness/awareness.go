// Package awareness tracks ephemeral per-connection presence: identity,
// cursor position, and liveness. Entries are never persisted; they merge
// last-writer-wins by clock and expire after a heartbeat timeout.
package awareness

import (
	"sort"
	"sync"
	"time"
)

// DefaultTimeout is how long an entry survives without a heartbeat.
const DefaultTimeout = 30 * time.Second

// Cursor is a selection range in a document. Anchor == Head for a caret.
type Cursor struct {
	Anchor int `cbor:"a"`
	Head   int `cbor:"h"`
}

// Entry is one connection's presence state.
type Entry struct {
	ClientID    uint64  `cbor:"cid"`
	UserID      string  `cbor:"uid"`
	DisplayName string  `cbor:"name"`
	Color       string  `cbor:"color"`
	Cursor      *Cursor `cbor:"cursor,omitempty"`
	Clock       uint64  `cbor:"clk"`
}

type record struct {
	entry         Entry
	lastHeartbeat time.Time
}

// Set holds the presence entries for one room.
type Set struct {
	mu      sync.Mutex
	entries map[uint64]record
	timeout time.Duration
	clock   func() time.Time
}

// NewSet creates an awareness set with the given heartbeat timeout.
// A non-positive timeout falls back to DefaultTimeout.
func NewSet(timeout time.Duration) *Set {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Set{
		entries: make(map[uint64]record),
		timeout: timeout,
		clock:   time.Now,
	}
}

// SetLocal records this connection's own state, bumping its clock so the
// update wins the merge on every peer. The updated entry is returned for
// broadcast.
func (s *Set) SetLocal(entry Entry) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[entry.ClientID]
	if ok {
		entry.Clock = current.entry.Clock + 1
	} else {
		entry.Clock = 1
	}
	s.entries[entry.ClientID] = record{entry: entry, lastHeartbeat: s.clock()}
	return entry
}

// MergeRemote applies a remote entry if its clock is newer than the
// stored one (last-writer-wins keyed by client id). It reports whether
// the entry changed, in which case it should be rebroadcast.
//
// An equal clock still refreshes the heartbeat, so periodic unchanged
// announcements keep an idle peer alive.
func (s *Set) MergeRemote(entry Entry) bool {
	if entry.ClientID == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[entry.ClientID]
	if ok && entry.Clock < current.entry.Clock {
		return false
	}
	changed := !ok || entry.Clock > current.entry.Clock
	s.entries[entry.ClientID] = record{entry: entry, lastHeartbeat: s.clock()}
	return changed
}

// Remove drops an entry on explicit disconnect.
func (s *Set) Remove(clientID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, clientID)
}

// Sweep removes entries whose heartbeat is older than the timeout and
// returns the client ids that expired. This is the only path by which a
// participant's presence disappears without an explicit disconnect.
func (s *Set) Sweep() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	var expired []uint64
	for clientID, rec := range s.entries {
		if now.Sub(rec.lastHeartbeat) > s.timeout {
			expired = append(expired, clientID)
			delete(s.entries, clientID)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	return expired
}

// Online returns the live entries ordered by client id.
func (s *Set) Online() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, 0, len(s.entries))
	for _, rec := range s.entries {
		entries = append(entries, rec.entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ClientID < entries[j].ClientID })
	return entries
}
