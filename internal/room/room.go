// Package room hosts the live collaboration rooms: each room owns the
// authoritative replica of one document, relays deltas between
// subscribed connections, and tracks presence. The manager controls
// room lifecycle, seeding from checkpoints on first join and persisting
// a checkpoint when the last participant leaves.
package room

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/driftpad/driftpad/internal/awareness"
	"github.com/driftpad/driftpad/internal/crdt"
	"github.com/driftpad/driftpad/internal/session/domain"
	"github.com/driftpad/driftpad/internal/session/policy"
	"github.com/driftpad/driftpad/internal/wire"
)

// sendBuffer bounds each client's outbound queue. A client that cannot
// drain it is evicted; the handshake after reconnect heals any gap.
const sendBuffer = 64

// maxDecodeErrors is how many malformed frames a connection may send
// before it is dropped.
const maxDecodeErrors = 8

// Key identifies a room: one document within one session.
type Key struct {
	SessionID    string
	ResourcePath string
}

// Room is the authoritative replica of one document plus the presence
// set of its connected clients.
type Room struct {
	key    Key
	logger zerolog.Logger

	mu       sync.Mutex
	doc      *crdt.Doc
	presence *awareness.Set
	clients  map[*Client]struct{}
	dirty    bool
	closed   bool
}

func newRoom(key Key, doc *crdt.Doc, presence *awareness.Set, logger zerolog.Logger) *Room {
	return &Room{
		key:      key,
		logger:   logger,
		doc:      doc,
		presence: presence,
		clients:  make(map[*Client]struct{}),
	}
}

// Key returns the room's identity.
func (r *Room) Key() Key { return r.key }

// Content returns the current document text.
func (r *Room) Content() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Content()
}

// Online returns the live presence entries.
func (r *Room) Online() []awareness.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presence.Online()
}

func (r *Room) attach(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.clients[c] = struct{}{}
	return true
}

// detach removes the client and reports whether the room is now empty.
func (r *Room) detach(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, c)
	if c.clientID != 0 {
		r.presence.Remove(c.clientID)
	}
	return len(r.clients) == 0
}

// snapshotDirty returns a checkpoint blob if the document changed since
// the last save.
func (r *Room) snapshotDirty() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty {
		return nil, false
	}
	data, err := r.doc.Snapshot()
	if err != nil {
		r.logger.Error().Err(err).Msg("snapshot failed")
		return nil, false
	}
	r.dirty = false
	return data, true
}

// snapshot returns the current checkpoint blob unconditionally.
func (r *Room) snapshot() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := r.doc.Snapshot()
	if err == nil {
		r.dirty = false
	}
	return data, err
}

func (r *Room) sweepPresence() {
	r.mu.Lock()
	expired := r.presence.Sweep()
	r.mu.Unlock()
	if len(expired) > 0 {
		r.logger.Debug().Uints64("client_ids", expired).Msg("presence expired")
	}
}

// close marks the room closed and returns the clients to disconnect.
func (r *Room) close() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[*Client]struct{})
	return clients
}

// clientsOfUser returns the user's live connections.
func (r *Room) clientsOfUser(userID string) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Client
	for c := range r.clients {
		if c.userID == userID {
			out = append(out, c)
		}
	}
	return out
}

// handle processes one inbound frame from a client. Malformed frames
// and unauthorized edits are dropped without killing the connection;
// only a client exceeding the decode-error cap is evicted.
func (r *Room) handle(c *Client, data []byte) {
	frame, err := wire.Decode(data)
	if err != nil {
		if c.countDecodeError() > maxDecodeErrors {
			r.logger.Warn().Str("user", c.userID).Msg("dropping client after repeated malformed frames")
			c.Close()
			return
		}
		r.logger.Warn().Err(err).Str("user", c.userID).Msg("dropping malformed frame")
		return
	}

	switch msg := frame.(type) {
	case *wire.SyncStep1:
		r.answerStep1(c, msg.StateVector)
	case *wire.SyncStep2:
		// A read-only peer's catch-up reply can only carry operations
		// the room already has, so dropping it loses nothing. Applying
		// it would let an edit masquerade as a handshake reply.
		if !policy.Can(c.role, policy.ActionEdit) {
			r.logger.Debug().Str("user", c.userID).Str("role", c.role.Label()).
				Msg("ignoring sync reply from read-only participant")
			return
		}
		r.applyAndRelay(c, msg.Delta)
	case *wire.Update:
		if !policy.Can(c.role, policy.ActionEdit) {
			r.logger.Warn().Str("user", c.userID).Str("role", c.role.Label()).
				Msg("rejecting edit from read-only participant")
			return
		}
		r.applyAndRelay(c, msg.Delta)
	case *wire.AwarenessUpdate:
		r.mergePresence(c, msg.Entries)
	case *wire.UserInfo:
		c.setInfo(msg)
	case nil:
		// Unknown frame kind: ignored for forward compatibility.
	}
}

// answerStep1 replies to a client's state vector with the catch-up
// delta, then asks for the client's missing operations in return.
func (r *Room) answerStep1(c *Client, stateVector []byte) {
	r.mu.Lock()
	diff, err := r.doc.EncodeDelta(stateVector)
	online := r.presence.Online()
	r.mu.Unlock()
	if err != nil {
		r.logger.Warn().Err(err).Str("user", c.userID).Msg("bad state vector in sync request")
		return
	}

	c.send(mustEncode(wire.SyncStep2{Delta: diff}))
	r.mu.Lock()
	sv := r.doc.StateVector()
	r.mu.Unlock()
	c.send(mustEncode(wire.SyncStep1{StateVector: sv}))
	if len(online) > 0 {
		c.send(mustEncode(wire.AwarenessUpdate{Entries: online}))
	}
}

// applyAndRelay integrates a delta into the authoritative replica and
// rebroadcasts it to every other subscriber. Corrupt deltas are
// rejected whole; nothing is relayed.
func (r *Room) applyAndRelay(from *Client, delta []byte) {
	r.mu.Lock()
	before := r.doc.StateVector()
	err := r.doc.ApplyDelta(delta)
	changed := err == nil && !bytesEqual(before, r.doc.StateVector())
	if changed {
		r.dirty = true
	}
	targets := r.peersLocked(from)
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn().Err(err).Str("user", from.userID).Msg("rejecting corrupt delta")
		return
	}
	if !changed {
		return
	}
	frame := mustEncode(wire.Update{Delta: delta})
	for _, c := range targets {
		c.send(frame)
	}
}

func (r *Room) mergePresence(from *Client, entries []awareness.Entry) {
	r.mu.Lock()
	var changed []awareness.Entry
	for _, entry := range entries {
		if entry.ClientID != 0 && from.clientID == 0 {
			from.clientID = entry.ClientID
		}
		if r.presence.MergeRemote(entry) {
			changed = append(changed, entry)
		}
	}
	targets := r.peersLocked(from)
	r.mu.Unlock()

	if len(changed) == 0 {
		return
	}
	frame := mustEncode(wire.AwarenessUpdate{Entries: changed})
	for _, c := range targets {
		c.send(frame)
	}
}

// peersLocked snapshots every subscriber except from. Callers hold r.mu.
func (r *Room) peersLocked(from *Client) []*Client {
	targets := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		if c != from {
			targets = append(targets, c)
		}
	}
	return targets
}

func mustEncode(msg any) []byte {
	data, err := wire.Encode(msg)
	if err != nil {
		// Frames built here are always encodable.
		panic(err)
	}
	return data
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Client is one subscribed connection to a room. The transport reads
// outbound frames from Frames and feeds inbound frames to Handle.
type Client struct {
	room     *Room
	manager  *Manager
	userID   string
	role     domain.Role
	clientID uint64

	mu           sync.Mutex
	info         *wire.UserInfo
	decodeErrors int

	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newClient(room *Room, manager *Manager, userID string, role domain.Role) *Client {
	return &Client{
		room:    room,
		manager: manager,
		userID:  userID,
		role:    role,
		out:     make(chan []byte, sendBuffer),
		closed:  make(chan struct{}),
	}
}

// UserID returns the authenticated user behind this connection.
func (c *Client) UserID() string { return c.userID }

// Role returns the session role the connection was admitted with.
func (c *Client) Role() domain.Role { return c.role }

// Frames is the outbound frame queue for the transport to drain.
func (c *Client) Frames() <-chan []byte { return c.out }

// Done is closed when the client has been disconnected, either by the
// transport or by an eviction.
func (c *Client) Done() <-chan struct{} { return c.closed }

// Handle processes one inbound frame.
func (c *Client) Handle(data []byte) {
	select {
	case <-c.closed:
		return
	default:
	}
	c.room.handle(c, data)
}

// Close detaches the client from its room. Safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.closed)
		c.manager.release(c.room, c)
	})
}

// send enqueues an outbound frame, evicting the client if its queue is
// full.
func (c *Client) send(data []byte) {
	select {
	case <-c.closed:
	case c.out <- data:
	default:
		c.room.logger.Warn().Str("user", c.userID).Msg("evicting slow subscriber")
		go c.Close()
	}
}

func (c *Client) setInfo(info *wire.UserInfo) {
	c.mu.Lock()
	c.info = info
	c.mu.Unlock()
}

func (c *Client) countDecodeError() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decodeErrors++
	return c.decodeErrors
}
