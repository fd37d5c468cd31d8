// Package syncer implements the client side of the synchronization
// protocol: the connection state machine, the two-step handshake, and
// reconnection with exponential backoff.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/driftpad/driftpad/internal/awareness"
	"github.com/driftpad/driftpad/internal/crdt"
	"github.com/driftpad/driftpad/internal/wire"
)

// Status is the connection state of a provider.
type Status int

const (
	// StatusConnecting is the initial dial.
	StatusConnecting Status = iota + 1
	// StatusSyncing means SyncStep1 has been sent and the catch-up
	// delta is outstanding.
	StatusSyncing
	// StatusSynced means the handshake completed.
	StatusSynced
	// StatusReconnecting means the connection dropped and the provider
	// is backing off before redialing.
	StatusReconnecting
	// StatusClosed means Run has returned.
	StatusClosed
)

// MessageConn is a single framed bidirectional connection. Receive and
// Send carry whole binary frames and preserve per-connection ordering.
// Send must be safe for concurrent use; the heartbeat writes alongside
// the read loop's replies.
type MessageConn interface {
	Receive() ([]byte, error)
	Send(data []byte) error
	Close() error
}

// DialFunc establishes a new connection to the room endpoint.
type DialFunc func(ctx context.Context) (MessageConn, error)

// Config bounds the reconnect schedule and the presence heartbeat.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// HeartbeatInterval is how often the local presence entry is
	// re-announced. It must stay below the room's awareness timeout or
	// idle clients expire from peers' presence while still connected.
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = awareness.DefaultTimeout / 3
	}
	return c
}

// Provider keeps a local document and awareness set synchronized with a
// room over an unreliable transport. Temporary disconnection is never
// surfaced as an error; local editing continues and the handshake
// reconciles state after reconnect.
type Provider struct {
	doc      *crdt.Doc
	presence *awareness.Set
	clientID uint64
	identity wire.UserInfo
	dial     DialFunc
	cfg      Config
	logger   zerolog.Logger

	mu     sync.Mutex
	status Status
	conn   MessageConn
	local  awareness.Entry
}

// New creates a provider for one document.
func New(doc *crdt.Doc, presence *awareness.Set, clientID uint64, identity wire.UserInfo, dial DialFunc, cfg Config, logger zerolog.Logger) *Provider {
	return &Provider{
		doc:      doc,
		presence: presence,
		clientID: clientID,
		identity: identity,
		dial:     dial,
		cfg:      cfg.withDefaults(),
		status:   StatusConnecting,
		logger:   logger,
	}
}

// Status returns the current connection state.
func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Connected reports whether the handshake has completed on the current
// connection.
func (p *Provider) Connected() bool {
	return p.Status() == StatusSynced
}

func (p *Provider) setStatus(s Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

func (p *Provider) setConn(conn MessageConn) {
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
}

func (p *Provider) currentConn() MessageConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// Run drives the connection until ctx is canceled. Each (re)connection
// performs the full two-step handshake; prior connection state is never
// assumed valid.
func (p *Provider) Run(ctx context.Context) {
	defer p.setStatus(StatusClosed)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = p.cfg.InitialBackoff
	retry.MaxInterval = p.cfg.MaxBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := p.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.setStatus(StatusReconnecting)
			p.logger.Debug().Err(err).Msg("sync dial failed")
			if !sleepCtx(ctx, retry.NextBackOff()) {
				return
			}
			continue
		}
		retry.Reset()
		p.setConn(conn)

		err = p.serve(ctx, conn)
		p.setConn(nil)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		p.setStatus(StatusReconnecting)
		if err != nil {
			p.logger.Debug().Err(err).Msg("sync connection lost")
		}
		if !sleepCtx(ctx, retry.NextBackOff()) {
			return
		}
	}
}

// serve runs the handshake and read loop for one connection.
func (p *Provider) serve(ctx context.Context, conn MessageConn) error {
	p.setStatus(StatusSyncing)

	if err := p.send(conn, p.identity); err != nil {
		return err
	}
	if err := p.send(conn, wire.SyncStep1{StateVector: p.doc.StateVector()}); err != nil {
		return err
	}

	// Announce local presence so peers see us immediately.
	entry := p.presence.SetLocal(awareness.Entry{
		ClientID:    p.clientID,
		UserID:      p.identity.UserID,
		DisplayName: p.identity.DisplayName,
	})
	p.setLocalEntry(entry)
	if err := p.send(conn, wire.AwarenessUpdate{Entries: []awareness.Entry{entry}}); err != nil {
		return err
	}

	stopHeartbeat := make(chan struct{})
	defer close(stopHeartbeat)
	go p.heartbeat(conn, stopHeartbeat)

	for {
		if ctx.Err() != nil {
			return nil
		}
		data, err := conn.Receive()
		if err != nil {
			return err
		}
		if err := p.handleFrame(conn, data); err != nil {
			return err
		}
	}
}

func (p *Provider) handleFrame(conn MessageConn, data []byte) error {
	frame, err := wire.Decode(data)
	if err != nil {
		// Malformed frame: log and drop, the connection stays up.
		p.logger.Warn().Err(err).Msg("dropping malformed sync frame")
		return nil
	}

	switch msg := frame.(type) {
	case *wire.SyncStep1:
		diff, err := p.doc.EncodeDelta(msg.StateVector)
		if err != nil {
			p.logger.Warn().Err(err).Msg("dropping sync step1 with bad state vector")
			return nil
		}
		return p.send(conn, wire.SyncStep2{Delta: diff})
	case *wire.SyncStep2:
		p.applyDelta(msg.Delta)
		p.setStatus(StatusSynced)
	case *wire.Update:
		p.applyDelta(msg.Delta)
	case *wire.AwarenessUpdate:
		for _, entry := range msg.Entries {
			p.presence.MergeRemote(entry)
		}
	case nil:
		// Unknown frame kind: ignored.
	}
	return nil
}

func (p *Provider) applyDelta(delta []byte) {
	if err := p.doc.ApplyDelta(delta); err != nil {
		if errors.Is(err, crdt.ErrCorruptDelta) {
			p.logger.Warn().Msg("dropping corrupt delta")
			return
		}
		p.logger.Warn().Err(err).Msg("apply delta")
	}
}

// BroadcastUpdate sends a locally produced delta to the room. While
// disconnected the delta is skipped: the state-vector handshake after
// reconnect covers everything missed.
func (p *Provider) BroadcastUpdate(delta []byte) {
	conn := p.currentConn()
	if conn == nil {
		return
	}
	if err := p.send(conn, wire.Update{Delta: delta}); err != nil {
		p.logger.Debug().Err(err).Msg("broadcast update failed")
	}
}

// heartbeat re-sends the last announced presence entry unchanged until
// stop closes or the send fails. Peers merge it at equal clock, which
// refreshes their liveness timer without a rebroadcast; without it an
// idle client expires from every peer's presence while still connected.
func (p *Provider) heartbeat(conn MessageConn, stop chan struct{}) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			entry := p.localEntry()
			p.presence.MergeRemote(entry)
			if err := p.send(conn, wire.AwarenessUpdate{Entries: []awareness.Entry{entry}}); err != nil {
				return
			}
		}
	}
}

func (p *Provider) setLocalEntry(entry awareness.Entry) {
	p.mu.Lock()
	p.local = entry
	p.mu.Unlock()
}

func (p *Provider) localEntry() awareness.Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

// PublishPresence updates local awareness state and broadcasts it.
// Presence traffic is independent of document sync cadence.
func (p *Provider) PublishPresence(cursor *awareness.Cursor) {
	entry := p.presence.SetLocal(awareness.Entry{
		ClientID:    p.clientID,
		UserID:      p.identity.UserID,
		DisplayName: p.identity.DisplayName,
		Cursor:      cursor,
	})
	p.setLocalEntry(entry)
	conn := p.currentConn()
	if conn == nil {
		return
	}
	if err := p.send(conn, wire.AwarenessUpdate{Entries: []awareness.Entry{entry}}); err != nil {
		p.logger.Debug().Err(err).Msg("broadcast presence failed")
	}
}

func (p *Provider) send(conn MessageConn, msg any) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return conn.Send(data)
}

// sleepCtx sleeps for d unless ctx is canceled first. Cancellation
// aborts an in-flight reconnection wait immediately.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
