package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftpad/driftpad/internal/awareness"
	"github.com/driftpad/driftpad/internal/crdt"
	"github.com/driftpad/driftpad/internal/wire"
)

var errConnClosed = errors.New("connection closed")

// pipeConn is an in-memory MessageConn; the test plays the server side.
type pipeConn struct {
	toClient   chan []byte
	fromClient chan []byte
	closed     chan struct{}
	once       sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		toClient:   make(chan []byte, 16),
		fromClient: make(chan []byte, 16),
		closed:     make(chan struct{}),
	}
}

func (c *pipeConn) Receive() ([]byte, error) {
	select {
	case data := <-c.toClient:
		return data, nil
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *pipeConn) Send(data []byte) error {
	select {
	case c.fromClient <- data:
		return nil
	case <-c.closed:
		return errConnClosed
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// serverRecv reads and decodes the next frame the provider sent.
func serverRecv(t *testing.T, conn *pipeConn) any {
	t.Helper()
	select {
	case data := <-conn.fromClient:
		frame, err := wire.Decode(data)
		if err != nil {
			t.Fatalf("decode client frame: %v", err)
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return nil
	}
}

func serverSend(t *testing.T, conn *pipeConn, msg any) {
	t.Helper()
	data, err := wire.Encode(msg)
	if err != nil {
		t.Fatalf("encode server frame: %v", err)
	}
	conn.toClient <- data
}

func waitStatus(t *testing.T, p *Provider, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status %d, at %d", want, p.Status())
}

func testProvider(doc *crdt.Doc, dial DialFunc) *Provider {
	return New(doc, awareness.NewSet(0), 7,
		wire.UserInfo{UserID: "alice", DisplayName: "Alice"}, dial,
		Config{InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond},
		zerolog.Nop())
}

func TestHandshakeSyncsDocument(t *testing.T) {
	serverDoc := crdt.NewDoc()
	if _, err := serverDoc.InsertAt(1, 0, "server state"); err != nil {
		t.Fatalf("seed server doc: %v", err)
	}

	conn := newPipeConn()
	dial := func(ctx context.Context) (MessageConn, error) { return conn, nil }

	clientDoc := crdt.NewDoc()
	p := testProvider(clientDoc, dial)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	// Connect sequence: identity, then SyncStep1, then presence.
	if _, ok := serverRecv(t, conn).(*wire.UserInfo); !ok {
		t.Fatal("expected UserInfo first")
	}
	step1, ok := serverRecv(t, conn).(*wire.SyncStep1)
	if !ok {
		t.Fatal("expected SyncStep1 second")
	}
	if _, ok := serverRecv(t, conn).(*wire.AwarenessUpdate); !ok {
		t.Fatal("expected initial presence announcement")
	}

	diff, err := serverDoc.EncodeDelta(step1.StateVector)
	if err != nil {
		t.Fatalf("encode server diff: %v", err)
	}
	serverSend(t, conn, wire.SyncStep2{Delta: diff})

	waitStatus(t, p, StatusSynced)
	if got := clientDoc.Content(); got != "server state" {
		t.Fatalf("expected synced content, got %q", got)
	}
	if !p.Connected() {
		t.Fatal("expected Connected after handshake")
	}
}

func TestServerStep1GetsStep2Reply(t *testing.T) {
	conn := newPipeConn()
	dial := func(ctx context.Context) (MessageConn, error) { return conn, nil }

	clientDoc := crdt.NewDoc()
	if _, err := clientDoc.InsertAt(7, 0, "local edits"); err != nil {
		t.Fatalf("seed client doc: %v", err)
	}
	p := testProvider(clientDoc, dial)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	serverRecv(t, conn) // UserInfo
	serverRecv(t, conn) // SyncStep1
	serverRecv(t, conn) // presence

	serverSend(t, conn, wire.SyncStep1{StateVector: nil})
	step2, ok := serverRecv(t, conn).(*wire.SyncStep2)
	if !ok {
		t.Fatal("expected SyncStep2 reply")
	}

	serverDoc := crdt.NewDoc()
	if err := serverDoc.ApplyDelta(step2.Delta); err != nil {
		t.Fatalf("apply step2: %v", err)
	}
	if got := serverDoc.Content(); got != "local edits" {
		t.Fatalf("expected full catch-up, got %q", got)
	}
}

func TestReconnectRedoesHandshake(t *testing.T) {
	var mu sync.Mutex
	conns := make(chan *pipeConn, 2)
	dialCount := 0
	dial := func(ctx context.Context) (MessageConn, error) {
		mu.Lock()
		dialCount++
		mu.Unlock()
		conn := newPipeConn()
		conns <- conn
		return conn, nil
	}

	p := testProvider(crdt.NewDoc(), dial)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	first := <-conns
	serverRecv(t, first) // UserInfo
	serverRecv(t, first) // SyncStep1
	serverRecv(t, first) // presence
	serverSend(t, first, wire.SyncStep2{Delta: mustEmptyDelta(t)})
	waitStatus(t, p, StatusSynced)

	// Drop the connection; the provider must back off, redial, and
	// re-run the full handshake.
	_ = first.Close()
	second := <-conns
	if _, ok := serverRecv(t, second).(*wire.UserInfo); !ok {
		t.Fatal("expected fresh handshake after reconnect")
	}
	if _, ok := serverRecv(t, second).(*wire.SyncStep1); !ok {
		t.Fatal("expected SyncStep1 after reconnect")
	}

	mu.Lock()
	defer mu.Unlock()
	if dialCount < 2 {
		t.Fatalf("expected at least two dials, got %d", dialCount)
	}
}

func TestDialFailureKeepsRetrying(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	succeeded := make(chan *pipeConn, 1)
	dial := func(ctx context.Context) (MessageConn, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return nil, errors.New("connection refused")
		}
		conn := newPipeConn()
		succeeded <- conn
		return conn, nil
	}

	p := testProvider(crdt.NewDoc(), dial)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	select {
	case conn := <-succeeded:
		if _, ok := serverRecv(t, conn).(*wire.UserInfo); !ok {
			t.Fatal("expected handshake after retries")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for successful dial")
	}
}

func TestCancelStopsReconnection(t *testing.T) {
	dial := func(ctx context.Context) (MessageConn, error) {
		return nil, errors.New("connection refused")
	}
	p := testProvider(crdt.NewDoc(), dial)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return after cancellation")
	}
	if p.Status() != StatusClosed {
		t.Fatalf("expected closed status, got %d", p.Status())
	}
}

func TestCorruptFrameDoesNotKillConnection(t *testing.T) {
	conn := newPipeConn()
	dial := func(ctx context.Context) (MessageConn, error) { return conn, nil }

	clientDoc := crdt.NewDoc()
	p := testProvider(clientDoc, dial)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	serverRecv(t, conn) // UserInfo
	serverRecv(t, conn) // SyncStep1
	serverRecv(t, conn) // presence

	conn.toClient <- []byte{0xde, 0xad}
	serverSend(t, conn, wire.SyncStep2{Delta: mustEmptyDelta(t)})
	waitStatus(t, p, StatusSynced)
}

func TestHeartbeatRefreshesPresence(t *testing.T) {
	conn := newPipeConn()
	dial := func(ctx context.Context) (MessageConn, error) { return conn, nil }

	p := New(crdt.NewDoc(), awareness.NewSet(0), 7,
		wire.UserInfo{UserID: "alice", DisplayName: "Alice"}, dial,
		Config{
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        10 * time.Millisecond,
			HeartbeatInterval: 20 * time.Millisecond,
		},
		zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	serverRecv(t, conn) // UserInfo
	serverRecv(t, conn) // SyncStep1
	announce, ok := serverRecv(t, conn).(*wire.AwarenessUpdate)
	if !ok {
		t.Fatal("expected initial presence announcement")
	}

	// With no edits or cursor moves the provider must keep re-announcing
	// its entry so an idle client never expires from peers' presence.
	beat, ok := serverRecv(t, conn).(*wire.AwarenessUpdate)
	if !ok {
		t.Fatal("expected heartbeat presence frame")
	}
	if len(beat.Entries) != 1 || beat.Entries[0].ClientID != 7 {
		t.Fatalf("unexpected heartbeat entries %+v", beat.Entries)
	}
	// The entry is unchanged; the equal clock refreshes peers' liveness
	// timers without forcing a rebroadcast.
	if beat.Entries[0].Clock != announce.Entries[0].Clock {
		t.Fatalf("expected heartbeat at clock %d, got %d",
			announce.Entries[0].Clock, beat.Entries[0].Clock)
	}
	if _, ok := serverRecv(t, conn).(*wire.AwarenessUpdate); !ok {
		t.Fatal("expected heartbeats to repeat")
	}
}

func mustEmptyDelta(t *testing.T) []byte {
	t.Helper()
	delta, err := crdt.NewDoc().EncodeDelta(nil)
	if err != nil {
		t.Fatalf("encode empty delta: %v", err)
	}
	return delta
}
