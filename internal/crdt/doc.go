// Package crdt implements the replicated text document.
//
// The document is a sequence CRDT: every inserted character is an
// immutable item identified by (client, clock), positioned after an
// origin item. Items form a tree rooted at a head sentinel; document
// order is a depth-first traversal with siblings ordered by descending
// id, which makes concurrent inserts at the same position resolve
// deterministically by client id. Deletions tombstone items rather than
// removing them, so concurrent inserts anchored on deleted characters
// still merge.
//
// Applying the same set of deltas in any order, any number of times,
// yields identical content on every replica.
package crdt

import (
	"fmt"
	"sort"
	"sync"
)

type item struct {
	id       ID
	ch       rune
	deleted  bool
	children []*item // descending id order
}

// Doc is a replicated text document. All methods are safe for concurrent
// use, though the room layer serializes mutation per document.
type Doc struct {
	mu      sync.Mutex
	root    *item
	items   map[ID]*item
	logs    map[uint64][]Op // per-client, clock-contiguous
	pending []Op
}

// NewDoc creates an empty document.
func NewDoc() *Doc {
	return &Doc{
		root:  &item{},
		items: make(map[ID]*item),
		logs:  make(map[uint64][]Op),
	}
}

// Content returns the visible text of the document.
func (d *Doc) Content() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []rune
	d.walk(func(it *item) {
		if !it.deleted {
			out = append(out, it.ch)
		}
	})
	return string(out)
}

// Len returns the number of visible characters.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	d.walk(func(it *item) {
		if !it.deleted {
			n++
		}
	})
	return n
}

// StateVector returns the binary state vector describing which
// operations this replica has integrated.
func (d *Doc) StateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	sv := make(stateVector, len(d.logs))
	for client, log := range d.logs {
		sv[client] = uint64(len(log))
	}
	encoded, err := sv.encode()
	if err != nil {
		// The vector is a map of integers; encoding cannot fail.
		panic(fmt.Sprintf("crdt: encode state vector: %v", err))
	}
	return encoded
}

// EncodeDelta produces the minimal delta a peer with the given state
// vector needs to catch up. A nil or empty vector requests the full
// document history.
func (d *Doc) EncodeDelta(sinceStateVector []byte) ([]byte, error) {
	since, err := decodeStateVector(sinceStateVector)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	clients := make([]uint64, 0, len(d.logs))
	for client := range d.logs {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	var ops []Op
	for _, client := range clients {
		log := d.logs[client]
		have := since[client]
		if uint64(len(log)) > have {
			ops = append(ops, log[have:]...)
		}
	}
	return encodeDelta(ops)
}

// ApplyDelta merges a binary delta into the document. Applying a delta
// is idempotent and commutative with concurrently produced deltas.
// Malformed input returns ErrCorruptDelta and leaves the document
// unmodified.
func (d *Doc) ApplyDelta(data []byte) error {
	ops, err := decodeDelta(data)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.ingest(ops)
	return nil
}

// InsertAt inserts text at the given visible index on behalf of client,
// returning the encoded delta to broadcast. Indexes outside the document
// are clamped.
func (d *Doc) InsertAt(client uint64, index int, text string) ([]byte, error) {
	if client == 0 {
		return nil, fmt.Errorf("client id is required")
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return encodeDelta(nil)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	visible := d.visibleItems()
	if index < 0 {
		index = 0
	}
	if index > len(visible) {
		index = len(visible)
	}

	origin := ID{}
	if index > 0 {
		origin = visible[index-1].id
	}

	clock := uint64(len(d.logs[client]))
	ops := make([]Op, 0, len(runes))
	for _, r := range runes {
		clock++
		op := Op{
			ID:     ID{Client: client, Clock: clock},
			Kind:   OpInsert,
			Origin: origin,
			Text:   string(r),
		}
		ops = append(ops, op)
		origin = op.ID
	}

	d.ingest(ops)
	return encodeDelta(ops)
}

// DeleteRange tombstones length visible characters starting at index on
// behalf of client, returning the encoded delta to broadcast. The range
// is clamped to the document.
func (d *Doc) DeleteRange(client uint64, index, length int) ([]byte, error) {
	if client == 0 {
		return nil, fmt.Errorf("client id is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	visible := d.visibleItems()
	if index < 0 {
		index = 0
	}
	if index >= len(visible) || length <= 0 {
		return encodeDelta(nil)
	}
	end := index + length
	if end > len(visible) {
		end = len(visible)
	}

	clock := uint64(len(d.logs[client]))
	ops := make([]Op, 0, end-index)
	for _, it := range visible[index:end] {
		clock++
		ops = append(ops, Op{
			ID:     ID{Client: client, Clock: clock},
			Kind:   OpDelete,
			Target: it.id,
		})
	}

	d.ingest(ops)
	return encodeDelta(ops)
}

// ingest integrates operations, buffering those whose causal
// dependencies have not arrived yet and retrying them as earlier
// operations land. Callers hold d.mu.
func (d *Doc) ingest(ops []Op) {
	queue := append(append([]Op(nil), ops...), d.pending...)
	d.pending = nil

	for {
		var remaining []Op
		progressed := false
		for _, op := range queue {
			switch d.integrate(op) {
			case integrated:
				progressed = true
			case duplicate:
				// Already applied; drop.
			case deferred:
				remaining = append(remaining, op)
			}
		}
		if !progressed || len(remaining) == 0 {
			d.pending = remaining
			return
		}
		queue = remaining
	}
}

type integrateResult int

const (
	integrated integrateResult = iota
	duplicate
	deferred
)

func (d *Doc) integrate(op Op) integrateResult {
	log := d.logs[op.ID.Client]
	next := uint64(len(log)) + 1
	if op.ID.Clock < next {
		return duplicate
	}
	if op.ID.Clock > next {
		// Gap in the client's clock; wait for earlier ops.
		return deferred
	}

	switch op.Kind {
	case OpInsert:
		parent := d.root
		if !op.Origin.IsZero() {
			var ok bool
			if parent, ok = d.items[op.Origin]; !ok {
				return deferred
			}
		}
		it := &item{id: op.ID, ch: []rune(op.Text)[0]}
		d.items[op.ID] = it
		insertChild(parent, it)
	case OpDelete:
		target, ok := d.items[op.Target]
		if !ok {
			return deferred
		}
		target.deleted = true
	}

	d.logs[op.ID.Client] = append(log, op)
	return integrated
}

// insertChild places it among parent's children, keeping descending id
// order so traversal is deterministic across replicas.
func insertChild(parent, it *item) {
	idx := sort.Search(len(parent.children), func(i int) bool {
		return parent.children[i].id.less(it.id)
	})
	parent.children = append(parent.children, nil)
	copy(parent.children[idx+1:], parent.children[idx:])
	parent.children[idx] = it
}

// walk visits every item (tombstones included) in document order.
// Callers hold d.mu.
func (d *Doc) walk(fn func(*item)) {
	stack := make([]*item, 0, 16)
	push := func(it *item) {
		for i := len(it.children) - 1; i >= 0; i-- {
			stack = append(stack, it.children[i])
		}
	}
	push(d.root)
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		fn(it)
		push(it)
	}
}

// visibleItems returns non-tombstoned items in document order. Callers
// hold d.mu.
func (d *Doc) visibleItems() []*item {
	var visible []*item
	d.walk(func(it *item) {
		if !it.deleted {
			visible = append(visible, it)
		}
	})
	return visible
}

// Snapshot returns the full document history as a delta suitable for
// checkpointing. Loading a snapshot is ApplyDelta on an empty document.
func (d *Doc) Snapshot() ([]byte, error) {
	return d.EncodeDelta(nil)
}
