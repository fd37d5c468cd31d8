package crdt

import (
	"unicode/utf8"

	"github.com/driftpad/driftpad/internal/codec"
	apperrors "github.com/driftpad/driftpad/internal/errors"
)

// ErrCorruptDelta indicates a delta that failed validation. The document
// is left unmodified when this is returned.
var ErrCorruptDelta = apperrors.New(apperrors.CodeCorruptDelta, "corrupt document delta")

// ID identifies a single operation. Client is the originating sync
// connection; Clock is the per-client logical clock, starting at 1 and
// contiguous per client.
type ID struct {
	Client uint64 `cbor:"c"`
	Clock  uint64 `cbor:"k"`
}

// IsZero reports whether the ID is the zero value. The zero ID is used as
// an insert origin to mean "head of document".
func (i ID) IsZero() bool {
	return i.Client == 0 && i.Clock == 0
}

// less orders IDs by client then clock. Sibling ordering uses the
// inverse, so concurrent inserts at one position sort by client id.
func (i ID) less(other ID) bool {
	if i.Client != other.Client {
		return i.Client < other.Client
	}
	return i.Clock < other.Clock
}

// OpKind discriminates operation types.
type OpKind uint8

const (
	// OpInsert inserts one character after Origin.
	OpInsert OpKind = 1
	// OpDelete tombstones the character identified by Target.
	OpDelete OpKind = 2
)

// Op is a single replicated document operation.
type Op struct {
	ID     ID     `cbor:"i"`
	Kind   OpKind `cbor:"t"`
	Origin ID     `cbor:"o,omitempty"`
	Target ID     `cbor:"g,omitempty"`
	Text   string `cbor:"s,omitempty"`
}

// valid checks structural invariants. Ops violating them mark the whole
// delta corrupt before anything is applied.
func (op Op) valid() bool {
	if op.ID.Client == 0 || op.ID.Clock == 0 {
		return false
	}
	switch op.Kind {
	case OpInsert:
		if utf8.RuneCountInString(op.Text) != 1 {
			return false
		}
		if !op.Origin.IsZero() && (op.Origin.Client == 0 || op.Origin.Clock == 0) {
			return false
		}
		// An op may not insert after itself or after a later op of the
		// same client.
		if op.Origin.Client == op.ID.Client && op.Origin.Clock >= op.ID.Clock {
			return false
		}
		return true
	case OpDelete:
		return op.Target.Client != 0 && op.Target.Clock != 0
	default:
		return false
	}
}

// delta is the wire form of a batch of operations.
type delta struct {
	Ops []Op `cbor:"ops"`
}

// decodeDelta parses and validates a binary delta. Any structural problem
// rejects the whole batch.
func decodeDelta(data []byte) ([]Op, error) {
	var d delta
	if err := codec.Unmarshal(data, &d); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCorruptDelta, "decode delta", err)
	}
	for _, op := range d.Ops {
		if !op.valid() {
			return nil, ErrCorruptDelta
		}
	}
	return d.Ops, nil
}

// encodeDelta serializes a batch of operations.
func encodeDelta(ops []Op) ([]byte, error) {
	return codec.Marshal(delta{Ops: ops})
}

// stateVector summarizes, per client, the highest contiguous clock a
// replica has integrated.
type stateVector map[uint64]uint64

// decodeStateVector parses a binary state vector. Nil or empty input is
// the empty vector (a replica that has seen nothing).
func decodeStateVector(data []byte) (stateVector, error) {
	if len(data) == 0 {
		return stateVector{}, nil
	}
	var sv stateVector
	if err := codec.Unmarshal(data, &sv); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCorruptDelta, "decode state vector", err)
	}
	if sv == nil {
		sv = stateVector{}
	}
	return sv, nil
}

func (sv stateVector) encode() ([]byte, error) {
	return codec.Marshal(sv)
}
