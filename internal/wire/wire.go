// Package wire defines the binary-framed synchronization protocol spoken
// between sync peers. Frames are a closed tagged union validated at the
// transport boundary; unknown frame kinds are ignored rather than fatal
// so older peers survive protocol additions.
package wire

import (
	"fmt"

	"github.com/driftpad/driftpad/internal/awareness"
	"github.com/driftpad/driftpad/internal/codec"
)

// Kind tags a frame on the wire.
type Kind uint8

const (
	// KindSyncStep1 announces the sender's state vector.
	KindSyncStep1 Kind = 1
	// KindSyncStep2 carries the catch-up delta for a received SyncStep1.
	KindSyncStep2 Kind = 2
	// KindUpdate broadcasts an incremental document delta.
	KindUpdate Kind = 3
	// KindAwareness broadcasts presence entries.
	KindAwareness Kind = 4
	// KindUserInfo binds a connection to an application identity. Sent
	// once per connection.
	KindUserInfo Kind = 5
)

// SyncStep1 opens the two-step handshake.
type SyncStep1 struct {
	StateVector []byte `cbor:"sv"`
}

// SyncStep2 answers a SyncStep1 with everything the peer is missing.
type SyncStep2 struct {
	Delta []byte `cbor:"d"`
}

// Update carries a document delta produced by a local edit.
type Update struct {
	Delta []byte `cbor:"d"`
}

// AwarenessUpdate carries presence entries, broadcast independently of
// document sync cadence.
type AwarenessUpdate struct {
	Entries []awareness.Entry `cbor:"e"`
}

// UserInfo binds the transport connection to a user identity.
type UserInfo struct {
	UserID      string `cbor:"uid"`
	DisplayName string `cbor:"name"`
}

type envelope struct {
	Kind Kind             `cbor:"k"`
	Body codec.RawMessage `cbor:"b"`
}

// Encode serializes a frame payload into a binary frame.
func Encode(msg any) ([]byte, error) {
	var kind Kind
	switch msg.(type) {
	case SyncStep1, *SyncStep1:
		kind = KindSyncStep1
	case SyncStep2, *SyncStep2:
		kind = KindSyncStep2
	case Update, *Update:
		kind = KindUpdate
	case AwarenessUpdate, *AwarenessUpdate:
		kind = KindAwareness
	case UserInfo, *UserInfo:
		kind = KindUserInfo
	default:
		return nil, fmt.Errorf("wire: unsupported frame type %T", msg)
	}

	body, err := codec.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %T: %w", msg, err)
	}
	return codec.Marshal(envelope{Kind: kind, Body: body})
}

// Decode parses a binary frame. The result is one of the frame payload
// types, or nil for an unknown kind (the caller ignores the frame).
// Malformed frames return an error.
func Decode(data []byte) (any, error) {
	var env envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}

	decodeBody := func(target any) (any, error) {
		if err := codec.Unmarshal(env.Body, target); err != nil {
			return nil, fmt.Errorf("wire: decode frame kind %d: %w", env.Kind, err)
		}
		return target, nil
	}

	switch env.Kind {
	case KindSyncStep1:
		return decodeBody(&SyncStep1{})
	case KindSyncStep2:
		return decodeBody(&SyncStep2{})
	case KindUpdate:
		return decodeBody(&Update{})
	case KindAwareness:
		return decodeBody(&AwarenessUpdate{})
	case KindUserInfo:
		return decodeBody(&UserInfo{})
	default:
		return nil, nil
	}
}
