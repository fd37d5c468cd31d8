// Package codec provides deterministic CBOR encoding for wire frames,
// document deltas, and state vectors.
package codec

import (
	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer encoding, no indefinite-length items. The same
// logical delta always produces identical bytes, which keeps checkpoint
// blobs and handshake payloads stable across peers.
var encMode cbor.EncMode

// decMode accepts standard CBOR and silently ignores unknown struct
// fields for forward compatibility. Duplicate map keys are rejected;
// deterministic encoding can never produce them.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, used to delay decoding of
// frame payloads until the frame kind is known.
type RawMessage = cbor.RawMessage
