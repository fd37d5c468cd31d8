package wire

import (
	"testing"

	"github.com/driftpad/driftpad/internal/awareness"
	"github.com/driftpad/driftpad/internal/codec"
)

func TestRoundTripSyncFrames(t *testing.T) {
	frames := []any{
		SyncStep1{StateVector: []byte{0x01, 0x02}},
		SyncStep2{Delta: []byte{0x03}},
		Update{Delta: []byte{0x04, 0x05}},
		UserInfo{UserID: "alice", DisplayName: "Alice"},
	}
	for _, frame := range frames {
		data, err := Encode(frame)
		if err != nil {
			t.Fatalf("encode %T: %v", frame, err)
		}
		decoded, err := Decode(data)
		if err != nil {
			t.Fatalf("decode %T: %v", frame, err)
		}
		switch want := frame.(type) {
		case SyncStep1:
			got, ok := decoded.(*SyncStep1)
			if !ok || string(got.StateVector) != string(want.StateVector) {
				t.Fatalf("expected %+v, got %+v", want, decoded)
			}
		case SyncStep2:
			got, ok := decoded.(*SyncStep2)
			if !ok || string(got.Delta) != string(want.Delta) {
				t.Fatalf("expected %+v, got %+v", want, decoded)
			}
		case Update:
			got, ok := decoded.(*Update)
			if !ok || string(got.Delta) != string(want.Delta) {
				t.Fatalf("expected %+v, got %+v", want, decoded)
			}
		case UserInfo:
			got, ok := decoded.(*UserInfo)
			if !ok || got.UserID != want.UserID || got.DisplayName != want.DisplayName {
				t.Fatalf("expected %+v, got %+v", want, decoded)
			}
		}
	}
}

func TestRoundTripAwarenessFrame(t *testing.T) {
	frame := AwarenessUpdate{Entries: []awareness.Entry{
		{ClientID: 7, UserID: "bob", DisplayName: "Bob", Color: "#ff8800",
			Cursor: &awareness.Cursor{Anchor: 2, Head: 9}, Clock: 4},
	}}

	data, err := Encode(frame)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := decoded.(*AwarenessUpdate)
	if !ok || len(got.Entries) != 1 {
		t.Fatalf("expected awareness frame, got %+v", decoded)
	}
	entry := got.Entries[0]
	if entry.ClientID != 7 || entry.Clock != 4 || entry.Cursor == nil || entry.Cursor.Head != 9 {
		t.Fatalf("expected entry to round-trip, got %+v", entry)
	}
}

func TestUnknownKindIgnored(t *testing.T) {
	data, err := codec.Marshal(struct {
		Kind uint8            `cbor:"k"`
		Body codec.RawMessage `cbor:"b"`
	}{Kind: 99, Body: codec.RawMessage{0xf6}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("expected unknown kind to be ignored, got error %v", err)
	}
	if decoded != nil {
		t.Fatalf("expected nil for unknown kind, got %+v", decoded)
	}
}

func TestMalformedFrame(t *testing.T) {
	if _, err := Decode([]byte{0xff, 0x13}); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func TestEncodeUnsupportedType(t *testing.T) {
	if _, err := Encode(42); err == nil {
		t.Fatal("expected error for unsupported frame type")
	}
}
