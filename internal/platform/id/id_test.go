package id

import (
	"strings"
	"testing"
)

func TestNewIDLength(t *testing.T) {
	got, err := NewID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	if len(got) != 26 {
		t.Fatalf("expected 26 characters, got %d (%q)", len(got), got)
	}
	if got != strings.ToLower(got) {
		t.Fatalf("expected lowercase id, got %q", got)
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		got, err := NewID()
		if err != nil {
			t.Fatalf("new id: %v", err)
		}
		if _, ok := seen[got]; ok {
			t.Fatalf("duplicate id %q", got)
		}
		seen[got] = struct{}{}
	}
}

func TestNewClientIDNonZero(t *testing.T) {
	for i := 0; i < 100; i++ {
		got, err := NewClientID()
		if err != nil {
			t.Fatalf("new client id: %v", err)
		}
		if got == 0 {
			t.Fatal("expected non-zero client id")
		}
	}
}
