package domain

import (
	"errors"
	"testing"
	"time"
)

func fixedClock() time.Time {
	return time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
}

func staticID() (string, error) {
	return "sess-test-id", nil
}

func TestCreateSession(t *testing.T) {
	session, err := CreateSession(CreateSessionInput{
		Name:      "  Design Review  ",
		CreatorID: " alice ",
	}, fixedClock, staticID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if session.ID != "sess-test-id" {
		t.Fatalf("expected generated id, got %q", session.ID)
	}
	if session.Name != "Design Review" {
		t.Fatalf("expected trimmed name, got %q", session.Name)
	}
	if session.CreatorID != "alice" {
		t.Fatalf("expected trimmed creator, got %q", session.CreatorID)
	}
	if session.Settings.MaxParticipants != DefaultMaxParticipants {
		t.Fatalf("expected default capacity, got %d", session.Settings.MaxParticipants)
	}
	if !session.CreatedAt.Equal(fixedClock()) {
		t.Fatalf("expected fixed created_at, got %v", session.CreatedAt)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	tests := []struct {
		name  string
		input CreateSessionInput
		want  error
	}{
		{"empty name", CreateSessionInput{CreatorID: "alice"}, ErrEmptySessionName},
		{"empty creator", CreateSessionInput{Name: "Doc"}, ErrEmptyCreatorID},
		{"negative capacity", CreateSessionInput{Name: "Doc", CreatorID: "alice", Settings: Settings{MaxParticipants: -1}}, ErrInvalidCapacity},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := CreateSession(tc.input, fixedClock, staticID)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestCreateParticipantStampsJoinedAtWhenActive(t *testing.T) {
	p, err := CreateParticipant(CreateParticipantInput{
		SessionID: "sess-1",
		UserID:    "bob",
		Role:      RoleEditor,
		Status:    StatusActive,
	}, fixedClock)
	if err != nil {
		t.Fatalf("create participant: %v", err)
	}
	if p.JoinedAt == nil || !p.JoinedAt.Equal(fixedClock()) {
		t.Fatalf("expected joined_at stamped, got %v", p.JoinedAt)
	}
}

func TestCreateParticipantInvitedHasNoJoinedAt(t *testing.T) {
	p, err := CreateParticipant(CreateParticipantInput{
		SessionID: "sess-1",
		UserID:    "bob",
		Role:      RoleViewer,
		InvitedBy: "alice",
	}, fixedClock)
	if err != nil {
		t.Fatalf("create participant: %v", err)
	}
	if p.Status != StatusInvited {
		t.Fatalf("expected default invited status, got %v", p.Status)
	}
	if p.JoinedAt != nil {
		t.Fatalf("expected nil joined_at, got %v", p.JoinedAt)
	}
	if p.InvitedBy != "alice" {
		t.Fatalf("expected invited_by alice, got %q", p.InvitedBy)
	}
}

func TestCreateParticipantValidation(t *testing.T) {
	tests := []struct {
		name  string
		input CreateParticipantInput
		want  error
	}{
		{"empty session", CreateParticipantInput{UserID: "bob", Role: RoleViewer}, ErrEmptySessionID},
		{"empty user", CreateParticipantInput{SessionID: "s", Role: RoleViewer}, ErrEmptyUserID},
		{"invalid role", CreateParticipantInput{SessionID: "s", UserID: "bob"}, ErrInvalidRole},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := CreateParticipant(tc.input, fixedClock)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestRoleOrder(t *testing.T) {
	order := []Role{RoleViewer, RoleEditor, RoleAdmin, RoleOwner}
	for i, lower := range order {
		for _, higher := range order[i+1:] {
			if !higher.Outranks(lower) {
				t.Fatalf("expected %s to outrank %s", higher.Label(), lower.Label())
			}
			if lower.Outranks(higher) {
				t.Fatalf("did not expect %s to outrank %s", lower.Label(), higher.Label())
			}
		}
	}
}

func TestRoleLabelsRoundTrip(t *testing.T) {
	for _, role := range []Role{RoleViewer, RoleEditor, RoleAdmin, RoleOwner} {
		if got := RoleFromLabel(role.Label()); got != role {
			t.Fatalf("expected %v, got %v", role, got)
		}
	}
	if RoleFromLabel("gm") != RoleUnspecified {
		t.Fatal("expected unknown label to map to unspecified")
	}
}

func TestDomainAllowed(t *testing.T) {
	settings := Settings{AllowedDomains: []string{"acme.com"}}

	tests := []struct {
		email string
		want  bool
	}{
		{"user@acme.com", true},
		{"user@dev.acme.com", true},
		{"user@evil.com", false},
		{"user@acme.com.evil.com", false},
		{"no-at-sign", false},
		{"user@", false},
	}
	for _, tc := range tests {
		if got := settings.DomainAllowed(tc.email); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.email, tc.want, got)
		}
	}

	open := Settings{}
	if !open.DomainAllowed("anyone@anywhere.org") {
		t.Fatal("expected empty allow-list to admit every domain")
	}
}
