package collab

import (
	"net/http"
	"testing"
)

func TestAPIRequiresAuthentication(t *testing.T) {
	stack := newTestStack(t)
	resp := stack.request(t, http.MethodPost, "/api/sessions", "", map[string]any{"name": "x"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "INVALID_TOKEN" {
		t.Fatalf("expected INVALID_TOKEN, got %s", code)
	}
}

func TestCreateAndFetchSession(t *testing.T) {
	stack := newTestStack(t)
	alice := token(t, "alice", "alice@acme.com", "Alice")

	resp := stack.request(t, http.MethodPost, "/api/sessions", alice, map[string]any{
		"name":        "design review",
		"description": "weekly sync notes",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created sessionPayload
	decodeInto(t, resp, &created)
	if created.CreatorID != "alice" || created.Name != "design review" {
		t.Fatalf("unexpected session %+v", created)
	}
	if created.Settings.MaxParticipants == 0 {
		t.Fatal("expected default capacity applied")
	}

	resp = stack.request(t, http.MethodGet, "/api/sessions/"+created.ID, alice, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	// Outsiders cannot read the session.
	mallory := token(t, "mallory", "m@evil.example", "Mallory")
	resp = stack.request(t, http.MethodGet, "/api/sessions/"+created.ID, mallory, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for outsider, got %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "NOT_A_PARTICIPANT" {
		t.Fatalf("expected NOT_A_PARTICIPANT, got %s", code)
	}
}

func TestInviteFlowOverHTTP(t *testing.T) {
	stack := newTestStack(t)
	alice := token(t, "alice", "alice@acme.com", "Alice")
	bob := token(t, "bob", "bob@acme.com", "Bob")

	var created sessionPayload
	decodeInto(t, stack.request(t, http.MethodPost, "/api/sessions", alice,
		map[string]any{"name": "notes"}), &created)

	resp := stack.request(t, http.MethodPost, "/api/sessions/"+created.ID+"/participants", alice,
		map[string]any{"user_id": "bob", "role": "EDITOR"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var invited participantPayload
	decodeInto(t, resp, &invited)
	if invited.Status != "INVITED" || invited.Role != "EDITOR" {
		t.Fatalf("unexpected participant %+v", invited)
	}

	resp = stack.request(t, http.MethodPost, "/api/sessions/"+created.ID+"/participants/accept", bob, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 accept, got %d", resp.StatusCode)
	}
	var accepted participantPayload
	decodeInto(t, resp, &accepted)
	if accepted.Status != "ACTIVE" || accepted.JoinedAt == nil {
		t.Fatalf("expected active membership, got %+v", accepted)
	}

	resp = stack.request(t, http.MethodGet, "/api/sessions/"+created.ID+"/participants", bob, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 list, got %d", resp.StatusCode)
	}
	var listing struct {
		Participants []participantPayload `json:"participants"`
	}
	decodeInto(t, resp, &listing)
	if len(listing.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(listing.Participants))
	}
}

func TestRemoveParticipantOverHTTP(t *testing.T) {
	stack := newTestStack(t)
	alice := token(t, "alice", "alice@acme.com", "Alice")
	bob := token(t, "bob", "bob@acme.com", "Bob")

	var created sessionPayload
	decodeInto(t, stack.request(t, http.MethodPost, "/api/sessions", alice,
		map[string]any{"name": "notes"}), &created)
	stack.request(t, http.MethodPost, "/api/sessions/"+created.ID+"/participants", alice,
		map[string]any{"user_id": "bob", "role": "VIEWER"})
	stack.request(t, http.MethodPost, "/api/sessions/"+created.ID+"/participants/accept", bob, nil)

	// Viewers cannot remove others.
	resp := stack.request(t, http.MethodDelete, "/api/sessions/"+created.ID+"/participants/alice", bob, nil)
	if resp.StatusCode != http.StatusConflict && resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected rejection, got %d", resp.StatusCode)
	}

	resp = stack.request(t, http.MethodDelete, "/api/sessions/"+created.ID+"/participants/bob", alice, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
}

func TestTransferOwnershipOverHTTP(t *testing.T) {
	stack := newTestStack(t)
	alice := token(t, "alice", "alice@acme.com", "Alice")
	bob := token(t, "bob", "bob@acme.com", "Bob")

	var created sessionPayload
	decodeInto(t, stack.request(t, http.MethodPost, "/api/sessions", alice,
		map[string]any{"name": "notes"}), &created)
	stack.request(t, http.MethodPost, "/api/sessions/"+created.ID+"/participants", alice,
		map[string]any{"user_id": "bob", "role": "EDITOR"})
	stack.request(t, http.MethodPost, "/api/sessions/"+created.ID+"/participants/accept", bob, nil)

	resp := stack.request(t, http.MethodPost, "/api/sessions/"+created.ID+"/ownership", alice,
		map[string]any{"new_owner_id": "bob"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	// Previous owner may no longer delete the session.
	resp = stack.request(t, http.MethodDelete, "/api/sessions/"+created.ID, alice, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 after transfer, got %d", resp.StatusCode)
	}
	resp = stack.request(t, http.MethodDelete, "/api/sessions/"+created.ID, bob, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 from new owner, got %d", resp.StatusCode)
	}
}

func TestSelfInviteOverHTTP(t *testing.T) {
	stack := newTestStack(t)
	alice := token(t, "alice", "alice@acme.com", "Alice")
	carol := token(t, "carol", "carol@acme.com", "Carol")

	var created sessionPayload
	decodeInto(t, stack.request(t, http.MethodPost, "/api/sessions", alice, map[string]any{
		"name": "open doc",
		"settings": map[string]any{
			"allow_self_invite": true,
			"allowed_domains":   []string{"acme.com"},
			"max_participants":  10,
		},
	}), &created)

	resp := stack.request(t, http.MethodPost, "/api/sessions/"+created.ID+"/participants/self", carol, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var joined participantPayload
	decodeInto(t, resp, &joined)
	if joined.Status != "ACTIVE" || joined.Role != "VIEWER" {
		t.Fatalf("unexpected self-join %+v", joined)
	}

	outsider := token(t, "eve", "eve@evil.example", "Eve")
	resp = stack.request(t, http.MethodPost, "/api/sessions/"+created.ID+"/participants/self", outsider, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for blocked domain, got %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "DOMAIN_NOT_ALLOWED" {
		t.Fatalf("expected DOMAIN_NOT_ALLOWED, got %s", code)
	}
}

func TestUpdateRoleOverHTTP(t *testing.T) {
	stack := newTestStack(t)
	alice := token(t, "alice", "alice@acme.com", "Alice")
	bob := token(t, "bob", "bob@acme.com", "Bob")

	var created sessionPayload
	decodeInto(t, stack.request(t, http.MethodPost, "/api/sessions", alice,
		map[string]any{"name": "notes"}), &created)
	stack.request(t, http.MethodPost, "/api/sessions/"+created.ID+"/participants", alice,
		map[string]any{"user_id": "bob", "role": "VIEWER"})
	stack.request(t, http.MethodPost, "/api/sessions/"+created.ID+"/participants/accept", bob, nil)

	resp := stack.request(t, http.MethodPatch, "/api/sessions/"+created.ID+"/participants/bob/role", alice,
		map[string]any{"role": "ADMIN"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var updated participantPayload
	decodeInto(t, resp, &updated)
	if updated.Role != "ADMIN" {
		t.Fatalf("expected admin, got %s", updated.Role)
	}
}
