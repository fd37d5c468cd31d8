package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/driftpad/driftpad/internal/auth"
	"github.com/driftpad/driftpad/internal/room"
	"github.com/driftpad/driftpad/internal/session/domain"
	"github.com/driftpad/driftpad/internal/session/service"
	"github.com/driftpad/driftpad/internal/storage"
)

var testSecret = []byte("collab-test-secret")

type memStore struct {
	mu           sync.Mutex
	sessions     map[string]domain.Session
	participants map[string]map[string]domain.Participant
	checkpoints  map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{
		sessions:     make(map[string]domain.Session),
		participants: make(map[string]map[string]domain.Participant),
		checkpoints:  make(map[string][]byte),
	}
}

func (m *memStore) PutSession(_ context.Context, s domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *memStore) GetSession(_ context.Context, id string) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.Session{}, storage.ErrNotFound
	}
	return s, nil
}

func (m *memStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memStore) PutParticipant(_ context.Context, p domain.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.participants[p.SessionID] == nil {
		m.participants[p.SessionID] = make(map[string]domain.Participant)
	}
	m.participants[p.SessionID][p.UserID] = p
	return nil
}

func (m *memStore) GetParticipant(_ context.Context, sessionID, userID string) (domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[sessionID][userID]
	if !ok {
		return domain.Participant{}, storage.ErrNotFound
	}
	return p, nil
}

func (m *memStore) ListParticipants(_ context.Context, sessionID string) ([]domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Participant
	for _, p := range m.participants[sessionID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *memStore) CountActive(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, p := range m.participants[sessionID] {
		if p.Status == domain.StatusActive {
			count++
		}
	}
	return count, nil
}

func (m *memStore) DeleteSessionParticipants(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.participants, sessionID)
	return nil
}

func (m *memStore) SaveCheckpoint(_ context.Context, sessionID, resourcePath string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[sessionID+"\x00"+resourcePath] = data
	return nil
}

func (m *memStore) LoadCheckpoint(_ context.Context, sessionID, resourcePath string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.checkpoints[sessionID+"\x00"+resourcePath]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

func (m *memStore) DeleteSessionCheckpoints(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.checkpoints {
		if strings.HasPrefix(key, sessionID+"\x00") {
			delete(m.checkpoints, key)
		}
	}
	return nil
}

type testStack struct {
	store    *memStore
	sessions *service.Service
	rooms    *room.Manager
	server   *httptest.Server
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	store := newMemStore()
	sessions := service.New(service.Stores{Sessions: store, Participants: store},
		domain.RoleViewer, zerolog.Nop())
	rooms := room.NewManager(sessions, store, room.Config{GracePeriod: time.Hour}, zerolog.Nop())
	sessions.SetRoomEvictor(rooms)

	mux := http.NewServeMux()
	verifier := auth.NewVerifier(testSecret)
	registerAPI(mux, sessions, verifier, zerolog.Nop())
	registerSync(mux, rooms, verifier, zerolog.Nop())

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	t.Cleanup(rooms.Close)
	return &testStack{store: store, sessions: sessions, rooms: rooms, server: server}
}

func token(t *testing.T, userID, email, name string) string {
	t.Helper()
	signed, err := auth.Mint(testSecret, auth.Identity{UserID: userID, Email: email, DisplayName: name},
		jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return signed
}

func (s *testStack) request(t *testing.T, method, path, tok string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var envelope errorEnvelope
	decodeInto(t, resp, &envelope)
	return envelope.Error.Code
}
