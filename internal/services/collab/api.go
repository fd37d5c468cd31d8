package collab

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftpad/driftpad/internal/auth"
	apperrors "github.com/driftpad/driftpad/internal/errors"
	"github.com/driftpad/driftpad/internal/session/domain"
	"github.com/driftpad/driftpad/internal/session/service"
)

type identityContextKey struct{}

func identityFrom(ctx context.Context) auth.Identity {
	identity, _ := ctx.Value(identityContextKey{}).(auth.Identity)
	return identity
}

// requireAuth verifies the bearer token and stashes the identity in the
// request context.
func requireAuth(verifier *auth.Verifier, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := verifier.Verify(bearerToken(r))
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey{}, identity)
		next(w, r.WithContext(ctx))
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

type sessionPayload struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	CreatorID   string          `json:"creator_id"`
	Settings    settingsPayload `json:"settings"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type settingsPayload struct {
	AllowSelfInvite   bool     `json:"allow_self_invite"`
	AllowedDomains    []string `json:"allowed_domains,omitempty"`
	MaxParticipants   int      `json:"max_participants"`
	AllowRoleRequests bool     `json:"allow_role_requests"`
}

type participantPayload struct {
	SessionID    string     `json:"session_id"`
	UserID       string     `json:"user_id"`
	Role         string     `json:"role"`
	Status       string     `json:"status"`
	InvitedBy    string     `json:"invited_by,omitempty"`
	JoinedAt     *time.Time `json:"joined_at,omitempty"`
	LastActiveAt time.Time  `json:"last_active_at"`
}

func toSessionPayload(s domain.Session) sessionPayload {
	return sessionPayload{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		CreatorID:   s.CreatorID,
		Settings: settingsPayload{
			AllowSelfInvite:   s.Settings.AllowSelfInvite,
			AllowedDomains:    s.Settings.AllowedDomains,
			MaxParticipants:   s.Settings.MaxParticipants,
			AllowRoleRequests: s.Settings.AllowRoleRequests,
		},
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func toParticipantPayload(p domain.Participant) participantPayload {
	return participantPayload{
		SessionID:    p.SessionID,
		UserID:       p.UserID,
		Role:         p.Role.Label(),
		Status:       p.Status.Label(),
		InvitedBy:    p.InvitedBy,
		JoinedAt:     p.JoinedAt,
		LastActiveAt: p.LastActiveAt,
	}
}

func registerAPI(mux *http.ServeMux, sessions *service.Service, verifier *auth.Verifier, logger zerolog.Logger) {
	api := &apiHandler{sessions: sessions, logger: logger}

	mux.HandleFunc("POST /api/sessions", requireAuth(verifier, api.createSession))
	mux.HandleFunc("GET /api/sessions/{id}", requireAuth(verifier, api.getSession))
	mux.HandleFunc("DELETE /api/sessions/{id}", requireAuth(verifier, api.deleteSession))
	mux.HandleFunc("PATCH /api/sessions/{id}/settings", requireAuth(verifier, api.updateSettings))
	mux.HandleFunc("GET /api/sessions/{id}/participants", requireAuth(verifier, api.listParticipants))
	mux.HandleFunc("POST /api/sessions/{id}/participants", requireAuth(verifier, api.invite))
	mux.HandleFunc("POST /api/sessions/{id}/participants/accept", requireAuth(verifier, api.acceptInvite))
	mux.HandleFunc("POST /api/sessions/{id}/participants/self", requireAuth(verifier, api.selfInvite))
	mux.HandleFunc("DELETE /api/sessions/{id}/participants/{userID}", requireAuth(verifier, api.removeParticipant))
	mux.HandleFunc("PATCH /api/sessions/{id}/participants/{userID}/role", requireAuth(verifier, api.updateRole))
	mux.HandleFunc("POST /api/sessions/{id}/ownership", requireAuth(verifier, api.transferOwnership))
	mux.HandleFunc("POST /api/sessions/{id}/role-requests", requireAuth(verifier, api.requestRoleChange))
}

type apiHandler struct {
	sessions *service.Service
	logger   zerolog.Logger
}

func (h *apiHandler) createSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string           `json:"name"`
		Description string           `json:"description"`
		Settings    *settingsPayload `json:"settings"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	input := domain.CreateSessionInput{
		Name:        body.Name,
		Description: body.Description,
		CreatorID:   identityFrom(r.Context()).UserID,
	}
	if body.Settings != nil {
		input.Settings = domain.Settings{
			AllowSelfInvite:   body.Settings.AllowSelfInvite,
			AllowedDomains:    body.Settings.AllowedDomains,
			MaxParticipants:   body.Settings.MaxParticipants,
			AllowRoleRequests: body.Settings.AllowRoleRequests,
		}
	}

	session, err := h.sessions.CreateSession(r.Context(), input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionPayload(session))
}

func (h *apiHandler) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := h.sessions.ActiveRole(r.Context(), sessionID, identityFrom(r.Context()).UserID); err != nil {
		writeError(w, err)
		return
	}
	session, err := h.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionPayload(session))
}

func (h *apiHandler) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.DeleteSession(r.Context(), r.PathValue("id"), identityFrom(r.Context()).UserID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) updateSettings(w http.ResponseWriter, r *http.Request) {
	var body settingsPayload
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	session, err := h.sessions.UpdateSettings(r.Context(), r.PathValue("id"), identityFrom(r.Context()).UserID, domain.Settings{
		AllowSelfInvite:   body.AllowSelfInvite,
		AllowedDomains:    body.AllowedDomains,
		MaxParticipants:   body.MaxParticipants,
		AllowRoleRequests: body.AllowRoleRequests,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionPayload(session))
}

func (h *apiHandler) listParticipants(w http.ResponseWriter, r *http.Request) {
	participants, err := h.sessions.GetParticipants(r.Context(), r.PathValue("id"), identityFrom(r.Context()).UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	payload := make([]participantPayload, 0, len(participants))
	for _, p := range participants {
		payload = append(payload, toParticipantPayload(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": payload})
}

func (h *apiHandler) invite(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	participant, err := h.sessions.Invite(r.Context(), r.PathValue("id"), identityFrom(r.Context()).UserID,
		body.UserID, domain.RoleFromLabel(body.Role))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toParticipantPayload(participant))
}

func (h *apiHandler) acceptInvite(w http.ResponseWriter, r *http.Request) {
	participant, err := h.sessions.AcceptInvite(r.Context(), r.PathValue("id"), identityFrom(r.Context()).UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toParticipantPayload(participant))
}

func (h *apiHandler) selfInvite(w http.ResponseWriter, r *http.Request) {
	// The role is optional; an empty body joins with the default role.
	var body struct {
		Role string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, err)
		return
	}
	identity := identityFrom(r.Context())
	participant, err := h.sessions.SelfInvite(r.Context(), r.PathValue("id"), service.Identity{
		UserID:      identity.UserID,
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
	}, domain.RoleFromLabel(body.Role))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toParticipantPayload(participant))
}

func (h *apiHandler) removeParticipant(w http.ResponseWriter, r *http.Request) {
	err := h.sessions.RemoveParticipant(r.Context(), r.PathValue("id"),
		identityFrom(r.Context()).UserID, r.PathValue("userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) updateRole(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	participant, err := h.sessions.UpdateRole(r.Context(), r.PathValue("id"),
		identityFrom(r.Context()).UserID, r.PathValue("userID"), domain.RoleFromLabel(body.Role))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toParticipantPayload(participant))
}

func (h *apiHandler) transferOwnership(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NewOwnerID string `json:"new_owner_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := h.sessions.TransferOwnership(r.Context(), r.PathValue("id"),
		identityFrom(r.Context()).UserID, body.NewOwnerID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) requestRoleChange(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	participant, err := h.sessions.RequestRoleChange(r.Context(), r.PathValue("id"),
		identityFrom(r.Context()).UserID, domain.RoleFromLabel(body.Role))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toParticipantPayload(participant))
}

func decodeBody(r *http.Request, v any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := decoder.Decode(v); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidRequest, "invalid request body", err)
	}
	return nil
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	writeJSON(w, code.HTTPStatus(), errorEnvelope{Error: errorBody{
		Code:     string(code),
		Message:  err.Error(),
		Metadata: apperrors.GetMetadata(err),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
