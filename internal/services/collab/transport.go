package collab

import (
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"

	"github.com/driftpad/driftpad/internal/auth"
	"github.com/driftpad/driftpad/internal/room"
)

// registerSync mounts the websocket sync endpoint. Clients connect with
// ?session=<id>&resource=<path> and a bearer token; every frame after
// the upgrade is a binary sync-protocol frame relayed through the room.
// Authorization happens before the upgrade so rejected joins surface as
// plain HTTP errors.
func registerSync(mux *http.ServeMux, rooms *room.Manager, verifier *auth.Verifier, logger zerolog.Logger) {
	handler := &syncHandler{
		logger:  logger,
		pending: make(map[*http.Request]*room.Client),
	}

	wsServer := websocket.Server{
		Handshake: func(config *websocket.Config, r *http.Request) error { return nil },
		Handler:   handler.serve,
	}

	mux.HandleFunc("GET /sync", func(w http.ResponseWriter, r *http.Request) {
		identity, err := verifier.Verify(bearerToken(r))
		if err != nil {
			writeError(w, err)
			return
		}

		key := room.Key{
			SessionID:    r.URL.Query().Get("session"),
			ResourcePath: r.URL.Query().Get("resource"),
		}
		client, err := rooms.Join(r.Context(), key, identity.UserID)
		if err != nil {
			writeError(w, err)
			return
		}

		handler.adopt(r, client)
		wsServer.ServeHTTP(w, r)
		handler.forget(r)
	})
}

type syncHandler struct {
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[*http.Request]*room.Client
}

// adopt hands the admitted room client to the websocket handler, keyed
// by the upgrading request.
func (h *syncHandler) adopt(r *http.Request, client *room.Client) {
	h.mu.Lock()
	h.pending[r] = client
	h.mu.Unlock()
}

func (h *syncHandler) forget(r *http.Request) {
	h.mu.Lock()
	client := h.pending[r]
	delete(h.pending, r)
	h.mu.Unlock()
	if client != nil {
		client.Close()
	}
}

func (h *syncHandler) lookup(r *http.Request) *room.Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending[r]
}

// serve pumps frames between the websocket and the room client until
// either side disconnects.
func (h *syncHandler) serve(conn *websocket.Conn) {
	defer conn.Close()
	conn.MaxPayloadBytes = maxFrameBytes

	client := h.lookup(conn.Request())
	if client == nil {
		return
	}
	defer client.Close()

	// Writer: drain the room's outbound queue onto the socket. An
	// eviction closes Done and unblocks both pumps.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			select {
			case <-client.Done():
				conn.Close()
				return
			case frame := <-client.Frames():
				if err := websocket.Message.Send(conn, frame); err != nil {
					return
				}
			}
		}
	}()

	windowStart := time.Now()
	framesInWindow := 0
	for {
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			break
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			h.logger.Warn().Str("user", client.UserID()).Msg("sync connection rate limited")
			break
		}

		client.Handle(data)
	}

	client.Close()
	<-writeDone
}
