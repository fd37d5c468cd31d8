// Package collab hosts the collaboration process surface: the JSON API
// for session and membership management and the websocket endpoint that
// carries document sync and presence frames.
//
// The package is transport-only. Authorization decisions live in the
// session service and room membership in the room manager; handlers
// translate between HTTP/websocket and those engines.
package collab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftpad/driftpad/internal/auth"
	"github.com/driftpad/driftpad/internal/room"
	"github.com/driftpad/driftpad/internal/session/service"
)

const (
	// maxFrameBytes caps a single inbound websocket frame.
	maxFrameBytes = 256 * 1024
	// maxFramesPerSecond rate-limits one connection.
	maxFramesPerSecond = 120
)

// Config defines the collaboration server's inputs.
type Config struct {
	HTTPAddr          string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the collaboration HTTP and websocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	logger          zerolog.Logger
}

// NewServer wires the API and websocket handlers onto one HTTP server.
func NewServer(config Config, sessions *service.Service, rooms *room.Manager, verifier *auth.Verifier, logger zerolog.Logger) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = 10 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 15 * time.Second
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	registerAPI(mux, sessions, verifier, logger)
	registerSync(mux, rooms, verifier, logger)

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           mux,
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		},
		logger: logger,
	}, nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	serveErr := make(chan error, 1)
	s.logger.Info().Str("addr", s.httpAddr).Msg("collab server listening")
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}
