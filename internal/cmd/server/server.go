// Package server wires configuration, storage, the session engine, the
// room manager, and the collaboration transport into one process.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftpad/driftpad/internal/auth"
	"github.com/driftpad/driftpad/internal/platform/config"
	"github.com/driftpad/driftpad/internal/platform/otel"
	"github.com/driftpad/driftpad/internal/room"
	"github.com/driftpad/driftpad/internal/services/collab"
	"github.com/driftpad/driftpad/internal/session/domain"
	"github.com/driftpad/driftpad/internal/session/service"
	"github.com/driftpad/driftpad/internal/storage/bbolt"
	"github.com/driftpad/driftpad/internal/storage/sqlite"
)

// Config holds the process environment.
type Config struct {
	HTTPAddr       string `env:"DRIFTPAD_HTTP_ADDR" envDefault:":8080"`
	SessionDBPath  string `env:"DRIFTPAD_SESSION_DB" envDefault:"driftpad.db"`
	CheckpointPath string `env:"DRIFTPAD_CHECKPOINT_DB" envDefault:"checkpoints.db"`
	TokenSecret    string `env:"DRIFTPAD_TOKEN_SECRET,required"`

	DefaultJoinRole string `env:"DRIFTPAD_DEFAULT_JOIN_ROLE" envDefault:"VIEWER"`

	GraceSeconds            int `env:"DRIFTPAD_ROOM_GRACE_SECONDS" envDefault:"30"`
	FlushSeconds            int `env:"DRIFTPAD_CHECKPOINT_FLUSH_SECONDS" envDefault:"30"`
	AwarenessTimeoutSeconds int `env:"DRIFTPAD_AWARENESS_TIMEOUT_SECONDS" envDefault:"30"`

	LogLevel string `env:"DRIFTPAD_LOG_LEVEL" envDefault:"info"`
}

// ParseConfig loads the process configuration from the environment.
func ParseConfig() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the collaboration server and blocks until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	logger := newLogger(cfg.LogLevel)

	shutdownTracing, err := otel.Setup(ctx, "driftpad-server")
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	sessionStore, err := sqlite.Open(cfg.SessionDBPath)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer sessionStore.Close()

	checkpointStore, err := bbolt.Open(cfg.CheckpointPath)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer checkpointStore.Close()

	defaultRole := domain.RoleFromLabel(cfg.DefaultJoinRole)
	if defaultRole == domain.RoleUnspecified || defaultRole == domain.RoleOwner {
		return errors.New("default join role must be VIEWER or EDITOR")
	}

	sessions := service.New(service.Stores{
		Sessions:     sessionStore,
		Participants: sessionStore,
	}, defaultRole, logger)

	rooms := room.NewManager(sessions, checkpointStore, room.Config{
		GracePeriod:      time.Duration(cfg.GraceSeconds) * time.Second,
		FlushInterval:    time.Duration(cfg.FlushSeconds) * time.Second,
		AwarenessTimeout: time.Duration(cfg.AwarenessTimeoutSeconds) * time.Second,
	}, logger)
	sessions.SetRoomEvictor(rooms)
	defer rooms.Close()

	verifier := auth.NewVerifier([]byte(cfg.TokenSecret))

	srv, err := collab.NewServer(collab.Config{HTTPAddr: cfg.HTTPAddr}, sessions, rooms, verifier, logger)
	if err != nil {
		return fmt.Errorf("init collab server: %w", err)
	}
	return srv.ListenAndServe(ctx)
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(parsed).With().Timestamp().Logger()
}
