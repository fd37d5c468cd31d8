// Package main starts the driftpad collaboration server and handles
// termination signals.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	servercmd "github.com/driftpad/driftpad/internal/cmd/server"
	"github.com/driftpad/driftpad/internal/platform/config"
)

func main() {
	cfg, err := servercmd.ParseConfig()
	if err != nil {
		config.Exitf("parse config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := servercmd.Run(ctx, cfg); err != nil {
		config.Exitf("failed to serve: %v", err)
	}
}
