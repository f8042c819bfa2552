// Runner - container tier for the cloud IDE. The only process that talks to
// the Docker daemon; everything it serves is authenticated with the shared
// secret held by the broker.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudide/cloudide/internal/config"
	"github.com/cloudide/cloudide/internal/logging"
	"github.com/cloudide/cloudide/internal/runner"
)

func main() {
	logging.Setup("runner")

	cfg, err := config.LoadRunner()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	srv := runner.New(cfg, runner.NewCLI(cfg.DockerBin))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		slog.Error("Server error", "error", err)
		os.Exit(1)
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		slog.Error("Shutdown failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Runner stopped")
}
