// Package main runs a board synchronization client. It keeps one project
// board in sync with the task server over REST and the workspace push
// channel, logs board changes and background failures, and optionally
// serves a read-only snapshot over HTTP.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/phrazzld/boardsync/internal/config"
	"github.com/phrazzld/boardsync/internal/platform/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("boardsync: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger, closer, err := logger.Setup(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	defer func() {
		if err := closer.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close log file: %v\n", err)
		}
	}()

	appLogger.Info("configuration loaded",
		"workspace_id", cfg.Session.WorkspaceID,
		"project_id", cfg.Session.ProjectID,
		"ai_provider", cfg.AI.Provider,
		"log_level", cfg.Log.Level)

	app, err := newApplication(ctx, cfg, appLogger)
	if err != nil {
		return err
	}
	return app.run(ctx)
}
