package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/boardsync/internal/api"
	"github.com/phrazzld/boardsync/internal/config"
	"github.com/phrazzld/boardsync/internal/enrich"
	"github.com/phrazzld/boardsync/internal/events"
	"github.com/phrazzld/boardsync/internal/generation"
	"github.com/phrazzld/boardsync/internal/platform/gemini"
	"github.com/phrazzld/boardsync/internal/platform/taskapi"
	"github.com/phrazzld/boardsync/internal/push"
	"github.com/phrazzld/boardsync/internal/session"
)

const shutdownTimeout = 10 * time.Second

// application holds the wired components.
type application struct {
	config  *config.Config
	logger  *slog.Logger
	session *session.Session
}

func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	client, err := taskapi.NewClient(taskapi.Config{
		BaseURL:         cfg.API.BaseURL,
		Timeout:         cfg.API.Timeout,
		BreakerFailures: cfg.API.BreakerFailures,
		BreakerCooldown: cfg.API.BreakerCooldown,
	}, taskapi.NewStaticToken(cfg.API.Token), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create task API client: %w", err)
	}

	gen, err := newGenerator(ctx, cfg.AI, client, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create subtask generator: %w", err)
	}

	sess, err := session.New(session.Config{
		WorkspaceID:  cfg.Session.WorkspaceID,
		ProjectID:    cfg.Session.ProjectID,
		NoticeBuffer: cfg.Session.NoticeBuffer,
		Push: push.Config{
			URL:              cfg.Push.URL,
			HandshakeTimeout: cfg.Push.HandshakeTimeout,
			BackoffBase:      cfg.Push.BackoffBase,
			BackoffCap:       cfg.Push.BackoffCap,
			JitterPercent:    cfg.Push.JitterPercent,
		},
		AI: enrich.Config{
			Timeout:      cfg.AI.Timeout,
			Workers:      cfg.AI.Workers,
			QueueSize:    cfg.AI.QueueSize,
			SubtaskCount: cfg.AI.SubtaskCount,
		},
	}, client, gen, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &application{config: cfg, logger: logger, session: sess}, nil
}

// newGenerator selects the subtask generator. A nil generator disables AI
// enrichment.
func newGenerator(ctx context.Context, cfg config.AIConfig, client *taskapi.Client, logger *slog.Logger) (generation.Generator, error) {
	switch cfg.Provider {
	case "gemini":
		return gemini.NewGeminiGenerator(ctx, logger, cfg)
	case "server":
		prompter, err := generation.NewPrompter(cfg.PromptTemplatePath)
		if err != nil {
			return nil, err
		}
		return taskapi.NewSubtaskGenerator(client, prompter)
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown AI provider %q", generation.ErrInvalidConfig, cfg.Provider)
	}
}

// run starts the session and blocks until ctx is done.
func (app *application) run(ctx context.Context) error {
	app.session.Subscribe(events.HandlerFunc(app.logEvent), events.ChangeOutcomes()...)
	app.session.OnPushStateChange(func(from, to push.State) {
		app.logger.Info("push channel state changed", "from", from, "to", to)
	})

	if err := app.session.Start(ctx); err != nil {
		_ = app.session.Close()
		return fmt.Errorf("failed to start session: %w", err)
	}

	noticesDone := make(chan struct{})
	go func() {
		defer close(noticesDone)
		app.logNotices()
	}()

	var serveErr error
	if app.config.Session.HTTPAddr != "" {
		serveErr = app.serveHTTP(ctx, api.NewRouter(app.session, app.logger))
	} else {
		<-ctx.Done()
	}

	app.logger.Info("shutting down")
	err := app.session.Close()
	<-noticesDone
	if serveErr != nil {
		return serveErr
	}
	return err
}

// serveHTTP runs the board API until ctx is done, then shuts it down.
func (app *application) serveHTTP(ctx context.Context, router http.Handler) error {
	server := &http.Server{
		Addr:              app.config.Session.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverCtx, cancelServer := context.WithCancel(ctx)
	defer cancelServer()

	listenErr := make(chan error, 1)
	go func() {
		app.logger.Info("starting board API", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("board API failed", "error", err)
			listenErr <- err
			cancelServer()
		}
	}()

	<-serverCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("board API shutdown failed: %w", err)
	}
	select {
	case err := <-listenErr:
		return fmt.Errorf("board API failed: %w", err)
	default:
		return nil
	}
}

// logEvent runs on the engine goroutine and only sees events that changed
// the board.
func (app *application) logEvent(ctx context.Context, ev *events.TaskEvent) error {
	attrs := []any{
		"task_id", ev.TaskID,
		"kind", ev.Kind,
		"source", ev.Source,
		"outcome", ev.Outcome,
	}
	if ev.Task != nil {
		attrs = append(attrs, "status", ev.Task.Status, "version", ev.Task.Version)
	}
	app.logger.InfoContext(ctx, "board changed", attrs...)
	return nil
}

func (app *application) logNotices() {
	for n := range app.session.Notices() {
		app.logger.Warn("background failure",
			"kind", n.Kind,
			"task_id", n.TaskID,
			"error", n.Err)
	}
}
