package taskapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/phrazzld/boardsync/internal/domain"
	"github.com/phrazzld/boardsync/internal/redact"
	"github.com/sony/gobreaker"
)

// maxBodySize bounds how much of a response body is read.
const maxBodySize = 4 << 20

// Config holds the REST client settings.
type Config struct {
	BaseURL string
	Timeout time.Duration

	// BreakerFailures is the number of consecutive failures that opens the
	// circuit. BreakerCooldown is how long it stays open.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client talks to the task server's REST API.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	tokens  TokenSource
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewClient creates a client for cfg.BaseURL.
func NewClient(cfg Config, tokens TokenSource, logger *slog.Logger, opts ...Option) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", cfg.BaseURL)
	}
	if tokens == nil {
		return nil, ErrNoToken
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 3
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	logger = logger.With("component", "task_api_client")
	c := &Client{
		baseURL: base,
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
		logger:  logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "task-api",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isClientError(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type taskEnvelope struct {
	Task *domain.Task `json:"task"`
}

type tasksEnvelope struct {
	Tasks []*domain.Task `json:"tasks"`
}

// createTaskRequest is the POST /tasks body. Client-only fields of
// CreateTaskInput are left out.
type createTaskRequest struct {
	ProjectID   string              `json:"project_id"`
	WorkspaceID string              `json:"workspace_id"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Status      domain.TaskStatus   `json:"status"`
	Priority    domain.TaskPriority `json:"priority"`
	AssigneeID  string              `json:"assignee_id,omitempty"`
	DueDate     *time.Time          `json:"due_date,omitempty"`
	Subtasks    []domain.Subtask    `json:"subtasks"`
}

// ListTasks returns every task of the workspace, narrowed to projectID when
// it is not empty.
func (c *Client) ListTasks(ctx context.Context, workspaceID, projectID string) ([]*domain.Task, error) {
	query := url.Values{}
	if projectID != "" {
		query.Set("project_id", projectID)
	}

	var env tasksEnvelope
	if err := c.do(ctx, http.MethodGet, []string{"tasks", workspaceID}, query, nil, &env); err != nil {
		return nil, err
	}

	tasks := make([]*domain.Task, 0, len(env.Tasks))
	for _, t := range env.Tasks {
		if err := normalize(t); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// CreateTask posts a new task and returns the server's record.
func (c *Client) CreateTask(ctx context.Context, in domain.CreateTaskInput) (*domain.Task, error) {
	in = in.Normalize()
	body := createTaskRequest{
		ProjectID:   in.ProjectID,
		WorkspaceID: in.WorkspaceID,
		Title:       in.Title,
		Description: in.Description,
		Status:      in.Status,
		Priority:    in.Priority,
		AssigneeID:  in.AssigneeID,
		DueDate:     in.DueDate,
		Subtasks:    in.Subtasks,
	}

	var env taskEnvelope
	if err := c.do(ctx, http.MethodPost, []string{"tasks"}, nil, body, &env); err != nil {
		return nil, err
	}
	if err := normalize(env.Task); err != nil {
		return nil, err
	}
	return env.Task, nil
}

// UpdateTask patches the task and returns the server's record.
func (c *Client) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (*domain.Task, error) {
	var env taskEnvelope
	if err := c.do(ctx, http.MethodPatch, []string{"tasks", id}, nil, patch, &env); err != nil {
		return nil, err
	}
	if err := normalize(env.Task); err != nil {
		return nil, err
	}
	return env.Task, nil
}

// DeleteTask deletes the task.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, []string{"tasks", id}, nil, nil, nil)
}

func normalize(t *domain.Task) error {
	if t == nil {
		return fmt.Errorf("%w: missing task", ErrInvalidResponse)
	}
	if t.Subtasks == nil {
		t.Subtasks = []domain.Subtask{}
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

// do sends one request through the circuit breaker and decodes a 2xx body
// into out when out is not nil.
func (c *Client) do(ctx context.Context, method string, path []string, query url.Values, in, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	endpoint := c.baseURL.JoinPath(path...)
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}

	var payload []byte
	if in != nil {
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	start := time.Now()
	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, c.send(ctx, method, endpoint.String(), token, payload, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}

	logger := c.logger.With(
		"method", method,
		"path", endpoint.Path,
		"duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		logger.WarnContext(ctx, "task api request failed", "error", redact.Error(err))
		return err
	}
	logger.DebugContext(ctx, "task api request completed")
	return nil
}

func (c *Client) send(ctx context.Context, method, endpoint, token string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Detail: parseDetail(data)}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}
