package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/phrazzld/boardsync/internal/domain"
	"github.com/phrazzld/boardsync/internal/events"
	"github.com/sethvargo/go-retry"
)

// State is the connection state of a Channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handler receives every well-formed push message, in arrival order.
type Handler func(ctx context.Context, msg *events.Message)

// StateObserver is called after every state change. Observers run on the
// channel's goroutine and must not call Close.
type StateObserver func(from, to State)

// Config holds the push channel settings.
type Config struct {
	// URL is the ws:// or wss:// server root; the workspace path is appended.
	URL         string
	WorkspaceID string

	HandshakeTimeout time.Duration
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	JitterPercent    uint64

	// Header is sent with every handshake.
	Header http.Header
}

// Option customizes a Channel.
type Option func(*Channel)

// WithDialer replaces the default websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

// WithErrorReporter receives connection failures as *domain.ChannelError.
func WithErrorReporter(report func(error)) Option {
	return func(c *Channel) { c.report = report }
}

// Channel is a receive-only websocket subscription to one workspace's task
// events. It reconnects with backoff until closed.
type Channel struct {
	cfg      Config
	endpoint string
	dialer   *websocket.Dialer
	handler  Handler
	report   func(error)
	logger   *slog.Logger

	// notifyMu orders state changes and observer calls.
	notifyMu  sync.Mutex
	mu        sync.Mutex
	state     State
	observers []StateObserver
	running   bool
	cancel    context.CancelFunc
	conn      *websocket.Conn
	done      chan struct{}

	delivered atomic.Int64
	dropped   atomic.Int64
	failures  atomic.Int64
}

// NewChannel creates a disconnected channel for cfg.WorkspaceID.
func NewChannel(cfg Config, handler Handler, logger *slog.Logger, opts ...Option) (*Channel, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: handler cannot be nil", ErrInvalidConfig)
	}
	if cfg.WorkspaceID == "" {
		return nil, fmt.Errorf("%w: workspace id cannot be empty", ErrInvalidConfig)
	}
	endpoint, err := Endpoint(cfg.URL, cfg.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.JitterPercent > 100 {
		return nil, fmt.Errorf("%w: jitter percent must be at most 100", ErrInvalidConfig)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	c := &Channel{
		cfg:      cfg,
		endpoint: endpoint,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		handler:  handler,
		report:   func(error) {},
		logger:   logger.With("component", "push_channel", "workspace_id", cfg.WorkspaceID),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoint builds the subscription URL for workspaceID under base.
func Endpoint(base, workspaceID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("%w: url %q must use ws or wss", ErrInvalidConfig, base)
	}
	return u.JoinPath("ws", workspaceID).String(), nil
}

// OnStateChange registers an observer.
func (c *Channel) OnStateChange(fn StateObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Delivered returns the number of messages handed to the handler.
func (c *Channel) Delivered() int64 { return c.delivered.Load() }

// Dropped returns the number of malformed messages discarded.
func (c *Channel) Dropped() int64 { return c.dropped.Load() }

// Failures returns the number of failed connection attempts and dropped
// connections since the channel was created.
func (c *Channel) Failures() int64 { return c.failures.Load() }

// Open starts connecting in the background and returns immediately. The
// channel stays up until Close is called or ctx ends.
func (c *Channel) Open(ctx context.Context) error {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.setStateLocked(StateConnecting)
	go c.run(runCtx, done)
	return nil
}

// Close tears the connection down and waits for the background loop to
// exit. The channel can be opened again afterwards.
func (c *Channel) Close() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.cancel()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	done := c.done
	c.mu.Unlock()

	<-done
	return nil
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer func() {
		c.notifyMu.Lock()
		c.setStateLocked(StateDisconnected)
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
		c.notifyMu.Unlock()
		close(done)
	}()

	backoff := c.newBackoff()
	attempt := 0
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			attempt = 0
			backoff = c.newBackoff()
			if !c.transition(ctx, StateConnecting, StateConnected) {
				_ = conn.Close()
				return
			}
			c.logger.InfoContext(ctx, "push channel connected")
			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			err = c.readLoop(ctx, conn)
			stop()
			c.setConn(nil)
			_ = conn.Close()
		}
		if ctx.Err() != nil {
			return
		}

		attempt++
		c.failures.Add(1)
		chErr := &domain.ChannelError{WorkspaceID: c.cfg.WorkspaceID, Attempt: attempt, Err: err}
		c.report(chErr)

		if !c.transition(ctx, c.State(), StateReconnecting) {
			return
		}
		delay, _ := backoff.Next()
		c.logger.WarnContext(ctx, "push channel disconnected, retrying",
			"attempt", attempt,
			"delay_ms", delay.Milliseconds(),
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if !c.transition(ctx, StateReconnecting, StateConnecting) {
			return
		}
	}
}

func (c *Channel) newBackoff() retry.Backoff {
	return NewBackoff(c.cfg.BackoffBase, c.cfg.BackoffCap, c.cfg.JitterPercent)
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.endpoint, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		_ = conn.Close()
		return nil, ctx.Err()
	}
	c.conn = conn
	return conn, nil
}

func (c *Channel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

// readLoop delivers messages until the connection fails. The returned error
// is never nil.
func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("server closed connection: %w", err)
			}
			return err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}

		msg, err := events.DecodeMessage(data)
		if err != nil {
			c.dropped.Add(1)
			level := slog.LevelWarn
			if errors.Is(err, events.ErrUnknownMessageType) {
				level = slog.LevelDebug
			}
			c.logger.Log(ctx, level, "dropping push message", "error", err, "size", len(data))
			continue
		}

		c.delivered.Add(1)
		c.handler(ctx, msg)
	}
}

// transition moves from -> to and notifies observers. It fails once the
// channel is being closed.
func (c *Channel) transition(ctx context.Context, from, to State) bool {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	if ctx.Err() != nil {
		return false
	}
	c.mu.Lock()
	ok := c.state == from
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.setStateLocked(to)
	return true
}

// setStateLocked must be called with notifyMu held.
func (c *Channel) setStateLocked(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	observers := append([]StateObserver(nil), c.observers...)
	c.mu.Unlock()

	if from == to {
		return
	}
	c.logger.Debug("push channel state changed", "from", from.String(), "to", to.String())
	for _, fn := range observers {
		fn(from, to)
	}
}
