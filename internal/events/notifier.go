package events

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phrazzld/boardsync/internal/domain"
)

// NoticeKind classifies a background failure.
type NoticeKind string

const (
	NoticeChannel    NoticeKind = "channel"
	NoticeEnrichment NoticeKind = "enrichment"
	NoticeResync     NoticeKind = "resync"
)

// Notice reports a non-fatal background failure to the user interface.
type Notice struct {
	Kind   NoticeKind
	TaskID string
	Err    error
	At     time.Time
}

// NewNotice classifies err by its domain sentinel.
func NewNotice(err error) Notice {
	n := Notice{Kind: NoticeResync, Err: err, At: time.Now()}

	var enrichErr *domain.EnrichmentError
	switch {
	case errors.As(err, &enrichErr):
		n.Kind = NoticeEnrichment
		n.TaskID = enrichErr.TaskID
	case errors.Is(err, domain.ErrChannel):
		n.Kind = NoticeChannel
	}
	return n
}

// Notifier is a bounded notice queue. Publishing never blocks; when the
// reader falls behind, new notices are dropped and counted.
type Notifier struct {
	ch      chan Notice
	dropped atomic.Int64
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	logger  *slog.Logger
}

// NewNotifier creates a notifier buffering up to size notices.
func NewNotifier(size int, logger *slog.Logger) *Notifier {
	if size <= 0 {
		size = 1
	}
	return &Notifier{
		ch:     make(chan Notice, size),
		logger: logger.With("component", "notifier"),
	}
}

// Publish queues a notice for err. It reports whether the notice was queued.
func (n *Notifier) Publish(err error) bool {
	if err == nil {
		return false
	}
	notice := NewNotice(err)

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return false
	}

	select {
	case n.ch <- notice:
		return true
	default:
		total := n.dropped.Add(1)
		n.logger.Warn("notice dropped, reader is behind",
			"kind", notice.Kind,
			"task_id", notice.TaskID,
			"dropped_total", total)
		return false
	}
}

// C returns the channel notices are delivered on. It is closed by Close.
func (n *Notifier) C() <-chan Notice {
	return n.ch
}

// Dropped returns how many notices were discarded because the buffer was full.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

// Close stops delivery and closes the channel.
func (n *Notifier) Close() {
	n.once.Do(func() {
		n.mu.Lock()
		n.closed = true
		close(n.ch)
		n.mu.Unlock()
	})
}
