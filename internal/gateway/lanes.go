package gateway

import (
	"context"
	"sync"
)

// lanes serializes work per key. Callers take a ticket, wait for it, and
// release it when done; tickets for the same key are granted in the order
// they were taken.
type lanes struct {
	mu     sync.Mutex
	tail   map[string]*ticket
	queued map[string]int

	// idle, when set, is called after the last ticket of a lane is
	// released. It runs without the lanes lock held.
	idle func(key string)
}

type ticket struct {
	l    *lanes
	key  string
	prev <-chan struct{}
	done chan struct{}
	once sync.Once
}

func newLanes(idle func(key string)) *lanes {
	return &lanes{
		tail:   make(map[string]*ticket),
		queued: make(map[string]int),
		idle:   idle,
	}
}

// take appends a ticket to key's lane. The position is fixed as soon as
// take returns.
func (l *lanes) take(key string) *ticket {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := &ticket{l: l, key: key, done: make(chan struct{})}
	if prev, ok := l.tail[key]; ok {
		t.prev = prev.done
	}
	l.tail[key] = t
	l.queued[key]++
	return t
}

// busy reports whether key has queued or running tickets.
func (l *lanes) busy(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queued[key] > 0
}

// pending returns the number of keys with queued or running work.
func (l *lanes) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tail)
}

// wait blocks until every earlier ticket on the lane has been released. If
// ctx ends first the ticket is released on the caller's behalf once its
// turn comes, so later tickets are not stranded.
func (t *ticket) wait(ctx context.Context) error {
	if t.prev == nil {
		return nil
	}
	select {
	case <-t.prev:
		return nil
	case <-ctx.Done():
		go func() {
			<-t.prev
			t.release()
		}()
		return ctx.Err()
	}
}

func (t *ticket) release() {
	t.once.Do(func() {
		l := t.l
		l.mu.Lock()
		if l.tail[t.key] == t {
			delete(l.tail, t.key)
		}
		l.queued[t.key]--
		empty := l.queued[t.key] == 0
		if empty {
			delete(l.queued, t.key)
		}
		l.mu.Unlock()
		close(t.done)

		if empty && l.idle != nil {
			l.idle(t.key)
		}
	})
}
