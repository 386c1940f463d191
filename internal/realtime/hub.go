// Package realtime carries change notifications from the store to
// subscribers and turns them into cache invalidations.
package realtime

import (
	"log/slog"
	"sync"

	"github.com/kuitang/notebook-sync/internal/metrics"
	"github.com/kuitang/notebook-sync/internal/obs"
	"github.com/kuitang/notebook-sync/internal/remote"
)

// Op is the kind of write that produced a change.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change describes one committed write. Row holds the written row, or the
// removed row for deletes.
type Change struct {
	Collection string
	Op         Op
	Row        remote.Row
}

// Handle identifies one subscription.
type Handle struct {
	id uint64
}

type subscription struct {
	id         uint64
	collection string
	scope      []remote.Filter
	onChange   func()
	signal     chan struct{}
	stop       chan struct{}
}

func (s *subscription) matches(c Change) bool {
	if s.collection != c.Collection {
		return false
	}
	for _, f := range s.scope {
		if c.Row.String(f.Column) != stringValue(f.Value) {
			return false
		}
	}
	return true
}

func stringValue(v any) string {
	return remote.Row{"v": v}.String("v")
}

// Hub fans committed changes out to subscribers. Each subscriber runs its
// callback on its own goroutine; signals that arrive while one is already
// queued are merged into it.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	wg     sync.WaitGroup

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		subs:    make(map[uint64]*subscription),
		metrics: m,
		logger:  obs.Pkg("realtime"),
	}
}

// Subscribe calls onChange after every change to collection whose row
// matches every filter in scope. onChange gets no payload.
func (h *Hub) Subscribe(collection string, scope []remote.Filter, onChange func()) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &subscription{
		id:         h.nextID,
		collection: collection,
		scope:      append([]remote.Filter(nil), scope...),
		onChange:   onChange,
		signal:     make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	h.subs[sub.id] = sub

	h.wg.Add(1)
	go h.deliver(sub)

	return Handle{id: sub.id}
}

// Unsubscribe stops a subscription. Unknown or already removed handles are
// ignored.
func (h *Hub) Unsubscribe(handle Handle) {
	h.mu.Lock()
	sub, ok := h.subs[handle.id]
	if ok {
		delete(h.subs, handle.id)
	}
	h.mu.Unlock()
	if ok {
		close(sub.stop)
	}
}

// Publish signals every matching subscriber and returns how many matched.
// It never blocks on a subscriber.
func (h *Hub) Publish(c Change) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, sub := range h.subs {
		if !sub.matches(c) {
			continue
		}
		n++
		select {
		case sub.signal <- struct{}{}:
		default:
			// A signal is already queued and will cover this change.
		}
	}
	if n > 0 {
		h.metrics.Signal(c.Collection)
	}
	return n
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close removes every subscription and waits for callbacks to return.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uint64]*subscription)
	h.mu.Unlock()
	for _, sub := range subs {
		close(sub.stop)
	}
	h.wg.Wait()
}

func (h *Hub) deliver(sub *subscription) {
	defer h.wg.Done()
	for {
		select {
		case <-sub.stop:
			return
		case <-sub.signal:
			h.run(sub)
		}
	}
}

func (h *Hub) run(sub *subscription) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("change callback panicked", "collection", sub.collection, "panic", r)
		}
	}()
	sub.onChange()
}
