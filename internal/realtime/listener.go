package realtime

import (
	"sync"

	"github.com/kuitang/notebook-sync/internal/cache"
	"github.com/kuitang/notebook-sync/internal/remote"
)

// Listener turns change signals into cache invalidations. It never copies
// data out of a change; the next fetch is the only source of truth.
type Listener struct {
	hub   *Hub
	cache *cache.Cache

	mu      sync.Mutex
	handles map[string]Handle
	closed  bool
}

// NewListener binds hub to c.
func NewListener(hub *Hub, c *cache.Cache) *Listener {
	return &Listener{hub: hub, cache: c, handles: make(map[string]Handle)}
}

// Watch subscribes to changes in table whose column equals value and
// invalidates every cache key of each target collection scoped by value.
// Targets default to table. Repeated calls with the same arguments share one
// subscription.
func (l *Listener) Watch(table, column, value string, targets ...string) {
	if len(targets) == 0 {
		targets = []string{table}
	}
	id := cache.NewKey(table, append([]string{column, value}, targets...)...).String()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if _, ok := l.handles[id]; ok {
		return
	}
	scope := []remote.Filter{{Column: column, Value: value}}
	l.handles[id] = l.hub.Subscribe(table, scope, func() {
		for _, target := range targets {
			l.cache.InvalidateScope(target, value)
		}
	})
}

// WatchCollection invalidates every key of each target collection on any
// change to table.
func (l *Listener) WatchCollection(table string, targets ...string) {
	if len(targets) == 0 {
		targets = []string{table}
	}
	id := cache.NewKey(table, targets...).String()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if _, ok := l.handles[id]; ok {
		return
	}
	l.handles[id] = l.hub.Subscribe(table, nil, func() {
		for _, target := range targets {
			l.cache.InvalidatePrefix(target)
		}
	})
}

// Len returns the number of active subscriptions.
func (l *Listener) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

// Close drops every subscription made through l.
func (l *Listener) Close() {
	l.mu.Lock()
	handles := l.handles
	l.handles = make(map[string]Handle)
	l.closed = true
	l.mu.Unlock()
	for _, h := range handles {
		l.hub.Unsubscribe(h)
	}
}
