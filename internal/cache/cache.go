// Package cache implements the keyed result-set cache shared by every entity
// store. Entries are replaced wholesale, refreshed in the background, and
// protected from stale refresh results while a speculative write holds them.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kuitang/notebook-sync/internal/errs"
	"github.com/kuitang/notebook-sync/internal/logutil"
	"github.com/kuitang/notebook-sync/internal/metrics"
	"github.com/kuitang/notebook-sync/internal/obs"
)

const (
	// DefaultStaleTime is how long a fetched entry counts as fresh.
	DefaultStaleTime = time.Minute

	// DefaultRetries is how many times a failed refresh is retried.
	DefaultRetries = 3

	// DefaultBackoff is the delay before the first refresh retry; it doubles per attempt.
	DefaultBackoff = 200 * time.Millisecond
)

// ErrClosed is returned by Fetch after Close.
var ErrClosed = errors.New("cache: closed")

// Loader reads the full result set for key from the remote store.
type Loader func(ctx context.Context, key Key) ([]Record, error)

// Options configures a Cache.
type Options struct {
	StaleTime time.Duration
	Retries   int
	Backoff   time.Duration
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type collection struct {
	loader    Loader
	staleTime time.Duration
}

type slot struct {
	entry Entry

	// gen changes on every Set and Hold; a refresh started under an older
	// generation never lands.
	gen      uint64
	holds    int
	deferred bool

	flying      bool
	flightKey   string
	cancelFetch context.CancelFunc
}

// Cache maps query keys to their last known result sets.
type Cache struct {
	mu          sync.Mutex
	entries     map[Key]*slot
	collections map[string]collection
	watchers    map[Key]map[int]func(Entry)
	nextWatch   int
	flightSeq   uint64
	closed      bool

	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	opts   Options
	logger *slog.Logger
}

// New creates an empty cache.
func New(opts Options) *Cache {
	if opts.StaleTime <= 0 {
		opts.StaleTime = DefaultStaleTime
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		entries:     make(map[Key]*slot),
		collections: make(map[string]collection),
		watchers:    make(map[Key]map[int]func(Entry)),
		ctx:         ctx,
		cancel:      cancel,
		opts:        opts,
		logger:      obs.Pkg("cache"),
	}
}

// Register installs the loader for a collection. A staleTime of zero uses the
// cache default.
func (c *Cache) Register(name string, staleTime time.Duration, loader Loader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if staleTime <= 0 {
		staleTime = c.opts.StaleTime
	}
	c.collections[name] = collection{loader: loader, staleTime: staleTime}
}

// Get returns the current entry for key without triggering any I/O.
func (c *Cache) Get(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries[key]
	if !ok || s.entry.State == StateAbsent {
		return Entry{Key: key, State: StateAbsent}, false
	}
	return s.entry.clone(), true
}

// Set replaces the entry for key wholesale. Any refresh in flight for the key
// is cancelled and its result discarded.
func (c *Cache) Set(key Key, value []Record, state State) {
	c.mu.Lock()
	s := c.slotLocked(key)
	c.bumpLocked(s)
	s.entry.Value = value
	s.entry.State = state
	if state == StateFresh {
		s.entry.FetchedAt = c.opts.Now()
		s.entry.Err = nil
	}
	fire := c.notifyLocked(key)
	c.mu.Unlock()
	fire()
}

// SetError replaces the entry for key and records err on it.
func (c *Cache) SetError(key Key, value []Record, err error) {
	c.mu.Lock()
	s := c.slotLocked(key)
	c.bumpLocked(s)
	s.entry.Value = value
	s.entry.State = StateError
	s.entry.Err = err
	fire := c.notifyLocked(key)
	c.mu.Unlock()
	fire()
}

// Invalidate marks the entry stale, keeping its value, and schedules a
// background refresh. Unknown keys are ignored.
func (c *Cache) Invalidate(key Key) {
	c.invalidateWhere(key.Collection, func(k Key) bool { return k == key })
}

// InvalidatePrefix invalidates every key belonging to collection.
func (c *Cache) InvalidatePrefix(collection string) {
	c.invalidateWhere(collection, func(k Key) bool { return k.Collection == collection })
}

// InvalidateScope invalidates every key of collection whose parameters start
// with params.
func (c *Cache) InvalidateScope(collection string, params ...string) {
	c.invalidateWhere(collection, func(k Key) bool { return k.HasPrefix(collection, params...) })
}

func (c *Cache) invalidateWhere(collection string, match func(Key) bool) {
	c.mu.Lock()
	var fires []func()
	for key, s := range c.entries {
		if !match(key) || s.entry.State == StateAbsent {
			continue
		}
		if s.holds == 0 && s.entry.State != StateLoading {
			s.entry.State = StateStale
		}
		c.scheduleLocked(key, s)
		fires = append(fires, c.notifyLocked(key))
	}
	c.mu.Unlock()
	c.opts.Metrics.Invalidated(collection)
	for _, fire := range fires {
		fire()
	}
}

// Refetch schedules a background refresh without changing the entry state.
func (c *Cache) Refetch(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.entries[key]; ok {
		c.scheduleLocked(key, s)
	}
}

// Read returns the current entry and starts a fetch when the key has never
// been read, or a refresh when the entry is past its staleness window.
func (c *Cache) Read(key Key) Entry {
	c.mu.Lock()
	s := c.slotLocked(key)
	fire := func() {}
	if s.entry.State == StateAbsent {
		s.entry.State = StateLoading
		c.scheduleLocked(key, s)
		fire = c.notifyLocked(key)
	} else if c.needsRefreshLocked(key, s) {
		if s.entry.State == StateFresh {
			s.entry.State = StateStale
		}
		c.scheduleLocked(key, s)
	}
	entry := s.entry.clone()
	c.mu.Unlock()
	fire()
	return entry
}

// Fetch returns the entry for key, waiting for a fetch when the entry is
// absent, stale, failed, or past its staleness window. A held key returns its
// speculative value immediately.
func (c *Cache) Fetch(ctx context.Context, key Key) (Entry, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Entry{Key: key}, ErrClosed
	}
	s := c.slotLocked(key)
	if s.holds > 0 {
		entry := s.entry.clone()
		c.mu.Unlock()
		return entry, nil
	}
	if s.entry.State == StateAbsent {
		s.entry.State = StateLoading
	}
	if s.entry.State == StateFresh && !c.needsRefreshLocked(key, s) {
		entry := s.entry.clone()
		c.mu.Unlock()
		return entry, nil
	}
	ch := c.scheduleLocked(key, s)
	c.mu.Unlock()

	if ch == nil {
		entry, _ := c.Get(key)
		return entry, nil
	}

	select {
	case res := <-ch:
		entry, _ := c.Get(key)
		if res.Err != nil {
			return entry, res.Err
		}
		return entry, nil
	case <-ctx.Done():
		entry, _ := c.Get(key)
		return entry, ctx.Err()
	}
}

// Hold pins key for a speculative write: the in-flight refresh is cancelled,
// later refresh results are discarded, and refresh requests are deferred
// until the matching Release.
func (c *Cache) Hold(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slotLocked(key)
	s.holds++
	c.bumpLocked(s)
}

// Release drops one hold on key and runs any refresh deferred meanwhile.
func (c *Cache) Release(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries[key]
	if !ok || s.holds == 0 {
		return
	}
	s.holds--
	if s.holds == 0 && s.deferred {
		s.deferred = false
		c.scheduleLocked(key, s)
	}
}

// held reports whether a speculative write currently pins key.
func (c *Cache) held(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries[key]
	return ok && s.holds > 0
}

// Watch calls fn with the new entry every time key changes. The returned
// function stops the watch.
func (c *Cache) Watch(key Key, fn func(Entry)) (stop func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextWatch
	c.nextWatch++
	if c.watchers[key] == nil {
		c.watchers[key] = make(map[int]func(Entry))
	}
	c.watchers[key][id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.watchers[key], id)
			if len(c.watchers[key]) == 0 {
				delete(c.watchers, key)
			}
		})
	}
}

// Close cancels all refreshes, waits for them to finish, and drops every
// entry.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()

	c.mu.Lock()
	c.entries = make(map[Key]*slot)
	c.watchers = make(map[Key]map[int]func(Entry))
	c.mu.Unlock()
	c.opts.Metrics.SetEntries(0)
}

func (c *Cache) slotLocked(key Key) *slot {
	s, ok := c.entries[key]
	if !ok {
		s = &slot{entry: Entry{Key: key, State: StateAbsent}}
		c.entries[key] = s
		c.opts.Metrics.SetEntries(len(c.entries))
	}
	return s
}

func (c *Cache) bumpLocked(s *slot) {
	s.gen++
	if s.cancelFetch != nil {
		s.cancelFetch()
		s.cancelFetch = nil
	}
	s.flying = false
}

func (c *Cache) needsRefreshLocked(key Key, s *slot) bool {
	switch s.entry.State {
	case StateStale, StateError:
		return !s.flying
	case StateFresh:
		col := c.collections[key.Collection]
		staleTime := col.staleTime
		if staleTime <= 0 {
			staleTime = c.opts.StaleTime
		}
		return c.opts.Now().Sub(s.entry.FetchedAt) > staleTime
	default:
		return false
	}
}

// scheduleLocked starts a refresh for key or joins the one already in flight
// for the current generation. It returns nil when the refresh was deferred or
// could not start.
func (c *Cache) scheduleLocked(key Key, s *slot) <-chan singleflight.Result {
	if c.closed {
		return nil
	}
	if s.holds > 0 {
		s.deferred = true
		return nil
	}
	if s.flying {
		// The flight's function is still running, so DoChan attaches this
		// caller to it and hands back a channel of its own.
		c.opts.Metrics.RefreshShared()
		return c.group.DoChan(s.flightKey, func() (any, error) { return nil, nil })
	}
	col, ok := c.collections[key.Collection]
	if !ok || col.loader == nil {
		c.logger.Warn("no loader registered", "collection", key.Collection)
		return nil
	}

	c.flightSeq++
	gen := s.gen
	flightKey := key.String() + "#" + strconv.FormatUint(c.flightSeq, 10)
	ctx, cancel := context.WithCancel(c.ctx)

	s.flying = true
	s.flightKey = flightKey
	s.cancelFetch = cancel

	c.wg.Add(1)
	return c.group.DoChan(flightKey, func() (any, error) {
		defer c.wg.Done()
		defer cancel()
		records, err := c.load(ctx, col.loader, key)
		return nil, c.apply(key, gen, flightKey, records, err)
	})
}

func (c *Cache) load(ctx context.Context, loader Loader, key Key) ([]Record, error) {
	backoff := c.opts.Backoff
	var lastErr error
	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
		}
		records, err := loader(ctx, key)
		if err == nil {
			return records, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		c.logger.Debug("refresh attempt failed",
			"key", key.String(),
			"attempt", attempt+1,
			"code", errs.CodeOf(err),
			"error", logutil.ErrorForLog(err),
		)
	}
	return nil, lastErr
}

func (c *Cache) apply(key Key, gen uint64, flightKey string, records []Record, loadErr error) error {
	c.mu.Lock()
	s, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return ErrClosed
	}
	if s.flightKey == flightKey {
		s.flying = false
		s.cancelFetch = nil
	}
	if s.gen != gen || s.holds > 0 || c.closed {
		c.mu.Unlock()
		c.opts.Metrics.RefreshDropped()
		c.logger.Debug("refresh result discarded", "key", key.String())
		return nil
	}
	if loadErr != nil {
		s.entry.State = StateError
		s.entry.Err = loadErr
		fire := c.notifyLocked(key)
		c.mu.Unlock()
		fire()
		c.opts.Metrics.Refreshed(key.Collection, "error")
		c.logger.Warn("refresh failed", "key", key.String(), "code", errs.CodeOf(loadErr), "error", logutil.ErrorForLog(loadErr))
		return fmt.Errorf("refresh %s: %w", key, loadErr)
	}
	s.entry.Value = records
	s.entry.State = StateFresh
	s.entry.FetchedAt = c.opts.Now()
	s.entry.Err = nil
	fire := c.notifyLocked(key)
	c.mu.Unlock()
	fire()
	c.opts.Metrics.Refreshed(key.Collection, "ok")
	return nil
}

func (c *Cache) notifyLocked(key Key) func() {
	watchers := c.watchers[key]
	if len(watchers) == 0 {
		return func() {}
	}
	fns := make([]func(Entry), 0, len(watchers))
	for _, fn := range watchers {
		fns = append(fns, fn)
	}
	entry := c.entries[key].entry.clone()
	return func() {
		for _, fn := range fns {
			fn(entry)
		}
	}
}
