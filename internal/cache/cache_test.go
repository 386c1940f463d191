package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/notebook-sync/internal/metrics"
)

type item struct {
	ID        string
	Title     string
	UpdatedAt time.Time
}

func (i item) RecordID() string           { return i.ID }
func (i item) RecordUpdatedAt() time.Time { return i.UpdatedAt }

// gatedLoader blocks every load until release is closed and counts calls.
type gatedLoader struct {
	calls   atomic.Int32
	release chan struct{}
	result  []Record
	err     error
}

func newGatedLoader(result ...Record) *gatedLoader {
	return &gatedLoader{release: make(chan struct{}), result: result}
}

func (g *gatedLoader) load(ctx context.Context, _ Key) ([]Record, error) {
	g.calls.Add(1)
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.result, g.err
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c := New(Options{Retries: 0, Backoff: time.Millisecond})
	t.Cleanup(c.Close)
	return c
}

func waitState(t *testing.T, c *Cache, key Key, want State) Entry {
	t.Helper()
	var got Entry
	require.Eventually(t, func() bool {
		got, _ = c.Get(key)
		return got.State == want
	}, 2*time.Second, time.Millisecond, "key %s never reached %s", key, want)
	return got
}

// ============================================================================
// Keys
// ============================================================================

func testKey_RoundTripParams(t *rapid.T) {
	collection := rapid.StringMatching(`[a-z_]{1,12}`).Draw(t, "collection")
	params := rapid.SliceOfN(rapid.String(), 0, 4).Draw(t, "params")

	key := NewKey(collection, params...)
	got := key.Params()
	if len(got) != len(params) {
		t.Fatalf("Params() len=%d, want %d (%q)", len(got), len(params), params)
	}
	for i := range params {
		if got[i] != params[i] {
			t.Fatalf("param %d = %q, want %q", i, got[i], params[i])
		}
	}
	if NewKey(collection, params...) != key {
		t.Fatal("equal inputs produced unequal keys")
	}
	if !key.HasPrefix(collection) {
		t.Fatal("key must match its own collection prefix")
	}
	if !key.HasPrefix(collection, params...) {
		t.Fatal("key must match its full parameter list")
	}
}

func TestKey_RoundTripParams(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testKey_RoundTripParams)
}

func FuzzKey_RoundTripParams(f *testing.F) {
	f.Fuzz(rapid.MakeFuzz(testKey_RoundTripParams))
}

func TestKey_PrefixMatchesWholeParams(t *testing.T) {
	t.Parallel()
	key := NewKey("notes", "nb-12")
	assert.True(t, key.HasPrefix("notes", "nb-12"))
	assert.False(t, key.HasPrefix("notes", "nb-1"), "partial parameter must not match")
	assert.False(t, key.HasPrefix("notebooks"))
	assert.NotEqual(t, NewKey("notes", "a,b"), NewKey("notes", "a", "b"))
	assert.Equal(t, "", key.Param(3))
}

// ============================================================================
// Refresh coalescing and discard
// ============================================================================

func TestCache_InvalidateTwiceSharesOneLoad(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	loader := newGatedLoader(item{ID: "a"})
	c.Register("items", 0, loader.load)

	key := NewKey("items", "u1")
	c.Set(key, []Record{item{ID: "old"}}, StateFresh)

	c.Invalidate(key)
	c.Invalidate(key)

	got, _ := c.Get(key)
	assert.Equal(t, StateStale, got.State)
	assert.Equal(t, "old", got.Value[0].RecordID(), "invalidate keeps the current value")

	close(loader.release)
	got = waitState(t, c, key, StateFresh)
	assert.Equal(t, "a", got.Value[0].RecordID())
	assert.EqualValues(t, 1, loader.calls.Load())
}

func TestCache_ConcurrentFetchesCoalesce(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	loader := newGatedLoader(item{ID: "a"})
	c.Register("items", 0, loader.load)
	key := NewKey("items", "u1")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := c.Fetch(context.Background(), key)
			assert.NoError(t, err)
			assert.Len(t, entry.Value, 1)
		}()
	}
	require.Eventually(t, func() bool { return loader.calls.Load() >= 1 }, time.Second, time.Millisecond)
	close(loader.release)
	wg.Wait()
	assert.EqualValues(t, 1, loader.calls.Load())
}

func sharedRefreshes(m *metrics.Metrics) float64 {
	families, err := m.Registry().Gather()
	if err != nil {
		return 0
	}
	for _, f := range families {
		if f.GetName() == "notesync_cache_refreshes_coalesced_total" {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestCache_JoinedFetchesEachGetResult(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	c := New(Options{Retries: 0, Backoff: time.Millisecond, Metrics: m})
	t.Cleanup(c.Close)
	loader := newGatedLoader(item{ID: "a"})
	c.Register("items", 0, loader.load)
	key := NewKey("items", "u1")

	results := make(chan error, 2)
	fetch := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := c.Fetch(ctx, key)
		results <- err
	}

	go fetch()
	require.Eventually(t, func() bool { return loader.calls.Load() == 1 }, time.Second, time.Millisecond)
	go fetch()
	require.Eventually(t, func() bool { return sharedRefreshes(m) == 1 }, time.Second, time.Millisecond)

	close(loader.release)
	for range 2 {
		assert.NoError(t, <-results, "a caller joining an in-flight refresh must see its result")
	}
	assert.EqualValues(t, 1, loader.calls.Load())
}

func TestCache_HoldDiscardsInFlightRefresh(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	loader := newGatedLoader(item{ID: "server"})
	c.Register("items", 0, loader.load)
	key := NewKey("items", "u1")

	c.Set(key, []Record{item{ID: "cached"}}, StateFresh)
	c.Invalidate(key)
	require.Eventually(t, func() bool { return loader.calls.Load() == 1 }, time.Second, time.Millisecond)

	c.Hold(key)
	c.Set(key, []Record{item{ID: "cached"}, item{ID: "temp-1"}}, StateLoading)
	close(loader.release)

	// Give the cancelled refresh a chance to land; it must not.
	time.Sleep(20 * time.Millisecond)
	got, _ := c.Get(key)
	require.Len(t, got.Value, 2)
	assert.Equal(t, "temp-1", got.Value[1].RecordID())
	assert.Equal(t, StateLoading, got.State)
}

func TestCache_InvalidateWhileHeldDefersUntilRelease(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	var calls atomic.Int32
	c.Register("items", 0, func(context.Context, Key) ([]Record, error) {
		calls.Add(1)
		return []Record{item{ID: "server"}}, nil
	})
	key := NewKey("items", "u1")

	c.Hold(key)
	c.Set(key, []Record{item{ID: "temp-1"}}, StateLoading)
	c.Invalidate(key)
	c.Refetch(key)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, calls.Load(), "held key must not refresh")
	assert.True(t, c.held(key))

	c.Release(key)
	got := waitState(t, c, key, StateFresh)
	assert.Equal(t, "server", got.Value[0].RecordID())
	assert.EqualValues(t, 1, calls.Load())
}

func TestCache_FetchHeldReturnsSpeculativeValue(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	c.Register("items", 0, func(context.Context, Key) ([]Record, error) {
		t.Error("loader must not run for a held key")
		return nil, nil
	})
	key := NewKey("items", "u1")
	c.Hold(key)
	c.Set(key, []Record{item{ID: "temp-1"}}, StateLoading)

	entry, err := c.Fetch(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "temp-1", entry.Value[0].RecordID())
}

// ============================================================================
// Read, staleness and errors
// ============================================================================

func TestCache_ReadStartsLoadAndGoesFresh(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	c.Register("items", 0, func(context.Context, Key) ([]Record, error) {
		return []Record{}, nil
	})
	key := NewKey("items", "u1")

	first := c.Read(key)
	assert.Equal(t, StateLoading, first.State)
	got := waitState(t, c, key, StateFresh)
	assert.NotNil(t, got.Value, "empty result must stay distinct from absent")
	assert.Empty(t, got.Value)
}

func TestCache_ReadPastStaleTimeRefreshes(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c := New(Options{Now: clock, Backoff: time.Millisecond})
	t.Cleanup(c.Close)

	var calls atomic.Int32
	c.Register("items", time.Minute, func(context.Context, Key) ([]Record, error) {
		calls.Add(1)
		return []Record{item{ID: "a"}}, nil
	})
	key := NewKey("items", "u1")
	_, err := c.Fetch(context.Background(), key)
	require.NoError(t, err)

	c.Read(key)
	assert.EqualValues(t, 1, calls.Load(), "fresh entry must not refetch")

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	c.Read(key)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
}

func TestCache_RefreshRetriesThenErrors(t *testing.T) {
	t.Parallel()
	c := New(Options{Retries: 2, Backoff: time.Millisecond})
	t.Cleanup(c.Close)

	boom := errors.New("boom")
	var calls atomic.Int32
	c.Register("items", 0, func(context.Context, Key) ([]Record, error) {
		calls.Add(1)
		return nil, boom
	})
	key := NewKey("items", "u1")
	c.Set(key, []Record{item{ID: "kept"}}, StateFresh)

	_, err := c.Fetch(context.Background(), NewKey("items", "u2"))
	require.ErrorIs(t, err, boom)
	assert.EqualValues(t, 3, calls.Load(), "one attempt plus two retries")

	c.Invalidate(key)
	got := waitState(t, c, key, StateError)
	assert.ErrorIs(t, got.Err, boom)
	assert.Equal(t, "kept", got.Value[0].RecordID(), "failed refresh keeps the last value")
}

func TestCache_InvalidateScopeAndPrefix(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	loader := newGatedLoader()
	c.Register("items", 0, loader.load)

	a := NewKey("items", "u1", "x")
	b := NewKey("items", "u1", "y")
	other := NewKey("items", "u2")
	for _, k := range []Key{a, b, other} {
		c.Set(k, []Record{}, StateFresh)
	}

	c.InvalidateScope("items", "u1")
	for _, k := range []Key{a, b} {
		got, _ := c.Get(k)
		assert.Equal(t, StateStale, got.State, k.String())
	}
	got, _ := c.Get(other)
	assert.Equal(t, StateFresh, got.State)

	c.InvalidatePrefix("items")
	got, _ = c.Get(other)
	assert.Equal(t, StateStale, got.State)
	close(loader.release)
}

func TestCache_WatchSeesChanges(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	key := NewKey("items", "u1")

	var mu sync.Mutex
	var seen []State
	stop := c.Watch(key, func(e Entry) {
		mu.Lock()
		seen = append(seen, e.State)
		mu.Unlock()
	})
	c.Set(key, []Record{item{ID: "a"}}, StateLoading)
	c.Set(key, []Record{item{ID: "a"}}, StateFresh)
	stop()
	c.Set(key, nil, StateFresh)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateLoading, StateFresh}, seen)
}

func TestCache_CloseStopsRefreshes(t *testing.T) {
	t.Parallel()
	c := New(Options{})
	loader := newGatedLoader()
	c.Register("items", 0, loader.load)
	key := NewKey("items", "u1")
	c.Read(key)
	require.Eventually(t, func() bool { return loader.calls.Load() == 1 }, time.Second, time.Millisecond)

	c.Close()
	_, ok := c.Get(key)
	assert.False(t, ok)
	_, err := c.Fetch(context.Background(), key)
	assert.ErrorIs(t, err, ErrClosed)
}
