package testdb

import (
	"testing"
	"time"

	"github.com/kuitang/notebook-sync/internal/cache"
	"github.com/kuitang/notebook-sync/internal/executor"
	"github.com/kuitang/notebook-sync/internal/realtime"
	"github.com/kuitang/notebook-sync/internal/remote/remotetest"
	"github.com/kuitang/notebook-sync/internal/sqlstore"
)

// Harness is the full write path over an in-memory store: a fault-injecting
// remote client, a cache, an executor and a realtime listener.
type Harness struct {
	DB       *sqlstore.Store
	Hub      *realtime.Hub
	Remote   *remotetest.Faulty
	Cache    *cache.Cache
	Exec     *executor.Executor
	Listener *realtime.Listener
}

// NewHarness builds a Harness torn down when t finishes.
func NewHarness(t testing.TB) *Harness {
	t.Helper()
	h, err := StartHarness()
	if err != nil {
		t.Fatalf("start harness: %v", err)
	}
	t.Cleanup(h.Close)
	return h
}

// StartHarness builds a Harness the caller must Close. Property tests use it
// to get a fresh store per iteration.
func StartHarness() (*Harness, error) {
	hub := realtime.NewHub(nil)
	db, err := NewStoreInMemory(hub)
	if err != nil {
		hub.Close()
		return nil, err
	}
	c := cache.New(cache.Options{Retries: 0, Backoff: time.Millisecond})
	return &Harness{
		DB:       db,
		Hub:      hub,
		Remote:   remotetest.New(db),
		Cache:    c,
		Exec:     executor.New(c, executor.Options{}),
		Listener: realtime.NewListener(hub, c),
	}, nil
}

// Close waits for pending mutations, then tears everything down.
func (h *Harness) Close() {
	h.Listener.Close()
	h.Exec.Wait()
	h.Cache.Close()
	h.Hub.Close()
	h.DB.Close()
}
