// Package remotetest wraps a remote.Client with scripted failures and
// blocking for tests of optimistic writes.
package remotetest

import (
	"context"
	"sync"

	"github.com/kuitang/notebook-sync/internal/remote"
)

// Op names match the Client methods in lower case.
const (
	OpSelect = "select"
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
	OpCount  = "count"
)

type gate struct {
	entered chan struct{}
	result  chan error
}

// Faulty forwards to a real client unless a failure or gate is queued for
// the call's op and collection.
type Faulty struct {
	next remote.Client

	mu       sync.Mutex
	failures map[string][]error
	lost     map[string][]error
	gates    map[string][]*gate
	calls    map[string]int
}

// New wraps next.
func New(next remote.Client) *Faulty {
	return &Faulty{
		next:     next,
		failures: make(map[string][]error),
		lost:     make(map[string][]error),
		gates:    make(map[string][]*gate),
		calls:    make(map[string]int),
	}
}

func opKey(op, collection string) string {
	return op + ":" + collection
}

// FailNext makes the next matching call return err without reaching the
// wrapped client.
func (f *Faulty) FailNext(op, collection string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := opKey(op, collection)
	f.failures[k] = append(f.failures[k], err)
}

// LoseNextResponse lets the next matching call reach the wrapped client and
// then reports err instead of its result, as when a write lands but the
// response is lost on the way back.
func (f *Faulty) LoseNextResponse(op, collection string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := opKey(op, collection)
	f.lost[k] = append(f.lost[k], err)
}

func (f *Faulty) takeLost(op, collection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := opKey(op, collection)
	errs := f.lost[k]
	if len(errs) == 0 {
		return nil
	}
	f.lost[k] = errs[1:]
	return errs[0]
}

// Block holds the next matching call until the returned function is called.
// A nil error lets the call through to the wrapped client; anything else is
// returned instead. entered is closed once the call is blocked.
func (f *Faulty) Block(op, collection string) (entered <-chan struct{}, release func(err error)) {
	g := &gate{entered: make(chan struct{}), result: make(chan error, 1)}
	f.mu.Lock()
	k := opKey(op, collection)
	f.gates[k] = append(f.gates[k], g)
	f.mu.Unlock()
	var once sync.Once
	return g.entered, func(err error) {
		once.Do(func() { g.result <- err })
	}
}

// Calls returns how many matching calls were made.
func (f *Faulty) Calls(op, collection string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[opKey(op, collection)]
}

func (f *Faulty) intercept(ctx context.Context, op, collection string) error {
	k := opKey(op, collection)
	f.mu.Lock()
	f.calls[k]++
	if errs := f.failures[k]; len(errs) > 0 {
		err := errs[0]
		f.failures[k] = errs[1:]
		f.mu.Unlock()
		return err
	}
	var g *gate
	if gs := f.gates[k]; len(gs) > 0 {
		g = gs[0]
		f.gates[k] = gs[1:]
	}
	f.mu.Unlock()

	if g == nil {
		return nil
	}
	close(g.entered)
	select {
	case err := <-g.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Faulty) Select(ctx context.Context, collection string, q remote.Query) ([]remote.Row, error) {
	if err := f.intercept(ctx, OpSelect, collection); err != nil {
		return nil, err
	}
	return f.next.Select(ctx, collection, q)
}

func (f *Faulty) Insert(ctx context.Context, collection string, row remote.Row) (remote.Row, error) {
	if err := f.intercept(ctx, OpInsert, collection); err != nil {
		return nil, err
	}
	out, err := f.next.Insert(ctx, collection, row)
	if lost := f.takeLost(OpInsert, collection); lost != nil {
		return nil, lost
	}
	return out, err
}

func (f *Faulty) Update(ctx context.Context, collection, id string, patch remote.Row) (remote.Row, error) {
	if err := f.intercept(ctx, OpUpdate, collection); err != nil {
		return nil, err
	}
	out, err := f.next.Update(ctx, collection, id, patch)
	if lost := f.takeLost(OpUpdate, collection); lost != nil {
		return nil, lost
	}
	return out, err
}

func (f *Faulty) Delete(ctx context.Context, collection, id string) error {
	if err := f.intercept(ctx, OpDelete, collection); err != nil {
		return err
	}
	return f.next.Delete(ctx, collection, id)
}

func (f *Faulty) Count(ctx context.Context, collection string, q remote.Query) (int, error) {
	if err := f.intercept(ctx, OpCount, collection); err != nil {
		return 0, err
	}
	return f.next.Count(ctx, collection, q)
}
