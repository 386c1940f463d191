// Package executor runs optimistic mutations against the keyed cache.
//
// A mutation is validated, its keys are snapshotted and pinned, a speculative
// value is written, and the remote commit runs in the background. Mutations
// sharing a key commit one after another in submission order, each
// speculating on top of the previous speculative value. A failed commit
// restores every affected key to its value before the failed mutation and
// aborts later mutations that were speculated on top of it.
package executor

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kuitang/notebook-sync/internal/cache"
	"github.com/kuitang/notebook-sync/internal/errs"
	"github.com/kuitang/notebook-sync/internal/logutil"
	"github.com/kuitang/notebook-sync/internal/metrics"
	"github.com/kuitang/notebook-sync/internal/obs"
)

// Kind labels a mutation for logs and metrics.
type Kind string

const (
	KindCreate  Kind = "create"
	KindUpdate  Kind = "update"
	KindDelete  Kind = "delete"
	KindReorder Kind = "reorder"
	KindMove    Kind = "move"
	KindToggle  Kind = "toggle"
)

// DefaultRetryBackoff is the delay between commit retries.
const DefaultRetryBackoff = 250 * time.Millisecond

// Mutation describes one logical write.
type Mutation struct {
	Kind       Kind
	Collection string
	Keys       []cache.Key

	// Validate runs before anything else. A non-nil error settles the
	// mutation without touching the cache or the remote store.
	Validate func() error

	// Speculate computes the new value for key from its current value, which
	// already includes earlier unsettled mutations. It must not modify current.
	Speculate func(key cache.Key, current []cache.Record) ([]cache.Record, error)

	// Commit performs the remote write. It is the only step ever retried.
	Commit func(ctx context.Context) (any, error)

	// Reconcile swaps speculative records for the committed result. When nil
	// the speculative value is kept until the follow-up refresh lands.
	Reconcile func(key cache.Key, current []cache.Record, result any) []cache.Record

	// Settled runs after the mutation settles, outside every lock.
	Settled func(err error)
}

// Options configures an Executor.
type Options struct {
	CommitRetries int
	RetryBackoff  time.Duration
	Metrics       *metrics.Metrics
}

type snapshot struct {
	value   []cache.Record
	state   cache.State
	present bool
}

type op struct {
	seq       uint64
	m         Mutation
	ctx       context.Context
	snapshots map[cache.Key]snapshot
	deps      []*op
	pending   *Pending
	settled   bool
	started   time.Time
}

func (o *op) touches(key cache.Key) bool {
	return slices.Contains(o.m.Keys, key)
}

// Executor serializes optimistic mutations per key.
type Executor struct {
	cache *cache.Cache
	opts  Options

	mu      sync.Mutex
	seq     uint64
	pending []*op
	wg      sync.WaitGroup

	logger *slog.Logger
}

// New creates an executor writing speculative state into c.
func New(c *cache.Cache, opts Options) *Executor {
	if opts.CommitRetries < 0 {
		opts.CommitRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	return &Executor{
		cache:  c,
		opts:   opts,
		logger: obs.Pkg("executor"),
	}
}

// Cache returns the cache this executor writes to.
func (e *Executor) Cache() *cache.Cache {
	return e.cache
}

// Execute submits m and returns immediately. The speculative value is
// visible in the cache by the time Execute returns.
func (e *Executor) Execute(ctx context.Context, m Mutation) *Pending {
	started := time.Now()
	if m.Validate != nil {
		if err := m.Validate(); err != nil {
			e.opts.Metrics.MutationSettled(m.Collection, string(m.Kind), "invalid", time.Since(started).Seconds())
			return Failed(err)
		}
	}

	id := uuid.NewString()
	ctx = obs.WithMutationID(ctx, id)
	o := &op{
		m:         m,
		ctx:       ctx,
		snapshots: make(map[cache.Key]snapshot, len(m.Keys)),
		pending:   newPending(id),
		started:   started,
	}

	e.mu.Lock()
	e.seq++
	o.seq = e.seq
	for _, key := range m.Keys {
		entry, ok := e.cache.Get(key)
		o.snapshots[key] = snapshot{value: entry.Value, state: entry.State, present: ok}
	}
	for _, prev := range e.pending {
		if slices.ContainsFunc(m.Keys, prev.touches) {
			o.deps = append(o.deps, prev)
		}
	}

	speculated := make([]cache.Key, 0, len(m.Keys))
	for _, key := range m.Keys {
		e.cache.Hold(key)
		speculated = append(speculated, key)
		if m.Speculate == nil {
			continue
		}
		next, err := m.Speculate(key, o.snapshots[key].value)
		if err != nil {
			e.unwindLocked(o, speculated)
			e.mu.Unlock()
			return e.failSpeculation(o, err)
		}
		e.cache.Set(key, next, cache.StateLoading)
	}
	e.pending = append(e.pending, o)
	e.mu.Unlock()

	e.opts.Metrics.PendingAdd(1)
	obs.From(ctx).Debug("mutation speculated",
		"collection", m.Collection,
		"kind", string(m.Kind),
		"keys", len(m.Keys),
		"waits_on", len(o.deps),
	)

	e.wg.Add(1)
	go e.run(o)
	return o.pending
}

// Wait blocks until every submitted mutation has settled.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// InFlight returns the number of unsettled mutations.
func (e *Executor) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// unwindLocked restores keys of an op that never entered the queue.
func (e *Executor) unwindLocked(o *op, keys []cache.Key) {
	for _, key := range keys {
		snap := o.snapshots[key]
		e.restore(key, snap, snap.state, nil)
		e.cache.Release(key)
	}
}

func (e *Executor) failSpeculation(o *op, err error) *Pending {
	if errs.CodeOf(err) == errs.NotFoundLocal {
		for _, key := range o.m.Keys {
			e.cache.Invalidate(key)
		}
	}
	obs.From(o.ctx).Warn("mutation could not be speculated",
		"collection", o.m.Collection,
		"kind", string(o.m.Kind),
		"code", errs.CodeOf(err),
		"error", logutil.ErrorForLog(err),
	)
	e.opts.Metrics.MutationSettled(o.m.Collection, string(o.m.Kind), "rolled_back", time.Since(o.started).Seconds())
	o.pending.resolve(nil, err)
	if o.m.Settled != nil {
		o.m.Settled(err)
	}
	return o.pending
}

func (e *Executor) run(o *op) {
	defer e.wg.Done()

	for _, dep := range o.deps {
		<-dep.pending.Done()
	}

	e.mu.Lock()
	aborted := o.settled
	e.mu.Unlock()
	if aborted {
		return
	}

	result, err := e.commit(o)
	if err != nil {
		e.rollback(o, err)
		return
	}
	e.confirm(o, result)
}

func (e *Executor) commit(o *op) (any, error) {
	if o.m.Commit == nil {
		return nil, nil
	}
	backoff := e.opts.RetryBackoff
	var (
		result any
		err    error
	)
	for attempt := 0; attempt <= e.opts.CommitRetries; attempt++ {
		if attempt > 0 {
			obs.From(o.ctx).Info("retrying commit",
				"collection", o.m.Collection,
				"attempt", attempt+1,
				"error", logutil.ErrorForLog(err),
			)
			select {
			case <-o.ctx.Done():
				return nil, errs.Wrap(errs.Unavailable, "commit cancelled", o.ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		result, err = o.m.Commit(o.ctx)
		if err == nil || !errs.Retryable(err) {
			break
		}
	}
	return result, err
}

func (e *Executor) confirm(o *op, result any) {
	e.mu.Lock()
	later := e.laterLocked(o)
	for _, key := range o.m.Keys {
		entry, _ := e.cache.Get(key)
		next := entry.Value
		if o.m.Reconcile != nil {
			next = o.m.Reconcile(key, entry.Value, result)
			// Later mutations must roll back to confirmed data, not to
			// this mutation's placeholders.
			for _, l := range later {
				if snap, ok := l.snapshots[key]; ok {
					snap.value = o.m.Reconcile(key, snap.value, result)
					l.snapshots[key] = snap
				}
			}
		}
		state := cache.StateFresh
		if e.othersOnLocked(key, o) {
			state = cache.StateLoading
		}
		e.cache.Set(key, next, state)
	}
	e.settleLocked(o)
	refetch := make([]cache.Key, 0, len(o.m.Keys))
	for _, key := range o.m.Keys {
		e.cache.Release(key)
		if !e.othersOnLocked(key, nil) {
			refetch = append(refetch, key)
		}
	}
	e.mu.Unlock()

	for _, key := range refetch {
		e.cache.Refetch(key)
	}
	e.opts.Metrics.PendingAdd(-1)
	e.opts.Metrics.MutationSettled(o.m.Collection, string(o.m.Kind), "ok", time.Since(o.started).Seconds())
	obs.From(o.ctx).Info("mutation committed",
		"collection", o.m.Collection,
		"kind", string(o.m.Kind),
		"duration_ms", time.Since(o.started).Milliseconds(),
	)
	o.pending.resolve(result, nil)
	if o.m.Settled != nil {
		o.m.Settled(nil)
	}
}

// rollback restores the failed op and every later unsettled op that was
// speculated on top of it, newest first, so each key ends at its value from
// before the earliest failed mutation.
func (e *Executor) rollback(failed *op, cause error) {
	e.mu.Lock()
	victims := []*op{failed}
	keys := slices.Clone(failed.m.Keys)
	for _, l := range e.laterLocked(failed) {
		if slices.ContainsFunc(l.m.Keys, func(k cache.Key) bool { return slices.Contains(keys, k) }) {
			victims = append(victims, l)
			for _, k := range l.m.Keys {
				if !slices.Contains(keys, k) {
					keys = append(keys, k)
				}
			}
		}
	}

	for _, v := range victims {
		v.settled = true
	}
	for i := len(victims) - 1; i >= 0; i-- {
		v := victims[i]
		for _, key := range v.m.Keys {
			snap := v.snapshots[key]
			state := cache.StateError
			if e.othersOnLocked(key, nil) {
				state = cache.StateLoading
			}
			e.restore(key, snap, state, cause)
		}
	}
	e.pending = slices.DeleteFunc(e.pending, func(p *op) bool { return p.settled })
	for _, v := range victims {
		for _, key := range v.m.Keys {
			e.cache.Release(key)
		}
	}
	e.mu.Unlock()

	code := errs.CodeOf(cause)
	if code == errs.NotFoundLocal {
		e.logger.Info("resyncing keys after local miss", "keys", len(keys))
		for _, key := range keys {
			e.cache.Invalidate(key)
		}
	}

	aborted := errs.Wrap(errs.Aborted, "an earlier change to the same data failed", cause)
	for i, v := range victims {
		err := cause
		outcome := "rolled_back"
		if i > 0 {
			err = aborted
			outcome = "aborted"
		}
		e.opts.Metrics.PendingAdd(-1)
		e.opts.Metrics.MutationSettled(v.m.Collection, string(v.m.Kind), outcome, time.Since(v.started).Seconds())
		obs.From(v.ctx).Warn("mutation rolled back",
			"collection", v.m.Collection,
			"kind", string(v.m.Kind),
			"outcome", outcome,
			"code", code,
			"error", logutil.ErrorForLog(cause),
		)
		v.pending.resolve(nil, err)
		if v.m.Settled != nil {
			v.m.Settled(err)
		}
	}
}

func (e *Executor) restore(key cache.Key, snap snapshot, state cache.State, cause error) {
	switch {
	case !snap.present:
		e.cache.Set(key, nil, cache.StateAbsent)
	case state == cache.StateError:
		e.cache.SetError(key, snap.value, cause)
	default:
		e.cache.Set(key, snap.value, state)
	}
}

func (e *Executor) settleLocked(o *op) {
	o.settled = true
	e.pending = slices.DeleteFunc(e.pending, func(p *op) bool { return p == o })
}

// laterLocked returns unsettled ops submitted after o, oldest first.
func (e *Executor) laterLocked(o *op) []*op {
	var out []*op
	for _, p := range e.pending {
		if p.seq > o.seq && !p.settled {
			out = append(out, p)
		}
	}
	return out
}

// othersOnLocked reports whether an unsettled op other than self touches key.
func (e *Executor) othersOnLocked(key cache.Key, self *op) bool {
	for _, p := range e.pending {
		if p != self && !p.settled && p.touches(key) {
			return true
		}
	}
	return false
}
