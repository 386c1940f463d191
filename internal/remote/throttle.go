package remote

import (
	"context"

	"github.com/kuitang/notebook-sync/internal/errs"
	"github.com/kuitang/notebook-sync/internal/metrics"
	"github.com/kuitang/notebook-sync/internal/ratelimit"
)

// Throttled wraps a Client so every call first waits on the collection's
// token bucket and is counted in metrics.
type Throttled struct {
	next    Client
	limiter *ratelimit.RateLimiter
	metrics *metrics.Metrics
}

// Throttle wraps next. A nil limiter disables waiting.
func Throttle(next Client, limiter *ratelimit.RateLimiter, m *metrics.Metrics) *Throttled {
	return &Throttled{next: next, limiter: limiter, metrics: m}
}

func (t *Throttled) wait(ctx context.Context, collection string) error {
	if t.limiter == nil {
		return nil
	}
	if err := t.limiter.Wait(ctx, collection); err != nil {
		return errs.Wrap(errs.Unavailable, "remote store is rate limited", err)
	}
	return nil
}

func (t *Throttled) record(collection, op string, err error) {
	code := "ok"
	if err != nil {
		code = string(errs.CodeOf(err))
	}
	t.metrics.RemoteCall(collection, op, code)
}

func (t *Throttled) Select(ctx context.Context, collection string, q Query) ([]Row, error) {
	if err := t.wait(ctx, collection); err != nil {
		t.record(collection, "select", err)
		return nil, err
	}
	rows, err := t.next.Select(ctx, collection, q)
	t.record(collection, "select", err)
	return rows, err
}

func (t *Throttled) Insert(ctx context.Context, collection string, row Row) (Row, error) {
	if err := t.wait(ctx, collection); err != nil {
		t.record(collection, "insert", err)
		return nil, err
	}
	out, err := t.next.Insert(ctx, collection, row)
	t.record(collection, "insert", err)
	return out, err
}

func (t *Throttled) Update(ctx context.Context, collection, id string, patch Row) (Row, error) {
	if err := t.wait(ctx, collection); err != nil {
		t.record(collection, "update", err)
		return nil, err
	}
	out, err := t.next.Update(ctx, collection, id, patch)
	t.record(collection, "update", err)
	return out, err
}

func (t *Throttled) Delete(ctx context.Context, collection, id string) error {
	if err := t.wait(ctx, collection); err != nil {
		t.record(collection, "delete", err)
		return err
	}
	err := t.next.Delete(ctx, collection, id)
	t.record(collection, "delete", err)
	return err
}

func (t *Throttled) Count(ctx context.Context, collection string, q Query) (int, error) {
	if err := t.wait(ctx, collection); err != nil {
		t.record(collection, "count", err)
		return 0, err
	}
	n, err := t.next.Count(ctx, collection, q)
	t.record(collection, "count", err)
	return n, err
}
