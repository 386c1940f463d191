package executor

import (
	"context"
	"sync"
)

// Pending is the caller's handle on one submitted mutation.
type Pending struct {
	MutationID string

	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	result any
	err    error
}

func newPending(id string) *Pending {
	return &Pending{MutationID: id, done: make(chan struct{})}
}

// Failed returns an already settled Pending carrying err.
func Failed(err error) *Pending {
	p := newPending("")
	p.resolve(nil, err)
	return p
}

// Done is closed once the mutation has committed or rolled back.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// InFlight reports whether the mutation has not settled yet.
func (p *Pending) InFlight() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Err returns the settlement error, or nil while in flight or on success.
func (p *Pending) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Result returns what the commit step produced, or nil.
func (p *Pending) Result() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Wait blocks until the mutation settles or ctx ends.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pending) resolve(result any, err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.result = result
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

// Await waits for p and returns its result as T.
func Await[T any](ctx context.Context, p *Pending) (T, error) {
	var zero T
	if err := p.Wait(ctx); err != nil {
		return zero, err
	}
	v, ok := p.Result().(T)
	if !ok {
		return zero, nil
	}
	return v, nil
}
