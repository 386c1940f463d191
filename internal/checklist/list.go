package checklist

import (
	"context"
	"time"

	"github.com/kuitang/notebook-sync/internal/cache"
	"github.com/kuitang/notebook-sync/internal/entity"
	"github.com/kuitang/notebook-sync/internal/errs"
	"github.com/kuitang/notebook-sync/internal/executor"
	"github.com/kuitang/notebook-sync/internal/realtime"
	"github.com/kuitang/notebook-sync/internal/records"
	"github.com/kuitang/notebook-sync/internal/remote"
	"github.com/kuitang/notebook-sync/internal/validate"
)

// list is the store logic items and subtasks share. Rows are ordered by
// position within their parent.
type list[T row[T]] struct {
	collection   string
	parentColumn string
	label        string

	// parentCollection holds the parent rows, parentLabel names one in errors.
	parentCollection string
	parentLabel      string
	decode           func(remote.Row) T
	build            func(id, parent, user, text string, at time.Time) T

	client   remote.Client
	exec     *executor.Executor
	cache    *cache.Cache
	listener *realtime.Listener
	now      func() time.Time

	// afterWrite runs after every successful write.
	afterWrite func(parent, userID string)
}

func (l *list[T]) register(staleTime time.Duration) {
	l.cache.Register(l.collection, staleTime, entity.Loader(l.client, l.collection, func(key cache.Key) remote.Query {
		return remote.Where(l.parentColumn, key.Param(0)).OrderBy("order_index", false)
	}, l.decode))
}

// Key returns the cache key for the rows under parent.
func (l *list[T]) Key(parent string) cache.Key {
	return cache.NewKey(l.collection, parent)
}

func (l *list[T]) watch(parent string) {
	if l.listener != nil {
		l.listener.Watch(l.collection, l.parentColumn, parent)
	}
}

// List returns the cached rows under parent, starting a load if needed.
func (l *list[T]) List(parent string) []T {
	l.watch(parent)
	return records.Of[T](l.cache.Read(l.Key(parent)).Value)
}

// Load returns the rows under parent, waiting for a refresh when needed.
func (l *list[T]) Load(ctx context.Context, parent string) ([]T, error) {
	if err := validate.ID(l.parentColumn, parent); err != nil {
		return nil, err
	}
	l.watch(parent)
	entry, err := l.cache.Fetch(ctx, l.Key(parent))
	if err != nil {
		return nil, err
	}
	return records.Of[T](entry.Value), nil
}

// Owns returns not_found unless parent exists and belongs to userID. It
// reads the remote store, so parents created elsewhere are found too.
func (l *list[T]) Owns(ctx context.Context, userID, parent string) error {
	if err := validate.ID(l.parentColumn, parent); err != nil {
		return err
	}
	n, err := l.client.Count(ctx, l.parentCollection, remote.Where("id", entity.ServerID(parent), "user_id", userID))
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.New(errs.NotFound, l.parentLabel+" not found")
	}
	return nil
}

// Progress counts the checked rows under parent as currently cached.
func (l *list[T]) Progress(parent string) Progress {
	entry, _ := l.cache.Get(l.Key(parent))
	return progress(records.Of[T](entry.Value))
}

// Create appends a row under parent.
func (l *list[T]) Create(ctx context.Context, userID, parent, text string) *executor.Pending {
	placeholder, serverID := entity.NewIDs()
	var rec T
	return l.exec.Execute(ctx, executor.Mutation{
		Kind:       executor.KindCreate,
		Collection: l.collection,
		Keys:       []cache.Key{l.Key(parent)},
		Validate: func() error {
			if err := validate.ID("user id", userID); err != nil {
				return err
			}
			if err := validate.ID(l.parentColumn, parent); err != nil {
				return err
			}
			trimmed, err := validate.Text(l.label, text, validate.MaxItemText)
			if err != nil {
				return err
			}
			rec = l.build(placeholder, parent, userID, trimmed, l.now().UTC())
			return nil
		},
		Speculate: func(_ cache.Key, current []cache.Record) ([]cache.Record, error) {
			rec = rec.WithPosition(len(current))
			return records.From(records.Append(records.Of[T](current), rec)), nil
		},
		Commit: func(ctx context.Context) (any, error) {
			saved, err := entity.Insert(ctx, l.client, l.collection, remote.Row{
				"id":           serverID,
				l.parentColumn: entity.ServerID(parent),
				"user_id":      userID,
				"text":         rec.text(),
				"checked":      false,
				"order_index":  rec.Position(),
			})
			if err != nil {
				return nil, err
			}
			return l.decode(saved), nil
		},
		Reconcile: entity.ReconcileSaved[T],
		Settled:   l.settled(parent, userID),
	})
}

// Update changes a row's text or checked flag.
func (l *list[T]) Update(ctx context.Context, parent, id string, p UpdateParams) *executor.Pending {
	var userID string
	return l.exec.Execute(ctx, executor.Mutation{
		Kind:       executor.KindUpdate,
		Collection: l.collection,
		Keys:       []cache.Key{l.Key(parent)},
		Validate: func() error {
			if err := validate.ID("id", id); err != nil {
				return err
			}
			if p.Text == nil && p.Checked == nil {
				return validate.NothingToUpdate()
			}
			text, err := validate.OptionalText(l.label, p.Text, validate.MaxItemText)
			if err != nil {
				return err
			}
			p.Text = text
			return nil
		},
		Speculate: func(_ cache.Key, current []cache.Record) ([]cache.Record, error) {
			return l.edit(current, id, func(r T) T {
				userID = r.owner()
				return r.with(p.Text, p.Checked, l.now().UTC())
			})
		},
		Commit: func(ctx context.Context) (any, error) {
			return l.commitUpdate(ctx, id, p.row())
		},
		Reconcile: entity.ReconcileSaved[T],
		Settled:   func(err error) { l.settled(parent, userID)(err) },
	})
}

// Toggle flips a row's checked flag. The value written is the one computed
// on top of earlier unsettled toggles, so back-to-back toggles cancel out.
func (l *list[T]) Toggle(ctx context.Context, parent, id string) *executor.Pending {
	var (
		userID  string
		checked bool
	)
	return l.exec.Execute(ctx, executor.Mutation{
		Kind:       executor.KindToggle,
		Collection: l.collection,
		Keys:       []cache.Key{l.Key(parent)},
		Validate: func() error {
			return validate.ID("id", id)
		},
		Speculate: func(_ cache.Key, current []cache.Record) ([]cache.Record, error) {
			return l.edit(current, id, func(r T) T {
				userID = r.owner()
				checked = !r.checked()
				return r.with(nil, &checked, l.now().UTC())
			})
		},
		Commit: func(ctx context.Context) (any, error) {
			return l.commitUpdate(ctx, id, remote.Row{"checked": checked})
		},
		Reconcile: entity.ReconcileSaved[T],
		Settled:   func(err error) { l.settled(parent, userID)(err) },
	})
}

// Delete removes a row.
func (l *list[T]) Delete(ctx context.Context, parent, id string) *executor.Pending {
	var userID string
	return l.exec.Execute(ctx, executor.Mutation{
		Kind:       executor.KindDelete,
		Collection: l.collection,
		Keys:       []cache.Key{l.Key(parent)},
		Validate: func() error {
			return validate.ID("id", id)
		},
		Speculate: func(_ cache.Key, current []cache.Record) ([]cache.Record, error) {
			items := records.Of[T](current)
			r, err := records.MustFind(items, id)
			if err != nil {
				return nil, err
			}
			userID = r.owner()
			out, err := records.Remove(items, id)
			if err != nil {
				return nil, err
			}
			return records.From(out), nil
		},
		Commit: func(ctx context.Context) (any, error) {
			return nil, l.client.Delete(ctx, l.collection, entity.ServerID(id))
		},
		Settled: func(err error) { l.settled(parent, userID)(err) },
	})
}

// Reorder sets the order of the rows under parent to ids, which must list
// every row exactly once.
func (l *list[T]) Reorder(ctx context.Context, parent string, ids []string) *executor.Pending {
	m := entity.Reorder[T](l.cache, l.client, l.collection, l.Key(parent), ids)
	m.Settled = func(err error) {
		if err == nil && l.afterWrite != nil {
			l.afterWrite(parent, "")
		}
	}
	return l.exec.Execute(ctx, m)
}

func (l *list[T]) edit(current []cache.Record, id string, fn func(T) T) ([]cache.Record, error) {
	items := records.Of[T](current)
	r, err := records.MustFind(items, id)
	if err != nil {
		return nil, err
	}
	out, err := records.Replace(items, id, fn(r))
	if err != nil {
		return nil, err
	}
	return records.From(out), nil
}

func (l *list[T]) commitUpdate(ctx context.Context, id string, patch remote.Row) (any, error) {
	saved, err := l.client.Update(ctx, l.collection, entity.ServerID(id), patch)
	if err != nil {
		return nil, err
	}
	return l.decode(saved), nil
}

func (l *list[T]) settled(parent, userID string) func(error) {
	return func(err error) {
		if err == nil && l.afterWrite != nil {
			l.afterWrite(parent, userID)
		}
	}
}
