// Package notebooks is the entity store for a user's notebooks.
package notebooks

import (
	"context"
	"time"

	"github.com/kuitang/notebook-sync/internal/cache"
	"github.com/kuitang/notebook-sync/internal/entity"
	"github.com/kuitang/notebook-sync/internal/executor"
	"github.com/kuitang/notebook-sync/internal/realtime"
	"github.com/kuitang/notebook-sync/internal/records"
	"github.com/kuitang/notebook-sync/internal/remote"
	"github.com/kuitang/notebook-sync/internal/validate"
)

// Collection is the cache collection holding notebook lists.
const Collection = remote.Notebooks

// Per-user views derived from notebooks, refreshed after every write.
var derived = []string{"search_notebooks", "search_notes", "statistics"}

// Key returns the cache key for userID's notebooks.
func Key(userID string) cache.Key {
	return cache.NewKey(Collection, userID)
}

// Store runs notebook reads and optimistic writes.
type Store struct {
	client   remote.Client
	exec     *executor.Executor
	cache    *cache.Cache
	listener *realtime.Listener
	now      func() time.Time
}

// NewStore registers the notebooks loader on the executor's cache. listener
// may be nil, in which case loaded keys are not kept in sync with remote
// changes.
func NewStore(client remote.Client, exec *executor.Executor, listener *realtime.Listener, staleTime time.Duration) *Store {
	s := &Store{
		client:   client,
		exec:     exec,
		cache:    exec.Cache(),
		listener: listener,
		now:      time.Now,
	}
	s.cache.Register(Collection, staleTime, entity.Loader(client, Collection, func(key cache.Key) remote.Query {
		return remote.Where("user_id", key.Param(0)).OrderBy("order_index", false)
	}, decode))
	return s
}

func (s *Store) watch(userID string) {
	if s.listener != nil {
		s.listener.Watch(remote.Notebooks, "user_id", userID)
	}
}

// List returns the cached notebooks for userID and starts a load when there
// are none or they are past their staleness window.
func (s *Store) List(userID string) []Notebook {
	s.watch(userID)
	return records.Of[Notebook](s.cache.Read(Key(userID)).Value)
}

// Load returns userID's notebooks, waiting for a refresh when needed.
func (s *Store) Load(ctx context.Context, userID string) ([]Notebook, error) {
	if err := validate.ID("user id", userID); err != nil {
		return nil, err
	}
	s.watch(userID)
	entry, err := s.cache.Fetch(ctx, Key(userID))
	if err != nil {
		return nil, err
	}
	return records.Of[Notebook](entry.Value), nil
}

func (s *Store) siblings(userID string) map[string]string {
	entry, _ := s.cache.Get(Key(userID))
	return entity.Siblings(records.Of[Notebook](entry.Value), func(n Notebook) string { return n.Title })
}

// Create appends a notebook to userID's list.
func (s *Store) Create(ctx context.Context, userID string, p CreateParams) *executor.Pending {
	placeholder, serverID := entity.NewIDs()
	var nb Notebook
	return s.exec.Execute(ctx, executor.Mutation{
		Kind:       executor.KindCreate,
		Collection: Collection,
		Keys:       []cache.Key{Key(userID)},
		Validate: func() error {
			if err := validate.ID("user id", userID); err != nil {
				return err
			}
			title, err := validate.Text("Notebook title", p.Title, validate.MaxNotebookTitle)
			if err != nil {
				return err
			}
			icon, err := validate.Bounded("Icon", p.Icon, validate.MaxIconLength)
			if err != nil {
				return err
			}
			color, err := validate.Bounded("Color", p.Color, validate.MaxColorLength)
			if err != nil {
				return err
			}
			if err := validate.Unique("notebook", title, s.siblings(userID), ""); err != nil {
				return err
			}
			now := s.now().UTC()
			nb = Notebook{
				ID:        placeholder,
				UserID:    userID,
				Title:     title,
				Icon:      icon,
				Color:     color,
				CreatedAt: now,
				UpdatedAt: now,
			}
			return nil
		},
		Speculate: func(_ cache.Key, current []cache.Record) ([]cache.Record, error) {
			nb.OrderIndex = len(current)
			return append(current[:len(current):len(current)], nb), nil
		},
		Commit: func(ctx context.Context) (any, error) {
			row, err := entity.Insert(ctx, s.client, remote.Notebooks, remote.Row{
				"id":          serverID,
				"user_id":     nb.UserID,
				"title":       nb.Title,
				"icon":        nb.Icon,
				"color":       nb.Color,
				"order_index": nb.OrderIndex,
			})
			if err != nil {
				return nil, err
			}
			return decode(row), nil
		},
		Reconcile: entity.ReconcileSaved[Notebook],
		Settled:   s.settled(userID),
	})
}

// Update applies a partial update to one notebook.
func (s *Store) Update(ctx context.Context, userID, id string, p UpdateParams) *executor.Pending {
	return s.exec.Execute(ctx, executor.Mutation{
		Kind:       executor.KindUpdate,
		Collection: Collection,
		Keys:       []cache.Key{Key(userID)},
		Validate: func() error {
			if err := validate.ID("notebook id", id); err != nil {
				return err
			}
			if p.empty() {
				return validate.NothingToUpdate()
			}
			title, err := validate.OptionalText("Notebook title", p.Title, validate.MaxNotebookTitle)
			if err != nil {
				return err
			}
			p.Title = title
			if p.Icon != nil {
				icon, err := validate.Bounded("Icon", *p.Icon, validate.MaxIconLength)
				if err != nil {
					return err
				}
				p.Icon = &icon
			}
			if p.Color != nil {
				color, err := validate.Bounded("Color", *p.Color, validate.MaxColorLength)
				if err != nil {
					return err
				}
				p.Color = &color
			}
			if p.Title != nil {
				return validate.Unique("notebook", *p.Title, s.siblings(userID), id)
			}
			return nil
		},
		Speculate: func(_ cache.Key, current []cache.Record) ([]cache.Record, error) {
			items := records.Of[Notebook](current)
			nb, err := records.MustFind(items, id)
			if err != nil {
				return nil, err
			}
			nb = p.apply(nb)
			nb.UpdatedAt = s.now().UTC()
			out, err := records.Replace(items, id, nb)
			if err != nil {
				return nil, err
			}
			return records.From(out), nil
		},
		Commit: func(ctx context.Context) (any, error) {
			row, err := s.client.Update(ctx, remote.Notebooks, entity.ServerID(id), p.row())
			if err != nil {
				return nil, err
			}
			return decode(row), nil
		},
		Reconcile: entity.ReconcileSaved[Notebook],
		Settled:   s.settled(userID),
	})
}

// Delete removes a notebook. Its notes go with it.
func (s *Store) Delete(ctx context.Context, userID, id string) *executor.Pending {
	return s.exec.Execute(ctx, executor.Mutation{
		Kind:       executor.KindDelete,
		Collection: Collection,
		Keys:       []cache.Key{Key(userID)},
		Validate: func() error {
			return validate.ID("notebook id", id)
		},
		Speculate: func(_ cache.Key, current []cache.Record) ([]cache.Record, error) {
			out, err := records.Remove(records.Of[Notebook](current), id)
			if err != nil {
				return nil, err
			}
			return records.From(out), nil
		},
		Commit: func(ctx context.Context) (any, error) {
			return nil, s.client.Delete(ctx, remote.Notebooks, entity.ServerID(id))
		},
		Settled: func(err error) {
			if err != nil {
				return
			}
			s.cache.InvalidateScope(remote.Notes, entity.ServerID(id))
			for _, c := range derived {
				s.cache.InvalidateScope(c, userID)
			}
		},
	})
}

// Reorder sets the order of userID's notebooks to ids, which must list every
// notebook exactly once.
func (s *Store) Reorder(ctx context.Context, userID string, ids []string) *executor.Pending {
	return s.exec.Execute(ctx, entity.Reorder[Notebook](s.cache, s.client, Collection, Key(userID), ids))
}

// settled refreshes derived views once a write lands.
func (s *Store) settled(userID string) func(error) {
	return func(err error) {
		if err != nil {
			return
		}
		for _, c := range derived {
			s.cache.InvalidateScope(c, userID)
		}
	}
}
