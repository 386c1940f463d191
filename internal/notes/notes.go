// Package notes is the entity store for the notes of a notebook.
package notes

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

// Collection is the cache collection holding note lists.
const Collection = remote.Notes

var derived = []string{"search_notes", "statistics"}

// Key returns the cache key for the notes of notebookID.
func Key(notebookID string) cache.Key {
	return cache.NewKey(Collection, notebookID)
}

// Store runs note reads and optimistic writes.
type Store struct {
	client   remote.Client
	exec     *executor.Executor
	cache    *cache.Cache
	listener *realtime.Listener
	now      func() time.Time
}

// NewStore registers the notes loader on the executor's cache.
func NewStore(client remote.Client, exec *executor.Executor, listener *realtime.Listener, staleTime time.Duration) *Store {
	s := &Store{
		client:   client,
		exec:     exec,
		cache:    exec.Cache(),
		listener: listener,
		now:      time.Now,
	}
	s.cache.Register(Collection, staleTime, entity.Loader(client, Collection, func(key cache.Key) remote.Query {
		return remote.Where("notebook_id", key.Param(0)).
			OrderBy("is_pinned", true).
			OrderBy("updated_at", true)
	}, decode))
	return s
}

func (s *Store) watch(notebookID string) {
	if s.listener != nil {
		s.listener.Watch(remote.Notes, "notebook_id", notebookID)
	}
}

// List returns the cached notes of notebookID, starting a load if needed.
func (s *Store) List(notebookID string) []Note {
	s.watch(notebookID)
	return records.Of[Note](s.cache.Read(Key(notebookID)).Value)
}

// Load returns the notes of notebookID, waiting for a refresh when needed.
func (s *Store) Load(ctx context.Context, notebookID string) ([]Note, error) {
	if err := validate.ID("notebook id", notebookID); err != nil {
		return nil, err
	}
	s.watch(notebookID)
	entry, err := s.cache.Fetch(ctx, Key(notebookID))
	if err != nil {
		return nil, err
	}
	return records.Of[Note](entry.Value), nil
}

// Get returns one cached note.
func (s *Store) Get(notebookID, id string) (Note, bool) {
	entry, _ := s.cache.Get(Key(notebookID))
	return records.Find(records.Of[Note](entry.Value), id)
}

func (s *Store) siblings(notebookID string) map[string]string {
	entry, _ := s.cache.Get(Key(notebookID))
	return entity.Siblings(records.Of[Note](entry.Value), func(n Note) string { return n.Title })
}

// sorted rebuilds a cache value from typed notes in list order.
func sorted(items []Note) []cache.Record {
	Sort(items)
	return records.From(items)
}

// Create adds an empty note to notebookID.
func (s *Store) Create(ctx context.Context, userID, notebookID string, p CreateParams) *executor.Pending {
	placeholder, serverID := entity.NewIDs()
	var note Note
	return s.exec.Execute(ctx, executor.Mutation{
		Kind:       executor.KindCreate,
		Collection: Collection,
		Keys:       []cache.Key{Key(notebookID)},
		Validate: func() error {
			if err := validate.ID("user id", userID); err != nil {
				return err
			}
			if err := validate.ID("notebook id", notebookID); err != nil {
				return err
			}
			title, err := validate.Text("Note title", p.Title, validate.MaxNoteTitle)
			if err != nil {
				return err
			}
			if err := validate.Unique("note", title, s.siblings(notebookID), ""); err != nil {
				return err
			}
			now := s.now().UTC()
			note = Note{
				ID:          placeholder,
				NotebookID:  notebookID,
				UserID:      userID,
				Title:       title,
				Content:     initialContent(p.IsChecklist),
				IsChecklist: p.IsChecklist,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			return nil
		},
		Speculate: func(_ cache.Key, current []cache.Record) ([]cache.Record, error) {
			note.OrderIndex = len(current)
			return sorted(records.Append(records.Of[Note](current), note)), nil
		},
		Commit: func(ctx context.Context) (any, error) {
			row, err := entity.Insert(ctx, s.client, remote.Notes, remote.Row{
				"id":           serverID,
				"notebook_id":  entity.ServerID(notebookID),
				"user_id":      note.UserID,
				"title":        note.Title,
				"content":      note.Content,
				"is_checklist": note.IsChecklist,
				"order_index":  note.OrderIndex,
			})
			if err != nil {
				return nil, err
			}
			return decode(row), nil
		},
		Reconcile: s.reconcile,
		Settled:   s.settled(userID),
	})
}

// Update applies a partial update to one note.
func (s *Store) Update(ctx context.Context, notebookID, id string, p UpdateParams) *executor.Pending {
	var userID string
	return s.exec.Execute(ctx, executor.Mutation{
		Kind:       executor.KindUpdate,
		Collection: Collection,
		Keys:       []cache.Key{Key(notebookID)},
		Validate: func() error {
			if err := validate.ID("note id", id); err != nil {
				return err
			}
			if p.empty() {
				return validate.NothingToUpdate()
			}
			title, err := validate.OptionalText("Note title", p.Title, validate.MaxNoteTitle)
			if err != nil {
				return err
			}
			p.Title = title
			if p.Title != nil {
				return validate.Unique("note", *p.Title, s.siblings(notebookID), id)
			}
			return nil
		},
		Speculate: func(_ cache.Key, current []cache.Record) ([]cache.Record, error) {
			return s.edit(current, id, func(n Note) Note {
				userID = n.UserID
				return p.apply(n)
			})
		},
		Commit: func(ctx context.Context) (any, error) {
			return s.commitUpdate(ctx, id, p.row())
		},
		Reconcile: s.reconcile,
		Settled:   func(err error) { s.settled(userID)(err) },
	})
}

// TogglePin flips a note's pinned flag. Each toggle writes the value it
// computed from the state left by earlier toggles, so two quick toggles land
// back where they started.
func (s *Store) TogglePin(ctx context.Context, notebookID, id string) *executor.Pending {
	var pinned bool
	return s.exec.Execute(ctx, executor.Mutation{
		Kind:       executor.KindToggle,
		Collection: Collection,
		Keys:       []cache.Key{Key(notebookID)},
		Validate: func() error {
			return validate.ID("note id", id)
		},
		Speculate: func(_ cache.Key, current []cache.Record) ([]cache.Record, error) {
			return s.edit(current, id, func(n Note) Note {
				n.IsPinned = !n.IsPinned
				pinned = n.IsPinned
				return n
			})
		},
		Commit: func(ctx context.Context) (any, error) {
			return s.commitUpdate(ctx, id, remote.Row{"is_pinned": pinned})
		},
		Reconcile: s.reconcile,
	})
}

// Delete removes a note and its checklist items.
func (s *Store) Delete(ctx context.Context, notebookID, id string) *executor.Pending {
	var userID string
	return s.exec.Execute(ctx, executor.Mutation{
		Kind:       executor.KindDelete,
		Collection: Collection,
		Keys:       []cache.Key{Key(notebookID)},
		Validate: func() error {
			return validate.ID("note id", id)
		},
		Speculate: func(_ cache.Key, current []cache.Record) ([]cache.Record, error) {
			items := records.Of[Note](current)
			n, err := records.MustFind(items, id)
			if err != nil {
				return nil, err
			}
			userID = n.UserID
			out, err := records.Remove(items, id)
			if err != nil {
				return nil, err
			}
			return records.From(out), nil
		},
		Commit: func(ctx context.Context) (any, error) {
			return nil, s.client.Delete(ctx, remote.Notes, entity.ServerID(id))
		},
		Settled: func(err error) {
			if err != nil {
				return
			}
			s.cache.InvalidateScope(remote.ChecklistItems, entity.ServerID(id))
			s.settled(userID)(nil)
		},
	})
}

// Move re-parents a note from one notebook to another. Both lists change
// together and roll back together.
func (s *Store) Move(ctx context.Context, id, from, to string) *executor.Pending {
	var note Note
	fromKey, toKey := Key(from), Key(to)
	return s.exec.Execute(ctx, executor.Mutation{
		Kind:       executor.KindMove,
		Collection: Collection,
		Keys:       []cache.Key{fromKey, toKey},
		Validate: func() error {
			if err := validate.ID("note id", id); err != nil {
				return err
			}
			if err := validate.ID("source notebook id", from); err != nil {
				return err
			}
			if err := validate.ID("target notebook id", to); err != nil {
				return err
			}
			if from == to {
				return errs.Invalid("note is already in that notebook")
			}
			n, ok := s.Get(from, id)
			if !ok {
				return nil
			}
			return validate.Unique("note", n.Title, s.siblings(to), id)
		},
		Speculate: func(key cache.Key, current []cache.Record) ([]cache.Record, error) {
			items := records.Of[Note](current)
			if key == fromKey {
				n, err := records.MustFind(items, id)
				if err != nil {
					return nil, err
				}
				note = n
				out, err := records.Remove(items, id)
				if err != nil {
					return nil, err
				}
				return records.From(out), nil
			}
			moved := note
			moved.NotebookID = to
			moved.OrderIndex = len(items)
			moved.UpdatedAt = s.now().UTC()
			note = moved
			return sorted(records.Append(items, moved)), nil
		},
		Commit: func(ctx context.Context) (any, error) {
			return s.commitUpdate(ctx, id, remote.Row{
				"notebook_id": entity.ServerID(to),
				"order_index": note.OrderIndex,
			})
		},
		Reconcile: func(key cache.Key, current []cache.Record, result any) []cache.Record {
			if key == fromKey {
				return current
			}
			return s.reconcile(key, current, result)
		},
		Settled: func(err error) { s.settled(note.UserID)(err) },
	})
}

// edit speculates a change to one note and keeps the list order.
func (s *Store) edit(current []cache.Record, id string, fn func(Note) Note) ([]cache.Record, error) {
	items := records.Of[Note](current)
	n, err := records.MustFind(items, id)
	if err != nil {
		return nil, err
	}
	n = fn(n)
	n.UpdatedAt = s.now().UTC()
	out, err := records.Replace(items, id, n)
	if err != nil {
		return nil, err
	}
	return sorted(out), nil
}

func (s *Store) commitUpdate(ctx context.Context, id string, patch remote.Row) (any, error) {
	row, err := s.client.Update(ctx, remote.Notes, entity.ServerID(id), patch)
	if err != nil {
		return nil, err
	}
	return decode(row), nil
}

func (s *Store) reconcile(key cache.Key, current []cache.Record, result any) []cache.Record {
	next := entity.ReconcileSaved[Note](key, current, result)
	return sorted(records.Of[Note](next))
}

func (s *Store) settled(userID string) func(error) {
	return func(err error) {
		if err != nil || userID == "" {
			return
		}
		for _, c := range derived {
			s.cache.InvalidateScope(c, userID)
		}
	}
}
