// Package search is the client-side search index over a user's notebooks
// and notes. Both lists are cached per user and matched in memory.
package search

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kuitang/notebook-sync/internal/cache"
	"github.com/kuitang/notebook-sync/internal/entity"
	"github.com/kuitang/notebook-sync/internal/realtime"
	"github.com/kuitang/notebook-sync/internal/records"
	"github.com/kuitang/notebook-sync/internal/remote"
	"github.com/kuitang/notebook-sync/internal/validate"
)

// Cache collections.
const (
	NotebooksCollection = "search_notebooks"
	NotesCollection     = "search_notes"
)

// DefaultStaleTime is how long search lists are served without a refresh.
const DefaultStaleTime = 5 * time.Minute

// Kind tells notebooks and notes apart in results.
type Kind string

const (
	KindNotebook Kind = "notebook"
	KindNote     Kind = "note"
)

// Result is one search hit.
type Result struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"type"`
	Title         string    `json:"title"`
	Preview       string    `json:"content,omitempty"`
	NotebookID    string    `json:"notebook_id,omitempty"`
	NotebookTitle string    `json:"notebook_title,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	body string
}

func (r Result) RecordID() string           { return r.ID }
func (r Result) RecordUpdatedAt() time.Time { return r.UpdatedAt }

func (r Result) matches(term string) bool {
	return strings.Contains(strings.ToLower(r.Title), term) ||
		strings.Contains(strings.ToLower(r.body), term)
}

// NotebooksKey and NotesKey return the cache keys of userID's index.
func NotebooksKey(userID string) cache.Key { return cache.NewKey(NotebooksCollection, userID) }
func NotesKey(userID string) cache.Key     { return cache.NewKey(NotesCollection, userID) }

// Index answers search queries for any user.
type Index struct {
	cache    *cache.Cache
	listener *realtime.Listener
}

// NewIndex registers the search loaders on c.
func NewIndex(client remote.Client, c *cache.Cache, listener *realtime.Listener, staleTime time.Duration) *Index {
	if staleTime <= 0 {
		staleTime = DefaultStaleTime
	}
	byUser := func(key cache.Key) remote.Query {
		return remote.Where("user_id", key.Param(0))
	}
	c.Register(NotebooksCollection, staleTime, entity.Loader(client, remote.Notebooks, byUser, decodeNotebook))
	c.Register(NotesCollection, staleTime, entity.Loader(client, remote.Notes, byUser, decodeNote))
	return &Index{cache: c, listener: listener}
}

func (x *Index) watch(userID string) {
	if x.listener == nil {
		return
	}
	x.listener.Watch(remote.Notebooks, "user_id", userID, NotebooksCollection)
	x.listener.Watch(remote.Notes, "user_id", userID, NotesCollection)
}

// Results matches term against whatever is cached for userID, starting
// loads as needed. It never blocks.
func (x *Index) Results(userID, term string) []Result {
	x.watch(userID)
	notebooks := records.Of[Result](x.cache.Read(NotebooksKey(userID)).Value)
	notes := records.Of[Result](x.cache.Read(NotesKey(userID)).Value)
	return match(notebooks, notes, term)
}

// Query waits for userID's index to be current and matches term against it.
func (x *Index) Query(ctx context.Context, userID, term string) ([]Result, error) {
	if err := validate.ID("user id", userID); err != nil {
		return nil, err
	}
	x.watch(userID)
	var notebooks, notes []Result
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		entry, err := x.cache.Fetch(ctx, NotebooksKey(userID))
		notebooks = records.Of[Result](entry.Value)
		return err
	})
	g.Go(func() error {
		entry, err := x.cache.Fetch(ctx, NotesKey(userID))
		notes = records.Of[Result](entry.Value)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return match(notebooks, notes, term), nil
}

// match returns notebooks and notes containing term case-insensitively,
// titles starting with term first and then the most recently updated.
func match(notebooks, notes []Result, term string) []Result {
	term = strings.ToLower(strings.TrimSpace(term))
	out := []Result{}
	if term == "" {
		return out
	}
	titles := make(map[string]string, len(notebooks))
	for _, nb := range notebooks {
		titles[nb.ID] = nb.Title
		if nb.matches(term) {
			out = append(out, nb)
		}
	}
	for _, n := range notes {
		if n.matches(term) {
			n.NotebookTitle = titles[n.NotebookID]
			out = append(out, n)
		}
	}
	slices.SortStableFunc(out, func(a, b Result) int {
		ap := strings.HasPrefix(strings.ToLower(a.Title), term)
		bp := strings.HasPrefix(strings.ToLower(b.Title), term)
		if ap != bp {
			if ap {
				return -1
			}
			return 1
		}
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func decodeNotebook(row remote.Row) Result {
	return Result{
		ID:        row.String("id"),
		Kind:      KindNotebook,
		Title:     row.String("title"),
		CreatedAt: row.Time("created_at"),
		UpdatedAt: row.Time("updated_at"),
	}
}

func decodeNote(row remote.Row) Result {
	title := row.String("title")
	if title == "" {
		title = "Untitled"
	}
	content := row.String("content")
	if row.Bool("is_checklist") {
		// Checklist rows live in their own tables; the body holds no text.
		content = ""
	}
	return Result{
		ID:         row.String("id"),
		Kind:       KindNote,
		Title:      title,
		Preview:    Preview(content, PreviewLength),
		NotebookID: row.String("notebook_id"),
		CreatedAt:  row.Time("created_at"),
		UpdatedAt:  row.Time("updated_at"),
		body:       content,
	}
}
