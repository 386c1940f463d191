// Package stats derives dashboard totals for a user from the remote store.
package stats

import (
	"context"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kuitang/notebook-sync/internal/cache"
	"github.com/kuitang/notebook-sync/internal/realtime"
	"github.com/kuitang/notebook-sync/internal/records"
	"github.com/kuitang/notebook-sync/internal/remote"
	"github.com/kuitang/notebook-sync/internal/validate"
)

// Collection is the cache collection holding statistics.
const Collection = "statistics"

// DefaultStaleTime is how long statistics are served without a refresh.
const DefaultStaleTime = 30 * time.Second

// Statistics are a user's totals. CompletionRate is a whole percentage.
type Statistics struct {
	UserID         string    `json:"-"`
	TotalNotebooks int       `json:"total_notebooks"`
	TotalNotes     int       `json:"total_notes"`
	TotalTasks     int       `json:"total_tasks"`
	CompletedTasks int       `json:"completed_tasks"`
	CompletionRate int       `json:"completion_rate"`
	ComputedAt     time.Time `json:"computed_at"`
}

func (s Statistics) RecordID() string           { return s.UserID }
func (s Statistics) RecordUpdatedAt() time.Time { return s.ComputedAt }

// Key returns the cache key of userID's statistics.
func Key(userID string) cache.Key {
	return cache.NewKey(Collection, userID)
}

// CompletionRate returns completed as a rounded percentage of total, or 0
// when there is nothing to complete.
func CompletionRate(completed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(completed) / float64(total) * 100))
}

// Service serves cached statistics.
type Service struct {
	cache    *cache.Cache
	listener *realtime.Listener
}

// NewService registers the statistics loader on c.
func NewService(client remote.Client, c *cache.Cache, listener *realtime.Listener, staleTime time.Duration) *Service {
	if staleTime <= 0 {
		staleTime = DefaultStaleTime
	}
	c.Register(Collection, staleTime, func(ctx context.Context, key cache.Key) ([]cache.Record, error) {
		st, err := compute(ctx, client, key.Param(0))
		if err != nil {
			return nil, err
		}
		return []cache.Record{st}, nil
	})
	return &Service{cache: c, listener: listener}
}

func (s *Service) watch(userID string) {
	if s.listener == nil {
		return
	}
	for _, table := range []string{remote.Notebooks, remote.Notes, remote.ChecklistItems} {
		s.listener.Watch(table, "user_id", userID, Collection)
	}
}

// Current returns the cached statistics for userID, zero until the first
// load lands.
func (s *Service) Current(userID string) Statistics {
	s.watch(userID)
	return first(s.cache.Read(Key(userID)).Value, userID)
}

// Load returns userID's statistics, waiting for a refresh when needed.
func (s *Service) Load(ctx context.Context, userID string) (Statistics, error) {
	if err := validate.ID("user id", userID); err != nil {
		return Statistics{}, err
	}
	s.watch(userID)
	entry, err := s.cache.Fetch(ctx, Key(userID))
	if err != nil {
		return Statistics{UserID: userID}, err
	}
	return first(entry.Value, userID), nil
}

func first(value []cache.Record, userID string) Statistics {
	if all := records.Of[Statistics](value); len(all) > 0 {
		return all[0]
	}
	return Statistics{UserID: userID}
}

func compute(ctx context.Context, client remote.Client, userID string) (Statistics, error) {
	st := Statistics{UserID: userID}
	g, ctx := errgroup.WithContext(ctx)
	count := func(dst *int, collection string, q remote.Query) {
		g.Go(func() error {
			n, err := client.Count(ctx, collection, q)
			*dst = n
			return err
		})
	}
	count(&st.TotalNotebooks, remote.Notebooks, remote.Where("user_id", userID))
	count(&st.TotalNotes, remote.Notes, remote.Where("user_id", userID, "is_archived", false))
	count(&st.TotalTasks, remote.ChecklistItems, remote.Where("user_id", userID))
	count(&st.CompletedTasks, remote.ChecklistItems, remote.Where("user_id", userID, "checked", true))
	if err := g.Wait(); err != nil {
		return Statistics{}, err
	}
	st.CompletionRate = CompletionRate(st.CompletedTasks, st.TotalTasks)
	st.ComputedAt = time.Now().UTC()
	return st, nil
}
