package sqlstore_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/notebook-sync/internal/errs"
	"github.com/kuitang/notebook-sync/internal/remote"
	"github.com/kuitang/notebook-sync/internal/testdb"
)

func seedNotebook(t *testing.T, store remote.Client, userID, title string) remote.Row {
	t.Helper()
	row, err := store.Insert(context.Background(), remote.Notebooks, remote.Row{
		"user_id": userID,
		"title":   title,
	})
	require.NoError(t, err)
	return row
}

func TestStore_InsertSelectUpdateDelete(t *testing.T) {
	t.Parallel()
	store, _ := testdb.Open(t)
	ctx := context.Background()

	nb := seedNotebook(t, store, "u1", "Groceries")
	assert.NotEmpty(t, nb.String("id"))
	assert.False(t, nb.Time("created_at").IsZero())
	assert.False(t, nb.Bool("is_archived"))

	updated, err := store.Update(ctx, remote.Notebooks, nb.String("id"), remote.Row{"title": "Food", "is_archived": true})
	require.NoError(t, err)
	assert.Equal(t, "Food", updated.String("title"))
	assert.True(t, updated.Bool("is_archived"))
	assert.False(t, updated.Time("updated_at").Before(nb.Time("updated_at")))

	rows, err := store.Select(ctx, remote.Notebooks, remote.Where("user_id", "u1"))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	n, err := store.Count(ctx, remote.Notebooks, remote.Where("user_id", "u2"))
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, store.Delete(ctx, remote.Notebooks, nb.String("id")))
	rows, err = store.Select(ctx, remote.Notebooks, remote.Where("user_id", "u1"))
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.NotNil(t, rows, "empty result is an empty slice")
}

func TestStore_ErrorCodes(t *testing.T) {
	t.Parallel()
	store, _ := testdb.Open(t)
	ctx := context.Background()
	nb := seedNotebook(t, store, "u1", "Groceries")

	_, err := store.Insert(ctx, remote.Notebooks, remote.Row{"user_id": "u1", "title": "  GROCERIES "})
	assert.Equal(t, errs.AlreadyExists, errs.CodeOf(err), "sibling titles are unique case-insensitively")

	_, err = store.Insert(ctx, remote.Notebooks, remote.Row{"user_id": "u2", "title": "Groceries"})
	assert.NoError(t, err, "other users may reuse the title")

	_, err = store.Insert(ctx, remote.Notebooks, remote.Row{"id": nb.String("id"), "user_id": "u1", "title": "Other"})
	assert.Equal(t, errs.AlreadyExists, errs.CodeOf(err), "replayed insert must not duplicate")

	_, err = store.Insert(ctx, remote.Notes, remote.Row{"notebook_id": "missing", "user_id": "u1", "title": "x"})
	assert.Equal(t, errs.FailedPrecondition, errs.CodeOf(err))

	_, err = store.Update(ctx, remote.Notebooks, "missing", remote.Row{"title": "x"})
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))

	assert.Equal(t, errs.NotFound, errs.CodeOf(store.Delete(ctx, remote.Notebooks, "missing")))

	_, err = store.Update(ctx, remote.Notebooks, nb.String("id"), remote.Row{"user_id": "u2"})
	assert.True(t, errs.IsValidation(err), "user_id is not updatable")

	_, err = store.Select(ctx, "users", remote.Query{})
	assert.True(t, errs.IsValidation(err))
}

func TestStore_CascadeDelete(t *testing.T) {
	t.Parallel()
	store, _ := testdb.Open(t)
	ctx := context.Background()
	nb := seedNotebook(t, store, "u1", "Work")
	note, err := store.Insert(ctx, remote.Notes, remote.Row{"notebook_id": nb.String("id"), "user_id": "u1", "title": "Todo", "is_checklist": true})
	require.NoError(t, err)
	_, err = store.Insert(ctx, remote.ChecklistItems, remote.Row{"note_id": note.String("id"), "user_id": "u1", "text": "a"})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, remote.Notebooks, nb.String("id")))
	n, err := store.Count(ctx, remote.ChecklistItems, remote.Where("user_id", "u1"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_PublishesChanges(t *testing.T) {
	t.Parallel()
	store, hub := testdb.Open(t)
	ctx := context.Background()

	var signals atomic.Int32
	hub.Subscribe(remote.Notebooks, []remote.Filter{{Column: "user_id", Value: "u1"}}, func() { signals.Add(1) })

	nb := seedNotebook(t, store, "u1", "A")
	require.Eventually(t, func() bool { return signals.Load() >= 1 }, time.Second, time.Millisecond)

	before := signals.Load()
	seedNotebook(t, store, "u2", "B")
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, before, signals.Load(), "other users' writes do not signal")

	require.NoError(t, store.Delete(ctx, remote.Notebooks, nb.String("id")))
	require.Eventually(t, func() bool { return signals.Load() > before }, time.Second, time.Millisecond)
}

// ============================================================================
// Ordering
// ============================================================================

func testStore_OrderByIndex(t *rapid.T) {
	store, err := testdb.NewStoreInMemory(nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	n := rapid.IntRange(1, 8).Draw(t, "n")
	indices := rapid.Permutation(seq(n)).Draw(t, "indices")
	for i := 0; i < n; i++ {
		_, err := store.Insert(ctx, remote.Notebooks, remote.Row{
			"user_id":     "u1",
			"title":       fmt.Sprintf("notebook %d", i),
			"order_index": indices[i],
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	rows, err := store.Select(ctx, remote.Notebooks, remote.Where("user_id", "u1").OrderBy("order_index", false))
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rows) != n {
		t.Fatalf("got %d rows, want %d", len(rows), n)
	}
	for i, row := range rows {
		if row.Int("order_index") != i {
			t.Fatalf("row %d has order_index %d", i, row.Int("order_index"))
		}
	}
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestStore_OrderByIndex(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testStore_OrderByIndex)
}
