package checklist_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/notebook-sync/internal/cache"
	"github.com/kuitang/notebook-sync/internal/checklist"
	"github.com/kuitang/notebook-sync/internal/errs"
	"github.com/kuitang/notebook-sync/internal/executor"
	"github.com/kuitang/notebook-sync/internal/records"
	"github.com/kuitang/notebook-sync/internal/remote"
	"github.com/kuitang/notebook-sync/internal/remote/remotetest"
	"github.com/kuitang/notebook-sync/internal/testdb"
)

const user = "user-1"

type fixture struct {
	*testdb.Harness
	items    *checklist.ItemStore
	subtasks *checklist.SubtaskStore
	noteID   string
}

// fataler is satisfied by both *testing.T and *rapid.T.
type fataler interface {
	Fatalf(format string, args ...any)
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	return setup(t, testdb.NewHarness(t))
}

func setup(t fataler, h *testdb.Harness) fixture {
	ctx := context.Background()
	nb, err := h.DB.Insert(ctx, remote.Notebooks, remote.Row{"user_id": user, "title": "Lists"})
	if err != nil {
		t.Fatalf("seed notebook: %v", err)
	}
	note, err := h.DB.Insert(ctx, remote.Notes, remote.Row{
		"notebook_id":  nb.String("id"),
		"user_id":      user,
		"title":        "Groceries",
		"is_checklist": true,
	})
	if err != nil {
		t.Fatalf("seed note: %v", err)
	}
	return fixture{
		Harness:  h,
		items:    checklist.NewItemStore(h.Remote, h.Exec, h.Listener, time.Minute),
		subtasks: checklist.NewSubtaskStore(h.Remote, h.Exec, h.Listener, time.Minute),
		noteID:   note.String("id"),
	}
}

func (f fixture) seedItems(t fataler, texts ...string) []string {
	ids := make([]string, len(texts))
	for i, text := range texts {
		row, err := f.DB.Insert(context.Background(), remote.ChecklistItems, remote.Row{
			"note_id":     f.noteID,
			"user_id":     user,
			"text":        text,
			"order_index": i,
		})
		if err != nil {
			t.Fatalf("seed item: %v", err)
		}
		ids[i] = row.String("id")
	}
	return ids
}

func texts(items []checklist.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Text
	}
	return out
}

func wait(t *testing.T, p *executor.Pending) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

// ============================================================================
// Scenarios
// ============================================================================

func TestItems_CreateThenImmediateFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	before, err := f.items.Load(ctx, f.noteID)
	require.NoError(t, err)
	require.Empty(t, before)

	entered, release := f.Remote.Block(remotetest.OpInsert, remote.ChecklistItems)
	p := f.items.Create(ctx, user, f.noteID, "buy milk")
	got := f.items.List(f.noteID)
	require.Len(t, got, 1)
	assert.Equal(t, "buy milk", got[0].Text)
	assert.False(t, got[0].Checked)

	<-entered
	release(errs.New(errs.Unavailable, "network unreachable"))
	err = wait(t, p)
	assert.True(t, errs.IsRemote(err))
	assert.Equal(t, errs.Unavailable, errs.CodeOf(err))

	entry, _ := f.Cache.Get(f.items.Key(f.noteID))
	assert.Empty(t, entry.Value)
	assert.NotNil(t, entry.Value, "rollback restores the empty list, not absence")
}

func TestItems_ToggleRace(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	ids := f.seedItems(t, "a")
	_, err := f.items.Load(ctx, f.noteID)
	require.NoError(t, err)

	entered, release := f.Remote.Block(remotetest.OpUpdate, remote.ChecklistItems)
	first := f.items.Toggle(ctx, f.noteID, ids[0])
	second := f.items.Toggle(ctx, f.noteID, ids[0])

	<-entered
	release(nil)
	require.NoError(t, wait(t, first))
	require.NoError(t, wait(t, second))

	got := f.items.List(f.noteID)
	require.Len(t, got, 1)
	assert.False(t, got[0].Checked, "toggled twice")
	rows, err := f.DB.Select(ctx, remote.ChecklistItems, remote.Where("id", ids[0]))
	require.NoError(t, err)
	assert.False(t, rows[0].Bool("checked"))
}

func TestItems_FirstToggleFailsAbortsSecond(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	ids := f.seedItems(t, "a")
	_, err := f.items.Load(ctx, f.noteID)
	require.NoError(t, err)

	entered, release := f.Remote.Block(remotetest.OpUpdate, remote.ChecklistItems)
	first := f.items.Toggle(ctx, f.noteID, ids[0])
	second := f.items.Toggle(ctx, f.noteID, ids[0])
	<-entered
	release(errs.New(errs.Unavailable, "offline"))

	assert.Equal(t, errs.Unavailable, errs.CodeOf(wait(t, first)))
	assert.Equal(t, errs.Aborted, errs.CodeOf(wait(t, second)))
	got := f.items.List(f.noteID)
	assert.False(t, got[0].Checked)
	assert.Equal(t, 1, f.Remote.Calls(remotetest.OpUpdate, remote.ChecklistItems), "aborted toggle never commits")
}

// ============================================================================
// Validation and edits
// ============================================================================

func TestItems_Validation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.items.Load(ctx, f.noteID)
	require.NoError(t, err)

	err = wait(t, f.items.Create(ctx, user, f.noteID, "   "))
	assert.Equal(t, "Item text cannot be empty", errs.FriendlyMessage(err))
	err = wait(t, f.items.Create(ctx, user, f.noteID, strings.Repeat("x", 501)))
	assert.True(t, errs.IsValidation(err))
	err = wait(t, f.items.Update(ctx, f.noteID, "any", checklist.UpdateParams{}))
	assert.True(t, errs.IsValidation(err))

	entry, _ := f.Cache.Get(f.items.Key(f.noteID))
	assert.Equal(t, cache.StateFresh, entry.State, "validation failures leave the cache untouched")
	assert.Zero(t, f.Remote.Calls(remotetest.OpInsert, remote.ChecklistItems))
}

func TestItems_UpdateAndDelete(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	ids := f.seedItems(t, "eggs", "bread")
	_, err := f.items.Load(ctx, f.noteID)
	require.NoError(t, err)

	text := " free-range eggs "
	done := true
	saved, err := executor.Await[checklist.Item](ctx, f.items.Update(ctx, f.noteID, ids[0], checklist.UpdateParams{Text: &text, Checked: &done}))
	require.NoError(t, err)
	assert.Equal(t, "free-range eggs", saved.Text)
	assert.True(t, saved.Checked)
	assert.Equal(t, checklist.Progress{Done: 1, Total: 2}, f.items.Progress(f.noteID))

	require.NoError(t, wait(t, f.items.Delete(ctx, f.noteID, ids[1])))
	assert.Equal(t, []string{"free-range eggs"}, texts(f.items.List(f.noteID)))
	assert.True(t, f.items.Progress(f.noteID).Complete())
}

// ============================================================================
// Reorder
// ============================================================================

func testItemReorder_Dense(t *rapid.T) {
	n := rapid.IntRange(2, 6).Draw(t, "n")
	h, err := testdb.StartHarness()
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	defer h.Close()
	f := setup(t, h)
	ctx := context.Background()

	seeded := make([]string, n)
	for i := range seeded {
		seeded[i] = strings.Repeat("x", i+1)
	}
	ids := f.seedItems(t, seeded...)
	if _, err := f.items.Load(ctx, f.noteID); err != nil {
		t.Fatalf("load: %v", err)
	}
	order := rapid.Permutation(ids).Draw(t, "order")

	if err := f.items.Reorder(ctx, f.noteID, order).Wait(ctx); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	got := f.items.List(f.noteID)
	if !records.IsDense(got) {
		t.Fatalf("positions not dense after reorder: %+v", got)
	}
	for i, it := range got {
		if it.ID != order[i] {
			t.Fatalf("position %d holds %s, want %s", i, it.ID, order[i])
		}
	}
}

func TestItemReorder_Dense(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testItemReorder_Dense)
}

// ============================================================================
// Subtasks
// ============================================================================

func TestSubtasks_WriteRefreshesParentItems(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	ids := f.seedItems(t, "pack")
	_, err := f.items.Load(ctx, f.noteID)
	require.NoError(t, err)
	_, err = f.subtasks.Load(ctx, ids[0])
	require.NoError(t, err)

	loads := f.Remote.Calls(remotetest.OpSelect, remote.ChecklistItems)

	sub, err := executor.Await[checklist.Subtask](ctx, f.subtasks.Create(ctx, user, ids[0], "socks"))
	require.NoError(t, err)
	assert.Equal(t, ids[0], sub.ItemID)
	assert.Equal(t, 0, sub.OrderIndex)

	require.NoError(t, wait(t, f.subtasks.Toggle(ctx, ids[0], sub.ID)))
	assert.Equal(t, checklist.Progress{Done: 1, Total: 1}, f.subtasks.Progress(ids[0]))
	require.Eventually(t, func() bool {
		return f.Remote.Calls(remotetest.OpSelect, remote.ChecklistItems) > loads
	}, 2*time.Second, time.Millisecond, "parent item lists are refreshed")
}

func TestSubtasks_DeleteUnknownIsLocalMiss(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	ids := f.seedItems(t, "pack")
	_, err := f.subtasks.Load(ctx, ids[0])
	require.NoError(t, err)

	err = wait(t, f.subtasks.Delete(ctx, ids[0], "ghost"))
	assert.Equal(t, errs.NotFoundLocal, errs.CodeOf(err))
	assert.Equal(t, "The requested item was not found", errs.FriendlyMessage(err))
	assert.Zero(t, f.Remote.Calls(remotetest.OpDelete, remote.ChecklistSubtasks))
}
