package export_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuitang/notebook-sync/internal/checklist"
	"github.com/kuitang/notebook-sync/internal/errs"
	"github.com/kuitang/notebook-sync/internal/export"
	"github.com/kuitang/notebook-sync/internal/notebooks"
	"github.com/kuitang/notebook-sync/internal/notes"
	"github.com/kuitang/notebook-sync/internal/remote"
	"github.com/kuitang/notebook-sync/internal/remote/remotetest"
	"github.com/kuitang/notebook-sync/internal/s3client"
	"github.com/kuitang/notebook-sync/internal/testdb"
)

const user = "user-1"

type fixture struct {
	h         *testdb.Harness
	notebooks *notebooks.Store
	objects   *s3client.Client
	exporter  *export.Exporter
}

func setup(t *testing.T, objects export.ObjectStore) *fixture {
	t.Helper()
	h := testdb.NewHarness(t)
	f := &fixture{h: h, notebooks: notebooks.NewStore(h.Remote, h.Exec, h.Listener, time.Minute)}
	if objects == nil {
		f.objects = s3client.TestClient(t, "exports")
		objects = f.objects
	}
	f.exporter = export.New(
		f.notebooks,
		notes.NewStore(h.Remote, h.Exec, h.Listener, time.Minute),
		checklist.NewItemStore(h.Remote, h.Exec, h.Listener, time.Minute),
		checklist.NewSubtaskStore(h.Remote, h.Exec, h.Listener, time.Minute),
		objects, time.Minute,
	)
	return f
}

func insert(t *testing.T, h *testdb.Harness, collection string, row remote.Row) string {
	t.Helper()
	out, err := h.DB.Insert(context.Background(), collection, row)
	require.NoError(t, err)
	return out.String("id")
}

// seedNotebook creates a notebook with one markdown note and one checklist
// note holding two items, the first with a subtask.
func seedNotebook(t *testing.T, h *testdb.Harness) string {
	t.Helper()
	nb := insert(t, h, remote.Notebooks, remote.Row{"user_id": user, "title": "Trip"})
	insert(t, h, remote.Notes, remote.Row{"notebook_id": nb, "user_id": user, "title": "Ideas", "content": "# Go north"})
	list := insert(t, h, remote.Notes, remote.Row{"notebook_id": nb, "user_id": user, "title": "Packing", "is_checklist": true})
	boots := insert(t, h, remote.ChecklistItems, remote.Row{"note_id": list, "user_id": user, "text": "boots", "order_index": 0})
	insert(t, h, remote.ChecklistItems, remote.Row{"note_id": list, "user_id": user, "text": "tent", "order_index": 1, "checked": true})
	insert(t, h, remote.ChecklistSubtasks, remote.Row{"item_id": boots, "user_id": user, "text": "waterproof"})
	return nb
}

// ============================================================================
// Export
// ============================================================================

func TestExport_WritesSnapshot(t *testing.T) {
	t.Parallel()
	f := setup(t, nil)
	ctx := context.Background()
	nb := seedNotebook(t, f.h)

	r, err := f.exporter.Export(ctx, user, nb)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(r.Key, "exports/"+user+"/"+nb+"/"), r.Key)
	assert.True(t, strings.HasSuffix(r.Key, ".json"))
	assert.NotEmpty(t, r.URL)
	assert.Equal(t, 2, r.Notes)
	assert.Equal(t, 2, r.Items)

	body, err := f.objects.GetObject(ctx, r.Key)
	require.NoError(t, err)
	assert.Len(t, body, r.Size)

	var snap export.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, 1, snap.Version)
	assert.Equal(t, "Trip", snap.Notebook.Title)
	require.Len(t, snap.Notes, 2)

	byTitle := map[string]export.Note{}
	for _, n := range snap.Notes {
		byTitle[n.Title] = n
	}
	assert.Equal(t, "# Go north", byTitle["Ideas"].Content)
	assert.Empty(t, byTitle["Ideas"].Items)

	packing := byTitle["Packing"]
	require.Len(t, packing.Items, 2)
	assert.Equal(t, "boots", packing.Items[0].Text)
	require.Len(t, packing.Items[0].Subtasks, 1)
	assert.Equal(t, "waterproof", packing.Items[0].Subtasks[0].Text)
	assert.True(t, packing.Items[1].Checked)
}

func TestExport_ListReturnsUserExports(t *testing.T) {
	t.Parallel()
	f := setup(t, nil)
	ctx := context.Background()
	nb := seedNotebook(t, f.h)

	r, err := f.exporter.Export(ctx, user, nb)
	require.NoError(t, err)

	objs, err := f.exporter.List(ctx, user)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, r.Key, objs[0].Key)
	assert.EqualValues(t, r.Size, objs[0].Size)

	objs, err = f.exporter.List(ctx, "someone-else")
	require.NoError(t, err)
	assert.Empty(t, objs)
}

func TestExport_UnknownNotebook(t *testing.T) {
	t.Parallel()
	f := setup(t, nil)
	ctx := context.Background()
	seedNotebook(t, f.h)

	_, err := f.exporter.Export(ctx, user, "missing")
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))

	_, err = f.exporter.Export(ctx, "", "missing")
	assert.True(t, errs.IsValidation(err))
}

func TestExport_PendingNotebookIsNotExported(t *testing.T) {
	t.Parallel()
	f := setup(t, nil)
	ctx := context.Background()
	_, err := f.notebooks.Load(ctx, user)
	require.NoError(t, err)

	_, release := f.h.Remote.Block(remotetest.OpInsert, remote.Notebooks)
	p := f.notebooks.Create(ctx, user, notebooks.CreateParams{Title: "Draft"})
	id := f.notebooks.List(user)[0].ID

	_, err = f.exporter.Export(ctx, user, id)
	assert.Equal(t, errs.FailedPrecondition, errs.CodeOf(err))

	release(nil)
	require.NoError(t, p.Wait(ctx))
}

func TestExport_RemoteFailureSurfaces(t *testing.T) {
	t.Parallel()
	f := setup(t, nil)
	ctx := context.Background()
	nb := seedNotebook(t, f.h)

	f.h.Remote.FailNext(remotetest.OpSelect, remote.Notes, errs.New(errs.Unavailable, "offline"))
	_, err := f.exporter.Export(ctx, user, nb)
	assert.Equal(t, errs.Unavailable, errs.CodeOf(err))

	objs, err := f.exporter.List(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, objs, "nothing is stored when the snapshot fails")
}

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, []byte, string) error {
	return errs.Wrap(errs.Unavailable, "failed to store object", errors.New("connection refused"))
}

func (failingStore) PresignGet(context.Context, string, time.Duration) (string, error) {
	return "", errors.New("unreachable")
}

func (failingStore) List(context.Context, string) ([]s3client.Object, error) {
	return nil, nil
}

func TestExport_StorageFailure(t *testing.T) {
	t.Parallel()
	f := setup(t, failingStore{})
	nb := seedNotebook(t, f.h)

	_, err := f.exporter.Export(context.Background(), user, nb)
	assert.Equal(t, errs.Unavailable, errs.CodeOf(err))
	assert.Equal(t, "Network error. Please check your connection", errs.FriendlyMessage(err))
}
