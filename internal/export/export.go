// Package export writes JSON snapshots of a notebook to object storage.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kuitang/notebook-sync/internal/checklist"
	"github.com/kuitang/notebook-sync/internal/entity"
	"github.com/kuitang/notebook-sync/internal/errs"
	"github.com/kuitang/notebook-sync/internal/notebooks"
	"github.com/kuitang/notebook-sync/internal/notes"
	"github.com/kuitang/notebook-sync/internal/obs"
	"github.com/kuitang/notebook-sync/internal/s3client"
	"github.com/kuitang/notebook-sync/internal/validate"
)

// DefaultLinkTTL is how long a download link stays valid.
const DefaultLinkTTL = 15 * time.Minute

// Notes are loaded with at most this many concurrent reads.
const loadConcurrency = 4

// ObjectStore is the subset of s3client.Client the exporter needs.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, content []byte, contentType string) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	List(ctx context.Context, prefix string) ([]s3client.Object, error)
}

// Snapshot is the exported document.
type Snapshot struct {
	Version    int                `json:"version"`
	ExportedAt time.Time          `json:"exported_at"`
	Notebook   notebooks.Notebook `json:"notebook"`
	Notes      []Note             `json:"notes"`
}

// Note is a note with its checklist, if any.
type Note struct {
	notes.Note
	Items []Item `json:"items,omitempty"`
}

// Item is a checklist item with its subtasks.
type Item struct {
	checklist.Item
	Subtasks []checklist.Subtask `json:"subtasks,omitempty"`
}

// Receipt describes a written export.
type Receipt struct {
	Key        string    `json:"key"`
	URL        string    `json:"url"`
	Size       int       `json:"size"`
	Notes      int       `json:"notes"`
	Items      int       `json:"items"`
	ExportedAt time.Time `json:"exported_at"`
}

// Exporter reads through the entity stores, so an export sees the same
// state, speculative writes included, as every other reader.
type Exporter struct {
	notebooks *notebooks.Store
	notes     *notes.Store
	items     *checklist.ItemStore
	subtasks  *checklist.SubtaskStore
	objects   ObjectStore
	linkTTL   time.Duration
	now       func() time.Time
}

// New creates an Exporter. A zero linkTTL uses DefaultLinkTTL.
func New(nb *notebooks.Store, ns *notes.Store, items *checklist.ItemStore, subtasks *checklist.SubtaskStore, objects ObjectStore, linkTTL time.Duration) *Exporter {
	if linkTTL <= 0 {
		linkTTL = DefaultLinkTTL
	}
	return &Exporter{
		notebooks: nb,
		notes:     ns,
		items:     items,
		subtasks:  subtasks,
		objects:   objects,
		linkTTL:   linkTTL,
		now:       time.Now,
	}
}

func prefix(userID string) string {
	return "exports/" + userID + "/"
}

// Export snapshots notebookID and stores it under a timestamped key.
func (e *Exporter) Export(ctx context.Context, userID, notebookID string) (Receipt, error) {
	if err := validate.ID("user id", userID); err != nil {
		return Receipt{}, err
	}
	if err := validate.ID("notebook id", notebookID); err != nil {
		return Receipt{}, err
	}

	snap, err := e.snapshot(ctx, userID, notebookID)
	if err != nil {
		return Receipt{}, err
	}
	body, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return Receipt{}, errs.Wrap(errs.Internal, "failed to encode export", err)
	}

	key := fmt.Sprintf("%s%s/%s.json", prefix(userID), snap.Notebook.ID, snap.ExportedAt.Format("20060102T150405.000Z"))
	if err := e.objects.PutObject(ctx, key, body, "application/json"); err != nil {
		return Receipt{}, err
	}
	url, err := e.objects.PresignGet(ctx, key, e.linkTTL)
	if err != nil {
		return Receipt{}, err
	}

	r := Receipt{Key: key, URL: url, Size: len(body), Notes: len(snap.Notes), ExportedAt: snap.ExportedAt}
	for _, n := range snap.Notes {
		r.Items += len(n.Items)
	}
	obs.From(ctx).Info("notebook_exported", "notebook_id", snap.Notebook.ID, "key", key, "bytes", r.Size, "notes", r.Notes)
	return r, nil
}

// List returns userID's stored exports.
func (e *Exporter) List(ctx context.Context, userID string) ([]s3client.Object, error) {
	if err := validate.ID("user id", userID); err != nil {
		return nil, err
	}
	return e.objects.List(ctx, prefix(userID))
}

func (e *Exporter) snapshot(ctx context.Context, userID, notebookID string) (Snapshot, error) {
	all, err := e.notebooks.Load(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	var nb notebooks.Notebook
	found := false
	for _, n := range all {
		if entity.SameRecord(n.ID, notebookID) {
			nb, found = n, true
			break
		}
	}
	if !found {
		return Snapshot{}, errs.New(errs.NotFound, "notebook not found")
	}
	if entity.IsPlaceholder(nb.ID) {
		return Snapshot{}, errs.New(errs.FailedPrecondition, "notebook is still being saved")
	}

	list, err := e.notes.Load(ctx, nb.ID)
	if err != nil {
		return Snapshot{}, err
	}
	out := make([]Note, len(list))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for i, n := range list {
		out[i] = Note{Note: n}
		if !n.IsChecklist || entity.IsPlaceholder(n.ID) {
			continue
		}
		g.Go(func() error {
			items, err := e.checklist(gctx, n.ID)
			if err != nil {
				return err
			}
			out[i].Items = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		Version:    1,
		ExportedAt: e.now().UTC(),
		Notebook:   nb,
		Notes:      out,
	}, nil
}

func (e *Exporter) checklist(ctx context.Context, noteID string) ([]Item, error) {
	items, err := e.items.Load(ctx, noteID)
	if err != nil {
		return nil, err
	}
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = Item{Item: it}
		if entity.IsPlaceholder(it.ID) {
			continue
		}
		subs, err := e.subtasks.Load(ctx, it.ID)
		if err != nil {
			return nil, err
		}
		out[i].Subtasks = subs
	}
	return out, nil
}
