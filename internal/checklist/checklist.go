// Package checklist holds the entity stores for checklist items and their
// subtasks. Both keep rows in position order under their parent.
package checklist

import (
	"time"

	"github.com/kuitang/notebook-sync/internal/executor"
	"github.com/kuitang/notebook-sync/internal/realtime"
	"github.com/kuitang/notebook-sync/internal/remote"
)

// Cache collections.
const (
	ItemsCollection    = remote.ChecklistItems
	SubtasksCollection = remote.ChecklistSubtasks
)

// ItemStore runs checklist item reads and optimistic writes, keyed by note.
type ItemStore struct {
	*list[Item]
}

// NewItemStore registers the items loader on the executor's cache.
func NewItemStore(client remote.Client, exec *executor.Executor, listener *realtime.Listener, staleTime time.Duration) *ItemStore {
	c := exec.Cache()
	s := &ItemStore{&list[Item]{
		collection:   ItemsCollection,
		parentColumn: "note_id",
		label:        "Item text",

		parentCollection: remote.Notes,
		parentLabel:      "note",

		decode: decodeItem,
		build: func(id, parent, user, text string, at time.Time) Item {
			return Item{ID: id, NoteID: parent, UserID: user, Text: text, CreatedAt: at, UpdatedAt: at}
		},
		client:   client,
		exec:     exec,
		cache:    c,
		listener: listener,
		now:      time.Now,
		afterWrite: func(_, userID string) {
			if userID != "" {
				c.InvalidateScope("statistics", userID)
			}
		},
	}}
	s.register(staleTime)
	return s
}

// SubtaskStore runs subtask reads and optimistic writes, keyed by item.
// Every successful write also refreshes cached item lists so parent
// progress stays current.
type SubtaskStore struct {
	*list[Subtask]
}

// NewSubtaskStore registers the subtasks loader on the executor's cache.
func NewSubtaskStore(client remote.Client, exec *executor.Executor, listener *realtime.Listener, staleTime time.Duration) *SubtaskStore {
	c := exec.Cache()
	s := &SubtaskStore{&list[Subtask]{
		collection:   SubtasksCollection,
		parentColumn: "item_id",
		label:        "Subtask text",

		parentCollection: remote.ChecklistItems,
		parentLabel:      "checklist item",

		decode: decodeSubtask,
		build: func(id, parent, user, text string, at time.Time) Subtask {
			return Subtask{ID: id, ItemID: parent, UserID: user, Text: text, CreatedAt: at, UpdatedAt: at}
		},
		client:   client,
		exec:     exec,
		cache:    c,
		listener: listener,
		now:      time.Now,
		afterWrite: func(string, string) {
			c.InvalidatePrefix(ItemsCollection)
		},
	}}
	s.register(staleTime)
	return s
}
