package checklist

import (
	"time"

	"github.com/kuitang/notebook-sync/internal/records"
	"github.com/kuitang/notebook-sync/internal/remote"
)

// Item is one row of a checklist note.
type Item struct {
	ID         string    `json:"id"`
	NoteID     string    `json:"note_id"`
	UserID     string    `json:"user_id"`
	Text       string    `json:"text"`
	Checked    bool      `json:"checked"`
	OrderIndex int       `json:"order_index"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (i Item) RecordID() string           { return i.ID }
func (i Item) RecordUpdatedAt() time.Time { return i.UpdatedAt }
func (i Item) Position() int              { return i.OrderIndex }
func (i Item) text() string               { return i.Text }
func (i Item) checked() bool              { return i.Checked }
func (i Item) parent() string             { return i.NoteID }
func (i Item) owner() string              { return i.UserID }

func (i Item) WithPosition(n int) Item {
	i.OrderIndex = n
	return i
}

func (i Item) with(text *string, checked *bool, at time.Time) Item {
	if text != nil {
		i.Text = *text
	}
	if checked != nil {
		i.Checked = *checked
	}
	i.UpdatedAt = at
	return i
}

// Subtask is a nested row under a checklist item.
type Subtask struct {
	ID         string    `json:"id"`
	ItemID     string    `json:"item_id"`
	UserID     string    `json:"user_id"`
	Text       string    `json:"text"`
	Checked    bool      `json:"checked"`
	OrderIndex int       `json:"order_index"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (s Subtask) RecordID() string           { return s.ID }
func (s Subtask) RecordUpdatedAt() time.Time { return s.UpdatedAt }
func (s Subtask) Position() int              { return s.OrderIndex }
func (s Subtask) text() string               { return s.Text }
func (s Subtask) checked() bool              { return s.Checked }
func (s Subtask) parent() string             { return s.ItemID }
func (s Subtask) owner() string              { return s.UserID }

func (s Subtask) WithPosition(n int) Subtask {
	s.OrderIndex = n
	return s
}

func (s Subtask) with(text *string, checked *bool, at time.Time) Subtask {
	if text != nil {
		s.Text = *text
	}
	if checked != nil {
		s.Checked = *checked
	}
	s.UpdatedAt = at
	return s
}

// row is what both record kinds need for the shared list logic.
type row[T any] interface {
	records.Positioned[T]
	text() string
	checked() bool
	parent() string
	owner() string
	with(text *string, checked *bool, at time.Time) T
}

// UpdateParams is a partial update of an item or subtask.
type UpdateParams struct {
	Text    *string `json:"text,omitempty"`
	Checked *bool   `json:"checked,omitempty"`
}

func (p UpdateParams) row() remote.Row {
	out := remote.Row{}
	if p.Text != nil {
		out["text"] = *p.Text
	}
	if p.Checked != nil {
		out["checked"] = *p.Checked
	}
	return out
}

// Progress counts completed rows.
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Complete reports whether every row is checked. An empty list is not
// complete.
func (p Progress) Complete() bool {
	return p.Total > 0 && p.Done == p.Total
}

func progress[T row[T]](items []T) Progress {
	p := Progress{Total: len(items)}
	for _, it := range items {
		if it.checked() {
			p.Done++
		}
	}
	return p
}

func decodeItem(r remote.Row) Item {
	return Item{
		ID:         r.String("id"),
		NoteID:     r.String("note_id"),
		UserID:     r.String("user_id"),
		Text:       r.String("text"),
		Checked:    r.Bool("checked"),
		OrderIndex: r.Int("order_index"),
		CreatedAt:  r.Time("created_at"),
		UpdatedAt:  r.Time("updated_at"),
	}
}

func decodeSubtask(r remote.Row) Subtask {
	return Subtask{
		ID:         r.String("id"),
		ItemID:     r.String("item_id"),
		UserID:     r.String("user_id"),
		Text:       r.String("text"),
		Checked:    r.Bool("checked"),
		OrderIndex: r.Int("order_index"),
		CreatedAt:  r.Time("created_at"),
		UpdatedAt:  r.Time("updated_at"),
	}
}
