package notes

import (
	"cmp"
	"slices"
	"time"

	"github.com/kuitang/notebook-sync/internal/remote"
)

// EmptyChecklistContent is the content a new checklist note starts with. Its
// rows live in the checklist tables, not in the note body.
const EmptyChecklistContent = "[]"

// initialContent returns the body a new note starts with.
func initialContent(isChecklist bool) string {
	if isChecklist {
		return EmptyChecklistContent
	}
	return ""
}

// Note is a markdown or checklist note inside a notebook.
type Note struct {
	ID          string    `json:"id"`
	NotebookID  string    `json:"notebook_id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	IsChecklist bool      `json:"is_checklist"`
	IsPinned    bool      `json:"is_pinned"`
	IsArchived  bool      `json:"is_archived"`
	OrderIndex  int       `json:"order_index"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (n Note) RecordID() string           { return n.ID }
func (n Note) RecordUpdatedAt() time.Time { return n.UpdatedAt }

// CreateParams are the inputs for a new note. Content starts empty, or as
// EmptyChecklistContent for a checklist.
type CreateParams struct {
	Title       string `json:"title"`
	IsChecklist bool   `json:"is_checklist"`
}

// UpdateParams is a partial update. Nil fields are left unchanged. Pinning
// and moving have their own operations.
type UpdateParams struct {
	Title      *string `json:"title,omitempty"`
	Content    *string `json:"content,omitempty"`
	IsArchived *bool   `json:"is_archived,omitempty"`
}

func (p UpdateParams) empty() bool {
	return p.Title == nil && p.Content == nil && p.IsArchived == nil
}

func (p UpdateParams) apply(n Note) Note {
	if p.Title != nil {
		n.Title = *p.Title
	}
	if p.Content != nil {
		n.Content = *p.Content
	}
	if p.IsArchived != nil {
		n.IsArchived = *p.IsArchived
	}
	return n
}

func (p UpdateParams) row() remote.Row {
	row := remote.Row{}
	if p.Title != nil {
		row["title"] = *p.Title
	}
	if p.Content != nil {
		row["content"] = *p.Content
	}
	if p.IsArchived != nil {
		row["is_archived"] = *p.IsArchived
	}
	return row
}

// Sort orders notes the way the remote query does: pinned first, then most
// recently updated.
func Sort(items []Note) {
	slices.SortStableFunc(items, func(a, b Note) int {
		if a.IsPinned != b.IsPinned {
			if a.IsPinned {
				return -1
			}
			return 1
		}
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func decode(row remote.Row) Note {
	return Note{
		ID:          row.String("id"),
		NotebookID:  row.String("notebook_id"),
		UserID:      row.String("user_id"),
		Title:       row.String("title"),
		Content:     row.String("content"),
		IsChecklist: row.Bool("is_checklist"),
		IsPinned:    row.Bool("is_pinned"),
		IsArchived:  row.Bool("is_archived"),
		OrderIndex:  row.Int("order_index"),
		CreatedAt:   row.Time("created_at"),
		UpdatedAt:   row.Time("updated_at"),
	}
}
