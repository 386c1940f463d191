package notebooks

import (
	"time"

	"github.com/kuitang/notebook-sync/internal/remote"
)

// Notebook is a top-level container of notes, ordered per user by
// OrderIndex.
type Notebook struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Title      string    `json:"title"`
	Icon       string    `json:"icon"`
	Color      string    `json:"color"`
	OrderIndex int       `json:"order_index"`
	IsArchived bool      `json:"is_archived"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (n Notebook) RecordID() string           { return n.ID }
func (n Notebook) RecordUpdatedAt() time.Time { return n.UpdatedAt }
func (n Notebook) Position() int              { return n.OrderIndex }

func (n Notebook) WithPosition(i int) Notebook {
	n.OrderIndex = i
	return n
}

// CreateParams are the inputs for a new notebook.
type CreateParams struct {
	Title string `json:"title"`
	Icon  string `json:"icon"`
	Color string `json:"color"`
}

// UpdateParams is a partial update. Nil fields are left unchanged.
type UpdateParams struct {
	Title      *string `json:"title,omitempty"`
	Icon       *string `json:"icon,omitempty"`
	Color      *string `json:"color,omitempty"`
	IsArchived *bool   `json:"is_archived,omitempty"`
}

func (p UpdateParams) empty() bool {
	return p.Title == nil && p.Icon == nil && p.Color == nil && p.IsArchived == nil
}

// apply returns n with the set fields of p.
func (p UpdateParams) apply(n Notebook) Notebook {
	if p.Title != nil {
		n.Title = *p.Title
	}
	if p.Icon != nil {
		n.Icon = *p.Icon
	}
	if p.Color != nil {
		n.Color = *p.Color
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
	if p.Icon != nil {
		row["icon"] = *p.Icon
	}
	if p.Color != nil {
		row["color"] = *p.Color
	}
	if p.IsArchived != nil {
		row["is_archived"] = *p.IsArchived
	}
	return row
}

func decode(row remote.Row) Notebook {
	return Notebook{
		ID:         row.String("id"),
		UserID:     row.String("user_id"),
		Title:      row.String("title"),
		Icon:       row.String("icon"),
		Color:      row.String("color"),
		OrderIndex: row.Int("order_index"),
		IsArchived: row.Bool("is_archived"),
		CreatedAt:  row.Time("created_at"),
		UpdatedAt:  row.Time("updated_at"),
	}
}
