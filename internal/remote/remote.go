// Package remote defines the boundary to the remote table store: untyped
// rows, filtered queries, and the Client interface entity stores call.
package remote

import (
	"context"
	"fmt"
	"time"
)

// Collections served by the remote store.
const (
	Notebooks         = "notebooks"
	Notes             = "notes"
	ChecklistItems    = "checklist_items"
	ChecklistSubtasks = "checklist_subtasks"
)

// Row is one record as the remote store sees it: column name to value.
type Row map[string]any

// String returns the column as a string, or "".
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the column as an int, or 0.
func (r Row) Int(col string) int {
	switch v := r[col].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case int32:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Bool returns the column as a bool. Integer columns are true when non-zero.
func (r Row) Bool(col string) bool {
	switch v := r[col].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case int:
		return v != 0
	default:
		return false
	}
}

// Time returns the column as a UTC time. Unix seconds and RFC 3339 strings
// are both accepted.
func (r Row) Time(col string) time.Time {
	switch v := r[col].(type) {
	case time.Time:
		return v.UTC()
	case int64:
		return time.Unix(v, 0).UTC()
	case int:
		return time.Unix(int64(v), 0).UTC()
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}
		}
		return t.UTC()
	default:
		return time.Time{}
	}
}

// Filter restricts a query to rows whose column equals value.
type Filter struct {
	Column string
	Value  any
}

// Order sorts query results by a column.
type Order struct {
	Column string
	Desc   bool
}

// Query selects rows from one collection.
type Query struct {
	Filters []Filter
	Order   []Order
	Limit   int
}

// Where builds a query with equality filters given as column, value pairs.
func Where(pairs ...any) Query {
	var q Query
	for i := 0; i+1 < len(pairs); i += 2 {
		col, _ := pairs[i].(string)
		q.Filters = append(q.Filters, Filter{Column: col, Value: pairs[i+1]})
	}
	return q
}

// OrderBy returns q with an extra sort column.
func (q Query) OrderBy(column string, desc bool) Query {
	q.Order = append(append([]Order(nil), q.Order...), Order{Column: column, Desc: desc})
	return q
}

// Client is the remote table store. Every error it returns is an
// *errs.Error whose code classifies the failure.
type Client interface {
	Select(ctx context.Context, collection string, q Query) ([]Row, error)
	Insert(ctx context.Context, collection string, row Row) (Row, error)
	Update(ctx context.Context, collection, id string, patch Row) (Row, error)
	Delete(ctx context.Context, collection, id string) error
	Count(ctx context.Context, collection string, q Query) (int, error)
}
