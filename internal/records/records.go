// Package records holds the list helpers entity stores use to build
// speculative cache values. Every helper returns a new slice and leaves its
// input untouched, so a snapshot taken before a speculative edit stays valid.
package records

import (
	"fmt"
	"slices"

	"github.com/kuitang/notebook-sync/internal/cache"
	"github.com/kuitang/notebook-sync/internal/errs"
)

// Positioned is a record with a Position Index within its parent scope.
type Positioned[T any] interface {
	cache.Record
	Position() int
	WithPosition(i int) T
}

// Of returns the records of type T in value, in order. Records of any other
// type are skipped.
func Of[T cache.Record](value []cache.Record) []T {
	out := make([]T, 0, len(value))
	for _, r := range value {
		if t, ok := r.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

// From converts typed records back into a cache value.
func From[T cache.Record](items []T) []cache.Record {
	out := make([]cache.Record, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out
}

// IndexOf returns the position of the record with id, or -1.
func IndexOf[T cache.Record](items []T, id string) int {
	return slices.IndexFunc(items, func(r T) bool { return r.RecordID() == id })
}

// Find returns the record with id.
func Find[T cache.Record](items []T, id string) (T, bool) {
	i := IndexOf(items, id)
	if i < 0 {
		var zero T
		return zero, false
	}
	return items[i], true
}

// MustFind is Find returning a NotFoundLocal error when the record is missing.
func MustFind[T cache.Record](items []T, id string) (T, error) {
	r, ok := Find(items, id)
	if !ok {
		return r, errs.New(errs.NotFoundLocal, fmt.Sprintf("record %s is not in the local cache", id))
	}
	return r, nil
}

// Replace returns a copy of items with the record whose id is id swapped
// for rec.
func Replace[T cache.Record](items []T, id string, rec T) ([]T, error) {
	i := IndexOf(items, id)
	if i < 0 {
		return nil, errs.New(errs.NotFoundLocal, fmt.Sprintf("record %s is not in the local cache", id))
	}
	out := slices.Clone(items)
	out[i] = rec
	return out, nil
}

// Remove returns a copy of items without the record whose id is id.
func Remove[T cache.Record](items []T, id string) ([]T, error) {
	i := IndexOf(items, id)
	if i < 0 {
		return nil, errs.New(errs.NotFoundLocal, fmt.Sprintf("record %s is not in the local cache", id))
	}
	return slices.Delete(slices.Clone(items), i, i+1), nil
}

// Append returns a copy of items with rec at the end.
func Append[T cache.Record](items []T, rec T) []T {
	out := make([]T, len(items), len(items)+1)
	copy(out, items)
	return append(out, rec)
}

// Reindex assigns dense zero-based positions in slice order.
func Reindex[T Positioned[T]](items []T) []T {
	out := make([]T, len(items))
	for i, it := range items {
		if it.Position() == i {
			out[i] = it
			continue
		}
		out[i] = it.WithPosition(i)
	}
	return out
}

// IsDense reports whether positions are exactly 0..len(items)-1 in order.
func IsDense[T Positioned[T]](items []T) bool {
	for i, it := range items {
		if it.Position() != i {
			return false
		}
	}
	return true
}

// Permute orders items by ids. ids must name every record exactly once.
func Permute[T cache.Record](items []T, ids []string) ([]T, error) {
	if len(ids) != len(items) {
		return nil, errs.Invalid(fmt.Sprintf("reorder must list all %d records, got %d", len(items), len(ids)))
	}
	seen := make(map[string]bool, len(ids))
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, errs.Invalid(fmt.Sprintf("record %s listed twice in reorder", id))
		}
		seen[id] = true
		r, ok := Find(items, id)
		if !ok {
			return nil, errs.Invalid(fmt.Sprintf("record %s is not part of this list", id))
		}
		out = append(out, r)
	}
	return out, nil
}

// Moved returns the records in after whose position differs from before.
func Moved[T Positioned[T]](before, after []T) []T {
	prev := make(map[string]int, len(before))
	for _, b := range before {
		prev[b.RecordID()] = b.Position()
	}
	var out []T
	for _, a := range after {
		if p, ok := prev[a.RecordID()]; !ok || p != a.Position() {
			out = append(out, a)
		}
	}
	return out
}

// IDs returns the record ids in order.
func IDs[T cache.Record](items []T) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.RecordID()
	}
	return out
}
