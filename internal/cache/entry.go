package cache

import (
	"slices"
	"time"
)

// State is the lifecycle state of a cache entry.
type State int

const (
	StateAbsent State = iota
	StateLoading
	StateFresh
	StateStale
	StateError
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateLoading:
		return "loading"
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Record is one domain entity held in a cache entry. Implementations are
// value types; a record is never modified after it is placed in the cache.
type Record interface {
	RecordID() string
	RecordUpdatedAt() time.Time
}

// Entry is the last known result set for a key.
type Entry struct {
	Key       Key
	Value     []Record
	FetchedAt time.Time
	State     State
	Err       error
}

func (e Entry) clone() Entry {
	e.Value = slices.Clone(e.Value)
	return e
}
