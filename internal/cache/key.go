package cache

import (
	"strconv"
	"strings"
)

// Key identifies one cached result set: a collection plus an ordered list of
// filter parameters. Keys are comparable and usable as map keys; two keys are
// equal iff the collection and every parameter match by value.
type Key struct {
	Collection string
	params     string
}

// NewKey builds a key for collection with the given filter parameters.
func NewKey(collection string, params ...string) Key {
	return Key{Collection: collection, params: encodeParams(params)}
}

// Params returns the key's filter parameters in order.
func (k Key) Params() []string {
	if k.params == "" {
		return nil
	}
	var out []string
	rest := k.params
	for rest != "" {
		quoted, err := strconv.QuotedPrefix(rest)
		if err != nil {
			return out
		}
		value, _ := strconv.Unquote(quoted)
		out = append(out, value)
		rest = strings.TrimPrefix(rest[len(quoted):], ",")
	}
	return out
}

// Param returns the i-th parameter or "" when out of range.
func (k Key) Param(i int) string {
	params := k.Params()
	if i < 0 || i >= len(params) {
		return ""
	}
	return params[i]
}

// HasPrefix reports whether k belongs to collection and its parameters start
// with params.
func (k Key) HasPrefix(collection string, params ...string) bool {
	if k.Collection != collection {
		return false
	}
	prefix := encodeParams(params)
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(k.params, prefix) {
		return false
	}
	return len(k.params) == len(prefix) || k.params[len(prefix)] == ','
}

func (k Key) String() string {
	return k.Collection + "[" + k.params + "]"
}

func encodeParams(params []string) string {
	if len(params) == 0 {
		return ""
	}
	quoted := make([]string, len(params))
	for i, p := range params {
		quoted[i] = strconv.Quote(p)
	}
	return strings.Join(quoted, ",")
}
