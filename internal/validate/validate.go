// Package validate implements the input rules shared by every entity store.
// All checks are pure: they never read remote state.
package validate

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kuitang/notebook-sync/internal/errs"
)

// Length ceilings per entity kind.
const (
	MaxNotebookTitle = 100
	MaxNoteTitle     = 200
	MaxItemText      = 500
	MaxIconLength    = 16
	MaxColorLength   = 32
)

// Text trims value and checks it is non-empty and at most max characters.
func Text(field, value string, max int) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", errs.Invalid(fmt.Sprintf("%s cannot be empty", field))
	}
	if n := utf8.RuneCountInString(trimmed); n > max {
		return "", errs.Invalid(fmt.Sprintf("%s must be %d characters or less", field, max))
	}
	return trimmed, nil
}

// OptionalText applies Text to value when it is set.
func OptionalText(field string, value *string, max int) (*string, error) {
	if value == nil {
		return nil, nil
	}
	v, err := Text(field, *value, max)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Bounded checks a free-form optional field against a length ceiling without
// requiring it to be non-empty.
func Bounded(field, value string, max int) (string, error) {
	trimmed := strings.TrimSpace(value)
	if utf8.RuneCountInString(trimmed) > max {
		return "", errs.Invalid(fmt.Sprintf("%s must be %d characters or less", field, max))
	}
	return trimmed, nil
}

// Unique reports an already-exists error when title matches any sibling
// title case-insensitively. exceptID is skipped so a record can keep its own
// title on rename.
func Unique(kind, title string, siblings map[string]string, exceptID string) error {
	for id, existing := range siblings {
		if id == exceptID {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(existing), title) {
			return errs.New(errs.AlreadyExists, fmt.Sprintf("a %s named %q already exists", kind, title))
		}
	}
	return nil
}

// ID checks that a record id was supplied.
func ID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return errs.Invalid(fmt.Sprintf("%s is required", field))
	}
	return nil
}

// NothingToUpdate is returned by typed partial updates that set no fields.
func NothingToUpdate() error {
	return errs.Invalid("no fields to update")
}
