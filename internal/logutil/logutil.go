package logutil

import (
	"fmt"
	"sort"
	"strings"
)

// MaxFieldChars bounds free-text values (note content, item text) in logs.
const MaxFieldChars = 80

// MaxErrorChars bounds error text in logs. Store errors can quote row values.
const MaxErrorChars = 240

// IsSensitiveLogField returns true when a key likely contains sensitive data.
func IsSensitiveLogField(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	normalized = strings.ReplaceAll(normalized, "-", "")
	normalized = strings.ReplaceAll(normalized, "_", "")

	switch {
	case normalized == "authorization":
		return true
	case strings.Contains(normalized, "token"):
		return true
	case strings.Contains(normalized, "secret"):
		return true
	case strings.Contains(normalized, "password"):
		return true
	case strings.Contains(normalized, "apikey"):
		return true
	case strings.Contains(normalized, "cookie"):
		return true
	case strings.Contains(normalized, "auth"):
		return true
	default:
		return false
	}
}

// FormatFieldsForLog returns stable, redacted key=value text for a row payload.
// String values are truncated so note bodies never land in logs whole.
func FormatFieldsForLog(fields map[string]any) string {
	if len(fields) == 0 {
		return "{}"
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if IsSensitiveLogField(k) {
			parts = append(parts, fmt.Sprintf("%s=[REDACTED]", k))
			continue
		}
		switch v := fields[k].(type) {
		case string:
			parts = append(parts, fmt.Sprintf("%s=%q", k, TruncateForLog(v, MaxFieldChars)))
		case nil:
			parts = append(parts, fmt.Sprintf("%s=<nil>", k))
		default:
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return strings.Join(parts, " ")
}

// TruncateForLog returns a single-line truncated preview for unstructured values.
func TruncateForLog(value string, maxChars int) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	normalized := strings.ReplaceAll(trimmed, "\n", "\\n")
	if maxChars <= 0 || len(normalized) <= maxChars {
		return normalized
	}
	return normalized[:maxChars] + "... [truncated]"
}

// ErrorForLog returns err's text truncated for logging, or "" for nil.
func ErrorForLog(err error) string {
	if err == nil {
		return ""
	}
	return TruncateForLog(err.Error(), MaxErrorChars)
}
