package search

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/parser"
	"github.com/microcosm-cc/bluemonday"
)

// PreviewLength is the maximum number of characters in a note preview.
const PreviewLength = 100

var (
	// Strict policy: every tag is dropped, only text survives.
	previewPolicy = bluemonday.StrictPolicy()
	whitespace    = regexp.MustCompile(`\s+`)
)

// Preview renders markdown content to plain text and cuts it to max
// characters.
func Preview(content string, max int) string {
	if strings.TrimSpace(content) == "" || max <= 0 {
		return ""
	}
	// A parser carries state between documents, so each call gets its own.
	p := parser.NewWithExtensions(parser.CommonExtensions)
	rendered := markdown.ToHTML([]byte(content), p, nil)

	text := html.UnescapeString(previewPolicy.Sanitize(string(rendered)))
	text = strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:max]))
}
