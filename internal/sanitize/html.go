// Package sanitize cleans values extracted from proposal documents.
package sanitize

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// StrictPolicy removes all HTML tags and attributes.
var StrictPolicy = bluemonday.StrictPolicy()

// Text strips all HTML and returns plain text with entities decoded and
// whitespace collapsed. Use for header values: titles, statuses, types.
func Text(input string) string {
	if input == "" {
		return ""
	}
	stripped := html.UnescapeString(StrictPolicy.Sanitize(input))
	return strings.Join(strings.Fields(stripped), " ")
}

// TextSlice sanitizes each string in a slice, dropping values that are empty
// after cleanup.
func TextSlice(inputs []string) []string {
	if inputs == nil {
		return nil
	}
	out := make([]string, 0, len(inputs))
	for _, input := range inputs {
		if cleaned := Text(input); cleaned != "" {
			out = append(out, cleaned)
		}
	}
	return out
}
