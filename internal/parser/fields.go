package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Togather-Foundation/proposals/internal/sanitize"
	"github.com/markusmobius/go-dateparser"
)

// Header names are matched lower-cased; the first alias with a value wins.
var (
	titleKeys      = []string{"title", "name"}
	statusKeys     = []string{"status", "doc-status", "eip-status", "proposal-status", "state"}
	typeKeys       = []string{"type", "doc-type", "proposal-type"}
	categoryKeys   = []string{"category", "track"}
	createdKeys    = []string{"created", "created-at", "created_at", "date"}
	discussionKeys = []string{"discussions-to", "discussion-to", "discussions", "discussion", "discussion-url", "forum"}
	authorKeys     = []string{"author", "authors"}
	requiresKeys   = []string{"requires", "require", "depends-on", "dependencies"}
)

func lookup(fields map[string]string, keys []string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(fields[key]); value != "" {
			return value
		}
	}
	return ""
}

// documentFromFields builds a Document from lower-cased header fields. It
// returns nil when none of the known fields are present.
func documentFromFields(fields map[string]string, fallbackTitle string) *Document {
	doc := &Document{
		Title:         sanitize.Text(lookup(fields, titleKeys)),
		Status:        sanitize.Text(lookup(fields, statusKeys)),
		Type:          sanitize.Text(lookup(fields, typeKeys)),
		Category:      sanitize.Text(lookup(fields, categoryKeys)),
		Created:       parseDate(lookup(fields, createdKeys)),
		DiscussionsTo: trimLink(lookup(fields, discussionKeys)),
		Authors:       ParseAuthors(lookup(fields, authorKeys)),
		Requires:      ParseRequires(lookup(fields, requiresKeys)),
	}
	if doc.Title == "" && doc.Status == "" && doc.Type == "" && doc.Category == "" &&
		doc.Created == nil && doc.DiscussionsTo == "" && len(doc.Authors) == 0 && len(doc.Requires) == 0 {
		return nil
	}
	if doc.Title == "" {
		doc.Title = fallbackTitle
	}
	return doc
}

var digitRun = regexp.MustCompile(`\d+`)

// ParseRequires extracts referenced document numbers, keeping first-seen
// order and dropping duplicates. "EIP-20, 721" yields [20 721].
func ParseRequires(value string) []int {
	var out []int
	seen := make(map[int]struct{})
	for _, match := range digitRun.FindAllString(value, -1) {
		n, err := strconv.Atoi(match)
		if err != nil {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-1-2",
	"2006/01/02",
	"2006/1/2",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// parseDate accepts ISO dates first and falls back to natural-language
// parsing for legacy headers such as "March 3rd, 2017".
func parseDate(value string) *time.Time {
	value = strings.TrimSpace(sanitize.Text(value))
	if value == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return dateOnly(t)
		}
	}
	parsed, err := dateparser.Parse(nil, value)
	if err != nil || parsed.Time.IsZero() {
		return nil
	}
	return dateOnly(parsed.Time)
}

// dateOnly keeps the calendar date as written, at midnight UTC.
func dateOnly(t time.Time) *time.Time {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return &d
}

var markdownLink = regexp.MustCompile(`^\[[^\]]*\]\(([^)\s]+)\)$`)

// trimLink unwraps "<url>" and "[text](url)" forms.
func trimLink(value string) string {
	value = strings.TrimSpace(value)
	if m := markdownLink.FindStringSubmatch(value); m != nil {
		return m[1]
	}
	return strings.TrimSuffix(strings.TrimPrefix(value, "<"), ">")
}
