package parser

import (
	"regexp"
	"strings"

	"github.com/Togather-Foundation/proposals/internal/domain/authors"
	"github.com/Togather-Foundation/proposals/internal/sanitize"
)

var (
	emailPattern       = regexp.MustCompile(`<\s*([^<>\s]+@[^<>\s]+)\s*>`)
	parenHandlePattern = regexp.MustCompile(`\(\s*@([A-Za-z0-9][A-Za-z0-9_.-]*)\s*\)`)
	bareHandlePattern  = regexp.MustCompile(`(?:^|\s)@([A-Za-z0-9][A-Za-z0-9_.-]*)`)
	bareEmailPattern   = regexp.MustCompile(`^[^\s@<>()]+@[^\s@<>()]+\.[^\s@<>()]+$`)
)

// ParseAuthors splits an author header into descriptors. Entries look like
// "Name <email> (@handle)" with any part optional, separated by commas that
// are not inside angle brackets or parentheses.
func ParseAuthors(value string) []authors.Descriptor {
	var out []authors.Descriptor
	for _, part := range splitTopLevel(value) {
		d := parseAuthor(part)
		if d.Empty() {
			continue
		}
		out = append(out, d)
	}
	return out
}

func parseAuthor(part string) authors.Descriptor {
	var d authors.Descriptor
	rest := part

	if m := emailPattern.FindStringSubmatch(rest); m != nil {
		d.Email = strings.ToLower(m[1])
		rest = strings.Replace(rest, m[0], " ", 1)
	}
	if m := parenHandlePattern.FindStringSubmatch(rest); m != nil {
		d.Handle = m[1]
		rest = strings.Replace(rest, m[0], " ", 1)
	} else if m := bareHandlePattern.FindStringSubmatch(rest); m != nil {
		d.Handle = m[1]
		rest = strings.Replace(rest, "@"+m[1], " ", 1)
	}

	rest = strings.Trim(rest, " \t,")
	if d.Email == "" && bareEmailPattern.MatchString(rest) {
		d.Email = strings.ToLower(rest)
		rest = ""
	}
	d.Name = sanitize.Text(rest)
	return d
}

// splitTopLevel splits on commas outside of <...> and (...).
func splitTopLevel(value string) []string {
	var (
		parts []string
		depth int
		start int
	)
	for i, r := range value {
		switch r {
		case '<', '(':
			depth++
		case '>', ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				parts = append(parts, value[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, value[start:])

	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
