package parser

import (
	"net/url"
	"path"
	"strconv"
	"strings"
)

// NumberFromPath extracts the document number from a file name. The prefix
// (for example "eip-") is stripped case-insensitively; otherwise the last
// run of digits in the base name is used.
func NumberFromPath(p string, prefix string) (int, bool) {
	base := strings.TrimSuffix(path.Base(p), path.Ext(p))
	if base == "" || base == "." || base == "/" {
		return 0, false
	}

	if prefix != "" && len(base) > len(prefix) && strings.EqualFold(base[:len(prefix)], prefix) {
		if n, err := strconv.Atoi(base[len(prefix):]); err == nil && n >= 0 {
			return n, true
		}
	}

	runs := digitRun.FindAllString(base, -1)
	if len(runs) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(runs[len(runs)-1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// FallbackTitle derives a title from a file path when a document has none.
func FallbackTitle(p string) string {
	return strings.TrimSuffix(path.Base(p), path.Ext(p))
}

// Destination is a relocation target split into the tracked folder name and
// the file name.
type Destination struct {
	Subdir string
	File   string
}

// ParseDestination splits a raw relocation target, which may be a relative
// path or a URL, into its parent folder and file name. The folder is
// lower-cased for matching against repository configuration.
func ParseDestination(target string) (Destination, bool) {
	target = strings.TrimSpace(target)
	if target == "" {
		return Destination{}, false
	}
	if u, err := url.Parse(target); err == nil && u.Path != "" {
		target = u.Path
	}
	if i := strings.IndexAny(target, "#?"); i >= 0 {
		target = target[:i]
	}

	var segments []string
	for _, s := range strings.Split(target, "/") {
		switch s {
		case "", ".", "..":
			continue
		}
		segments = append(segments, s)
	}
	if len(segments) < 2 {
		return Destination{}, false
	}
	return Destination{
		Subdir: strings.ToLower(segments[len(segments)-2]),
		File:   segments[len(segments)-1],
	}, true
}
