package parser

import (
	"fmt"
	"regexp"
	"strings"
)

// Default relocation notice patterns. Both are configurable because notices
// are free-form English text.
var (
	DefaultRelocationPhrases = []string{
		`(?i)has\s+been\s+moved\s+to`,
		`(?i)was\s+moved\s+to`,
		`(?i)moved\s+to`,
	}
	DefaultRelocationLink = `\[[^\]]*\]\(\s*<?([^)\s>]+)>?\s*\)`
)

// linkWindow bounds how far after the phrase the link may start.
const linkWindow = 200

// RelocationDetector finds "this document was moved to [x](path)" notices.
type RelocationDetector struct {
	phrases []*regexp.Regexp
	link    *regexp.Regexp
}

// NewRelocationDetector compiles the phrase patterns and the link pattern.
// The link pattern's first capture group is the destination. Empty inputs
// select the defaults.
func NewRelocationDetector(phrases []string, link string) (*RelocationDetector, error) {
	if len(phrases) == 0 {
		phrases = DefaultRelocationPhrases
	}
	if link == "" {
		link = DefaultRelocationLink
	}

	d := &RelocationDetector{}
	for _, p := range phrases {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile relocation phrase %q: %w", p, err)
		}
		d.phrases = append(d.phrases, re)
	}
	re, err := regexp.Compile(link)
	if err != nil {
		return nil, fmt.Errorf("compile relocation link %q: %w", link, err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("relocation link %q must have a capture group", link)
	}
	d.link = re
	return d, nil
}

// MustRelocationDetector is NewRelocationDetector for the default patterns.
func MustRelocationDetector() *RelocationDetector {
	d, err := NewRelocationDetector(nil, "")
	if err != nil {
		panic(err)
	}
	return d
}

// Detect returns the raw destination of the first relocation notice in body.
// The link must follow the phrase on the same line.
func (d *RelocationDetector) Detect(body string) (string, bool) {
	for _, phrase := range d.phrases {
		for _, loc := range phrase.FindAllStringIndex(body, -1) {
			rest := body[loc[1]:]
			if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
				rest = rest[:nl]
			}
			m := d.link.FindStringSubmatchIndex(rest)
			if m == nil || m[0] > linkWindow || m[2] < 0 {
				continue
			}
			if target := strings.TrimSpace(rest[m[2]:m[3]]); target != "" {
				return target, true
			}
		}
	}
	return "", false
}
