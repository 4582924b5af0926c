package parser

import (
	"regexp"
	"strings"

	"github.com/Togather-Foundation/proposals/internal/sanitize"
	"gopkg.in/yaml.v3"
)

// FrontMatter reads a "---" delimited key/value header. Headers that are not
// valid YAML (unquoted colons in titles are common) are read line by line.
// Documents without a usable header fall back to a "Status: X" line in the
// body, so a leading "---" horizontal rule does not hide it.
type FrontMatter struct{}

var _ Parser = FrontMatter{}

var legacyStatusPattern = regexp.MustCompile(`(?im)^[ \t>*_-]*status[*_]*[ \t]*:[ \t]*[*_]*[ \t]*([^\r\n*_]+)`)

func (FrontMatter) Parse(raw string, fallbackTitle string) *Document {
	if block, ok := headerBlock(raw); ok {
		if doc := documentFromFields(headerFields(block), fallbackTitle); doc != nil {
			return doc
		}
	}

	m := legacyStatusPattern.FindStringSubmatch(raw)
	if m == nil {
		return nil
	}
	status := sanitize.Text(m[1])
	if status == "" {
		return nil
	}
	return &Document{Title: fallbackTitle, Status: status}
}

// headerBlock returns the text between a leading "---" line and the next
// "---" line.
func headerBlock(raw string) (string, bool) {
	text := strings.TrimPrefix(raw, "\ufeff")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimLeft(text, " \t\n")

	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return "", false
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.Join(lines[1:i], "\n"), true
		}
	}
	return "", false
}

func headerFields(block string) map[string]string {
	if fields, ok := yamlFields(block); ok {
		return fields
	}
	return lineFields(block)
}

// yamlFields decodes the header as a YAML mapping, keeping every value as
// its source text so dates and numbers are not reinterpreted.
func yamlFields(block string) (map[string]string, bool) {
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(block), &node); err != nil {
		return nil, false
	}
	if node.Kind != yaml.DocumentNode || len(node.Content) == 0 {
		return nil, false
	}
	mapping := node.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil, false
	}

	fields := make(map[string]string, len(mapping.Content)/2)
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key := strings.ToLower(strings.TrimSpace(mapping.Content[i].Value))
		fields[key] = nodeText(mapping.Content[i+1])
	}
	return fields, true
}

func nodeText(n *yaml.Node) string {
	switch n.Kind {
	case yaml.ScalarNode:
		return n.Value
	case yaml.SequenceNode:
		values := make([]string, 0, len(n.Content))
		for _, item := range n.Content {
			if text := nodeText(item); text != "" {
				values = append(values, text)
			}
		}
		return strings.Join(values, ", ")
	case yaml.AliasNode:
		if n.Alias != nil {
			return nodeText(n.Alias)
		}
	}
	return ""
}

func lineFields(block string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(block, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" || strings.ContainsAny(key, " \t") {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		fields[key] = value
	}
	return fields
}
