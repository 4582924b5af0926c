package parser

import (
	"regexp"
	"strings"
)

// Table reads metadata from the first markdown table in the document:
// a header row, a separator row and one data row. When the table has no
// title column the first "#" heading is used.
type Table struct{}

var _ Parser = Table{}

var (
	separatorCell  = regexp.MustCompile(`^:?-{3,}:?$`)
	headingPattern = regexp.MustCompile(`^#{1,6}\s+(.+?)\s*#*\s*$`)
)

func (Table) Parse(raw string, fallbackTitle string) *Document {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")

	fields := firstTable(lines)
	if fields == nil {
		return nil
	}
	if strings.TrimSpace(lookup(fields, titleKeys)) == "" {
		if heading := firstHeading(lines); heading != "" {
			fields["title"] = heading
		}
	}
	return documentFromFields(fields, fallbackTitle)
}

func firstTable(lines []string) map[string]string {
	for i := 0; i+2 < len(lines); i++ {
		header, ok := tableCells(lines[i])
		if !ok {
			continue
		}
		sep, ok := tableCells(lines[i+1])
		if !ok || len(sep) != len(header) || !isSeparator(sep) {
			continue
		}
		data, ok := tableCells(lines[i+2])
		if !ok || isSeparator(data) {
			continue
		}

		fields := make(map[string]string, len(header))
		for j, name := range header {
			if j >= len(data) {
				break
			}
			key := strings.ToLower(strings.Trim(strings.TrimSpace(name), "*_"))
			if key == "" {
				continue
			}
			fields[key] = data[j]
		}
		if len(fields) > 0 {
			return fields
		}
	}
	return nil
}

func tableCells(line string) ([]string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "|") {
		return nil, false
	}
	line = strings.TrimSuffix(strings.TrimPrefix(line, "|"), "|")
	parts := strings.Split(line, "|")
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(p)
	}
	return cells, true
}

func isSeparator(cells []string) bool {
	for _, c := range cells {
		if !separatorCell.MatchString(strings.ReplaceAll(c, " ", "")) {
			return false
		}
	}
	return len(cells) > 0
}

func firstHeading(lines []string) string {
	for _, line := range lines {
		if m := headingPattern.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			return m[1]
		}
	}
	return ""
}
