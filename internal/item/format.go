package item

import (
	"strings"
)

// NoItems is what FormatList renders for an empty list.
const NoItems = "(none)"

// FormatList renders items one per line for oracle prompts:
//
//   - [2026-03-01] (task) Draft grant budget. #grants #budget
func FormatList(items []Item) string {
	if len(items) == 0 {
		return NoItems
	}
	var b strings.Builder
	for i := range items {
		it := &items[i]
		b.WriteString("- [")
		b.WriteString(it.Created().Format("2006-01-02"))
		b.WriteString("] (")
		b.WriteString(string(it.Type))
		b.WriteString(") ")
		b.WriteString(it.Summary)
		for _, t := range it.Tags {
			b.WriteString(" #")
			b.WriteString(strings.ReplaceAll(t, " ", "-"))
		}
		if it.SourceURL != nil {
			b.WriteString(" <")
			b.WriteString(*it.SourceURL)
			b.WriteString(">")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
