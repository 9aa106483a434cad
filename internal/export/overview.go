package export

import (
	"io"
	"strings"
	"time"
)

// OverviewTitle heads every exported overview file.
const OverviewTitle = "# Knowledge Base Overview"

// OverviewPath expands "{kb}" in pattern with a filename-safe knowledge base id.
func OverviewPath(pattern, kb string) string {
	return strings.ReplaceAll(pattern, "{kb}", SanitizeForFilename(kb))
}

// OverviewMarkdown renders the exported form of an overview: a title, a
// last-updated stamp, and the overview text.
func OverviewMarkdown(text string, updated time.Time) string {
	var b strings.Builder
	b.WriteString(OverviewTitle)
	b.WriteString("\n\n_Last updated: ")
	b.WriteString(updated.UTC().Format("2006-01-02 15:04 UTC"))
	b.WriteString("_\n\n")
	b.WriteString(strings.TrimRight(text, "\n"))
	b.WriteString("\n")
	return b.String()
}

// WriteOverview writes the overview markdown for kb to the path derived from
// pattern. The destination must be a .md file that is not a symlink.
func WriteOverview(pattern, kb, text string, updated time.Time) (string, error) {
	path := OverviewPath(pattern, kb)
	if err := ValidatePath(path, ".md", nil); err != nil {
		return "", err
	}
	err := WriteAtomic(path, func(w io.Writer) error {
		_, err := io.WriteString(w, OverviewMarkdown(text, updated))
		return err
	})
	if err != nil {
		return "", err
	}
	return path, nil
}
