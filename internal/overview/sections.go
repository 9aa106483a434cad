package overview

import (
	"regexp"
	"strings"
)

// Section represents a parsed header and the byte range of its content.
type Section struct {
	Header       string // Full header line "## Open Tasks"
	Level        int    // Number of '#' characters
	Name         string // Just the name part "Open Tasks"
	Canonical    string // Canonical overview section if the name matches one exactly
	HeaderStart  int    // Byte offset of header start
	HeaderEnd    int    // Byte offset after header line (excluding \n)
	ContentStart int    // Byte offset where content starts
	ContentEnd   int    // Byte offset where content ends (next header of same or higher level, or EOF)
}

// headerPattern matches markdown headers (h1-h6) at the start of a line.
// Groups: full match, hash symbols, header text.
var headerPattern = regexp.MustCompile(`(?m)^(#{1,6})[ \t]+([^\n]+?)[ \t]*$`)

// fencePattern matches fenced code block delimiters (``` or ~~~) at the start of a line,
// allowing 0-3 spaces of indentation. Captures the fence characters separately.
var fencePattern = regexp.MustCompile("(?m)^[ ]{0,3}(`{3,}|~{3,})")

// fencedRanges returns byte offset ranges [start, end) for fenced code blocks in text.
// A closing fence must use the same character and be at least as long as the opening one.
// An unclosed fence runs to EOF.
func fencedRanges(text string) [][2]int {
	matches := fencePattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}

	var ranges [][2]int
	var openChar byte
	var openLen int
	var openStart int
	inFence := false

	for _, match := range matches {
		fenceChars := text[match[2]:match[3]]
		char := fenceChars[0]
		fenceLen := len(fenceChars)

		if !inFence {
			openChar = char
			openLen = fenceLen
			openStart = match[0]
			inFence = true
		} else if char == openChar && fenceLen >= openLen {
			ranges = append(ranges, [2]int{openStart, match[1]})
			inFence = false
		}
	}
	if inFence {
		ranges = append(ranges, [2]int{openStart, len(text)})
	}
	return ranges
}

// insideFence returns true if byte offset pos falls inside any fenced range.
func insideFence(pos int, ranges [][2]int) bool {
	for _, r := range ranges {
		if pos >= r[0] && pos < r[1] {
			return true
		}
	}
	return false
}

// ParseSections finds markdown headers up to maxLevel and their boundaries.
// Headers deeper than maxLevel are treated as content of the enclosing section.
// Headers inside fenced code blocks are ignored. Returns nil if none are found.
func ParseSections(text string, maxLevel int) []Section {
	allMatches := headerPattern.FindAllStringSubmatchIndex(text, -1)
	if len(allMatches) == 0 {
		return nil
	}

	fences := fencedRanges(text)
	matches := make([][]int, 0, len(allMatches))
	for _, m := range allMatches {
		if insideFence(m[0], fences) {
			continue
		}
		if m[3]-m[2] > maxLevel {
			continue
		}
		matches = append(matches, m)
	}
	if len(matches) == 0 {
		return nil
	}

	sections := make([]Section, len(matches))
	for i, match := range matches {
		headerEnd := match[1]
		contentStart := headerEnd
		if contentStart < len(text) && text[contentStart] == '\n' {
			contentStart++
		}

		contentEnd := len(text)
		if i+1 < len(matches) {
			contentEnd = matches[i+1][0]
		}
		if contentStart > contentEnd {
			contentStart = contentEnd
		}

		name := text[match[4]:match[5]]
		sections[i] = Section{
			Header:       text[match[0]:match[1]],
			Level:        match[3] - match[2],
			Name:         name,
			Canonical:    MatchCanonical(name),
			HeaderStart:  match[0],
			HeaderEnd:    headerEnd,
			ContentStart: contentStart,
			ContentEnd:   contentEnd,
		}
	}

	return sections
}

// Content returns the section body with surrounding blank lines removed.
func (s Section) Content(text string) string {
	return trimBlankLines(text[s.ContentStart:s.ContentEnd])
}

// SectionNames returns the header names from parsed sections.
func SectionNames(sections []Section) []string {
	names := make([]string, len(sections))
	for i, s := range sections {
		names[i] = s.Name
	}
	return names
}

// trimBlankLines drops leading blank lines and all trailing whitespace,
// keeping the indentation of the first non-blank line.
func trimBlankLines(s string) string {
	s = strings.TrimRight(s, " \t\r\n")
	for {
		nl := strings.IndexByte(s, '\n')
		if nl < 0 {
			if strings.TrimSpace(s) == "" {
				return ""
			}
			return s
		}
		if strings.TrimSpace(s[:nl]) != "" {
			return s
		}
		s = s[nl+1:]
	}
}
