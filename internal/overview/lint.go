package overview

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/hpungsan/margin/internal/item"
)

const (
	ActiveProjects   = "Active Projects"
	OpenTasks        = "Open Tasks"
	TopicsOfInterest = "Topics of Interest"
	RecentActivity   = "Recent Activity"
)

// canonicalSections lists the overview sections in their fixed order.
var canonicalSections = []string{ActiveProjects, OpenTasks, TopicsOfInterest, RecentActivity}

// sectionSynonyms maps canonical names to names the oracle sometimes uses
// instead (lowercase). Synonyms are reported by Lint, never accepted by Parse.
var sectionSynonyms = map[string][]string{
	ActiveProjects:   {"projects", "current projects", "active project"},
	OpenTasks:        {"tasks", "todo", "todos", "open task", "action items"},
	TopicsOfInterest: {"topics", "interests", "topics of interests"},
	RecentActivity:   {"recent", "recent activities", "this week", "last 7 days"},
}

// openTaskPattern matches an unchecked task list line.
var openTaskPattern = regexp.MustCompile(`(?m)^[ \t]*[-*+][ \t]+\[ \][ \t]+\S`)

// MatchCanonical returns the canonical section name when name equals one
// case-insensitively, or "".
func MatchCanonical(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, c := range canonicalSections {
		if strings.ToLower(c) == n {
			return c
		}
	}
	return ""
}

// matchSynonym returns the canonical section a non-canonical name likely meant.
func matchSynonym(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, c := range canonicalSections {
		if slices.Contains(sectionSynonyms[c], n) {
			return c
		}
	}
	return ""
}

// LintInput contains parameters for checking overview text.
type LintInput struct {
	Text     string
	MaxChars int
}

// LintResult describes every structural problem found in overview text.
type LintResult struct {
	Valid            bool
	MissingSections  []string          `json:"missing_sections,omitempty"`
	UnknownSections  []string          `json:"unknown_sections,omitempty"`
	Misnamed         map[string]string `json:"misnamed,omitempty"` // found name -> canonical
	DuplicateSection []string          `json:"duplicate_sections,omitempty"`
	OutOfOrder       bool              `json:"out_of_order,omitempty"`
	Preamble         bool              `json:"preamble,omitempty"`
	TitleHeader      bool              `json:"title_header,omitempty"`
	OpenTasksEmpty   bool              `json:"open_tasks_without_open_items,omitempty"`
	StrayOpenTasks   []string          `json:"stray_open_tasks,omitempty"` // sections holding "- [ ]" lines outside Open Tasks
	TooLarge         bool              `json:"too_large,omitempty"`
	ActualChars      int               `json:"actual_chars"`
	MaxChars         int               `json:"max_chars,omitempty"`
}

// Problems renders the result as short human-readable strings.
func (r *LintResult) Problems() []string {
	var out []string
	if r.TooLarge {
		out = append(out, fmt.Sprintf("overview is %d chars (max %d)", r.ActualChars, r.MaxChars))
	}
	if r.TitleHeader {
		out = append(out, "top-level '#' header is not allowed")
	}
	if r.Preamble {
		out = append(out, "text before the first section header")
	}
	for _, s := range r.MissingSections {
		out = append(out, "missing section: "+s)
	}
	found := make([]string, 0, len(r.Misnamed))
	for name := range r.Misnamed {
		found = append(found, name)
	}
	slices.Sort(found)
	for _, name := range found {
		out = append(out, fmt.Sprintf("section %q should be %q", name, r.Misnamed[name]))
	}
	for _, s := range r.UnknownSections {
		out = append(out, "unknown section: "+s)
	}
	for _, s := range r.DuplicateSection {
		out = append(out, "duplicate section: "+s)
	}
	if r.OutOfOrder {
		out = append(out, "sections out of order (want "+strings.Join(canonicalSections, ", ")+")")
	}
	if r.OpenTasksEmpty {
		out = append(out, "Open Tasks present without any open task; omit the section instead")
	}
	for _, s := range r.StrayOpenTasks {
		out = append(out, "open task listed under "+s+" instead of Open Tasks")
	}
	return out
}

// Details returns the result as an error details map.
func (r *LintResult) Details() map[string]any {
	d := map[string]any{"problems": r.Problems()}
	if len(r.MissingSections) > 0 {
		d["missing_sections"] = r.MissingSections
	}
	if len(r.UnknownSections) > 0 {
		d["unknown_sections"] = r.UnknownSections
	}
	if r.TooLarge {
		d["max_chars"] = r.MaxChars
		d["actual_chars"] = r.ActualChars
	}
	return d
}

// Lint checks overview text against the four-section shape:
//   - exactly the canonical "##" headers, in fixed order, each at most once
//   - Open Tasks omitted exactly when there are no open tasks
//   - nothing before the first header and no "#" title
//   - at most MaxChars runes (0 disables the check)
func Lint(input LintInput) *LintResult {
	text := input.Text
	result := &LintResult{
		ActualChars: item.CountChars(text),
		MaxChars:    input.MaxChars,
	}

	if input.MaxChars > 0 && result.ActualChars > input.MaxChars {
		result.TooLarge = true
	}

	all := ParseSections(text, 2)
	var sections []Section
	for _, s := range all {
		if s.Level == 1 {
			result.TitleHeader = true
			continue
		}
		sections = append(sections, s)
	}

	firstHeader := len(text)
	if len(all) > 0 {
		firstHeader = all[0].HeaderStart
	}
	if strings.TrimSpace(text[:firstHeader]) != "" {
		result.Preamble = true
	}

	seen := make(map[string]bool)
	lastIndex := -1
	for _, s := range sections {
		if s.Canonical == "" {
			if c := matchSynonym(s.Name); c != "" {
				if result.Misnamed == nil {
					result.Misnamed = make(map[string]string)
				}
				result.Misnamed[s.Name] = c
			} else {
				result.UnknownSections = append(result.UnknownSections, s.Name)
			}
			continue
		}
		if seen[s.Canonical] {
			result.DuplicateSection = append(result.DuplicateSection, s.Canonical)
			continue
		}
		seen[s.Canonical] = true

		idx := slices.Index(canonicalSections, s.Canonical)
		if idx < lastIndex {
			result.OutOfOrder = true
		}
		lastIndex = idx

		hasOpen := openTaskPattern.MatchString(s.Content(text))
		if s.Canonical == OpenTasks {
			if !hasOpen {
				result.OpenTasksEmpty = true
			}
		} else if hasOpen {
			result.StrayOpenTasks = append(result.StrayOpenTasks, s.Canonical)
		}
	}

	for _, c := range canonicalSections {
		if c == OpenTasks {
			continue
		}
		if !seen[c] {
			result.MissingSections = append(result.MissingSections, c)
		}
	}

	result.Valid = !result.TooLarge &&
		!result.TitleHeader &&
		!result.Preamble &&
		len(result.MissingSections) == 0 &&
		len(result.UnknownSections) == 0 &&
		len(result.Misnamed) == 0 &&
		len(result.DuplicateSection) == 0 &&
		!result.OutOfOrder &&
		!result.OpenTasksEmpty &&
		len(result.StrayOpenTasks) == 0

	return result
}
