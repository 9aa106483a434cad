// Package overview owns the rolling four-section summary document of a
// knowledge base: parsing and validating replacement text, structured views
// over the sections, and serialized atomic swaps through a Maintainer.
package overview

import (
	"regexp"
	"strings"

	"github.com/hpungsan/margin/internal/errors"
)

// Overview is an immutable snapshot of a knowledge base overview. Section
// bodies are kept verbatim (trimmed of surrounding blank lines) so Text
// reproduces everything that was parsed; structured views are derived from
// them on demand.
type Overview struct {
	projects  string
	tasks     string
	hasTasks  bool
	topics    string
	recent    string
	populated bool
}

// Empty returns the overview of a knowledge base that has never had one.
func Empty() *Overview {
	return &Overview{}
}

// IsEmpty reports whether this is the initial, never-written overview.
func (o *Overview) IsEmpty() bool {
	return o == nil || !o.populated
}

// Parse validates text against the four-section shape and returns the
// snapshot it describes. maxChars bounds the text length in runes; 0
// disables the bound. Failures are OVERVIEW_SHAPE_INVALID with the lint
// findings in Details.
func Parse(text string, maxChars int) (*Overview, error) {
	lint := Lint(LintInput{Text: text, MaxChars: maxChars})
	if !lint.Valid {
		problems := lint.Problems()
		return nil, errors.NewOverviewShapeInvalid(
			"overview replacement rejected: "+strings.Join(problems, "; "),
			lint.Details(),
		)
	}

	o := &Overview{populated: true}
	for _, s := range ParseSections(text, 2) {
		body := s.Content(text)
		switch s.Canonical {
		case ActiveProjects:
			o.projects = body
		case OpenTasks:
			o.tasks = body
			o.hasTasks = true
		case TopicsOfInterest:
			o.topics = body
		case RecentActivity:
			o.recent = body
		}
	}
	return o, nil
}

// Text serializes the overview in canonical form: "##" headers in fixed
// order, one blank line between sections, trailing newline. Parsing the
// result yields an equal Overview. An empty overview serializes to "".
func (o *Overview) Text() string {
	if o.IsEmpty() {
		return ""
	}
	var b strings.Builder
	write := func(name, body string) {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## ")
		b.WriteString(name)
		b.WriteString("\n")
		if body != "" {
			b.WriteString(body)
			b.WriteString("\n")
		}
	}
	write(ActiveProjects, o.projects)
	if o.hasTasks {
		write(OpenTasks, o.tasks)
	}
	write(TopicsOfInterest, o.topics)
	write(RecentActivity, o.recent)
	return b.String()
}

// Equal reports whether two snapshots serialize identically.
func (o *Overview) Equal(other *Overview) bool {
	return o.Text() == other.Text()
}

// ApplyUpdate validates replacement and returns the snapshot it describes.
// On failure current is returned unchanged together with the error, so a
// caller can never end up holding a partial overview. Applying the same
// replacement twice yields the same snapshot.
func ApplyUpdate(current *Overview, replacement string, maxChars int) (*Overview, error) {
	next, err := Parse(replacement, maxChars)
	if err != nil {
		return current, err
	}
	return next, nil
}

// Project is one Active Projects entry.
type Project struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Updated string `json:"updated,omitempty"` // YYYY-MM-DD
}

// Task is one Open Tasks entry.
type Task struct {
	Project     string `json:"project,omitempty"`
	Description string `json:"description"`
	Done        bool   `json:"done"`
}

var (
	bulletPattern  = regexp.MustCompile(`^[ \t]*[-*+][ \t]+(.+?)[ \t]*$`)
	projectPattern = regexp.MustCompile(`^(?:\*\*)?(.+?)(?:\*\*)?:[ \t]*(.*?)(?:[ \t]*\((?:last )?updated:?[ \t]*(\d{4}-\d{2}-\d{2})\))?$`)
	taskPattern    = regexp.MustCompile(`^[ \t]*[-*+][ \t]+\[([ xX])\][ \t]+(.+?)[ \t]*$`)
	subheadPattern = regexp.MustCompile(`^#{3,6}[ \t]+(.+?)[ \t]*$`)
)

// Projects parses the Active Projects section. Bullets that do not follow
// the "name: status (updated YYYY-MM-DD)" shape are returned with only Name set.
func (o *Overview) Projects() []Project {
	if o.IsEmpty() {
		return nil
	}
	var out []Project
	for _, line := range strings.Split(o.projects, "\n") {
		m := bulletPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		p := projectPattern.FindStringSubmatch(m[1])
		if p == nil {
			out = append(out, Project{Name: m[1]})
			continue
		}
		out = append(out, Project{
			Name:    strings.TrimSpace(p[1]),
			Status:  strings.TrimSpace(p[2]),
			Updated: p[3],
		})
	}
	return out
}

// Tasks parses the Open Tasks section. Tasks listed before any "###"
// project subheader have an empty Project.
func (o *Overview) Tasks() []Task {
	if o.IsEmpty() || !o.hasTasks {
		return nil
	}
	var out []Task
	project := ""
	for _, line := range strings.Split(o.tasks, "\n") {
		if m := subheadPattern.FindStringSubmatch(line); m != nil {
			project = m[1]
			continue
		}
		m := taskPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		out = append(out, Task{
			Project:     project,
			Description: m[2],
			Done:        m[1] != " ",
		})
	}
	return out
}

// TasksByProject groups Tasks by project, keeping order within each project.
func (o *Overview) TasksByProject() map[string][]Task {
	grouped := make(map[string][]Task)
	for _, t := range o.Tasks() {
		grouped[t.Project] = append(grouped[t.Project], t)
	}
	return grouped
}

// OpenTaskCount returns the number of unchecked tasks.
func (o *Overview) OpenTaskCount() int {
	n := 0
	for _, t := range o.Tasks() {
		if !t.Done {
			n++
		}
	}
	return n
}

// Topics returns the Topics of Interest bullets, deduplicated case-insensitively.
func (o *Overview) Topics() []string {
	if o.IsEmpty() {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, line := range strings.Split(o.topics, "\n") {
		m := bulletPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key := strings.ToLower(m[1])
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m[1])
	}
	return out
}

// RecentActivity returns the Recent Activity section text.
func (o *Overview) RecentActivity() string {
	if o.IsEmpty() {
		return ""
	}
	return o.recent
}

// Section returns the raw body of a canonical section and whether it is present.
func (o *Overview) Section(name string) (string, bool) {
	if o.IsEmpty() {
		return "", false
	}
	switch MatchCanonical(name) {
	case ActiveProjects:
		return o.projects, true
	case OpenTasks:
		return o.tasks, o.hasTasks
	case TopicsOfInterest:
		return o.topics, true
	case RecentActivity:
		return o.recent, true
	}
	return "", false
}

// fencedBlock matches the first fenced code block in oracle output.
var fencedBlock = regexp.MustCompile("(?s)(?:^|\n)[ ]{0,3}(?:```|~~~)[a-zA-Z]*[ \t]*\n(.*?)\n[ ]{0,3}(?:```|~~~)[ \t]*(?:\n|$)")

// Extract unwraps free-text oracle output that is supposed to be an
// overview: a code fence holding the sections, a "#" title, and any prose
// before the first "##" header are dropped. The result still has to pass
// Parse.
func Extract(raw string) string {
	text := strings.TrimSpace(raw)
	if m := fencedBlock.FindStringSubmatch(text); m != nil && headerPattern.MatchString(m[1]) {
		text = strings.TrimSpace(m[1])
	}
	for _, s := range ParseSections(text, 2) {
		if s.Level == 2 {
			return strings.TrimSpace(text[s.HeaderStart:]) + "\n"
		}
	}
	return text
}
