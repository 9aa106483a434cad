// Package contract holds the prompt contracts sent to the oracle for each
// stage. Defaults are embedded; a contracts directory may override any of
// them. Accepted capability-gap proposals are written to a per knowledge
// base directory under it, so one knowledge base never rewrites another's.
package contract

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hpungsan/margin/internal/item"
)

// Name identifies a contract.
type Name string

const (
	Capture       Name = "capture"
	Query         Name = "query"
	Consolidate   Name = "consolidate"
	CapabilityGap Name = "capability_gap"
)

// Names lists every contract.
var Names = []Name{Capture, Query, Consolidate, CapabilityGap}

// Evolvable lists the contracts a capability-gap proposal may replace.
var Evolvable = []Name{Capture, Query}

//go:embed defaults/*.md defaults/item_types.yaml
var defaults embed.FS

// TypeDef is one entry of the item-type registry.
type TypeDef struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type registry struct {
	ItemTypes []TypeDef `yaml:"item_types"`
}

// Placeholders lists the variables each evolvable contract must keep. A
// replacement without them would silently drop context from every call.
var Placeholders = map[Name][]string{
	Capture: {"today", "overview", "item_types", "context_items"},
	Query:   {"today", "overview", "context_items"},
}

// Set resolves contracts from an override directory, falling back to the
// embedded defaults. A Set returned by For also consults its knowledge
// base directory first. It is safe for concurrent use.
type Set struct {
	dir string

	// parent is the shared set of a knowledge base view.
	parent *Set

	mu    sync.RWMutex
	types []TypeDef
}

// Load builds a Set over dir. dir may be empty or missing, in which case
// only the embedded defaults are used and Update fails.
func Load(dir string) (*Set, error) {
	s := &Set{dir: dir}
	types, err := s.loadTypes()
	if err != nil {
		return nil, err
	}
	s.types = types
	return s, nil
}

// Dir returns the override directory.
func (s *Set) Dir() string { return s.dir }

// For returns the view of kb: overrides under <dir>/kb/<kb> win over the
// shared ones. Without a directory or kb, s itself is returned.
func (s *Set) For(kb string) *Set {
	root := s.root()
	if root.dir == "" || kb == "" {
		return root
	}
	return &Set{dir: filepath.Join(root.dir, "kb", kb), parent: root}
}

func (s *Set) root() *Set {
	if s.parent != nil {
		return s.parent
	}
	return s
}

// Text returns the raw contract text, preferring the most specific
// override file.
func (s *Set) Text(name Name) (string, error) {
	if !known(name) {
		return "", fmt.Errorf("contract: unknown contract %q", name)
	}
	root := s.root()
	root.mu.RLock()
	defer root.mu.RUnlock()

	dirs := []string{s.dir}
	if s.parent != nil {
		dirs = append(dirs, s.parent.dir)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, string(name)+".md"))
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("contract: read override %s: %w", name, err)
		}
	}
	data, err := defaults.ReadFile("defaults/" + string(name) + ".md")
	if err != nil {
		return "", fmt.Errorf("contract: read default %s: %w", name, err)
	}
	return string(data), nil
}

// Render returns the contract with $name and ${name} placeholders replaced
// from vars. Unknown placeholders are left as written; "$$" yields "$".
func (s *Set) Render(name Name, vars map[string]string) (string, error) {
	text, err := s.Text(name)
	if err != nil {
		return "", err
	}
	return Substitute(text, vars), nil
}

// Overridden reports whether s's own directory overrides name. A knowledge
// base view does not count the shared directory.
func (s *Set) Overridden(name Name) bool {
	if s.dir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(s.dir, string(name)+".md"))
	return err == nil
}

// Update replaces a contract in s's own directory. The previous text is
// kept under <dir>/history/<name>-<timestamp>.md. The write is atomic.
func (s *Set) Update(name Name, text string) error {
	if s.dir == "" {
		return fmt.Errorf("contract: no contracts directory configured")
	}
	if !known(name) {
		return fmt.Errorf("contract: unknown contract %q", name)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("contract: replacement for %q is empty", name)
	}

	previous, err := s.Text(name)
	if err != nil {
		return err
	}

	root := s.root()
	root.mu.Lock()
	defer root.mu.Unlock()

	historyDir := filepath.Join(s.dir, "history")
	if err := os.MkdirAll(historyDir, 0700); err != nil {
		return fmt.Errorf("contract: create history directory: %w", err)
	}
	stamp := time.Now().UTC().Format("20060102T150405.000000000")
	historyPath := filepath.Join(historyDir, fmt.Sprintf("%s-%s.md", name, stamp))
	if err := os.WriteFile(historyPath, []byte(previous), 0600); err != nil {
		return fmt.Errorf("contract: write history: %w", err)
	}

	target := filepath.Join(s.dir, string(name)+".md")
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), 0600); err != nil {
		return fmt.Errorf("contract: write %s: %w", name, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("contract: replace %s: %w", name, err)
	}
	return nil
}

// CheckReplacement returns what a replacement for name lacks: the
// placeholders the contract must keep and the given output keys.
func CheckReplacement(name Name, text string, keys []string) []string {
	var missing []string
	for _, v := range Placeholders[name] {
		if !strings.Contains(text, "$"+v) && !strings.Contains(text, "${"+v+"}") {
			missing = append(missing, "$"+v)
		}
	}
	for _, k := range keys {
		if !strings.Contains(text, k) {
			missing = append(missing, k)
		}
	}
	return missing
}

// ItemTypes returns the configured item-type enumeration.
func (s *Set) ItemTypes() []item.Type {
	s = s.root()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]item.Type, len(s.types))
	for i, t := range s.types {
		out[i] = item.Type(t.Name)
	}
	return out
}

// TypeDefs returns the item-type registry with descriptions.
func (s *Set) TypeDefs() []TypeDef {
	s = s.root()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]TypeDef(nil), s.types...)
}

func (s *Set) loadTypes() ([]TypeDef, error) {
	var data []byte
	if s.dir != "" {
		b, err := os.ReadFile(filepath.Join(s.dir, "item_types.yaml"))
		if err == nil {
			data = b
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("contract: read item types: %w", err)
		}
	}
	if data == nil {
		b, err := defaults.ReadFile("defaults/item_types.yaml")
		if err != nil {
			return nil, fmt.Errorf("contract: read default item types: %w", err)
		}
		data = b
	}

	var reg registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("contract: parse item types: %w", err)
	}

	seen := make(map[string]bool)
	var types []TypeDef
	for _, t := range reg.ItemTypes {
		t.Name = item.Normalize(t.Name)
		if t.Name == "" || seen[t.Name] {
			continue
		}
		seen[t.Name] = true
		types = append(types, t)
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("contract: item type registry is empty")
	}
	return types, nil
}

// ParseName validates a contract name given as text.
func ParseName(s string) (Name, error) {
	n := Name(strings.TrimSpace(strings.ToLower(s)))
	if !known(n) {
		return "", fmt.Errorf("contract: unknown contract %q", s)
	}
	return n, nil
}

func known(name Name) bool {
	for _, n := range Names {
		if n == name {
			return true
		}
	}
	return false
}

var placeholderPattern = regexp.MustCompile(`\$(?:(\$)|([A-Za-z_][A-Za-z0-9_]*)|\{([A-Za-z_][A-Za-z0-9_]*)\})`)

// Substitute replaces $name and ${name} from vars, leaving unknown names intact.
func Substitute(text string, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(m string) string {
		sub := placeholderPattern.FindStringSubmatch(m)
		if sub[1] != "" {
			return "$"
		}
		key := sub[2]
		if key == "" {
			key = sub[3]
		}
		if v, ok := vars[key]; ok {
			return v
		}
		return m
	})
}
