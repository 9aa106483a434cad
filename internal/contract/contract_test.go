package contract

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hpungsan/margin/internal/item"
)

func TestLoad_DefaultsOnly(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)

	for _, n := range Names {
		text, err := s.Text(n)
		require.NoError(t, err, "contract %s", n)
		require.NotEmpty(t, strings.TrimSpace(text), "contract %s", n)
		require.False(t, s.Overridden(n))
	}
	require.Equal(t, item.DefaultTypes, s.ItemTypes())
}

func TestRender_CaptureMentionsEveryKeyAndType(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)

	types := strings.Join(item.TypeNames(s.ItemTypes()), ", ")
	out, err := s.Render(Capture, map[string]string{
		"overview":      "## Active Projects\n- My cool project: planning",
		"item_types":    types,
		"context_items": "(No matching items found.)",
		"today":         "2026-10-16",
	})
	require.NoError(t, err)

	for _, key := range []string{"item_type", "tags", "summary", "response", "overview_update", "capability_request", "is_query", "extracted_items"} {
		require.Contains(t, out, key)
	}
	for _, typ := range s.ItemTypes() {
		require.Contains(t, out, string(typ))
	}
	require.Contains(t, out, "My cool project")
	require.Contains(t, out, "2026-10-16")
	require.NotContains(t, out, "$overview")
}

func TestRender_UnknownContract(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)
	_, err = s.Render(Name("nope"), nil)
	require.Error(t, err)
}

func TestOverrideDirectoryWins(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "query.md"), []byte("custom $overview"), 0600))

	s, err := Load(dir)
	require.NoError(t, err)
	require.True(t, s.Overridden(Query))
	require.False(t, s.Overridden(Capture))

	out, err := s.Render(Query, map[string]string{"overview": "X"})
	require.NoError(t, err)
	require.Equal(t, "custom X", out)
}

func TestUpdate_WritesOverrideAndHistory(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(dir)
	require.NoError(t, err)

	original, err := s.Text(Capture)
	require.NoError(t, err)

	require.NoError(t, s.Update(Capture, "new capture contract $overview"))

	text, err := s.Text(Capture)
	require.NoError(t, err)
	require.Equal(t, "new capture contract $overview", text)

	history, err := os.ReadDir(filepath.Join(dir, "history"))
	require.NoError(t, err)
	require.Len(t, history, 1)
	saved, err := os.ReadFile(filepath.Join(dir, "history", history[0].Name()))
	require.NoError(t, err)
	require.Equal(t, original, string(saved))
}

func TestUpdate_Rejections(t *testing.T) {
	noDir, err := Load("")
	require.NoError(t, err)
	require.Error(t, noDir.Update(Capture, "x"))

	s, err := Load(t.TempDir())
	require.NoError(t, err)
	require.Error(t, s.Update(Capture, "   "))
	require.Error(t, s.Update(Name("other"), "x"))
}

func TestItemTypesOverride(t *testing.T) {
	dir := t.TempDir()
	yaml := "item_types:\n  - name: Note\n  - name: recipe\n    description: cooking\n  - name: note\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "item_types.yaml"), []byte(yaml), 0600))

	s, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, []item.Type{"note", "recipe"}, s.ItemTypes())
	require.Equal(t, "cooking", s.TypeDefs()[1].Description)
}

func TestItemTypesEmptyRegistry(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "item_types.yaml"), []byte("item_types: []\n"), 0600))
	_, err := Load(dir)
	require.Error(t, err)
}

func TestSubstitute(t *testing.T) {
	tests := []struct {
		name string
		text string
		vars map[string]string
		want string
	}{
		{"plain", "a $x b", map[string]string{"x": "1"}, "a 1 b"},
		{"braced", "a${x}b", map[string]string{"x": "1"}, "a1b"},
		{"unknown left alone", "a $y b", map[string]string{"x": "1"}, "a $y b"},
		{"escaped dollar", "costs $$5", nil, "costs $5"},
		{"value not rescanned", "$x", map[string]string{"x": "$x"}, "$x"},
		{"json braces untouched", `{"a": $x}`, map[string]string{"x": "true"}, `{"a": true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Substitute(tt.text, tt.vars))
		})
	}
}

func TestParseName(t *testing.T) {
	n, err := ParseName(" Query ")
	require.NoError(t, err)
	require.Equal(t, Query, n)

	_, err = ParseName("overview")
	require.Error(t, err)
}

func TestFor_KnowledgeBaseOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "query.md"), []byte("shared $overview"), 0600))

	s, err := Load(dir)
	require.NoError(t, err)

	garden := s.For("garden")
	require.NoError(t, garden.Update(Capture, "garden capture $overview"))
	require.FileExists(t, filepath.Join(dir, "kb", "garden", "capture.md"))

	text, err := garden.Text(Capture)
	require.NoError(t, err)
	require.Equal(t, "garden capture $overview", text)
	require.True(t, garden.Overridden(Capture))

	// The shared set and other knowledge bases are untouched.
	require.False(t, s.Overridden(Capture))
	other, err := s.For("kitchen").Text(Capture)
	require.NoError(t, err)
	def, err := s.Text(Capture)
	require.NoError(t, err)
	require.Equal(t, def, other)

	// Shared overrides still apply below a knowledge base.
	q, err := garden.Text(Query)
	require.NoError(t, err)
	require.Equal(t, "shared $overview", q)
	require.False(t, garden.Overridden(Query))

	require.Equal(t, s.ItemTypes(), garden.ItemTypes())
	require.Same(t, s, s.For(""))
}

func TestCheckReplacement(t *testing.T) {
	keys := []string{"summary", "tags"}
	require.Empty(t, CheckReplacement(Capture, "$today ${overview} $item_types $context_items: summary, tags", keys))
	require.Equal(t, []string{"$overview", "$context_items", "tags"},
		CheckReplacement(Capture, "$today $item_types summary", keys))
	require.Equal(t, []string{"$today"}, CheckReplacement(Query, "$overview $context_items", nil))
	require.Empty(t, CheckReplacement(Consolidate, "anything", nil))
}
