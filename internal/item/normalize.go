package item

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"
)

// whitespaceRegex matches one or more whitespace characters
var whitespaceRegex = regexp.MustCompile(`\s+`)

// Normalize trims, lowercases, and collapses internal whitespace to single spaces.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	return whitespaceRegex.ReplaceAllString(s, " ")
}

// NormalizeTag normalizes one tag: Normalize, drop a leading '#', and cut to
// MaxTagLen runes.
func NormalizeTag(tag string) string {
	tag = Normalize(strings.TrimPrefix(strings.TrimSpace(tag), "#"))
	if utf8.RuneCountInString(tag) > MaxTagLen {
		tag = strings.TrimSpace(string([]rune(tag)[:MaxTagLen]))
	}
	return tag
}

// NormalizeTags normalizes every tag, dropping empties and duplicates while
// keeping first-seen order.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = NormalizeTag(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// MergeTags returns own tags followed by inherited ones, normalized,
// deduplicated, and capped at MaxTags.
func MergeTags(own, inherited []string) []string {
	merged := NormalizeTags(append(append([]string{}, own...), inherited...))
	if len(merged) > MaxTags {
		merged = merged[:MaxTags]
	}
	return merged
}

// CountChars returns the character count as runes (not bytes).
func CountChars(text string) int {
	return utf8.RuneCountInString(text)
}

// EstimateTokens estimates token count using a word-based heuristic
// (1.3 tokens per word).
func EstimateTokens(text string) int {
	words := strings.Fields(strings.TrimSpace(text))
	return int(math.Ceil(float64(len(words)) * 1.3))
}

// Truncate cuts text to at most max runes, appending marker when it cut.
func Truncate(text string, max int, marker string) string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	return string([]rune(text)[:max]) + marker
}
