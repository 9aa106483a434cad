package item

import "time"

// Type is an item classification. The set of valid values is loaded from
// the item-type registry at startup; DefaultTypes is used when none is
// configured.
type Type string

// DefaultTypes is the built-in item-type enumeration.
var DefaultTypes = []Type{"note", "idea", "task", "reference", "link", "journal"}

const (
	MinTags   = 2
	MaxTags   = 5
	MaxTagLen = 40
)

// Item is one persisted unit of captured knowledge.
// Every field except ID and CreatedAt comes from a validated capture result.
type Item struct {
	// ID is a ULID that uniquely identifies this item
	ID string `json:"id"`

	// KB is the knowledge base that owns this item
	KB string `json:"kb"`

	// RawText is the original message content
	RawText string `json:"raw_text"`

	Type Type `json:"item_type"`

	// Tags holds 2-5 normalized tags
	Tags []string `json:"tags"`

	// Summary is a one or two sentence synopsis
	Summary string `json:"summary"`

	// SourceURL is the first URL found in the message, if any
	SourceURL *string `json:"source_url,omitempty"`

	// URLContent is the readable text fetched from SourceURL
	URLContent *string `json:"url_content,omitempty"`

	// CreatedAt is the Unix timestamp when the item was created
	CreatedAt int64 `json:"created_at"`
}

// Created returns CreatedAt as a UTC time.
func (i *Item) Created() time.Time {
	return time.Unix(i.CreatedAt, 0).UTC()
}

// Extracted is a finer-grained record pulled from a list-shaped parent item
// (events, grants, and so on). It is written in the same transaction as its
// parent and never mutated afterwards.
type Extracted struct {
	ID        string   `json:"id"`
	ParentID  string   `json:"parent_item_id"`
	KB        string   `json:"kb"`
	Summary   string   `json:"summary"`
	Tags      []string `json:"tags"`
	CreatedAt int64    `json:"created_at"`
}

// ValidType reports whether t is a member of types.
func ValidType(t Type, types []Type) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

// TypeNames returns types as plain strings, in order.
func TypeNames(types []Type) []string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return names
}
