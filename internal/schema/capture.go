package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/item"
)

// CaptureFields lists the capture contract keys in the order violations
// are reported.
var CaptureFields = []string{
	"item_type",
	"tags",
	"summary",
	"response",
	"overview_update",
	"capability_request",
	"is_query",
	"extracted_items",
}

// CaptureOutput is a validated capture-stage result.
type CaptureOutput struct {
	ItemType          item.Type         `json:"item_type"`
	Tags              []string          `json:"tags"`
	Summary           string            `json:"summary"`
	Response          string            `json:"response"`
	OverviewUpdate    *string           `json:"overview_update"`
	CapabilityRequest bool              `json:"capability_request"`
	IsQuery           bool              `json:"is_query"`
	ExtractedItems    []ExtractedOutput `json:"extracted_items"`
}

// ExtractedOutput is one validated extracted sub-item.
type ExtractedOutput struct {
	Summary string   `json:"summary"`
	Tags    []string `json:"tags"`
}

func tagsSchema(min int) map[string]any {
	return map[string]any{
		"type":     "array",
		"minItems": min,
		"maxItems": item.MaxTags,
		"items":    map[string]any{"type": "string", "minLength": 1},
	}
}

// CaptureSchema returns the JSON Schema of the capture contract for the
// given item-type enumeration. Every key is required; overview_update must
// be present but may be null.
func CaptureSchema(types []item.Type) map[string]any {
	return map[string]any{
		"$schema":  "http://json-schema.org/draft-07/schema#",
		"type":     "object",
		"required": CaptureFields,
		"properties": map[string]any{
			"item_type": map[string]any{
				"type": "string",
				"enum": item.TypeNames(types),
			},
			"tags":               tagsSchema(item.MinTags),
			"summary":            map[string]any{"type": "string", "minLength": 1},
			"response":           map[string]any{"type": "string", "minLength": 1},
			"overview_update":    map[string]any{"type": []string{"string", "null"}},
			"capability_request": map[string]any{"type": "boolean"},
			"is_query":           map[string]any{"type": "boolean"},
			"extracted_items": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []string{"summary", "tags"},
					"properties": map[string]any{
						"summary": map[string]any{"type": "string", "minLength": 1},
						"tags":    tagsSchema(0),
					},
				},
			},
		},
	}
}

// DecodeCapture extracts, validates, and decodes capture-stage output.
// Tags are normalized after validation and must still number 2-5.
func (v *Validator) DecodeCapture(raw string, types []item.Type) (*CaptureOutput, error) {
	doc, err := ExtractJSON(raw)
	if err != nil {
		return nil, err
	}
	if err := v.Validate(CaptureSchema(types), doc, CaptureFields); err != nil {
		return nil, err
	}

	var out CaptureOutput
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		return nil, errors.NewMalformedOutput("", fmt.Sprintf("decode: %v", err))
	}

	out.Tags = item.NormalizeTags(out.Tags)
	if len(out.Tags) < item.MinTags {
		return nil, errors.NewMalformedOutput("tags",
			fmt.Sprintf("need at least %d distinct tags after normalization", item.MinTags))
	}
	out.Summary = strings.TrimSpace(out.Summary)
	if out.Summary == "" {
		return nil, errors.NewMalformedOutput("summary", "blank")
	}
	out.Response = strings.TrimSpace(out.Response)
	if out.Response == "" {
		return nil, errors.NewMalformedOutput("response", "blank")
	}

	for i := range out.ExtractedItems {
		e := &out.ExtractedItems[i]
		e.Summary = strings.TrimSpace(e.Summary)
		if e.Summary == "" {
			return nil, errors.NewMalformedOutput(fmt.Sprintf("extracted_items.%d.summary", i), "blank")
		}
		e.Tags = item.NormalizeTags(e.Tags)
	}
	if out.ExtractedItems == nil {
		out.ExtractedItems = []ExtractedOutput{}
	}
	return &out, nil
}
