package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hpungsan/margin/internal/errors"
)

// GapFields lists the capability-gap contract keys in reporting order.
var GapFields = []string{
	"can_answer",
	"gap_description",
	"proposal",
	"target_prompt",
	"proposed_contract_update",
}

// GapTargets are the contracts a gap report may implicate.
var GapTargets = []string{"capture", "query"}

// GapOutput is a validated capability-gap verdict.
type GapOutput struct {
	CanAnswer              bool   `json:"can_answer"`
	GapDescription         string `json:"gap_description,omitempty"`
	Proposal               string `json:"proposal,omitempty"`
	TargetPrompt           string `json:"target_prompt,omitempty"`
	ProposedContractUpdate string `json:"proposed_contract_update,omitempty"`
}

// GapSchema returns the JSON Schema of the capability-gap contract: when
// can_answer is false the report fields become required.
func GapSchema() map[string]any {
	nonEmpty := map[string]any{"type": "string", "minLength": 1}
	return map[string]any{
		"$schema":  "http://json-schema.org/draft-07/schema#",
		"type":     "object",
		"required": []string{"can_answer"},
		"properties": map[string]any{
			"can_answer":               map[string]any{"type": "boolean"},
			"gap_description":          map[string]any{"type": []string{"string", "null"}},
			"proposal":                 map[string]any{"type": []string{"string", "null"}},
			"target_prompt":            map[string]any{"enum": append(append([]any{}, "capture", "query"), nil)},
			"proposed_contract_update": map[string]any{"type": []string{"string", "null"}},
		},
		"if": map[string]any{
			"properties": map[string]any{"can_answer": map[string]any{"const": false}},
		},
		"then": map[string]any{
			"required": GapFields[1:],
			"properties": map[string]any{
				"gap_description":          nonEmpty,
				"proposal":                 nonEmpty,
				"target_prompt":            map[string]any{"type": "string", "enum": GapTargets},
				"proposed_contract_update": nonEmpty,
			},
		},
	}
}

// DecodeGap extracts, validates, and decodes capability-gap output.
func (v *Validator) DecodeGap(raw string) (*GapOutput, error) {
	doc, err := ExtractJSON(raw)
	if err != nil {
		return nil, err
	}
	if err := v.Validate(GapSchema(), doc, GapFields); err != nil {
		return nil, err
	}

	// Nullable strings decode to "" here.
	var out GapOutput
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		return nil, errors.NewMalformedOutput("", fmt.Sprintf("decode: %v", err))
	}
	if out.CanAnswer {
		return &GapOutput{CanAnswer: true}, nil
	}
	out.GapDescription = strings.TrimSpace(out.GapDescription)
	out.Proposal = strings.TrimSpace(out.Proposal)
	if strings.TrimSpace(out.ProposedContractUpdate) == "" {
		return nil, errors.NewMalformedOutput("proposed_contract_update", "blank")
	}
	return &out, nil
}
