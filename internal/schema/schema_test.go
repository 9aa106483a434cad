package schema

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/item"
)

const validCapture = `{
  "item_type": "task",
  "tags": ["Onboarding", "design", "launch"],
  "summary": "Started redesigning the onboarding flow for a March 1 launch.",
  "response": "Got it, tracking the onboarding redesign.",
  "overview_update": null,
  "capability_request": false,
  "is_query": false,
  "extracted_items": []
}`

func fieldOf(t *testing.T, err error) string {
	t.Helper()
	var mErr *errors.MarginError
	require.ErrorAs(t, err, &mErr)
	require.Equal(t, errors.ErrMalformedOutput, mErr.Code)
	field, _ := mErr.Details["field"].(string)
	return field
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\": 1}\n```", `{"a":1}`},
		{"plain fence", "```\n{\"a\": 1}\n```", `{"a":1}`},
		{"prose around", "Sure! Here you go:\n{\"a\": {\"b\": [1,2]}}\nHope that helps.", `{"a":{"b":[1,2]}}`},
		{"brace in prose first", "I {think} this is it: {\"a\": true}", `{"a":true}`},
		{"braces inside strings", `{"a": "x } y {"}`, `{"a":"x } y {"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.raw)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestExtractJSON_Failures(t *testing.T) {
	for _, raw := range []string{"", "   ", "I'm sorry, I can't do that.", "[1, 2, 3]", "{broken"} {
		_, err := ExtractJSON(raw)
		require.True(t, errors.Is(err, errors.ErrMalformedOutput), "raw %q: err = %v", raw, err)
	}
}

func TestDecodeCapture_Valid(t *testing.T) {
	v := NewValidator()
	out, err := v.DecodeCapture("```json\n"+validCapture+"\n```", item.DefaultTypes)
	require.NoError(t, err)

	require.Equal(t, item.Type("task"), out.ItemType)
	require.Equal(t, []string{"onboarding", "design", "launch"}, out.Tags)
	require.Nil(t, out.OverviewUpdate)
	require.False(t, out.IsQuery)
	require.NotNil(t, out.ExtractedItems)
	require.Empty(t, out.ExtractedItems)
}

func TestDecodeCapture_OverviewUpdateString(t *testing.T) {
	raw := `{"item_type":"note","tags":["a","b"],"summary":"s","response":"r",
	  "overview_update":"## Active Projects\n- X: started (updated 2026-10-16)\n",
	  "capability_request":false,"is_query":false,
	  "extracted_items":[{"summary":"Grant A","tags":["Grant"]},{"summary":"Grant B","tags":[]}]}`

	out, err := NewValidator().DecodeCapture(raw, item.DefaultTypes)
	require.NoError(t, err)
	require.NotNil(t, out.OverviewUpdate)
	require.Contains(t, *out.OverviewUpdate, "Active Projects")
	require.Len(t, out.ExtractedItems, 2)
	require.Equal(t, []string{"grant"}, out.ExtractedItems[0].Tags)
}

func TestDecodeCapture_Violations(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{
			name:  "absent overview_update",
			raw:   `{"item_type":"note","tags":["a","b"],"summary":"s","response":"r","capability_request":false,"is_query":false,"extracted_items":[]}`,
			field: "overview_update",
		},
		{
			name:  "unknown item type",
			raw:   `{"item_type":"project-note","tags":["a","b"],"summary":"s","response":"r","overview_update":null,"capability_request":false,"is_query":false,"extracted_items":[]}`,
			field: "item_type",
		},
		{
			name:  "too few tags",
			raw:   `{"item_type":"note","tags":["a"],"summary":"s","response":"r","overview_update":null,"capability_request":false,"is_query":false,"extracted_items":[]}`,
			field: "tags",
		},
		{
			name:  "too many tags",
			raw:   `{"item_type":"note","tags":["a","b","c","d","e","f"],"summary":"s","response":"r","overview_update":null,"capability_request":false,"is_query":false,"extracted_items":[]}`,
			field: "tags",
		},
		{
			name:  "string flag",
			raw:   `{"item_type":"note","tags":["a","b"],"summary":"s","response":"r","overview_update":null,"capability_request":"no","is_query":false,"extracted_items":[]}`,
			field: "capability_request",
		},
		{
			name:  "tags collapse after normalization",
			raw:   `{"item_type":"note","tags":["Ideas","ideas "],"summary":"s","response":"r","overview_update":null,"capability_request":false,"is_query":false,"extracted_items":[]}`,
			field: "tags",
		},
		{
			name:  "first field in contract order wins",
			raw:   `{"item_type":"bogus","tags":["a"],"summary":"s","response":"r","overview_update":null,"capability_request":false,"is_query":false,"extracted_items":[]}`,
			field: "item_type",
		},
		{
			name:  "extracted item without summary",
			raw:   `{"item_type":"note","tags":["a","b"],"summary":"s","response":"r","overview_update":null,"capability_request":false,"is_query":false,"extracted_items":[{"tags":["x"]}]}`,
			field: "extracted_items.0.summary",
		},
		{
			name:  "blank summary",
			raw:   `{"item_type":"note","tags":["a","b"],"summary":"   ","response":"r","overview_update":null,"capability_request":false,"is_query":false,"extracted_items":[]}`,
			field: "summary",
		},
		{
			name:  "not json at all",
			raw:   `I filed that under notes for you!`,
			field: "",
		},
	}

	v := NewValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.DecodeCapture(tt.raw, item.DefaultTypes)
			require.Error(t, err)
			require.Equal(t, tt.field, fieldOf(t, err))
		})
	}
}

func TestDecodeCapture_CustomTypes(t *testing.T) {
	types := []item.Type{"recipe", "note"}
	raw := `{"item_type":"recipe","tags":["food","dinner"],"summary":"s","response":"r","overview_update":null,"capability_request":false,"is_query":false,"extracted_items":[]}`
	out, err := NewValidator().DecodeCapture(raw, types)
	require.NoError(t, err)
	require.Equal(t, item.Type("recipe"), out.ItemType)

	_, err = NewValidator().DecodeCapture(raw, item.DefaultTypes)
	require.Equal(t, "item_type", fieldOf(t, err))
}

func TestDecodeGap(t *testing.T) {
	v := NewValidator()

	ok, err := v.DecodeGap(`{"can_answer": true}`)
	require.NoError(t, err)
	require.True(t, ok.CanAnswer)

	ok, err = v.DecodeGap(`{"can_answer": true, "gap_description": null, "proposal": null, "target_prompt": null, "proposed_contract_update": null}`)
	require.NoError(t, err)
	require.True(t, ok.CanAnswer)

	gap, err := v.DecodeGap("```json\n" + `{"can_answer": false, "gap_description": "no budget field", "proposal": "Track budgets?", "target_prompt": "capture", "proposed_contract_update": "full text"}` + "\n```")
	require.NoError(t, err)
	require.False(t, gap.CanAnswer)
	require.Equal(t, "capture", gap.TargetPrompt)
	require.Equal(t, "full text", gap.ProposedContractUpdate)
}

func TestDecodeGap_Violations(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{"missing can_answer", `{"proposal": "x"}`, "can_answer"},
		{"string can_answer", `{"can_answer": "false"}`, "can_answer"},
		{"false without report", `{"can_answer": false}`, "gap_description"},
		{"bad target", `{"can_answer": false, "gap_description": "d", "proposal": "p", "target_prompt": "overview", "proposed_contract_update": "u"}`, "target_prompt"},
		{"null update", `{"can_answer": false, "gap_description": "d", "proposal": "p", "target_prompt": "query", "proposed_contract_update": null}`, "proposed_contract_update"},
	}

	v := NewValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.DecodeGap(tt.raw)
			require.Error(t, err)
			require.Equal(t, tt.field, fieldOf(t, err))
		})
	}
}

func TestValidator_CachesSchemas(t *testing.T) {
	v := NewValidator()
	_, err := v.DecodeCapture(validCapture, item.DefaultTypes)
	require.NoError(t, err)
	_, err = v.DecodeCapture(validCapture, item.DefaultTypes)
	require.NoError(t, err)

	n := 0
	v.cache.Range(func(_, _ any) bool { n++; return true })
	require.Equal(t, 1, n)
}
