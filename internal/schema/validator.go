// Package schema validates oracle output against the JSON contract of each
// pipeline stage. Everything here is pure: no I/O, no state beyond a cache
// of compiled schemas.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/hpungsan/margin/internal/errors"
)

// Validator checks JSON documents against schemas, caching compiled schemas.
type Validator struct {
	cache sync.Map // map[string]*gojsonschema.Schema
}

// NewValidator creates a new validator instance.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks doc against schemaData (a map, struct, or anything that
// marshals to a JSON Schema). fieldOrder ranks top-level fields so that the
// reported violation is deterministic: the first violated field in that
// order wins. Failures are MALFORMED_OUTPUT naming that field.
func (v *Validator) Validate(schemaData any, doc string, fieldOrder []string) error {
	compiled, err := v.compile(schemaData)
	if err != nil {
		return errors.NewInternal(fmt.Errorf("invalid schema definition: %w", err))
	}

	result, err := compiled.Validate(gojsonschema.NewStringLoader(doc))
	if err != nil {
		return errors.NewMalformedOutput("", fmt.Sprintf("not valid JSON: %v", err))
	}
	if result.Valid() {
		return nil
	}

	violations := make([]violation, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, newViolation(desc, fieldOrder))
	}
	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].rank != violations[j].rank {
			return violations[i].rank < violations[j].rank
		}
		return violations[i].field < violations[j].field
	})

	first := violations[0]
	mErr := errors.NewMalformedOutput(first.field, first.reason)
	mErr.Details["violations"] = dumpErrors(violations)
	return mErr
}

func (v *Validator) compile(schemaData any) (*gojsonschema.Schema, error) {
	jsonBytes, err := json.Marshal(schemaData)
	if err != nil {
		return nil, err
	}
	key := string(jsonBytes)

	if val, ok := v.cache.Load(key); ok {
		return val.(*gojsonschema.Schema), nil
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(jsonBytes))
	if err != nil {
		return nil, err
	}
	v.cache.Store(key, compiled)
	return compiled, nil
}

type violation struct {
	field  string
	reason string
	rank   int
}

func newViolation(desc gojsonschema.ResultError, fieldOrder []string) violation {
	field := desc.Field()
	if desc.Type() == "required" {
		if prop, ok := desc.Details()["property"].(string); ok {
			if field == rootContext || field == "" {
				field = prop
			} else {
				field = field + "." + prop
			}
		}
	}
	if field == rootContext {
		field = ""
	}

	top := field
	if i := strings.IndexByte(top, '.'); i >= 0 {
		top = top[:i]
	}
	rank := len(fieldOrder)
	for i, f := range fieldOrder {
		if f == top {
			rank = i
			break
		}
	}
	// Composite errors ("condition_then", "number_all_of") only restate a
	// nested failure; rank them after it.
	if strings.HasPrefix(desc.Type(), "condition_") || strings.HasPrefix(desc.Type(), "number_") {
		rank = len(fieldOrder) + 1
	}
	return violation{field: field, reason: desc.Description(), rank: rank}
}

// dumpErrors returns at most three violations, for error details.
func dumpErrors(vs []violation) []string {
	out := make([]string, 0, 3)
	for i, v := range vs {
		if i == 3 {
			out = append(out, fmt.Sprintf("... and %d more", len(vs)-3))
			break
		}
		if v.field == "" {
			out = append(out, v.reason)
			continue
		}
		out = append(out, v.field+": "+v.reason)
	}
	return out
}

// rootContext is how gojsonschema names the document root in error fields.
const rootContext = "(root)"
