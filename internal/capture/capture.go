// Package capture drives the capture stage: one oracle call classifies an
// incoming message, and its output is validated before anything reaches
// the store.
package capture

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/margin/internal/contract"
	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/item"
	"github.com/hpungsan/margin/internal/oracle"
	"github.com/hpungsan/margin/internal/schema"
)

// StrictReminder is appended to the contract on a retry after malformed output.
const StrictReminder = `IMPORTANT: your previous reply could not be parsed. Reply with exactly one
JSON object containing every key listed above. Use null for overview_update
when there is no update. No prose, no code fences.`

// Input is everything one capture call needs.
type Input struct {
	KB string

	// Message is the user's text, with any fetched page content appended.
	Message string

	// Overview is the current overview as prompt text; it is grounding
	// context only and is not parsed here.
	Overview string

	// ItemTypes overrides the registry of the contract set when non-nil.
	ItemTypes []contract.TypeDef

	// ContextItems are stored items related to the message.
	ContextItems []item.Item

	// Strict adds StrictReminder for a caller-driven retry.
	Strict bool

	// MaxTokens is the output budget; zero keeps the oracle's default.
	MaxTokens int

	// Today is the date the oracle stamps on affected projects.
	Today time.Time
}

// Extracted is one validated sub-item. Tags already include the parent's.
type Extracted struct {
	Summary string
	Tags    []string
}

// Result is a validated capture-stage outcome.
type Result struct {
	ItemType          item.Type
	Tags              []string
	Summary           string
	Response          string
	OverviewUpdate    *string
	CapabilityRequest bool
	IsQuery           bool
	ExtractedItems    []Extracted
}

// Classifier issues capture calls.
type Classifier struct {
	oracle    oracle.Oracle
	contracts *contract.Set
	validator *schema.Validator
	log       *zap.Logger
}

// New creates a Classifier.
func New(orc oracle.Oracle, contracts *contract.Set, validator *schema.Validator, log *zap.Logger) *Classifier {
	if log == nil {
		log = zap.NewNop()
	}
	if validator == nil {
		validator = schema.NewValidator()
	}
	return &Classifier{oracle: orc, contracts: contracts, validator: validator, log: log.Named("capture")}
}

// Classify makes exactly one oracle call. Output the validator rejects
// fails with CAPTURE_FAILED wrapping the MALFORMED_OUTPUT cause; transport
// failures are ORACLE_UNAVAILABLE. Nothing is persisted here.
func (c *Classifier) Classify(ctx context.Context, in Input) (*Result, error) {
	if strings.TrimSpace(in.Message) == "" {
		return nil, errors.NewInvalidRequest("message is empty")
	}

	defs := in.ItemTypes
	if defs == nil {
		defs = c.contracts.TypeDefs()
	}
	types := make([]item.Type, len(defs))
	for i, d := range defs {
		types[i] = item.Type(d.Name)
	}

	system, err := c.render(in, defs)
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	raw, err := c.oracle.Generate(ctx, oracle.Request{
		Stage:     oracle.StageCapture,
		KB:        in.KB,
		System:    system,
		Prompt:    in.Message,
		MaxTokens: in.MaxTokens,
		JSON:      true,
	})
	if errors.Is(err, errors.ErrMalformedOutput) {
		c.log.Warn("capture output truncated", zap.String("kb", in.KB), zap.Error(err))
		return nil, errors.NewCaptureFailed(err)
	}
	if err != nil {
		return nil, oracle.Unavailable(err)
	}

	out, err := c.validator.DecodeCapture(raw, types)
	if err != nil {
		c.log.Warn("capture output rejected",
			zap.String("kb", in.KB),
			zap.Bool("strict", in.Strict),
			zap.Error(err))
		return nil, errors.NewCaptureFailed(err)
	}
	return newResult(out), nil
}

func (c *Classifier) render(in Input, defs []contract.TypeDef) (string, error) {
	today := in.Today
	if today.IsZero() {
		today = time.Now()
	}
	overview := in.Overview
	if strings.TrimSpace(overview) == "" {
		overview = item.NoItems
	}

	system, err := c.contracts.For(in.KB).Render(contract.Capture, map[string]string{
		"today":         today.UTC().Format("2006-01-02"),
		"overview":      overview,
		"item_types":    describeTypes(defs),
		"context_items": item.FormatList(in.ContextItems),
	})
	if err != nil {
		return "", err
	}
	if in.Strict {
		system = strings.TrimRight(system, "\n") + "\n\n" + StrictReminder + "\n"
	}
	return system, nil
}

// describeTypes renders the registry as `note (description), idea, ...`.
func describeTypes(defs []contract.TypeDef) string {
	parts := make([]string, len(defs))
	for i, d := range defs {
		if d.Description == "" {
			parts[i] = d.Name
			continue
		}
		parts[i] = fmt.Sprintf("%s (%s)", d.Name, d.Description)
	}
	return strings.Join(parts, ", ")
}

func newResult(out *schema.CaptureOutput) *Result {
	r := &Result{
		ItemType:          out.ItemType,
		Tags:              out.Tags,
		Summary:           out.Summary,
		Response:          out.Response,
		OverviewUpdate:    out.OverviewUpdate,
		CapabilityRequest: out.CapabilityRequest,
		IsQuery:           out.IsQuery,
		ExtractedItems:    make([]Extracted, 0, len(out.ExtractedItems)),
	}
	for _, e := range out.ExtractedItems {
		r.ExtractedItems = append(r.ExtractedItems, Extracted{
			Summary: e.Summary,
			Tags:    item.MergeTags(e.Tags, out.Tags),
		})
	}
	return r
}

// Records builds the rows to persist for a non-query result. newID assigns
// ids; parent and sub-items share createdAt.
func (r *Result) Records(kb, rawText string, sourceURL, urlContent *string, newID func() string, createdAt time.Time) (*item.Item, []item.Extracted) {
	ts := createdAt.Unix()
	it := &item.Item{
		ID:         newID(),
		KB:         kb,
		RawText:    rawText,
		Type:       r.ItemType,
		Tags:       r.Tags,
		Summary:    r.Summary,
		SourceURL:  sourceURL,
		URLContent: urlContent,
		CreatedAt:  ts,
	}
	subs := make([]item.Extracted, len(r.ExtractedItems))
	for i, e := range r.ExtractedItems {
		subs[i] = item.Extracted{
			ID:        newID(),
			ParentID:  it.ID,
			KB:        kb,
			Summary:   e.Summary,
			Tags:      e.Tags,
			CreatedAt: ts,
		}
	}
	return it, subs
}
