// Package query composes answers to questions about a knowledge base from
// its overview and the items retrieval ranked for the question.
package query

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/margin/internal/contract"
	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/item"
	"github.com/hpungsan/margin/internal/oracle"
)

// NotStoredReply replaces answers that deny having a memory.
const NotStoredReply = "That isn't stored in your knowledge base yet. " +
	"Tell me about it and I'll keep track of it."

// memoryDenial matches first-person answers that blame a missing memory
// or a fresh session instead of missing data. The subject must be the
// responder so ordinary content ("a new chat app", "no memory leak") passes.
var memoryDenial = regexp.MustCompile(`(?i)(` +
	`\bI (don['’]t|do not) have (any )?(persistent |long-term )?memory\b` +
	`|\bI have no (persistent |long-term )?memory\b` +
	`|\bI (can['’]t|cannot|can not|don['’]t|do not) (remember|recall)\b` +
	`|\bmy memory (resets|is reset|doesn['’]t persist|does not persist)\b` +
	`|\b(this is|this looks like|we['’]re in|we are in|starting) a (fresh|new) (session|conversation|chat)\b` +
	`)`)

// DeniesMemory reports whether answer claims to lack memory or to have
// started over.
func DeniesMemory(answer string) bool {
	return memoryDenial.MatchString(answer)
}

// Input is everything one query call needs.
type Input struct {
	KB       string
	Question string

	// Overview is the current overview as prompt text.
	Overview string

	// Items are the retrieved items, best match first.
	Items []item.Item

	Today time.Time
}

// Answer is a composed reply.
type Answer struct {
	Text string

	// Guarded is set when the oracle's text was replaced by NotStoredReply.
	Guarded bool
}

// Responder issues query calls.
type Responder struct {
	oracle    oracle.Oracle
	contracts *contract.Set
	log       *zap.Logger
}

// New creates a Responder.
func New(orc oracle.Oracle, contracts *contract.Set, log *zap.Logger) *Responder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Responder{oracle: orc, contracts: contracts, log: log.Named("query")}
}

// Answer makes one oracle call and applies the memory-denial guard.
// Transport failures are ORACLE_UNAVAILABLE; an empty reply is
// MALFORMED_OUTPUT.
func (r *Responder) Answer(ctx context.Context, in Input) (*Answer, error) {
	if strings.TrimSpace(in.Question) == "" {
		return nil, errors.NewInvalidRequest("question is empty")
	}

	today := in.Today
	if today.IsZero() {
		today = time.Now()
	}
	system, err := r.contracts.For(in.KB).Render(contract.Query, map[string]string{
		"today":         today.UTC().Format("2006-01-02"),
		"overview":      in.Overview,
		"context_items": item.FormatList(in.Items),
	})
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	raw, err := r.oracle.Generate(ctx, oracle.Request{
		Stage:  oracle.StageQuery,
		KB:     in.KB,
		System: system,
		Prompt: in.Question,
	})
	if err != nil {
		return nil, oracle.Unavailable(err)
	}

	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, errors.NewMalformedOutput("", "empty answer")
	}
	if DeniesMemory(text) {
		r.log.Info("replaced memory-denying answer", zap.String("kb", in.KB))
		return &Answer{Text: NotStoredReply, Guarded: true}, nil
	}
	return &Answer{Text: text}, nil
}

// PlainResults lists up to limit items without the oracle, for when the
// query stage is unavailable.
func PlainResults(items []item.Item, limit int) string {
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	lines := make([]string, len(items))
	for i := range items {
		it := &items[i]
		text := it.Summary
		if text == "" {
			text = item.Truncate(it.RawText, 80, "...")
		}
		lines[i] = fmt.Sprintf("[%s] %s", it.Type, text)
	}
	return strings.Join(lines, "\n\n")
}
