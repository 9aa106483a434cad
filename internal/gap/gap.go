// Package gap decides whether an exchange exposed a missing capability of
// the capture or query contracts, as opposed to data that was simply never
// captured, and proposes a replacement contract when it did.
package gap

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hpungsan/margin/internal/contract"
	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/oracle"
	"github.com/hpungsan/margin/internal/schema"
)

// insufficientSignals are phrases an answer uses when it could not deliver.
var insufficientSignals = []string{
	"i don't have",
	"i do not have",
	"no information",
	"not stored",
	"can't find",
	"cannot find",
	"no data",
	"not tracked",
	"don't track",
	"do not track",
	"no record",
	"haven't stored",
	"have not stored",
	"isn't tracked",
	"is not tracked",
	"isn't stored",
}

// SignalsInsufficient reports whether response admits it could not answer.
func SignalsInsufficient(response string) bool {
	lower := strings.ToLower(strings.ReplaceAll(response, "’", "'"))
	for _, s := range insufficientSignals {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Input is one exchange to inspect.
type Input struct {
	KB              string
	OriginalMessage string
	BotResponse     string

	// CapabilityRequest marks an explicit "start tracking X" message. Such
	// messages are always checked against the data model.
	CapabilityRequest bool
}

// Result is the analyzer's verdict. Report fields are set only when
// CanAnswer is false.
type Result struct {
	CanAnswer              bool
	GapDescription         string
	Proposal               string
	Target                 contract.Name
	ProposedContractUpdate string

	// Checked is false when the keyword pre-check skipped the oracle.
	Checked bool
}

// Analyzer issues capability-gap calls.
type Analyzer struct {
	oracle    oracle.Oracle
	contracts *contract.Set
	validator *schema.Validator
	log       *zap.Logger
}

// New creates an Analyzer.
func New(orc oracle.Oracle, contracts *contract.Set, validator *schema.Validator, log *zap.Logger) *Analyzer {
	if log == nil {
		log = zap.NewNop()
	}
	if validator == nil {
		validator = schema.NewValidator()
	}
	return &Analyzer{oracle: orc, contracts: contracts, validator: validator, log: log.Named("gap")}
}

// Analyze returns CanAnswer without an oracle call when the response shows
// no sign of insufficiency and the message was not a capability request.
// Otherwise one oracle call judges the exchange against the current
// capture and query contracts.
func (a *Analyzer) Analyze(ctx context.Context, in Input) (*Result, error) {
	if !in.CapabilityRequest && !SignalsInsufficient(in.BotResponse) {
		return &Result{CanAnswer: true}, nil
	}

	contracts := a.contracts.For(in.KB)
	captureText, err := contracts.Text(contract.Capture)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	queryText, err := contracts.Text(contract.Query)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	system, err := contracts.Render(contract.CapabilityGap, map[string]string{
		"capture_contract": captureText,
		"query_contract":   queryText,
	})
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	raw, err := a.oracle.Generate(ctx, oracle.Request{
		Stage:  oracle.StageGap,
		KB:     in.KB,
		System: system,
		Prompt: exchange(in),
		JSON:   true,
	})
	if err != nil {
		return nil, oracle.Unavailable(err)
	}

	out, err := a.validator.DecodeGap(raw)
	if err != nil {
		return nil, err
	}
	if out.CanAnswer {
		return &Result{CanAnswer: true, Checked: true}, nil
	}

	a.log.Info("capability gap found",
		zap.String("kb", in.KB),
		zap.String("target", out.TargetPrompt))
	return &Result{
		GapDescription:         out.GapDescription,
		Proposal:               out.Proposal,
		Target:                 contract.Name(out.TargetPrompt),
		ProposedContractUpdate: out.ProposedContractUpdate,
		Checked:                true,
	}, nil
}

func exchange(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User message: %s\n\nBot response: %s", in.OriginalMessage, in.BotResponse)
	if in.CapabilityRequest {
		b.WriteString("\n\nThe user explicitly asked the knowledge base to start tracking something new. " +
			"Judge whether the capture and query contracts can represent and retrieve it.")
	}
	return b.String()
}
