// Package oracle adapts external text-generation services to a single
// prompt-in, text-out function. Oracle output is untrusted: callers must
// validate it before anything is persisted.
package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/hpungsan/margin/internal/config"
)

// Stage names the pipeline stage issuing a request.
type Stage string

const (
	StageCapture     Stage = "capture"
	StageQuery       Stage = "query"
	StageConsolidate Stage = "consolidate"
	StageGap         Stage = "capability_gap"
)

// DefaultMaxTokens is the output budget when none is configured.
const DefaultMaxTokens = 4096

// OverviewBudget returns an output token budget for a reply that carries a
// whole overview of up to maxChars runes plus its surrounding fields.
func OverviewBudget(maxChars int) int {
	if maxChars <= 0 {
		return 0
	}
	return maxChars/2 + 2048
}

// Request is one stateless generation call.
type Request struct {
	Stage  Stage
	KB     string
	System string
	Prompt string

	// MaxTokens overrides the configured default when positive.
	MaxTokens int

	// JSON asks the backend for a JSON response when it supports that natively.
	JSON bool
}

// Oracle is a fallible function from prompt to text. Implementations carry
// no state between calls. Transport failures and timeouts are reported as
// ORACLE_UNAVAILABLE errors.
type Oracle interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Func adapts a plain function to the Oracle interface.
type Func func(ctx context.Context, req Request) (string, error)

// Generate calls f.
func (f Func) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// New builds the configured backend wrapped with transient-failure retry.
func New(cfg config.OracleConfig) (Oracle, error) {
	var inner Oracle
	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("oracle: anthropic requires an api key (oracle.api_key or MARGIN_ORACLE_API_KEY)")
		}
		inner = NewAnthropic(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.MaxTokens)
	case "gemini":
		g, err := NewGemini(context.Background(), cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.MaxTokens)
		if err != nil {
			return nil, err
		}
		inner = g
	default:
		return nil, fmt.Errorf("oracle: unknown provider %q", cfg.Provider)
	}
	return WithRetry(inner, cfg.MaxRetries), nil
}
