package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Gemini calls the Gemini API through the genai SDK.
type Gemini struct {
	client    *genai.Client
	model     string
	maxTokens int
}

// NewGemini creates a Gemini client. An empty baseURL uses the SDK default.
func NewGemini(ctx context.Context, apiKey, model, baseURL string, maxTokens int) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("oracle: gemini requires an api key (oracle.api_key or MARGIN_ORACLE_API_KEY)")
	}
	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("oracle: create genai client: %w", err)
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Gemini{client: client, model: model, maxTokens: maxTokens}, nil
}

// Name returns the provider name used in errors and logs.
func (g *Gemini) Name() string { return "gemini" }

// Generate sends the prompt with the system text as system instruction.
func (g *Gemini) Generate(ctx context.Context, req Request) (string, error) {
	maxTokens := g.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(req.Prompt), cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return "", statusError(g.Name(), apiErr.Code, []byte(apiErr.Message))
		}
		return "", transportError(g.Name(), err)
	}
	if len(resp.Candidates) == 0 {
		return "", nil
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens {
		return "", truncatedError(g.Name(), maxTokens)
	}
	if resp.Candidates[0].Content == nil {
		return "", nil
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			b.WriteString(part.Text)
		}
	}
	return b.String(), nil
}
