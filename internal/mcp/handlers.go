package mcp

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/overview"
	"github.com/hpungsan/margin/internal/pipeline"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	p *pipeline.Pipeline
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(p *pipeline.Pipeline) *Handlers {
	return &Handlers{p: p}
}

// CaptureRequest represents the arguments for kb_capture.
type CaptureRequest struct {
	KB   string `json:"kb"`
	Text string `json:"text"`
}

// AskRequest represents the arguments for kb_ask.
type AskRequest struct {
	KB       string `json:"kb"`
	Question string `json:"question"`
}

// KBRequest represents the arguments of tools that only name a knowledge base.
type KBRequest struct {
	KB string `json:"kb"`
}

// SearchRequest represents the arguments for kb_search.
type SearchRequest struct {
	KB    string `json:"kb"`
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// RecentRequest represents the arguments for kb_recent.
type RecentRequest struct {
	KB    string `json:"kb"`
	Limit int    `json:"limit,omitempty"`
}

// GapResolveRequest represents the arguments for kb_gap_resolve.
type GapResolveRequest struct {
	KB     string `json:"kb"`
	ID     string `json:"id"`
	Action string `json:"action"`
}

// ExportRequest represents the arguments for kb_export.
type ExportRequest struct {
	KB   string `json:"kb"`
	Path string `json:"path,omitempty"`
}

// OverviewOutput is the result of kb_overview and kb_consolidate.
type OverviewOutput struct {
	KB        string `json:"kb"`
	Revision  int64  `json:"revision"`
	Empty     bool   `json:"empty"`
	Text      string `json:"text"`
	OpenTasks int    `json:"open_tasks"`
}

func overviewOutput(s *overview.Snapshot) OverviewOutput {
	return OverviewOutput{
		KB:        s.KB,
		Revision:  s.Revision,
		Empty:     s.Overview.IsEmpty(),
		Text:      s.Overview.Text(),
		OpenTasks: s.Overview.OpenTaskCount(),
	}
}

// HandleCapture handles the kb_capture tool call.
func (h *Handlers) HandleCapture(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[CaptureRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	reply, err := h.p.Handle(ctx, input.KB, input.Text)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(reply)
}

// HandleAsk handles the kb_ask tool call.
func (h *Handlers) HandleAsk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[AskRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	reply, err := h.p.Ask(ctx, input.KB, input.Question)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(reply)
}

// HandleOverview handles the kb_overview tool call.
func (h *Handlers) HandleOverview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[KBRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	snap, err := h.p.Overview(ctx, input.KB)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(overviewOutput(snap))
}

// HandleSearch handles the kb_search tool call.
func (h *Handlers) HandleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SearchRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	items, err := h.p.Search(ctx, input.KB, input.Query, input.Limit)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(map[string]any{"items": items, "count": len(items)})
}

// HandleRecent handles the kb_recent tool call.
func (h *Handlers) HandleRecent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[RecentRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	items, err := h.p.Recent(ctx, input.KB, input.Limit)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(map[string]any{"items": items, "count": len(items)})
}

// HandleConsolidate handles the kb_consolidate tool call.
func (h *Handlers) HandleConsolidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[KBRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	snap, err := h.p.Consolidate(ctx, input.KB)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(overviewOutput(snap))
}

// HandleGaps handles the kb_gaps tool call.
func (h *Handlers) HandleGaps(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[KBRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	gaps, err := h.p.PendingGaps(ctx, input.KB)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(map[string]any{"gaps": gaps, "count": len(gaps)})
}

// HandleGapResolve handles the kb_gap_resolve tool call.
func (h *Handlers) HandleGapResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[GapResolveRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	switch input.Action {
	case "apply":
		g, err := h.p.ApplyGap(ctx, input.KB, input.ID)
		if err != nil {
			return errorResult(err), nil
		}
		return successResult(g)
	case "dismiss":
		if err := h.p.DismissGap(ctx, input.KB, input.ID); err != nil {
			return errorResult(err), nil
		}
		return successResult(map[string]any{"id": input.ID, "status": "dismissed"})
	default:
		return errorResult(errors.NewInvalidRequest(`action must be "apply" or "dismiss"`)), nil
	}
}

// HandleExport handles the kb_export tool call.
func (h *Handlers) HandleExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ExportRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	out, err := h.p.Export(ctx, pipeline.ExportInput{KB: input.KB, Path: input.Path})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(out)
}

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Internal error details are not exposed.
func errorResult(err error) *mcp.CallToolResult {
	var errorObj map[string]any

	var mErr *errors.MarginError
	if stderrors.As(err, &mErr) && mErr.Code != errors.ErrInternal {
		errorObj = map[string]any{
			"code":    mErr.Code,
			"message": mErr.Message,
			"status":  mErr.Status,
		}
		if mErr.Details != nil {
			errorObj["details"] = mErr.Details
		}
	} else {
		errorObj = map[string]any{
			"code":    errors.ErrInternal,
			"message": "an internal error occurred",
			"status":  500,
		}
	}

	content, _ := json.Marshal(map[string]any{"error": errorObj})
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
