// Package mcp exposes the knowledge base pipeline as MCP tools over stdio.
package mcp

import (
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/margin/internal/config"
	"github.com/hpungsan/margin/internal/pipeline"
)

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

var kbArg = mcp.WithString("kb",
	mcp.Required(),
	mcp.Description("Knowledge base id: 1-64 characters of a-z, 0-9, '.', '_' or '-'"),
)

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"kb_capture": {
		def: mcp.NewTool("kb_capture",
			mcp.WithDescription("Send one message to a knowledge base. Notes are classified, tagged, stored, and may update the overview; questions are answered without being stored."),
			kbArg,
			mcp.WithString("text", mcp.Required(), mcp.Description("The message, as the user wrote it")),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCapture },
	},
	"kb_ask": {
		def: mcp.NewTool("kb_ask",
			mcp.WithDescription("Answer a question from the overview and the best-matching stored items. Nothing is stored."),
			kbArg,
			mcp.WithString("question", mcp.Required(), mcp.Description("The question")),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleAsk },
	},
	"kb_overview": {
		def: mcp.NewTool("kb_overview",
			mcp.WithDescription("Return the current overview of a knowledge base: active projects, open tasks, topics of interest, and recent activity."),
			kbArg,
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleOverview },
	},
	"kb_search": {
		def: mcp.NewTool("kb_search",
			mcp.WithDescription("Full-text search over stored items, best matches first."),
			kbArg,
			mcp.WithString("query", mcp.Required(), mcp.Description("Search terms")),
			mcp.WithNumber("limit", mcp.Description("Maximum results (default 10, max 100)")),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSearch },
	},
	"kb_recent": {
		def: mcp.NewTool("kb_recent",
			mcp.WithDescription("List the most recently captured items."),
			kbArg,
			mcp.WithNumber("limit", mcp.Description("Maximum results (default 10, max 100)")),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleRecent },
	},
	"kb_consolidate": {
		def: mcp.NewTool("kb_consolidate",
			mcp.WithDescription("Regenerate the overview from the current overview and the items of the consolidation window."),
			kbArg,
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleConsolidate },
	},
	"kb_gaps": {
		def: mcp.NewTool("kb_gaps",
			mcp.WithDescription("List pending capability-gap reports with their proposals."),
			kbArg,
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleGaps },
	},
	"kb_gap_resolve": {
		def: mcp.NewTool("kb_gap_resolve",
			mcp.WithDescription("Apply or dismiss a pending capability-gap report. Applying replaces the targeted contract with the proposed text."),
			kbArg,
			mcp.WithString("id", mcp.Required(), mcp.Description("Gap report id")),
			mcp.WithString("action", mcp.Required(), mcp.Enum("apply", "dismiss")),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleGapResolve },
	},
	"kb_export": {
		def: mcp.NewTool("kb_export",
			mcp.WithDescription("Export every item of a knowledge base to a JSONL file in the exports directory."),
			kbArg,
			mcp.WithString("path", mcp.Description("Destination file (.jsonl) directly inside the exports directory; defaults to a timestamped name")),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleExport },
	},
}

// AllToolNames returns every tool name, sorted.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// NewServer creates an MCP server with the knowledge base tools registered.
// Tools listed in cfg.DisabledTools are excluded.
func NewServer(p *pipeline.Pipeline, cfg *config.Config, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"margin",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(p)

	disabled := make(map[string]bool, len(cfg.DisabledTools))
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}
	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}
	return s
}

// Run serves the MCP tools over stdio.
func Run(p *pipeline.Pipeline, cfg *config.Config, version string) error {
	return server.ServeStdio(NewServer(p, cfg, version))
}
