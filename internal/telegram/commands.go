package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hpungsan/margin/internal/db"
	"github.com/hpungsan/margin/internal/item"
	"github.com/hpungsan/margin/internal/pipeline"
)

const helpText = `Send me anything: notes, ideas, tasks, links. I'll file it and keep an overview up to date. Ask a question and I'll answer from what you've told me.

/overview - show the current overview
/refresh - rebuild the overview from recent items
/recent [n] - list the latest items
/search <terms> - search stored items
/ask <question> - answer without storing anything
/gaps - list pending capability proposals
/apply <id> - accept a proposal
/dismiss <id> - reject a proposal`

// recentDefault is how many items /recent lists without an argument.
const recentDefault = 5

func (b *Bot) command(ctx context.Context, name, args string) string {
	switch name {
	case "start", "help":
		return helpText
	case "overview":
		return b.overview(ctx)
	case "refresh":
		return b.refresh(ctx)
	case "recent":
		return b.recent(ctx, args)
	case "search":
		return b.search(ctx, args)
	case "ask":
		if args == "" {
			return "Usage: /ask <question>"
		}
		reply, err := b.p.Ask(ctx, b.kb, args)
		if err != nil {
			return pipeline.UserMessage(err)
		}
		return reply.Text
	case "gaps":
		return b.gaps(ctx)
	case "apply":
		return b.apply(ctx, args)
	case "dismiss":
		if args == "" {
			return "Usage: /dismiss <id>"
		}
		if err := b.p.DismissGap(ctx, b.kb, args); err != nil {
			return pipeline.UserMessage(err)
		}
		return "Dismissed " + args + "."
	default:
		return "Unknown command. Try /help."
	}
}

func (b *Bot) overview(ctx context.Context) string {
	snap, err := b.p.Overview(ctx, b.kb)
	if err != nil {
		return pipeline.UserMessage(err)
	}
	if snap.Overview.IsEmpty() {
		return "No overview yet. Send me a note to start one."
	}
	return fmt.Sprintf("Overview (revision %d)\n\n%s", snap.Revision, snap.Overview.Text())
}

func (b *Bot) refresh(ctx context.Context) string {
	before, err := b.p.Overview(ctx, b.kb)
	if err != nil {
		return pipeline.UserMessage(err)
	}
	snap, err := b.p.Consolidate(ctx, b.kb)
	if err != nil {
		return pipeline.UserMessage(err)
	}
	if snap.Revision == before.Revision {
		return "Nothing changed; the overview is up to date."
	}
	return fmt.Sprintf("Overview refreshed (revision %d).\n\n%s", snap.Revision, snap.Overview.Text())
}

func (b *Bot) recent(ctx context.Context, args string) string {
	limit := recentDefault
	if args != "" {
		n, err := strconv.Atoi(args)
		if err != nil || n < 1 {
			return "Usage: /recent [n]"
		}
		limit = n
	}
	items, err := b.p.Recent(ctx, b.kb, limit)
	if err != nil {
		return pipeline.UserMessage(err)
	}
	if len(items) == 0 {
		return "Nothing captured yet."
	}
	return formatItems(items)
}

func (b *Bot) search(ctx context.Context, args string) string {
	if args == "" {
		return "Usage: /search <terms>"
	}
	items, err := b.p.Search(ctx, b.kb, args, recentDefault)
	if err != nil {
		return pipeline.UserMessage(err)
	}
	if len(items) == 0 {
		return fmt.Sprintf("No matches for %q.", args)
	}
	return formatItems(items)
}

func (b *Bot) gaps(ctx context.Context) string {
	gaps, err := b.p.PendingGaps(ctx, b.kb)
	if err != nil {
		return pipeline.UserMessage(err)
	}
	if len(gaps) == 0 {
		return "No pending capability proposals."
	}
	return formatGaps(gaps)
}

func (b *Bot) apply(ctx context.Context, args string) string {
	if args == "" {
		return "Usage: /apply <id>"
	}
	g, err := b.p.ApplyGap(ctx, b.kb, args)
	if err != nil {
		return pipeline.UserMessage(err)
	}
	return fmt.Sprintf("Applied %s: the %s contract now includes the proposed change.", g.ID, g.TargetPrompt)
}

// formatItems renders items as a numbered list.
func formatItems(items []item.Item) string {
	var b strings.Builder
	for i := range items {
		it := &items[i]
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d. [%s] %s (%s)", i+1, it.Type, it.Summary, it.Created().Format("2006-01-02"))
		if it.SourceURL != nil {
			b.WriteString("\n   " + *it.SourceURL)
		}
	}
	return b.String()
}

// formatGaps renders pending gap reports with the ids /apply expects.
func formatGaps(gaps []db.GapReport) string {
	var b strings.Builder
	for i, g := range gaps {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%s (%s, %s)\n%s\n%s", g.ID, g.TargetPrompt,
			time.Unix(g.CreatedAt, 0).UTC().Format("2006-01-02"), g.GapDescription, g.Proposal)
	}
	return b.String()
}
