package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/margin/internal/capture"
	"github.com/hpungsan/margin/internal/db"
	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/fetch"
	"github.com/hpungsan/margin/internal/gap"
	"github.com/hpungsan/margin/internal/item"
	"github.com/hpungsan/margin/internal/oracle"
	"github.com/hpungsan/margin/internal/overview"
)

// Reply is the outcome of one message.
type Reply struct {
	// Text is the user-facing acknowledgment or answer.
	Text string `json:"text"`

	// IsQuery is set when the message was answered instead of stored.
	IsQuery bool `json:"is_query"`

	ItemID         string `json:"item_id,omitempty"`
	ExtractedCount int    `json:"extracted_count"`

	OverviewUpdated  bool   `json:"overview_updated"`
	OverviewRevision int64  `json:"overview_revision"`
	OverviewError    string `json:"overview_error,omitempty"`

	// Degraded is set when the answer was produced without the oracle.
	Degraded bool `json:"degraded,omitempty"`

	Gap *db.GapReport `json:"gap,omitempty"`
}

// prefetched is what Handle gathers before the capture call.
type prefetched struct {
	url      string
	content  string
	snapshot *overview.Snapshot
	related  []item.Item
}

// Handle processes one incoming message: classify, validate, persist, and
// then apply any overview update. A message the oracle flags as a query is
// answered and not stored. Capture failures leave nothing behind.
func (p *Pipeline) Handle(ctx context.Context, kb, message string) (*Reply, error) {
	kb, err := NormalizeKB(kb)
	if err != nil {
		return nil, err
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, errors.NewInvalidRequest("message is empty")
	}

	pre, err := p.prefetch(ctx, kb, message)
	if err != nil {
		return nil, err
	}

	res, err := p.classify(ctx, kb, fetch.Augment(message, pre.url, pre.content), pre)
	if err != nil {
		return nil, err
	}

	if res.IsQuery {
		p.log.Debug("message is a query", zap.String("kb", kb))
		return p.Ask(ctx, kb, message)
	}

	var sourceURL, urlContent *string
	if pre.url != "" {
		sourceURL = &pre.url
		if pre.content != "" {
			urlContent = &pre.content
		}
	}
	it, subs := res.Records(kb, message, sourceURL, urlContent, db.NewID, p.now())
	if err := db.InsertCapture(ctx, p.db, it, subs); err != nil {
		return nil, err
	}
	p.log.Info("item captured",
		zap.String("kb", kb),
		zap.String("item_id", it.ID),
		zap.String("item_type", string(it.Type)),
		zap.Int("extracted", len(subs)))

	reply := &Reply{
		Text:             res.Response,
		ItemID:           it.ID,
		ExtractedCount:   len(subs),
		OverviewRevision: pre.snapshot.Revision,
	}

	if res.OverviewUpdate != nil {
		// The item stays even when the update is rejected.
		snap, err := p.maintainer.Apply(ctx, kb, *res.OverviewUpdate)
		switch {
		case err != nil:
			p.log.Warn("overview update not applied",
				zap.String("kb", kb),
				zap.String("item_id", it.ID),
				zap.Error(err))
			reply.OverviewError = err.Error()
		default:
			reply.OverviewUpdated = snap.Revision != pre.snapshot.Revision
			reply.OverviewRevision = snap.Revision
		}
	}

	if res.CapabilityRequest {
		reply.Gap = p.reportGap(ctx, gap.Input{
			KB:                kb,
			OriginalMessage:   message,
			BotResponse:       res.Response,
			CapabilityRequest: true,
		})
		reply.Text = withProposal(reply.Text, reply.Gap)
	}
	return reply, nil
}

// prefetch fetches the first linked page, loads the overview, and searches
// related items concurrently. Only the overview load is fatal.
func (p *Pipeline) prefetch(ctx context.Context, kb, message string) (*prefetched, error) {
	pre := &prefetched{url: fetch.FirstURL(message)}
	g, gctx := errgroup.WithContext(ctx)

	if pre.url != "" && p.fetcher != nil {
		g.Go(func() error {
			fctx, cancel := p.stage(gctx)
			defer cancel()
			content, err := p.fetcher.Fetch(fctx, pre.url)
			if err != nil {
				p.log.Warn("url fetch failed", zap.String("kb", kb), zap.String("url", pre.url), zap.Error(err))
				return nil
			}
			pre.content = content
			return nil
		})
	}

	g.Go(func() error {
		snap, err := p.maintainer.Current(gctx, kb)
		if err != nil {
			return err
		}
		pre.snapshot = snap
		return nil
	})

	if p.cfg.ContextItems > 0 {
		g.Go(func() error {
			related, err := db.Search(gctx, p.db, kb, message, p.cfg.ContextItems)
			if err != nil {
				p.log.Warn("context search failed", zap.String("kb", kb), zap.Error(err))
				return nil
			}
			pre.related = related
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pre, nil
}

// classify runs the capture stage, retrying malformed output with the
// strict reminder up to MalformedRetries times.
func (p *Pipeline) classify(ctx context.Context, kb, message string, pre *prefetched) (*capture.Result, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MalformedRetries; attempt++ {
		sctx, cancel := p.stage(ctx)
		res, err := p.classifier.Classify(sctx, capture.Input{
			KB:           kb,
			Message:      message,
			Overview:     overview.PromptText(pre.snapshot.Overview),
			ContextItems: pre.related,
			Strict:       attempt > 0,
			MaxTokens:    oracle.OverviewBudget(p.cfg.OverviewMaxChars),
			Today:        p.now(),
		})
		cancel()
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !errors.Is(err, errors.ErrCaptureFailed) {
			break
		}
		p.log.Info("retrying capture after malformed output",
			zap.String("kb", kb),
			zap.Int("attempt", attempt+1))
	}
	return nil, lastErr
}

// reportGap runs the analyzer and stores a report when it finds a gap.
// Analyzer and storage failures degrade to no report.
func (p *Pipeline) reportGap(ctx context.Context, in gap.Input) *db.GapReport {
	sctx, cancel := p.stage(ctx)
	defer cancel()

	res, err := p.analyzer.Analyze(sctx, in)
	if err != nil {
		p.log.Warn("capability gap analysis failed", zap.String("kb", in.KB), zap.Error(err))
		return nil
	}
	if res.CanAnswer {
		return nil
	}

	report := &db.GapReport{
		ID:                     db.NewID(),
		KB:                     in.KB,
		OriginalMessage:        in.OriginalMessage,
		BotResponse:            in.BotResponse,
		GapDescription:         res.GapDescription,
		Proposal:               res.Proposal,
		TargetPrompt:           string(res.Target),
		ProposedContractUpdate: res.ProposedContractUpdate,
		Status:                 db.GapPending,
		CreatedAt:              p.now().Unix(),
	}
	if err := db.InsertGapReport(ctx, p.db, report); err != nil {
		p.log.Warn("failed to store gap report", zap.String("kb", in.KB), zap.Error(err))
		return nil
	}
	return report
}

// withProposal appends a gap proposal to a reply text.
func withProposal(text string, g *db.GapReport) string {
	if g == nil {
		return text
	}
	return fmt.Sprintf("%s\n\n%s\n(capability gap %s, target: %s)", text, g.Proposal, g.ID, g.TargetPrompt)
}
