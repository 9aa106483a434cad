package pipeline

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/margin/internal/db"
	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/gap"
	"github.com/hpungsan/margin/internal/item"
	"github.com/hpungsan/margin/internal/overview"
	"github.com/hpungsan/margin/internal/query"
)

// plainResultsLimit is how many matches the oracle-less fallback lists.
const plainResultsLimit = 5

// Ask answers a question from the overview and the best-matching items,
// then checks the exchange for a capability gap. Nothing is stored except
// a gap report.
func (p *Pipeline) Ask(ctx context.Context, kb, question string) (*Reply, error) {
	kb, err := NormalizeKB(kb)
	if err != nil {
		return nil, err
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, errors.NewInvalidRequest("question is empty")
	}

	var (
		snap  *overview.Snapshot
		items []item.Item
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snap, err = p.maintainer.Current(gctx, kb)
		return err
	})
	g.Go(func() error {
		var err error
		items, err = db.Search(gctx, p.db, kb, question, p.cfg.SearchLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sctx, cancel := p.stage(ctx)
	ans, err := p.responder.Answer(sctx, query.Input{
		KB:       kb,
		Question: question,
		Overview: overview.PromptText(snap.Overview),
		Items:    items,
		Today:    p.now(),
	})
	cancel()
	if err != nil {
		if !errors.Is(err, errors.ErrOracleUnavailable) && !errors.Is(err, errors.ErrMalformedOutput) {
			return nil, err
		}
		if len(items) == 0 {
			return nil, err
		}
		p.log.Warn("answering with plain results", zap.String("kb", kb), zap.Error(err))
		return &Reply{
			Text: "I couldn't compose an answer right now, so here are the closest matches:\n\n" +
				query.PlainResults(items, plainResultsLimit) +
				"\n\nTry again in a moment for a full answer.",
			IsQuery:          true,
			Degraded:         true,
			OverviewRevision: snap.Revision,
		}, nil
	}

	reply := &Reply{
		Text:             ans.Text,
		IsQuery:          true,
		OverviewRevision: snap.Revision,
	}
	reply.Gap = p.reportGap(ctx, gap.Input{
		KB:              kb,
		OriginalMessage: question,
		BotResponse:     ans.Text,
	})
	reply.Text = withProposal(reply.Text, reply.Gap)
	return reply, nil
}
