package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunConsolidation consolidates every knowledge base once per interval
// until ctx is done. Failures are logged and the schedule continues.
// A non-positive interval returns immediately.
func (p *Pipeline) RunConsolidation(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.consolidateAll(ctx)
		}
	}
}

func (p *Pipeline) consolidateAll(ctx context.Context) {
	kbs, err := p.KnowledgeBases(ctx)
	if err != nil {
		p.log.Warn("scheduled consolidation: listing knowledge bases failed", zap.Error(err))
		return
	}
	for _, kb := range kbs {
		if ctx.Err() != nil {
			return
		}
		snap, err := p.Consolidate(ctx, kb)
		if err != nil {
			p.log.Warn("scheduled consolidation failed", zap.String("kb", kb), zap.Error(err))
			continue
		}
		p.log.Info("scheduled consolidation done", zap.String("kb", kb), zap.Int64("revision", snap.Revision))
	}
}
