package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hpungsan/margin/internal/contract"
	"github.com/hpungsan/margin/internal/db"
	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/export"
	"github.com/hpungsan/margin/internal/item"
	"github.com/hpungsan/margin/internal/overview"
	"github.com/hpungsan/margin/internal/schema"
)

// Overview returns the current overview of kb.
func (p *Pipeline) Overview(ctx context.Context, kb string) (*overview.Snapshot, error) {
	kb, err := NormalizeKB(kb)
	if err != nil {
		return nil, err
	}
	return p.maintainer.Current(ctx, kb)
}

// SetOverview replaces the overview of kb with text written by hand.
func (p *Pipeline) SetOverview(ctx context.Context, kb, text string) (*overview.Snapshot, error) {
	kb, err := NormalizeKB(kb)
	if err != nil {
		return nil, err
	}
	return p.maintainer.Apply(ctx, kb, text)
}

// Consolidate regenerates the overview of kb from the items of the
// consolidation window.
func (p *Pipeline) Consolidate(ctx context.Context, kb string) (*overview.Snapshot, error) {
	kb, err := NormalizeKB(kb)
	if err != nil {
		return nil, err
	}
	sctx, cancel := p.stage(ctx)
	defer cancel()
	return p.maintainer.Consolidate(sctx, kb, p.cfg.ConsolidationWindow)
}

// Recent lists the newest items of kb.
func (p *Pipeline) Recent(ctx context.Context, kb string, limit int) ([]item.Item, error) {
	kb, err := NormalizeKB(kb)
	if err != nil {
		return nil, err
	}
	return db.Recent(ctx, p.db, kb, clampLimit(limit))
}

// Tagged lists the newest items of kb carrying tag.
func (p *Pipeline) Tagged(ctx context.Context, kb, tag string, limit int) ([]item.Item, error) {
	kb, err := NormalizeKB(kb)
	if err != nil {
		return nil, err
	}
	tag = item.NormalizeTag(tag)
	if tag == "" {
		return nil, errors.NewInvalidRequest("tag is empty")
	}
	return db.ListByTag(ctx, p.db, kb, tag, clampLimit(limit))
}

// Search ranks the items of kb against q.
func (p *Pipeline) Search(ctx context.Context, kb, q string, limit int) ([]item.Item, error) {
	kb, err := NormalizeKB(kb)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(q) == "" {
		return nil, errors.NewInvalidRequest("search query is empty")
	}
	return db.Search(ctx, p.db, kb, q, clampLimit(limit))
}

// Item returns one item with its extracted sub-items.
func (p *Pipeline) Item(ctx context.Context, kb, id string) (*item.Item, []item.Extracted, error) {
	kb, err := NormalizeKB(kb)
	if err != nil {
		return nil, nil, err
	}
	it, err := db.GetItem(ctx, p.db, kb, strings.TrimSpace(id))
	if err != nil {
		return nil, nil, err
	}
	subs, err := db.GetExtracted(ctx, p.db, it.ID)
	if err != nil {
		return nil, nil, err
	}
	return it, subs, nil
}

// KnowledgeBases lists every knowledge base in the database.
func (p *Pipeline) KnowledgeBases(ctx context.Context) ([]string, error) {
	return db.ListKBs(ctx, p.db)
}

// PendingGaps lists the unresolved capability-gap reports of kb.
func (p *Pipeline) PendingGaps(ctx context.Context, kb string) ([]db.GapReport, error) {
	kb, err := NormalizeKB(kb)
	if err != nil {
		return nil, err
	}
	return db.ListGapReports(ctx, p.db, kb, db.GapPending)
}

// ApplyGap accepts a pending report: its proposed contract replaces the
// target contract of kb, then the report is marked applied. A proposal
// that drops a placeholder or an output key of the target is refused and
// the report stays pending.
func (p *Pipeline) ApplyGap(ctx context.Context, kb, id string) (*db.GapReport, error) {
	kb, err := NormalizeKB(kb)
	if err != nil {
		return nil, err
	}
	g, err := db.GetGapReport(ctx, p.db, kb, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if g.Status != db.GapPending {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("gap report %s is already %s", g.ID, g.Status))
	}

	name, err := contract.ParseName(g.TargetPrompt)
	if err != nil || (name != contract.Capture && name != contract.Query) {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("gap report %s targets %q, which cannot be replaced", g.ID, g.TargetPrompt))
	}
	var keys []string
	if name == contract.Capture {
		keys = schema.CaptureFields
	}
	if missing := contract.CheckReplacement(name, g.ProposedContractUpdate, keys); len(missing) > 0 {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("gap report %s proposes a %s contract without %s",
			g.ID, name, strings.Join(missing, ", ")))
	}
	if err := p.contracts.For(kb).Update(name, g.ProposedContractUpdate); err != nil {
		return nil, errors.NewInternal(err)
	}
	if err := db.ResolveGapReport(ctx, p.db, kb, g.ID, db.GapApplied); err != nil {
		return nil, err
	}
	p.log.Info("contract replaced from gap report",
		zap.String("kb", kb),
		zap.String("gap_id", g.ID),
		zap.String("contract", string(name)))

	g.Status = db.GapApplied
	return g, nil
}

// DismissGap rejects a pending report.
func (p *Pipeline) DismissGap(ctx context.Context, kb, id string) error {
	kb, err := NormalizeKB(kb)
	if err != nil {
		return err
	}
	return db.ResolveGapReport(ctx, p.db, kb, strings.TrimSpace(id), db.GapDismissed)
}

// ExportInput contains parameters for the Export operation.
type ExportInput struct {
	KB string

	// Path defaults to <data_dir>/exports/<kb>-<timestamp>.jsonl.
	Path string

	// AllowedDirs are accepted as export destinations besides the exports
	// directory.
	AllowedDirs []string
}

// Export writes every item of a knowledge base to a JSONL file.
func (p *Pipeline) Export(ctx context.Context, in ExportInput) (*export.ItemsOutput, error) {
	kb, err := NormalizeKB(in.KB)
	if err != nil {
		return nil, err
	}
	exportsDir := db.ExportsDir(p.cfg.DataDir)
	path := in.Path
	if path == "" {
		path = export.DefaultItemsPath(exportsDir, kb, p.now())
	}
	allowed := append([]string{exportsDir}, in.AllowedDirs...)

	out, err := export.Items(ctx, path, kb, allowed, db.ExportRecords(ctx, p.db, kb))
	if err != nil {
		return nil, err
	}
	p.log.Info("items exported", zap.String("kb", kb), zap.String("path", out.Path), zap.Int("count", out.Count))
	return out, nil
}
