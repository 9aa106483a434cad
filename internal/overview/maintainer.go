package overview

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/margin/internal/contract"
	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/export"
	"github.com/hpungsan/margin/internal/item"
	"github.com/hpungsan/margin/internal/oracle"
)

// Store persists one overview text per knowledge base with a revision
// counter. A knowledge base without an overview loads as ("", 0).
type Store interface {
	LoadOverview(ctx context.Context, kb string) (text string, revision int64, err error)

	// SwapOverview replaces the stored text when the stored revision still
	// equals expect and returns the new revision. A stale expect fails with
	// CONFLICT and leaves the stored text untouched.
	SwapOverview(ctx context.Context, kb, text string, expect int64) (int64, error)
}

// ItemSource lists the items a knowledge base captured since a point in
// time, oldest first.
type ItemSource interface {
	ItemsSince(ctx context.Context, kb string, since time.Time) ([]item.Item, error)
}

// Snapshot is an overview together with the revision it was stored under.
type Snapshot struct {
	KB       string
	Overview *Overview
	Revision int64
}

// MaintainerConfig holds the Maintainer settings taken from config.Config.
type MaintainerConfig struct {
	MaxChars int

	// ExportPath, when set, receives a markdown copy after every swap.
	// "{kb}" expands to the knowledge base id.
	ExportPath string

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Maintainer is the only writer of overviews. Writes for one knowledge base
// are serialized; writes for different knowledge bases proceed in parallel.
type Maintainer struct {
	store     Store
	items     ItemSource
	oracle    oracle.Oracle
	contracts *contract.Set
	cfg       MaintainerConfig
	log       *zap.Logger
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewMaintainer creates a Maintainer. items and orc are only needed by
// Consolidate.
func NewMaintainer(store Store, items ItemSource, orc oracle.Oracle, contracts *contract.Set, cfg MaintainerConfig, log *zap.Logger) *Maintainer {
	if log == nil {
		log = zap.NewNop()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Maintainer{
		store:     store,
		items:     items,
		oracle:    orc,
		contracts: contracts,
		cfg:       cfg,
		log:       log.Named("overview"),
		now:       now,
		locks:     make(map[string]chan struct{}),
	}
}

// lock acquires the write lock of kb, giving up when ctx is done.
func (m *Maintainer) lock(ctx context.Context, kb string) (func(), error) {
	m.mu.Lock()
	ch, ok := m.locks[kb]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[kb] = ch
	}
	m.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Current returns the stored overview of kb; Empty when it has none.
func (m *Maintainer) Current(ctx context.Context, kb string) (*Snapshot, error) {
	text, rev, err := m.store.LoadOverview(ctx, kb)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return &Snapshot{KB: kb, Overview: Empty(), Revision: rev}, nil
	}
	// The size cap applies to replacements; a stored overview that fit
	// under an older cap still loads.
	o, err := Parse(text, 0)
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("stored overview of %s is corrupt (revision %d): %w", kb, rev, err))
	}
	return &Snapshot{KB: kb, Overview: o, Revision: rev}, nil
}

// Apply replaces the overview of kb with replacement. A replacement that
// fails the shape check leaves the stored overview untouched and returns
// the current snapshot with OVERVIEW_SHAPE_INVALID. Applying text equal to
// the current overview writes nothing.
func (m *Maintainer) Apply(ctx context.Context, kb, replacement string) (*Snapshot, error) {
	unlock, err := m.lock(ctx, kb)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := m.Current(ctx, kb)
	if err != nil {
		return nil, err
	}
	return m.swap(ctx, cur, replacement, "apply")
}

// Consolidate regenerates the overview of kb from the current overview and
// every item captured within window. The lock is held across the oracle
// call so a capture that arrives meanwhile applies on top of the result
// instead of being overwritten by it.
func (m *Maintainer) Consolidate(ctx context.Context, kb string, window time.Duration) (*Snapshot, error) {
	if m.oracle == nil || m.items == nil || m.contracts == nil {
		return nil, errors.NewInternal(fmt.Errorf("maintainer is not configured for consolidation"))
	}

	unlock, err := m.lock(ctx, kb)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := m.Current(ctx, kb)
	if err != nil {
		return nil, err
	}

	now := m.now()
	items, err := m.items.ItemsSince(ctx, kb, now.Add(-window))
	if err != nil {
		return nil, err
	}
	if len(items) == 0 && cur.Overview.IsEmpty() {
		m.log.Debug("nothing to consolidate", zap.String("kb", kb))
		return cur, nil
	}

	system, err := m.contracts.For(kb).Render(contract.Consolidate, map[string]string{
		"today":        now.Format("2006-01-02"),
		"overview":     PromptText(cur.Overview),
		"recent_items": item.FormatList(items),
		"window_days":  strconv.Itoa(int(window.Hours() / 24)),
	})
	if err != nil {
		return nil, err
	}

	raw, err := m.oracle.Generate(ctx, oracle.Request{
		Stage:     oracle.StageConsolidate,
		KB:        kb,
		System:    system,
		Prompt:    "Write the consolidated overview now.",
		MaxTokens: oracle.OverviewBudget(m.cfg.MaxChars),
	})
	if err != nil {
		return cur, oracle.Unavailable(err)
	}

	return m.swap(ctx, cur, Extract(raw), "consolidate")
}

// swap validates replacement against cur and stores it. Callers hold the
// knowledge base lock.
func (m *Maintainer) swap(ctx context.Context, cur *Snapshot, replacement, op string) (*Snapshot, error) {
	next, err := ApplyUpdate(cur.Overview, replacement, m.cfg.MaxChars)
	if err != nil {
		m.log.Warn("overview replacement rejected",
			zap.String("kb", cur.KB),
			zap.String("op", op),
			zap.Int64("revision", cur.Revision),
			zap.Error(err))
		return cur, err
	}
	if next.Equal(cur.Overview) {
		return cur, nil
	}

	text := next.Text()
	rev, err := m.store.SwapOverview(ctx, cur.KB, text, cur.Revision)
	if err != nil {
		if errors.Is(err, errors.ErrConflict) {
			m.log.Warn("overview changed underneath the maintainer",
				zap.String("kb", cur.KB),
				zap.Int64("expected_revision", cur.Revision))
		}
		return cur, err
	}
	m.log.Info("overview swapped",
		zap.String("kb", cur.KB),
		zap.String("op", op),
		zap.Int64("revision", rev),
		zap.Int("chars", item.CountChars(text)))

	if m.cfg.ExportPath != "" {
		path, err := export.WriteOverview(m.cfg.ExportPath, cur.KB, text, m.now())
		if err != nil {
			m.log.Warn("overview export failed", zap.String("kb", cur.KB), zap.Error(err))
		} else {
			m.log.Debug("overview exported", zap.String("path", path))
		}
	}

	return &Snapshot{KB: cur.KB, Overview: next, Revision: rev}, nil
}

// EmptyPlaceholder stands in for an overview that has never been written
// when it is shown to the oracle.
const EmptyPlaceholder = "(empty: no overview yet)"

// PromptText renders o for an oracle prompt.
func PromptText(o *Overview) string {
	if o.IsEmpty() {
		return EmptyPlaceholder
	}
	return o.Text()
}
