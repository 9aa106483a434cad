package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/hpungsan/margin/internal/capture"
	"github.com/hpungsan/margin/internal/config"
	"github.com/hpungsan/margin/internal/contract"
	"github.com/hpungsan/margin/internal/db"
	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/item"
	"github.com/hpungsan/margin/internal/oracle"
	"github.com/hpungsan/margin/internal/oracle/oracletest"
	"github.com/hpungsan/margin/internal/query"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var today = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	pages map[string]string
	err   error
	calls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (string, error) {
	f.calls = append(f.calls, url)
	if f.err != nil {
		return "", f.err
	}
	return f.pages[url], nil
}

type harness struct {
	p         *Pipeline
	db        *sql.DB
	contracts *contract.Set
	script    *oracletest.Script
	cfg       *config.Config
}

func newHarness(t *testing.T, script *oracletest.Script, fetcher Fetcher) *harness {
	t.Helper()
	dir := t.TempDir()

	database, err := db.Init(dir)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	contracts, err := contract.Load(filepath.Join(dir, "contracts"))
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.StageTimeout = 5 * time.Second

	p := New(cfg, Deps{
		DB:        database,
		Oracle:    script,
		Contracts: contracts,
		Fetcher:   fetcher,
		Logger:    zaptest.NewLogger(t),
		Clock:     func() time.Time { return today },
	})
	return &harness{p: p, db: database, contracts: contracts, script: script, cfg: cfg}
}

func captureReply(itemType string, overviewUpdate *string, extra map[string]string) string {
	update := "null"
	if overviewUpdate != nil {
		update = fmt.Sprintf("%q", *overviewUpdate)
	}
	fields := map[string]string{
		"tags":               `["misc", "notes"]`,
		"summary":            `"A note."`,
		"response":           `"Noted."`,
		"capability_request": "false",
		"is_query":           "false",
		"extracted_items":    "[]",
	}
	for k, v := range extra {
		fields[k] = v
	}
	return fmt.Sprintf(`{
  "item_type": %q,
  "tags": %s,
  "summary": %s,
  "response": %s,
  "overview_update": %s,
  "capability_request": %s,
  "is_query": %s,
  "extracted_items": %s
}`, itemType, fields["tags"], fields["summary"], fields["response"], update,
		fields["capability_request"], fields["is_query"], fields["extracted_items"])
}

const onboardingOverview = "## Active Projects\n- Onboarding redesign: started, launch March 1 (updated 2026-10-16)\n\n" +
	"## Open Tasks\n- [ ] Onboarding redesign: ship by March 1\n\n" +
	"## Topics of Interest\n- Product design\n\n" +
	"## Recent Activity\nStarted the onboarding redesign.\n"

func TestHandle_CaptureUpdatesOverview(t *testing.T) {
	ctx := context.Background()
	update := onboardingOverview
	script := oracletest.New().On(oracle.StageCapture, captureReply("task", &update, map[string]string{
		"tags":     `["Onboarding", "design", "launch"]`,
		"summary":  `"Started redesigning the onboarding flow, targeting a March 1 launch."`,
		"response": `"Noted: onboarding redesign is underway, launch March 1."`,
	}))
	h := newHarness(t, script, nil)

	reply, err := h.p.Handle(ctx, "KB1", "Started redesigning the onboarding flow, targeting launch March 1")
	require.NoError(t, err)
	require.False(t, reply.IsQuery)
	require.NotEmpty(t, reply.ItemID)
	require.True(t, reply.OverviewUpdated)
	require.Equal(t, int64(1), reply.OverviewRevision)
	require.Empty(t, reply.OverviewError)
	require.Contains(t, reply.Text, "March 1")

	it, err := db.GetItem(ctx, h.db, "kb1", reply.ItemID)
	require.NoError(t, err)
	require.Equal(t, item.Type("task"), it.Type)
	require.Equal(t, []string{"onboarding", "design", "launch"}, it.Tags)
	require.Equal(t, today.Unix(), it.CreatedAt)
	require.Nil(t, it.SourceURL)

	snap, err := h.p.Overview(ctx, "kb1")
	require.NoError(t, err)
	require.Equal(t, int64(1), snap.Revision)
	require.Contains(t, snap.Overview.Text(), "Onboarding redesign")
	require.Contains(t, snap.Overview.Text(), "2026-10-16")
	require.Equal(t, 1, snap.Overview.OpenTaskCount())

	// The oracle exchange lands in the conversation log.
	convs, err := db.RecentConversations(ctx, h.db, "kb1", 10)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.Equal(t, "capture", convs[0].Interaction)
}

func TestHandle_QueryIsAnsweredNotStored(t *testing.T) {
	ctx := context.Background()
	script := oracletest.New().
		On(oracle.StageCapture, captureReply("note", nil, map[string]string{"is_query": "true"})).
		On(oracle.StageQuery, "I don't have budget information stored for the onboarding redesign.").
		On(oracle.StageGap, `{"can_answer": true}`)
	h := newHarness(t, script, nil)

	reply, err := h.p.Handle(ctx, "kb1", "What's the budget for the onboarding redesign?")
	require.NoError(t, err)
	require.True(t, reply.IsQuery)
	require.Empty(t, reply.ItemID)
	require.Nil(t, reply.Gap)
	require.Contains(t, reply.Text, "don't have budget information")

	n, err := db.CountItems(ctx, h.db, "kb1")
	require.NoError(t, err)
	require.Zero(t, n)

	gaps, err := h.p.PendingGaps(ctx, "kb1")
	require.NoError(t, err)
	require.Empty(t, gaps)
	require.Len(t, script.CallsFor(oracle.StageGap), 1)
}

func TestHandle_URLWithExtractedItems(t *testing.T) {
	ctx := context.Background()
	var entries []string
	for i := 1; i <= 8; i++ {
		entries = append(entries, fmt.Sprintf(`{"summary": "Grant %d, due Nov %d.", "tags": ["grant-%d"]}`, i, i, i))
	}
	script := oracletest.New().On(oracle.StageCapture, captureReply("reference", nil, map[string]string{
		"tags":            `["grants", "funding"]`,
		"summary":         `"A list of 8 open grants."`,
		"response":        `"Saved 8 grants from that page."`,
		"extracted_items": "[" + strings.Join(entries, ",") + "]",
	}))
	url := "https://grants.example.com/open"
	fetcher := &fakeFetcher{pages: map[string]string{url: "Open Grants 2026\n\nGrant 1 ... Grant 8"}}
	h := newHarness(t, script, fetcher)

	reply, err := h.p.Handle(ctx, "kb1", "grants worth a look "+url)
	require.NoError(t, err)
	require.Equal(t, 8, reply.ExtractedCount)
	require.Contains(t, reply.Text, "8")
	require.Equal(t, []string{url}, fetcher.calls)

	call := script.CallsFor(oracle.StageCapture)[0]
	require.Contains(t, call.Prompt, "--- Fetched content ("+url+") ---")
	require.Contains(t, call.Prompt, "Open Grants 2026")

	it, subs, err := h.p.Item(ctx, "kb1", reply.ItemID)
	require.NoError(t, err)
	require.Equal(t, url, *it.SourceURL)
	require.Equal(t, "Open Grants 2026\n\nGrant 1 ... Grant 8", *it.URLContent)
	require.Equal(t, "grants worth a look "+url, it.RawText)
	require.Len(t, subs, 8)
	require.Equal(t, []string{"grant-1", "grants", "funding"}, subs[0].Tags)
}

func TestHandle_FetchFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	script := oracletest.New().On(oracle.StageCapture, captureReply("link", nil, nil))
	fetcher := &fakeFetcher{err: fmt.Errorf("fetch: HTTP 500 from example.com")}
	h := newHarness(t, script, fetcher)

	reply, err := h.p.Handle(ctx, "kb1", "read later https://example.com/post")
	require.NoError(t, err)

	it, err := db.GetItem(ctx, h.db, "kb1", reply.ItemID)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/post", *it.SourceURL)
	require.Nil(t, it.URLContent)
	require.NotContains(t, script.Calls()[0].Prompt, "Fetched content")
}

func TestHandle_MalformedOutputSavesNothing(t *testing.T) {
	ctx := context.Background()
	script := oracletest.New().On(oracle.StageCapture,
		"Sure! Here's what I captured: a note about onboarding.",
		`{"item_type": "note"}`,
	)
	h := newHarness(t, script, nil)

	_, err := h.p.Handle(ctx, "kb1", "Started redesigning the onboarding flow")
	require.True(t, errors.Is(err, errors.ErrCaptureFailed), "err = %v", err)
	require.True(t, errors.Is(err, errors.ErrMalformedOutput), "err = %v", err)

	calls := script.CallsFor(oracle.StageCapture)
	require.Len(t, calls, 2)
	require.NotContains(t, calls[0].System, capture.StrictReminder)
	require.Contains(t, calls[1].System, capture.StrictReminder)

	n, err := db.CountItems(ctx, h.db, "kb1")
	require.NoError(t, err)
	require.Zero(t, n)

	snap, err := h.p.Overview(ctx, "kb1")
	require.NoError(t, err)
	require.Zero(t, snap.Revision)
	require.True(t, snap.Overview.IsEmpty())
}

func TestHandle_RetrySucceeds(t *testing.T) {
	script := oracletest.New().On(oracle.StageCapture, "not json", captureReply("note", nil, nil))
	h := newHarness(t, script, nil)

	reply, err := h.p.Handle(context.Background(), "kb1", "a thought")
	require.NoError(t, err)
	require.NotEmpty(t, reply.ItemID)
}

func TestHandle_RejectedOverviewKeepsItem(t *testing.T) {
	ctx := context.Background()
	bad := "## Active Projects\n- Onboarding redesign\n\n## Topics of Interest\n- Design\n"
	script := oracletest.New().On(oracle.StageCapture, captureReply("note", &bad, nil))
	h := newHarness(t, script, nil)

	reply, err := h.p.Handle(ctx, "kb1", "onboarding notes")
	require.NoError(t, err)
	require.NotEmpty(t, reply.ItemID)
	require.False(t, reply.OverviewUpdated)
	require.Contains(t, reply.OverviewError, string(errors.ErrOverviewShapeInvalid))

	_, err = db.GetItem(ctx, h.db, "kb1", reply.ItemID)
	require.NoError(t, err)
	snap, err := h.p.Overview(ctx, "kb1")
	require.NoError(t, err)
	require.Zero(t, snap.Revision)
}

func TestHandle_OracleUnavailable(t *testing.T) {
	script := oracletest.New().Fail(oracle.StageCapture, errors.NewOracleUnavailable("test", context.DeadlineExceeded))
	h := newHarness(t, script, nil)

	_, err := h.p.Handle(context.Background(), "kb1", "hello")
	require.True(t, errors.Is(err, errors.ErrOracleUnavailable), "err = %v", err)
	// Unavailability is not retried as malformed output.
	require.Len(t, script.CallsFor(oracle.StageCapture), 1)
}

func TestHandle_TruncatedOutputIsRetried(t *testing.T) {
	truncated := errors.NewMalformedOutput("", "response truncated at the 6048 token limit")
	script := oracletest.New().
		Fail(oracle.StageCapture, truncated).
		On(oracle.StageCapture, captureReply("note", nil, nil))
	h := newHarness(t, script, nil)

	reply, err := h.p.Handle(context.Background(), "kb1", "a long thought")
	require.NoError(t, err)
	require.NotEmpty(t, reply.ItemID)

	calls := script.CallsFor(oracle.StageCapture)
	require.Len(t, calls, 2)
	require.Equal(t, oracle.OverviewBudget(h.cfg.OverviewMaxChars), calls[0].MaxTokens)
	require.Contains(t, calls[1].System, capture.StrictReminder)
}

func TestHandle_CapabilityRequestGapFailureKeepsItem(t *testing.T) {
	failures := map[string]func(*oracletest.Script) *oracletest.Script{
		"oracle unavailable": func(s *oracletest.Script) *oracletest.Script {
			return s.Fail(oracle.StageGap, errors.NewOracleUnavailable("test", context.DeadlineExceeded))
		},
		"not json": func(s *oracletest.Script) *oracletest.Script {
			return s.On(oracle.StageGap, "Sure, tracking spending sounds great!")
		},
	}
	for name, fail := range failures {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			script := fail(oracletest.New().On(oracle.StageCapture, captureReply("task", nil, map[string]string{
				"capability_request": "true",
				"response":           `"I'll keep that in mind."`,
			})))
			h := newHarness(t, script, nil)

			reply, err := h.p.Handle(ctx, "kb1", "start tracking my spending per project")
			require.NoError(t, err)
			require.Equal(t, "I'll keep that in mind.", reply.Text)
			require.Nil(t, reply.Gap)
			require.Len(t, script.CallsFor(oracle.StageGap), 1)

			_, err = db.GetItem(ctx, h.db, "kb1", reply.ItemID)
			require.NoError(t, err)
			gaps, err := h.p.PendingGaps(ctx, "kb1")
			require.NoError(t, err)
			require.Empty(t, gaps)
		})
	}
}

func TestHandle_InvalidInput(t *testing.T) {
	h := newHarness(t, oracletest.New(), nil)
	ctx := context.Background()

	_, err := h.p.Handle(ctx, "kb1", "   ")
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))
	_, err = h.p.Handle(ctx, "../etc", "hi")
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))
	require.Empty(t, h.script.Calls())
}

// spendingContract is a complete capture contract: every placeholder and
// output key is kept.
const spendingContract = "You capture expenses with an amount field. Today is $today.\n" +
	"Overview:\n$overview\nRelated items:\n$context_items\nTypes:\n$item_types\n" +
	"Reply with JSON keys item_type, tags, summary, response, overview_update, " +
	"capability_request, is_query, extracted_items."

var spendingGap = fmt.Sprintf(`{
  "can_answer": false,
  "gap_description": "No amount field is ever captured, so spending cannot be totalled.",
  "proposal": "Should I start recording amounts for expenses?",
  "target_prompt": "capture",
  "proposed_contract_update": %q
}`, spendingContract)

func TestHandle_CapabilityRequestFilesGap(t *testing.T) {
	ctx := context.Background()
	script := oracletest.New().
		On(oracle.StageCapture, captureReply("task", nil, map[string]string{
			"capability_request": "true",
			"response":           `"I'll keep that in mind."`,
		})).
		On(oracle.StageGap, spendingGap)
	h := newHarness(t, script, nil)

	reply, err := h.p.Handle(ctx, "kb1", "start tracking my spending per project")
	require.NoError(t, err)
	require.NotEmpty(t, reply.ItemID)
	require.NotNil(t, reply.Gap)
	require.Contains(t, reply.Text, "Should I start recording amounts")
	require.Contains(t, reply.Text, reply.Gap.ID)

	gaps, err := h.p.PendingGaps(ctx, "kb1")
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	require.Equal(t, "capture", gaps[0].TargetPrompt)
	require.Equal(t, "start tracking my spending per project", gaps[0].OriginalMessage)

	applied, err := h.p.ApplyGap(ctx, "kb1", gaps[0].ID)
	require.NoError(t, err)
	require.Equal(t, db.GapApplied, applied.Status)

	text, err := h.contracts.For("kb1").Text(contract.Capture)
	require.NoError(t, err)
	require.Equal(t, spendingContract, text)
	require.True(t, h.contracts.For("kb1").Overridden(contract.Capture))

	// Other knowledge bases keep the shared contract.
	require.False(t, h.contracts.Overridden(contract.Capture))
	other, err := h.contracts.For("kb2").Text(contract.Capture)
	require.NoError(t, err)
	require.NotEqual(t, spendingContract, other)

	_, err = h.p.ApplyGap(ctx, "kb1", gaps[0].ID)
	require.True(t, errors.Is(err, errors.ErrInvalidRequest), "err = %v", err)

	pending, err := h.p.PendingGaps(ctx, "kb1")
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestApplyGap_RejectsIncompleteContract(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, oracletest.New(), nil)

	tests := []struct {
		name    string
		target  string
		update  string
		missing string
	}{
		{"capture without context", "capture", "You capture expenses with an amount field. $item_types", "$overview"},
		{"capture without keys", "capture", "Capture $today $overview $item_types $context_items as JSON.", "extracted_items"},
		{"query without items", "query", "Answer on $today from $overview only.", "$context_items"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &db.GapReport{
				ID: db.NewID(), KB: "kb1", OriginalMessage: "m", BotResponse: "r",
				GapDescription: "d", Proposal: "p", TargetPrompt: tt.target,
				ProposedContractUpdate: tt.update, CreatedAt: today.Unix(),
			}
			require.NoError(t, db.InsertGapReport(ctx, h.db, g))

			_, err := h.p.ApplyGap(ctx, "kb1", g.ID)
			require.True(t, errors.Is(err, errors.ErrInvalidRequest), "err = %v", err)
			require.Contains(t, err.Error(), tt.missing)

			got, err := db.GetGapReport(ctx, h.db, "kb1", g.ID)
			require.NoError(t, err)
			require.Equal(t, db.GapPending, got.Status)
		})
	}
	require.False(t, h.contracts.For("kb1").Overridden(contract.Capture))
	require.False(t, h.contracts.For("kb1").Overridden(contract.Query))
}

func TestDismissGap(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, oracletest.New(), nil)
	g := &db.GapReport{
		ID: db.NewID(), KB: "kb1", OriginalMessage: "m", BotResponse: "r",
		GapDescription: "d", Proposal: "p", TargetPrompt: "query",
		ProposedContractUpdate: "new query contract", CreatedAt: today.Unix(),
	}
	require.NoError(t, db.InsertGapReport(ctx, h.db, g))

	require.NoError(t, h.p.DismissGap(ctx, "kb1", g.ID))
	got, err := db.GetGapReport(ctx, h.db, "kb1", g.ID)
	require.NoError(t, err)
	require.Equal(t, db.GapDismissed, got.Status)
	require.False(t, h.contracts.Overridden(contract.Query))

	err = h.p.DismissGap(ctx, "kb1", "missing")
	require.True(t, errors.Is(err, errors.ErrNotFound))
}

func insertItem(t *testing.T, h *harness, kb, summary string, tags ...string) *item.Item {
	t.Helper()
	it := &item.Item{
		ID: db.NewID(), KB: kb, RawText: summary, Type: "note",
		Tags: tags, Summary: summary, CreatedAt: today.Add(-time.Hour).Unix(),
	}
	require.NoError(t, db.InsertCapture(context.Background(), h.db, it, nil))
	return it
}

func TestAsk(t *testing.T) {
	ctx := context.Background()
	script := oracletest.New().On(oracle.StageQuery, "The Arts Council grant is due March 3.")
	h := newHarness(t, script, nil)
	insertItem(t, h, "kb1", "Arts Council grant due March 3.", "grants", "deadlines")

	reply, err := h.p.Ask(ctx, "kb1", "When is the arts council grant due?")
	require.NoError(t, err)
	require.True(t, reply.IsQuery)
	require.False(t, reply.Degraded)
	require.Equal(t, "The Arts Council grant is due March 3.", reply.Text)
	require.Nil(t, reply.Gap)

	call := script.CallsFor(oracle.StageQuery)[0]
	require.Contains(t, call.System, "Arts Council grant due March 3.")
	// No insufficiency signal, so the gap stage is skipped.
	require.Empty(t, script.CallsFor(oracle.StageGap))
}

func TestAsk_MemoryDenialIsReplaced(t *testing.T) {
	script := oracletest.New().
		On(oracle.StageQuery, "I don't have any memory of previous conversations.").
		On(oracle.StageGap, `{"can_answer": true}`)
	h := newHarness(t, script, nil)

	reply, err := h.p.Ask(context.Background(), "kb1", "what did I say about budgets?")
	require.NoError(t, err)
	require.Equal(t, query.NotStoredReply, reply.Text)
}

func TestAsk_GapFailureStillAnswers(t *testing.T) {
	failures := map[string]func(*oracletest.Script) *oracletest.Script{
		"oracle unavailable": func(s *oracletest.Script) *oracletest.Script {
			return s.Fail(oracle.StageGap, errors.NewOracleUnavailable("test", context.DeadlineExceeded))
		},
		"not json": func(s *oracletest.Script) *oracletest.Script {
			return s.On(oracle.StageGap, "I think budgets would be useful.")
		},
	}
	for name, fail := range failures {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			answer := "I don't have budget information stored for the onboarding redesign."
			script := fail(oracletest.New().On(oracle.StageQuery, answer))
			h := newHarness(t, script, nil)

			reply, err := h.p.Ask(ctx, "kb1", "what's the budget for the onboarding redesign?")
			require.NoError(t, err)
			require.Equal(t, answer, reply.Text)
			require.Nil(t, reply.Gap)
			require.Len(t, script.CallsFor(oracle.StageGap), 1)

			gaps, err := h.p.PendingGaps(ctx, "kb1")
			require.NoError(t, err)
			require.Empty(t, gaps)
		})
	}
}

func TestAsk_FallsBackToPlainResults(t *testing.T) {
	ctx := context.Background()
	script := oracletest.New().Fail(oracle.StageQuery, errors.NewOracleUnavailable("test", context.DeadlineExceeded))
	h := newHarness(t, script, nil)
	insertItem(t, h, "kb1", "Arts Council grant due March 3.", "grants", "deadlines")

	reply, err := h.p.Ask(ctx, "kb1", "arts council grant")
	require.NoError(t, err)
	require.True(t, reply.Degraded)
	require.Contains(t, reply.Text, "[note] Arts Council grant due March 3.")
	require.Empty(t, script.CallsFor(oracle.StageGap))

	// Without matches there is nothing to fall back to.
	script.Fail(oracle.StageQuery, errors.NewOracleUnavailable("test", context.DeadlineExceeded))
	_, err = h.p.Ask(ctx, "kb1", "zebra migration")
	require.True(t, errors.Is(err, errors.ErrOracleUnavailable), "err = %v", err)
}

func TestRecentAndSearch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, oracletest.New(), nil)
	insertItem(t, h, "kb1", "Arts Council grant due March 3.", "grants", "deadlines")
	insertItem(t, h, "kb1", "Call the plumber.", "home", "chores")
	insertItem(t, h, "kb2", "Another grant elsewhere.", "grants", "other")

	recent, err := h.p.Recent(ctx, "kb1", 0)
	require.NoError(t, err)
	require.Len(t, recent, 2)

	found, err := h.p.Search(ctx, "kb1", "grant", 500)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "Arts Council grant due March 3.", found[0].Summary)

	_, err = h.p.Search(ctx, "kb1", "  ", 5)
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))

	kbs, err := h.p.KnowledgeBases(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"kb1", "kb2"}, kbs)
}

func TestSetOverview(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, oracletest.New(), nil)

	snap, err := h.p.SetOverview(ctx, "kb1", onboardingOverview)
	require.NoError(t, err)
	require.Equal(t, int64(1), snap.Revision)

	_, err = h.p.SetOverview(ctx, "kb1", "just some text")
	require.True(t, errors.Is(err, errors.ErrOverviewShapeInvalid), "err = %v", err)

	cur, err := h.p.Overview(ctx, "kb1")
	require.NoError(t, err)
	require.Equal(t, int64(1), cur.Revision)
}

func TestConsolidate(t *testing.T) {
	ctx := context.Background()
	consolidated := "```markdown\n" + onboardingOverview + "```"
	script := oracletest.New().On(oracle.StageConsolidate, consolidated)
	h := newHarness(t, script, nil)
	insertItem(t, h, "kb1", "Onboarding redesign kicked off.", "onboarding", "design")

	snap, err := h.p.Consolidate(ctx, "kb1")
	require.NoError(t, err)
	require.Equal(t, int64(1), snap.Revision)
	require.Contains(t, script.CallsFor(oracle.StageConsolidate)[0].System, "Onboarding redesign kicked off.")
}

func TestConsolidateAll(t *testing.T) {
	ctx := context.Background()
	script := oracletest.New().
		On(oracle.StageConsolidate, onboardingOverview).
		Fail(oracle.StageConsolidate, errors.NewOracleUnavailable("test", context.DeadlineExceeded))
	h := newHarness(t, script, nil)
	insertItem(t, h, "kb1", "Onboarding redesign kicked off.", "onboarding", "design")
	insertItem(t, h, "kb2", "Garden plans.", "garden", "home")

	// One failing knowledge base does not stop the others.
	h.p.consolidateAll(ctx)
	require.Len(t, script.CallsFor(oracle.StageConsolidate), 2)

	snap, err := h.p.Overview(ctx, "kb1")
	require.NoError(t, err)
	require.Equal(t, int64(1), snap.Revision)
	snap, err = h.p.Overview(ctx, "kb2")
	require.NoError(t, err)
	require.Zero(t, snap.Revision)
}

func TestRunConsolidation_StopsWithContext(t *testing.T) {
	h := newHarness(t, oracletest.New(), nil)

	h.p.RunConsolidation(context.Background(), 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.p.RunConsolidation(ctx, time.Hour)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunConsolidation did not return after cancel")
	}
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, oracletest.New(), nil)
	insertItem(t, h, "kb1", "Arts Council grant due March 3.", "grants", "deadlines")
	insertItem(t, h, "kb1", "Call the plumber.", "home", "chores")

	out, err := h.p.Export(ctx, ExportInput{KB: "kb1"})
	require.NoError(t, err)
	require.Equal(t, 2, out.Count)
	require.Equal(t, db.ExportsDir(h.cfg.DataDir), filepath.Dir(out.Path))

	data, err := os.ReadFile(out.Path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	require.Contains(t, lines[0], `"_margin_export":true`)

	_, err = h.p.Export(ctx, ExportInput{KB: "kb1", Path: filepath.Join(t.TempDir(), "out.jsonl")})
	require.True(t, errors.Is(err, errors.ErrInvalidRequest), "err = %v", err)

	other := t.TempDir()
	out, err = h.p.Export(ctx, ExportInput{KB: "kb1", Path: filepath.Join(other, "out.jsonl"), AllowedDirs: []string{other}})
	require.NoError(t, err)
	require.Equal(t, 2, out.Count)
}

func TestNormalizeKB(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"kb1", "kb1", false},
		{"  Personal ", "personal", false},
		{"work.notes_2026-q4", "work.notes_2026-q4", false},
		{"", "", true},
		{"-leading", "", true},
		{"../etc", "", true},
		{"has space", "", true},
		{strings.Repeat("a", 65), "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeKB(tt.in)
		if tt.wantErr {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got)
	}
}

func TestUserMessage(t *testing.T) {
	require.Empty(t, UserMessage(nil))
	require.Contains(t, UserMessage(errors.NewCaptureFailed(errors.NewMalformedOutput("tags", "missing"))), "nothing was saved")
	require.Contains(t, UserMessage(errors.NewOracleUnavailable("anthropic", context.DeadlineExceeded)), "try again")
	require.Equal(t, "question is empty", UserMessage(errors.NewInvalidRequest("question is empty")))
	require.Equal(t, "Something went wrong. Please try again.", UserMessage(fmt.Errorf("boom")))
}
