package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zaptest"

	"github.com/hpungsan/margin/internal/config"
	"github.com/hpungsan/margin/internal/contract"
	"github.com/hpungsan/margin/internal/db"
	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/oracle"
	"github.com/hpungsan/margin/internal/oracle/oracletest"
	"github.com/hpungsan/margin/internal/pipeline"
)

// setupTestEnv creates an env over a temporary database and a scripted oracle.
func setupTestEnv(t *testing.T) (*env, *oracletest.Script) {
	t.Helper()
	dir := t.TempDir()
	database, err := db.Init(dir)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	contracts, err := contract.Load(filepath.Join(dir, "contracts"))
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.DataDir = dir

	script := oracletest.New()
	log := zaptest.NewLogger(t)
	p := pipeline.New(cfg, pipeline.Deps{
		DB:        database,
		Oracle:    script,
		Contracts: contracts,
		Logger:    log,
		Clock:     func() time.Time { return time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC) },
	})
	return &env{cfg: cfg, db: database, p: p, log: log}, script
}

// run executes the CLI with args and returns stdout.
func run(t *testing.T, e *env, stdin string, args ...string) (string, error) {
	t.Helper()
	app := newCLIApp(e)
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &bytes.Buffer{}
	app.Reader = strings.NewReader(stdin)
	err := app.Run(append([]string{"margin"}, args...))
	return out.String(), err
}

func decodeJSON(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m), "output: %s", s)
	return m
}

const captureReply = `{
  "item_type": "reference",
  "tags": ["sourdough", "baking"],
  "summary": "Sourdough starter feeding ratio is 1:5:5.",
  "response": "Saved the feeding ratio.",
  "overview_update": "## Active Projects\n- Sourdough: learning (updated 2026-10-16)\n\n## Topics of Interest\n- Baking\n\n## Recent Activity\nNoted a starter ratio.\n",
  "capability_request": false,
  "is_query": false,
  "extracted_items": []
}`

const validOverview = `## Active Projects
- Garden: planting garlic (updated 2026-10-16)

## Open Tasks
- [ ] Order garlic bulbs (added 2026-10-16)

## Topics of Interest
- Permaculture

## Recent Activity
Planned the autumn garden.
`

func TestCLICaptureAndOverview(t *testing.T) {
	e, script := setupTestEnv(t)
	script.On(oracle.StageCapture, captureReply)

	out, err := run(t, e, "", "capture", "--kb", "kitchen", "sourdough", "starter", "ratio", "1:5:5")
	require.NoError(t, err)
	reply := decodeJSON(t, out)
	require.Equal(t, "Saved the feeding ratio.", reply["text"])
	require.NotEmpty(t, reply["item_id"])
	require.Contains(t, script.CallsFor(oracle.StageCapture)[0].Prompt, "sourdough starter ratio 1:5:5")

	out, err = run(t, e, "", "overview", "show", "--kb", "kitchen")
	require.NoError(t, err)
	ov := decodeJSON(t, out)
	require.Equal(t, float64(1), ov["revision"])
	require.Equal(t, false, ov["empty"])

	out, err = run(t, e, "", "overview", "show", "--kb", "kitchen", "--markdown")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "## Active Projects"))

	out, err = run(t, e, "", "kbs")
	require.NoError(t, err)
	require.Equal(t, []any{"kitchen"}, decodeJSON(t, out)["kbs"])
}

func TestCLICapture_NoText(t *testing.T) {
	e, script := setupTestEnv(t)

	_, err := run(t, e, "   ", "capture")
	require.Error(t, err)
	require.Contains(t, err.Error(), "[INVALID_REQUEST]")
	require.Empty(t, script.Calls())
}

func TestCLICapture_ReadsStdin(t *testing.T) {
	e, script := setupTestEnv(t)
	script.On(oracle.StageCapture, captureReply)

	out, err := run(t, e, "starter ratio is 1:5:5\n", "capture", "-k", "kitchen")
	require.NoError(t, err)
	require.Equal(t, "Saved the feeding ratio.", decodeJSON(t, out)["text"])
}

func TestCLIOverviewSet(t *testing.T) {
	e, _ := setupTestEnv(t)

	out, err := run(t, e, validOverview, "overview", "set")
	require.NoError(t, err)
	ov := decodeJSON(t, out)
	require.Equal(t, "personal", ov["kb"])
	require.Equal(t, float64(1), ov["open_tasks"])

	_, err = run(t, e, "## Notes\nwhatever\n", "overview", "set")
	require.Error(t, err)
	require.Contains(t, err.Error(), "[OVERVIEW_SHAPE_INVALID]")
}

func TestCLIOverviewLint(t *testing.T) {
	out, err := run(t, &env{}, validOverview, "overview", "lint")
	require.NoError(t, err)
	require.Equal(t, true, decodeJSON(t, out)["valid"])

	out, err = run(t, &env{}, "## Active Projects\n\n## Open Tasks\n\n## Topics of Interest\n\n## Recent Activity\n", "overview", "lint")
	require.Error(t, err)
	res := decodeJSON(t, out)
	require.Equal(t, false, res["valid"])
	require.NotEmpty(t, res["problems"])
}

func TestCLIRecentSearchItem(t *testing.T) {
	e, script := setupTestEnv(t)
	script.On(oracle.StageCapture, captureReply)
	reply, err := e.p.Handle(t.Context(), "kitchen", "starter ratio 1:5:5")
	require.NoError(t, err)

	out, err := run(t, e, "", "recent", "--kb", "kitchen", "--limit", "3")
	require.NoError(t, err)
	require.Equal(t, float64(1), decodeJSON(t, out)["count"])

	out, err = run(t, e, "", "recent", "--kb", "kitchen", "--tag", "Baking")
	require.NoError(t, err)
	require.Equal(t, float64(1), decodeJSON(t, out)["count"])

	out, err = run(t, e, "", "recent", "--kb", "kitchen", "--tag", "bread")
	require.NoError(t, err)
	require.Equal(t, float64(0), decodeJSON(t, out)["count"])

	out, err = run(t, e, "", "search", "--kb", "kitchen", "sourdough")
	require.NoError(t, err)
	require.Equal(t, float64(1), decodeJSON(t, out)["count"])

	_, err = run(t, e, "", "search", "--kb", "kitchen")
	require.Error(t, err)

	out, err = run(t, e, "", "item", "--kb", "kitchen", reply.ItemID)
	require.NoError(t, err)
	it := decodeJSON(t, out)["item"].(map[string]any)
	require.Equal(t, reply.ItemID, it["id"])

	_, err = run(t, e, "", "item", "--kb", "kitchen", "01JZZZZZZZZZZZZZZZZZZZZZZZ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "[NOT_FOUND]")
}

func TestCLIConsolidate(t *testing.T) {
	e, script := setupTestEnv(t)
	script.On(oracle.StageCapture, captureReply)
	_, err := e.p.Handle(t.Context(), "kitchen", "starter ratio 1:5:5")
	require.NoError(t, err)

	script.On(oracle.StageConsolidate, "## Active Projects\n- Sourdough: feeding daily (updated 2026-10-16)\n\n## Topics of Interest\n- Baking\n\n## Recent Activity\nStarter is going.\n")
	out, err := run(t, e, "", "consolidate", "--all")
	require.NoError(t, err)

	var snaps []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &snaps))
	require.Len(t, snaps, 1)
	require.Equal(t, float64(2), snaps[0]["revision"])
}

func TestCLIGaps(t *testing.T) {
	e, script := setupTestEnv(t)
	script.
		On(oracle.StageCapture, `{
  "item_type": "task",
  "tags": ["reading", "books"],
  "summary": "Wants reading progress tracked.",
  "response": "Sure, I'll note that.",
  "overview_update": null,
  "capability_request": true,
  "is_query": false,
  "extracted_items": []
}`).
		On(oracle.StageGap, `{
  "can_answer": false,
  "gap_description": "Page counts are never captured.",
  "proposal": "Should I record page numbers for books?",
  "target_prompt": "capture",
  "proposed_contract_update": "Capture page numbers for books. $item_types"
}`)
	reply, err := e.p.Handle(t.Context(), "personal", "track my reading progress")
	require.NoError(t, err)
	require.NotNil(t, reply.Gap)

	out, err := run(t, e, "", "gaps", "list")
	require.NoError(t, err)
	require.Equal(t, float64(1), decodeJSON(t, out)["count"])

	_, err = run(t, e, "", "gaps", "apply")
	require.Error(t, err)

	out, err = run(t, e, "", "gaps", "dismiss", reply.Gap.ID)
	require.NoError(t, err)
	require.Equal(t, "dismissed", decodeJSON(t, out)["status"])

	_, err = run(t, e, "", "gaps", "apply", reply.Gap.ID)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already dismissed")
	require.False(t, e.p.Contracts().For("personal").Overridden(contract.Capture))
}

func TestCLIExport(t *testing.T) {
	e, script := setupTestEnv(t)
	script.On(oracle.StageCapture, captureReply)
	_, err := e.p.Handle(t.Context(), "kitchen", "starter ratio 1:5:5")
	require.NoError(t, err)

	out, err := run(t, e, "", "export", "--kb", "kitchen")
	require.NoError(t, err)
	res := decodeJSON(t, out)
	require.Equal(t, float64(1), res["count"])
	require.Equal(t, db.ExportsDir(e.cfg.DataDir), filepath.Dir(res["path"].(string)))

	// Any directory the user names is allowed from the CLI.
	dest := filepath.Join(t.TempDir(), "kitchen.jsonl")
	out, err = run(t, e, "", "export", "--kb", "kitchen", "--path", dest)
	require.NoError(t, err)
	require.Equal(t, dest, decodeJSON(t, out)["path"])

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], `"_margin_export":true`)

	_, err = run(t, e, "", "export", "--kb", "kitchen", "--path", filepath.Join(t.TempDir(), "kitchen.txt"))
	require.Error(t, err)

	out, err = run(t, e, "", "import", "--kb", "pantry", "--path", dest, "--mode", "rename")
	require.NoError(t, err)
	res = decodeJSON(t, out)
	require.Equal(t, "pantry", res["kb"])
	require.Equal(t, float64(1), res["imported"])

	out, err = run(t, e, "", "import", "--path", dest)
	require.NoError(t, err)
	res = decodeJSON(t, out)
	require.Equal(t, float64(0), res["imported"])
	require.Len(t, res["errors"], 1)
}

func TestCLIUnknownCommand(t *testing.T) {
	_, err := run(t, &env{}, "", "frobnicate")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown command")
}

func TestOutputError(t *testing.T) {
	err := outputError(errors.NewNotFound("item", "abc"))
	var exit cli.ExitCoder
	require.ErrorAs(t, err, &exit)
	require.Equal(t, 1, exit.ExitCode())
	require.True(t, strings.HasPrefix(err.Error(), "[NOT_FOUND] "))

	err = outputError(os.ErrPermission)
	require.Equal(t, os.ErrPermission.Error(), err.Error())
}
