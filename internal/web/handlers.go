package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/pipeline"
)

// maxBodyBytes bounds API request bodies.
const maxBodyBytes = 1 << 20

// Handlers contains HTTP route handlers.
type Handlers struct {
	p        *pipeline.Pipeline
	renderer *Renderer
	log      *zap.Logger
}

// HandleKBs handles GET /kb: every knowledge base in the database.
func (h *Handlers) HandleKBs(w http.ResponseWriter, r *http.Request) {
	kbs, err := h.p.KnowledgeBases(r.Context())
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	h.renderer.renderPage(w, "kbs", KBsPageData{
		PageData: h.renderer.page("Knowledge bases", ""),
		KBs:      kbs,
	})
}

// HandleOverview handles GET /kb/{kb}: the rendered overview, recent items,
// and pending gap reports.
func (h *Handlers) HandleOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kb := r.PathValue("kb")

	snap, err := h.p.Overview(ctx, kb)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	recent, err := h.p.Recent(ctx, snap.KB, parseIntParam(r, "limit", pipeline.DefaultListLimit))
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	gaps, err := h.p.PendingGaps(ctx, snap.KB)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	data := OverviewPageData{
		PageData:  h.renderer.page(snap.KB, snap.KB),
		Empty:     snap.Overview.IsEmpty(),
		Revision:  snap.Revision,
		OpenTasks: snap.Overview.OpenTaskCount(),
		Recent:    recent,
		Gaps:      gaps,
	}
	if !data.Empty {
		data.RenderedHTML = renderMarkdown(snap.Overview.Text())
	}
	h.renderer.renderPage(w, "overview", data)
}

// HandleSearch handles GET /kb/{kb}/search?q=.
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	kb, err := pipeline.NormalizeKB(r.PathValue("kb"))
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	data := SearchPageData{
		PageData: h.renderer.page("Search "+kb, kb),
		Query:    q,
		HasQuery: q != "",
	}
	if q != "" {
		data.Items, err = h.p.Search(r.Context(), kb, q, parseIntParam(r, "limit", pipeline.DefaultListLimit))
		if err != nil {
			h.renderer.renderError(w, r, err)
			return
		}
	}
	h.renderer.renderPage(w, "search", data)
}

// messageRequest is the body of POST /api/kb/{kb}/messages and /questions.
type messageRequest struct {
	Text string `json:"text"`
}

func decodeMessage(w http.ResponseWriter, r *http.Request) (string, error) {
	var req messageRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return "", errors.NewInvalidRequest("invalid JSON body: " + err.Error())
	}
	return req.Text, nil
}

// HandleMessage handles POST /api/kb/{kb}/messages: one incoming message
// through the full pipeline.
func (h *Handlers) HandleMessage(w http.ResponseWriter, r *http.Request) {
	text, err := decodeMessage(w, r)
	if err != nil {
		renderJSONError(w, err)
		return
	}
	reply, err := h.p.Handle(r.Context(), r.PathValue("kb"), text)
	if err != nil {
		renderJSONError(w, err)
		return
	}
	status := http.StatusOK
	if reply.ItemID != "" {
		status = http.StatusCreated
	}
	renderJSON(w, status, reply)
}

// HandleQuestion handles POST /api/kb/{kb}/questions: answer without
// classifying first.
func (h *Handlers) HandleQuestion(w http.ResponseWriter, r *http.Request) {
	text, err := decodeMessage(w, r)
	if err != nil {
		renderJSONError(w, err)
		return
	}
	reply, err := h.p.Ask(r.Context(), r.PathValue("kb"), text)
	if err != nil {
		renderJSONError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, reply)
}

// HandleOverviewJSON handles GET /api/kb/{kb}/overview.
func (h *Handlers) HandleOverviewJSON(w http.ResponseWriter, r *http.Request) {
	snap, err := h.p.Overview(r.Context(), r.PathValue("kb"))
	if err != nil {
		renderJSONError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, map[string]any{
		"kb":         snap.KB,
		"revision":   snap.Revision,
		"empty":      snap.Overview.IsEmpty(),
		"text":       snap.Overview.Text(),
		"open_tasks": snap.Overview.OpenTaskCount(),
	})
}

// HandleGaps handles GET /api/kb/{kb}/gaps: pending gap reports.
func (h *Handlers) HandleGaps(w http.ResponseWriter, r *http.Request) {
	gaps, err := h.p.PendingGaps(r.Context(), r.PathValue("kb"))
	if err != nil {
		renderJSONError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, map[string]any{"gaps": gaps})
}

// HandleGapApply handles POST /api/kb/{kb}/gaps/{id}/apply.
func (h *Handlers) HandleGapApply(w http.ResponseWriter, r *http.Request) {
	g, err := h.p.ApplyGap(r.Context(), r.PathValue("kb"), r.PathValue("id"))
	if err != nil {
		renderJSONError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, g)
}

// HandleGapDismiss handles POST /api/kb/{kb}/gaps/{id}/dismiss.
func (h *Handlers) HandleGapDismiss(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.p.DismissGap(r.Context(), r.PathValue("kb"), id); err != nil {
		renderJSONError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, map[string]any{"id": id, "status": "dismissed"})
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
