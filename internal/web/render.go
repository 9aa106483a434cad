package web

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"go.uber.org/zap"

	"github.com/hpungsan/margin/internal/db"
	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/item"
)

// PageData contains common fields used across all page templates.
type PageData struct {
	Title   string
	Version string
	KB      string
}

// KBsPageData is the template data for the knowledge base list.
type KBsPageData struct {
	PageData
	KBs []string
}

// OverviewPageData is the template data for one knowledge base.
type OverviewPageData struct {
	PageData
	RenderedHTML template.HTML
	Empty        bool
	Revision     int64
	OpenTasks    int
	Recent       []item.Item
	Gaps         []db.GapReport
}

// SearchPageData is the template data for the search page.
type SearchPageData struct {
	PageData
	Query    string
	Items    []item.Item
	HasQuery bool
}

// ErrorPageData is the template data for the error page.
type ErrorPageData struct {
	PageData
	StatusCode int
	Message    string
}

// Renderer manages template parsing and rendering.
type Renderer struct {
	templates map[string]*template.Template
	version   string
	log       *zap.Logger
}

// NewRenderer parses the page templates from templateFS.
func NewRenderer(templateFS fs.FS, version string, log *zap.Logger) (*Renderer, error) {
	funcMap := template.FuncMap{
		"formatTime": formatTime,
		"deref":      deref,
	}

	layout, err := template.New("layout").Funcs(funcMap).ParseFS(templateFS, "layout.html")
	if err != nil {
		return nil, fmt.Errorf("web: parse layout: %w", err)
	}

	pages := map[string]string{
		"kbs":      "kbs.html",
		"overview": "overview.html",
		"search":   "search.html",
		"error":    "error.html",
	}
	templates := make(map[string]*template.Template, len(pages))
	for name, file := range pages {
		t, err := layout.Clone()
		if err != nil {
			return nil, err
		}
		if _, err := t.ParseFS(templateFS, file); err != nil {
			return nil, fmt.Errorf("web: parse %s: %w", file, err)
		}
		templates[name] = t
	}

	return &Renderer{templates: templates, version: version, log: log}, nil
}

func (r *Renderer) page(title, kb string) PageData {
	return PageData{Title: title, Version: r.version, KB: kb}
}

// renderPage renders a named page template with HTTP 200.
func (r *Renderer) renderPage(w http.ResponseWriter, name string, data any) {
	r.renderPageStatus(w, http.StatusOK, name, data)
}

func (r *Renderer) renderPageStatus(w http.ResponseWriter, status int, name string, data any) {
	t, ok := r.templates[name]
	if !ok {
		r.log.Error("template not found", zap.String("template", name))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		r.log.Error("template execution failed", zap.String("template", name), zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// renderError renders an error as JSON or as the error page, depending on
// the Accept header.
func (r *Renderer) renderError(w http.ResponseWriter, req *http.Request, err error) {
	mErr := asMarginError(err)
	if mErr.Code == errors.ErrInternal {
		r.log.Error("request failed", zap.String("path", req.URL.Path), zap.Error(err))
	}

	if strings.Contains(req.Header.Get("Accept"), "application/json") {
		renderJSONError(w, mErr)
		return
	}
	r.renderPageStatus(w, mErr.Status, "error", ErrorPageData{
		PageData:   r.page(fmt.Sprintf("Error %d", mErr.Status), ""),
		StatusCode: mErr.Status,
		Message:    mErr.Message,
	})
}

func asMarginError(err error) *errors.MarginError {
	var mErr *errors.MarginError
	if !stderrors.As(err, &mErr) {
		mErr = errors.NewInternal(err)
	}
	return mErr
}

// renderJSONError writes the error envelope used by every API route.
func renderJSONError(w http.ResponseWriter, err error) {
	mErr := asMarginError(err)
	body := map[string]any{
		"code":    string(mErr.Code),
		"message": mErr.Message,
		"status":  mErr.Status,
	}
	if len(mErr.Details) > 0 {
		body["details"] = mErr.Details
	}
	renderJSON(w, mErr.Status, map[string]any{"error": body})
}

// renderJSON writes a JSON response.
func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// renderMarkdown converts markdown text to HTML using goldmark. Raw HTML in
// the source is omitted by goldmark's default renderer.
func renderMarkdown(md string) template.HTML {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(md))
	}
	return template.HTML(buf.String())
}

// formatTime formats a Unix timestamp as "2006-01-02 15:04" UTC.
func formatTime(unix int64) string {
	return time.Unix(unix, 0).UTC().Format("2006-01-02 15:04")
}

// deref returns *s, or "" for nil.
func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
