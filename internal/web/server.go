package web

import (
	"context"
	"crypto/subtle"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/margin/internal/config"
	merrors "github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/pipeline"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// NewServer creates the HTTP front end: read-only HTML pages over the
// knowledge bases and a JSON API for messages, questions, and gap reports.
func NewServer(p *pipeline.Pipeline, cfg *config.Config, version string, log *zap.Logger) (*http.Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	templateSub, err := fs.Sub(templateFS, "templates")
	if err != nil {
		return nil, fmt.Errorf("web: template sub-FS: %w", err)
	}
	staticSub, err := fs.Sub(staticFS, "static")
	if err != nil {
		return nil, fmt.Errorf("web: static sub-FS: %w", err)
	}

	renderer, err := NewRenderer(templateSub, version, log)
	if err != nil {
		return nil, err
	}
	h := &Handlers{
		p:        p,
		renderer: renderer,
		log:      log,
	}

	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Web.Bind, cfg.Web.Port),
		Handler:           securityHeaders(h.routes(staticSub, cfg.Web.Token)),
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

func (h *Handlers) routes(static fs.FS, token string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/kb", http.StatusFound)
	})
	mux.HandleFunc("GET /kb", h.HandleKBs)
	mux.HandleFunc("GET /kb/{kb}", h.HandleOverview)
	mux.HandleFunc("GET /kb/{kb}/search", h.HandleSearch)

	api := http.NewServeMux()
	api.HandleFunc("POST /api/kb/{kb}/messages", h.HandleMessage)
	api.HandleFunc("POST /api/kb/{kb}/questions", h.HandleQuestion)
	api.HandleFunc("GET /api/kb/{kb}/overview", h.HandleOverviewJSON)
	api.HandleFunc("GET /api/kb/{kb}/gaps", h.HandleGaps)
	api.HandleFunc("POST /api/kb/{kb}/gaps/{id}/apply", h.HandleGapApply)
	api.HandleFunc("POST /api/kb/{kb}/gaps/{id}/dismiss", h.HandleGapDismiss)
	mux.Handle("/api/", bearerAuth(token, api))

	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(static)))
	return mux
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// bearerAuth requires "Authorization: Bearer <token>" when token is set.
func bearerAuth(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	want := []byte("Bearer " + token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="margin"`)
			renderJSONError(w, merrors.NewUnauthorized("missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is done, then shuts down gracefully.
func Run(ctx context.Context, srv *http.Server, tokenSet bool, log *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info("web front end listening", zap.String("addr", "http://"+srv.Addr))
	if strings.Contains(srv.Addr, "0.0.0.0") || strings.Contains(srv.Addr, "::") {
		log.Warn("web front end is bound to all interfaces and may be reachable from the network")
		if !tokenSet {
			log.Warn("web.token is not set; the message API is unauthenticated")
		}
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info("shutting down web front end")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
