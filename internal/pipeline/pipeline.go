// Package pipeline orchestrates the stages of a knowledge base: it fetches
// linked pages, classifies and persists captures, applies overview updates,
// answers questions, and files capability-gap reports. It owns retry
// policy, per-stage timeouts, and the order in which results are persisted.
package pipeline

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/margin/internal/capture"
	"github.com/hpungsan/margin/internal/config"
	"github.com/hpungsan/margin/internal/contract"
	"github.com/hpungsan/margin/internal/db"
	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/gap"
	"github.com/hpungsan/margin/internal/oracle"
	"github.com/hpungsan/margin/internal/overview"
	"github.com/hpungsan/margin/internal/query"
	"github.com/hpungsan/margin/internal/schema"
)

// List limits
const (
	DefaultListLimit = 10
	MaxListLimit     = 100
)

// Fetcher returns the readable content of a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Deps are the collaborators a Pipeline is built from.
type Deps struct {
	DB        *sql.DB
	Oracle    oracle.Oracle
	Contracts *contract.Set

	// Fetcher may be nil to skip URL fetching.
	Fetcher Fetcher

	Logger *zap.Logger

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Pipeline serves every knowledge base in one database.
type Pipeline struct {
	db         *sql.DB
	store      *db.Store
	maintainer *overview.Maintainer
	classifier *capture.Classifier
	responder  *query.Responder
	analyzer   *gap.Analyzer
	contracts  *contract.Set
	fetcher    Fetcher
	cfg        *config.Config
	log        *zap.Logger
	now        func() time.Time
}

// New wires the stages together. Every oracle call is logged and recorded
// in the conversation log of the database.
func New(cfg *config.Config, deps Deps) *Pipeline {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	orc := oracle.WithLogging(deps.Oracle, NewRecorder(deps.DB, now), log.Named("oracle"))
	validator := schema.NewValidator()
	store := db.NewStore(deps.DB)

	return &Pipeline{
		db:    deps.DB,
		store: store,
		maintainer: overview.NewMaintainer(store, store, orc, deps.Contracts, overview.MaintainerConfig{
			MaxChars:   cfg.OverviewMaxChars,
			ExportPath: cfg.OverviewExportPath,
			Clock:      now,
		}, log),
		classifier: capture.New(orc, deps.Contracts, validator, log),
		responder:  query.New(orc, deps.Contracts, log),
		analyzer:   gap.New(orc, deps.Contracts, validator, log),
		contracts:  deps.Contracts,
		fetcher:    deps.Fetcher,
		cfg:        cfg,
		log:        log.Named("pipeline"),
		now:        now,
	}
}

// Contracts returns the contract set in use.
func (p *Pipeline) Contracts() *contract.Set { return p.contracts }

// stage bounds one oracle-backed step.
func (p *Pipeline) stage(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.cfg.StageTimeout)
}

var kbPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// NormalizeKB lowercases and trims a knowledge base id and checks that it
// is 1-64 characters of [a-z0-9._-], starting with a letter or digit.
func NormalizeKB(kb string) (string, error) {
	kb = strings.ToLower(strings.TrimSpace(kb))
	if kb == "" {
		return "", errors.NewInvalidRequest("knowledge base id is required")
	}
	if !kbPattern.MatchString(kb) {
		return "", errors.NewInvalidRequest("knowledge base id must be 1-64 characters of a-z, 0-9, '.', '_' or '-'")
	}
	return kb, nil
}

// clampLimit applies the list defaults.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
