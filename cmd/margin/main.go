package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hpungsan/margin/internal/config"
	"github.com/hpungsan/margin/internal/contract"
	"github.com/hpungsan/margin/internal/db"
	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/fetch"
	"github.com/hpungsan/margin/internal/mcp"
	"github.com/hpungsan/margin/internal/oracle"
	"github.com/hpungsan/margin/internal/pipeline"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	app := newCLIApp(&env{})
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// env is everything a command needs. It is opened lazily so that --help
// and --version work without a database or API key.
type env struct {
	cfg *config.Config
	db  *sql.DB
	p   *pipeline.Pipeline
	log *zap.Logger

	// owned is set when open created the resources and close must release them.
	owned bool
}

// defaultDataDir returns ~/.margin.
func defaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".margin"), nil
}

// newLogger builds a production logger on stderr. verbose lowers the level
// to debug.
func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	log, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}

func (e *env) open(dataDir string, verbose bool) error {
	if e.p != nil {
		return nil
	}
	if dataDir == "" {
		d, err := defaultDataDir()
		if err != nil {
			return err
		}
		dataDir = d
	}

	log, err := newLogger(verbose)
	if err != nil {
		return err
	}

	cfg, err := config.Load(dataDir)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, err := db.Init(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	db.ConfigurePool(database, cfg)

	contractsDir := cfg.ContractsDir
	if contractsDir == "" {
		contractsDir = filepath.Join(cfg.DataDir, "contracts")
	}
	contracts, err := contract.Load(contractsDir)
	if err != nil {
		database.Close()
		return fmt.Errorf("failed to load contracts: %w", err)
	}

	orc, err := oracle.New(cfg.Oracle)
	if err != nil {
		// Read-only commands still work; anything that needs the model
		// reports ORACLE_UNAVAILABLE.
		log.Debug("oracle not configured", zap.Error(err))
		cause := err
		orc = oracle.Func(func(context.Context, oracle.Request) (string, error) {
			return "", errors.NewOracleUnavailable(cfg.Oracle.Provider, cause)
		})
	}

	if unknown := mcp.ValidateDisabledTools(cfg.DisabledTools); len(unknown) > 0 {
		log.Warn("unknown tools in disabled_tools", zap.Strings("tools", unknown))
	}

	e.cfg = cfg
	e.db = database
	e.log = log
	e.owned = true
	e.p = pipeline.New(cfg, pipeline.Deps{
		DB:        database,
		Oracle:    orc,
		Contracts: contracts,
		Fetcher:   fetch.New(cfg.StageTimeout, log),
		Logger:    log,
	})
	return nil
}

func (e *env) close() {
	if !e.owned {
		return
	}
	if e.db != nil {
		e.db.Close()
	}
	if e.log != nil {
		_ = e.log.Sync()
	}
}
