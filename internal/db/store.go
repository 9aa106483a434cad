package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/hpungsan/margin/internal/item"
)

// Store binds the query functions to one database so it can serve the
// interfaces other packages declare (overview.Store, overview.ItemSource).
type Store struct {
	db *sql.DB
}

// NewStore wraps db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// LoadOverview implements overview.Store.
func (s *Store) LoadOverview(ctx context.Context, kb string) (string, int64, error) {
	return LoadOverview(ctx, s.db, kb)
}

// SwapOverview implements overview.Store.
func (s *Store) SwapOverview(ctx context.Context, kb, text string, expect int64) (int64, error) {
	return SwapOverview(ctx, s.db, kb, text, expect)
}

// ItemsSince implements overview.ItemSource.
func (s *Store) ItemsSince(ctx context.Context, kb string, since time.Time) ([]item.Item, error) {
	return ItemsSince(ctx, s.db, kb, since)
}
