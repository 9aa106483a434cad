package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/item"
)

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a new ULID string. IDs from one process sort in creation
// order, also within a millisecond.
func NewID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}

const itemColumns = `id, kb, raw_text, item_type, tags, summary, source_url, url_content, created_at`

// InsertCapture stores an item and its extracted sub-items in one
// transaction: either all rows are written or none.
func InsertCapture(ctx context.Context, db *sql.DB, it *item.Item, extracted []item.Extracted) error {
	return InsertCaptures(ctx, db, []Capture{{Item: it, Extracted: extracted}})
}

// Capture is an item with its extracted sub-items.
type Capture struct {
	Item      *item.Item
	Extracted []item.Extracted
}

// InsertCaptures stores every capture in one transaction.
func InsertCaptures(ctx context.Context, db *sql.DB, captures []Capture) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewInternal(err)
	}
	defer tx.Rollback()

	for _, c := range captures {
		if err := insertCaptureTx(ctx, tx, c.Item, c.Extracted); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

func insertCaptureTx(ctx context.Context, tx *sql.Tx, it *item.Item, extracted []item.Extracted) error {
	tagsJSON, err := encodeTags(it.Tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.KB, it.RawText, string(it.Type), tagsJSON, it.Summary,
		toNullString(it.SourceURL), toNullString(it.URLContent), it.CreatedAt,
	)
	if err != nil {
		return errors.NewInternal(fmt.Errorf("insert item: %w", err))
	}

	for i := range extracted {
		e := &extracted[i]
		tags, err := encodeTags(e.Tags)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO extracted_items (id, parent_id, kb, summary, tags, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, it.ID, it.KB, e.Summary, tags, e.CreatedAt,
		)
		if err != nil {
			return errors.NewInternal(fmt.Errorf("insert extracted item %d: %w", i, err))
		}
	}
	return nil
}

// ExistingItemIDs reports which of ids are already stored, in any
// knowledge base.
func ExistingItemIDs(ctx context.Context, db *sql.DB, ids []string) (map[string]bool, error) {
	found := make(map[string]bool)
	const batch = 500
	for start := 0; start < len(ids); start += batch {
		chunk := ids[start:min(start+batch, len(ids))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := db.QueryContext(ctx,
			`SELECT id FROM items WHERE id IN (?`+strings.Repeat(", ?", len(chunk)-1)+`)`, args...)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, errors.NewInternal(err)
			}
			found[id] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, errors.NewInternal(err)
		}
	}
	return found, nil
}

// GetItem retrieves an item by its ULID within kb.
func GetItem(ctx context.Context, db *sql.DB, kb, id string) (*item.Item, error) {
	row := db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE kb = ? AND id = ?`, kb, id)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("item", id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return it, nil
}

// GetExtracted returns the sub-items of a parent item in creation order.
func GetExtracted(ctx context.Context, db *sql.DB, parentID string) ([]item.Extracted, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, parent_id, kb, summary, tags, created_at
		FROM extracted_items
		WHERE parent_id = ?
		ORDER BY id`, parentID)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []item.Extracted
	for rows.Next() {
		e, err := scanExtracted(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// Recent returns the newest items of kb, newest first.
func Recent(ctx context.Context, db *sql.DB, kb string, limit int) ([]item.Item, error) {
	if limit <= 0 {
		limit = 10
	}
	return queryItems(ctx, db, `
		SELECT `+itemColumns+` FROM items
		WHERE kb = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, kb, limit)
}

// ListByTag returns the newest items of kb carrying tag, newest first.
// tag must already be normalized.
func ListByTag(ctx context.Context, db *sql.DB, kb, tag string, limit int) ([]item.Item, error) {
	if limit <= 0 {
		limit = 10
	}
	return queryItems(ctx, db, `
		SELECT `+itemColumns+` FROM items
		WHERE kb = ? AND EXISTS (SELECT 1 FROM json_each(items.tags) WHERE value = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, kb, tag, limit)
}

// ItemsSince returns the items of kb created at or after since, oldest first.
func ItemsSince(ctx context.Context, db *sql.DB, kb string, since time.Time) ([]item.Item, error) {
	return queryItems(ctx, db, `
		SELECT `+itemColumns+` FROM items
		WHERE kb = ? AND created_at >= ?
		ORDER BY created_at, id`, kb, since.Unix())
}

// Search ranks the items of kb against query with FTS5 bm25 over raw text,
// summary, and tags. A query with no searchable terms returns nothing.
func Search(ctx context.Context, db *sql.DB, kb, query string, limit int) ([]item.Item, error) {
	match := sanitizeFTS(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	return queryItems(ctx, db, `
		SELECT i.id, i.kb, i.raw_text, i.item_type, i.tags, i.summary, i.source_url, i.url_content, i.created_at
		FROM items_fts
		JOIN items i ON i.rowid = items_fts.rowid
		WHERE items_fts MATCH ? AND i.kb = ?
		ORDER BY bm25(items_fts), i.created_at DESC
		LIMIT ?`, match, kb, limit)
}

// stopWords are dropped from search queries; matching them ranks nothing.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "did": true, "do": true,
	"for": true, "how": true, "i": true, "in": true, "is": true, "it": true,
	"me": true, "my": true, "of": true, "on": true, "or": true, "the": true,
	"to": true, "was": true, "what": true, "when": true, "where": true,
	"which": true, "who": true, "with": true, "about": true, "any": true,
	"have": true, "show": true, "tell": true,
}

// sanitizeFTS turns free text into an FTS5 query: every remaining word is
// quoted (so FTS operators in user text are inert) and the words are OR-ed,
// leaving ranking to bm25.
func sanitizeFTS(query string) string {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(words))
	terms := make([]string, 0, len(words))
	for _, w := range words {
		if len([]rune(w)) < 2 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, `"`+w+`"`)
	}
	return strings.Join(terms, " OR ")
}

// CountItems returns how many items kb holds.
func CountItems(ctx context.Context, db *sql.DB, kb string) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE kb = ?`, kb).Scan(&n); err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

// ListKBs returns every knowledge base that holds items or an overview.
func ListKBs(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT kb FROM items
		UNION
		SELECT kb FROM overviews
		ORDER BY kb`)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var kb string
		if err := rows.Scan(&kb); err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, kb)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// ExportRecords yields every item of kb oldest first, with its extracted
// sub-items attached. Sub-items are loaded up front so the item cursor is
// the only open query while the caller consumes the sequence.
func ExportRecords(ctx context.Context, db *sql.DB, kb string) iter.Seq2[*item.ExportRecord, error] {
	return func(yield func(*item.ExportRecord, error) bool) {
		children, err := extractedByParent(ctx, db, kb)
		if err != nil {
			yield(nil, err)
			return
		}

		rows, err := db.QueryContext(ctx, `
			SELECT `+itemColumns+` FROM items
			WHERE kb = ?
			ORDER BY created_at, id`, kb)
		if err != nil {
			yield(nil, errors.NewInternal(err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			it, err := scanItem(rows)
			if err != nil {
				yield(nil, errors.NewInternal(err))
				return
			}
			if !yield(item.ToExportRecord(it, children[it.ID]), nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, errors.NewInternal(err))
		}
	}
}

func extractedByParent(ctx context.Context, db *sql.DB, kb string) (map[string][]item.Extracted, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, parent_id, kb, summary, tags, created_at
		FROM extracted_items
		WHERE kb = ?
		ORDER BY id`, kb)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	out := make(map[string][]item.Extracted)
	for rows.Next() {
		e, err := scanExtracted(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out[e.ParentID] = append(out[e.ParentID], *e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

func queryItems(ctx context.Context, db *sql.DB, query string, args ...any) ([]item.Item, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []item.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanItem scans a row selected with itemColumns.
func scanItem(row scanner) (*item.Item, error) {
	var (
		it         item.Item
		itemType   string
		tagsJSON   string
		sourceURL  sql.NullString
		urlContent sql.NullString
	)
	err := row.Scan(
		&it.ID, &it.KB, &it.RawText, &itemType, &tagsJSON, &it.Summary,
		&sourceURL, &urlContent, &it.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	it.Type = item.Type(itemType)
	it.SourceURL = fromNullString(sourceURL)
	it.URLContent = fromNullString(urlContent)
	if it.Tags, err = decodeTags(tagsJSON); err != nil {
		return nil, err
	}
	return &it, nil
}

func scanExtracted(row scanner) (*item.Extracted, error) {
	var (
		e        item.Extracted
		tagsJSON string
	)
	if err := row.Scan(&e.ID, &e.ParentID, &e.KB, &e.Summary, &tagsJSON, &e.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if e.Tags, err = decodeTags(tagsJSON); err != nil {
		return nil, err
	}
	return &e, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", errors.NewInternal(err)
	}
	return string(data), nil
}

func decodeTags(s string) ([]string, error) {
	tags := []string{}
	if s == "" {
		return tags, nil
	}
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return tags, nil
}

// toNullString converts a *string to sql.NullString.
func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// fromNullString converts a sql.NullString to *string.
func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}
