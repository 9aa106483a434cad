package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hpungsan/margin/internal/errors"
)

// LoadOverview returns the stored overview text of kb and its revision.
// A knowledge base without an overview yields ("", 0).
func LoadOverview(ctx context.Context, db *sql.DB, kb string) (string, int64, error) {
	var (
		text string
		rev  int64
	)
	err := db.QueryRowContext(ctx, `SELECT text, revision FROM overviews WHERE kb = ?`, kb).Scan(&text, &rev)
	if err == sql.ErrNoRows {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, errors.NewInternal(err)
	}
	return text, rev, nil
}

// OverviewUpdatedAt returns when the overview of kb was last swapped; the
// zero time when it has none.
func OverviewUpdatedAt(ctx context.Context, db *sql.DB, kb string) (time.Time, error) {
	var ts int64
	err := db.QueryRowContext(ctx, `SELECT updated_at FROM overviews WHERE kb = ?`, kb).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, errors.NewInternal(err)
	}
	return time.Unix(ts, 0).UTC(), nil
}

// SwapOverview replaces the overview of kb when its stored revision equals
// expect (0 for "no overview yet") and returns the new revision. Otherwise
// nothing is written and the error is CONFLICT.
func SwapOverview(ctx context.Context, db *sql.DB, kb, text string, expect int64) (int64, error) {
	now := time.Now().Unix()

	var (
		res sql.Result
		err error
	)
	if expect == 0 {
		res, err = db.ExecContext(ctx, `
			INSERT INTO overviews (kb, text, revision, updated_at)
			VALUES (?, ?, 1, ?)
			ON CONFLICT(kb) DO NOTHING`, kb, text, now)
	} else {
		res, err = db.ExecContext(ctx, `
			UPDATE overviews
			SET text = ?, revision = revision + 1, updated_at = ?
			WHERE kb = ? AND revision = ?`, text, now, kb, expect)
	}
	if err != nil {
		return 0, errors.NewInternal(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	if n == 0 {
		return 0, errors.NewConflict(fmt.Sprintf("overview of %s is no longer at revision %d", kb, expect))
	}
	return expect + 1, nil
}

// Conversation is one recorded oracle exchange.
type Conversation struct {
	ID           string `json:"id"` // UUID
	KB           string `json:"kb"`
	Interaction  string `json:"interaction"`
	SystemPrompt string `json:"system_prompt"`
	UserMessage  string `json:"user_message"`
	Response     string `json:"response"`
	DurationMs   int64  `json:"duration_ms"`
	Error        string `json:"error,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// InsertConversation appends an exchange to the conversation log.
func InsertConversation(ctx context.Context, db *sql.DB, c *Conversation) error {
	var errText sql.NullString
	if c.Error != "" {
		errText = sql.NullString{String: c.Error, Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO conversations (id, kb, interaction, system_prompt, user_message, response, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.KB, c.Interaction, c.SystemPrompt, c.UserMessage, c.Response, c.DurationMs, errText, c.CreatedAt,
	)
	if err != nil {
		return errors.NewInternal(fmt.Errorf("insert conversation: %w", err))
	}
	return nil
}

// RecentConversations returns the newest logged exchanges of kb, newest first.
func RecentConversations(ctx context.Context, db *sql.DB, kb string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, kb, interaction, system_prompt, user_message, response, duration_ms, error, created_at
		FROM conversations
		WHERE kb = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, kb, limit)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var (
			c       Conversation
			errText sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.KB, &c.Interaction, &c.SystemPrompt, &c.UserMessage,
			&c.Response, &c.DurationMs, &errText, &c.CreatedAt); err != nil {
			return nil, errors.NewInternal(err)
		}
		c.Error = errText.String
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// Gap report statuses.
const (
	GapPending   = "pending"
	GapApplied   = "applied"
	GapDismissed = "dismissed"
)

// GapReport is a persisted capability-gap finding.
type GapReport struct {
	ID                     string `json:"id"`
	KB                     string `json:"kb"`
	OriginalMessage        string `json:"original_message"`
	BotResponse            string `json:"bot_response"`
	GapDescription         string `json:"gap_description"`
	Proposal               string `json:"proposal"`
	TargetPrompt           string `json:"target_prompt"`
	ProposedContractUpdate string `json:"proposed_contract_update"`
	Status                 string `json:"status"`
	CreatedAt              int64  `json:"created_at"`
	ResolvedAt             *int64 `json:"resolved_at,omitempty"`
}

const gapColumns = `id, kb, original_message, bot_response, gap_description, proposal,
	target_prompt, proposed_contract_update, status, created_at, resolved_at`

// InsertGapReport stores a new pending report.
func InsertGapReport(ctx context.Context, db *sql.DB, g *GapReport) error {
	if g.Status == "" {
		g.Status = GapPending
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO gap_reports (`+gapColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		g.ID, g.KB, g.OriginalMessage, g.BotResponse, g.GapDescription, g.Proposal,
		g.TargetPrompt, g.ProposedContractUpdate, g.Status, g.CreatedAt,
	)
	if err != nil {
		return errors.NewInternal(fmt.Errorf("insert gap report: %w", err))
	}
	return nil
}

// GetGapReport retrieves a report of kb by id.
func GetGapReport(ctx context.Context, db *sql.DB, kb, id string) (*GapReport, error) {
	row := db.QueryRowContext(ctx, `SELECT `+gapColumns+` FROM gap_reports WHERE kb = ? AND id = ?`, kb, id)
	g, err := scanGapReport(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("gap report", id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return g, nil
}

// ListGapReports returns the reports of kb with the given status (all when
// status is empty), newest first.
func ListGapReports(ctx context.Context, db *sql.DB, kb, status string) ([]GapReport, error) {
	query := `SELECT ` + gapColumns + ` FROM gap_reports WHERE kb = ?`
	args := []any{kb}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []GapReport
	for rows.Next() {
		g, err := scanGapReport(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// ResolveGapReport moves a pending report to status (applied or dismissed).
// A report that is missing or already resolved is NOT_FOUND / INVALID_REQUEST.
func ResolveGapReport(ctx context.Context, db *sql.DB, kb, id, status string) error {
	if status != GapApplied && status != GapDismissed {
		return errors.NewInvalidRequest(fmt.Sprintf("cannot resolve gap report as %q", status))
	}
	res, err := db.ExecContext(ctx, `
		UPDATE gap_reports
		SET status = ?, resolved_at = ?
		WHERE kb = ? AND id = ? AND status = ?`,
		status, time.Now().Unix(), kb, id, GapPending)
	if err != nil {
		return errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if n == 0 {
		g, err := GetGapReport(ctx, db, kb, id)
		if err != nil {
			return err
		}
		return errors.NewInvalidRequest(fmt.Sprintf("gap report %s is already %s", id, g.Status))
	}
	return nil
}

func scanGapReport(row scanner) (*GapReport, error) {
	var (
		g          GapReport
		resolvedAt sql.NullInt64
	)
	err := row.Scan(&g.ID, &g.KB, &g.OriginalMessage, &g.BotResponse, &g.GapDescription, &g.Proposal,
		&g.TargetPrompt, &g.ProposedContractUpdate, &g.Status, &g.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		g.ResolvedAt = &resolvedAt.Int64
	}
	return &g, nil
}
