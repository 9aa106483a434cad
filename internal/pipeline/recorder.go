package pipeline

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/hpungsan/margin/internal/db"
	"github.com/hpungsan/margin/internal/oracle"
)

// Recorder writes oracle exchanges to the conversation log.
type Recorder struct {
	db  *sql.DB
	now func() time.Time
}

// NewRecorder creates a Recorder over database. now defaults to time.Now.
func NewRecorder(database *sql.DB, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{db: database, now: now}
}

// RecordExchange implements oracle.Recorder.
func (r *Recorder) RecordExchange(ctx context.Context, rec oracle.Record) error {
	return db.InsertConversation(ctx, r.db, &db.Conversation{
		ID:           uuid.NewString(),
		KB:           rec.KB,
		Interaction:  string(rec.Stage),
		SystemPrompt: rec.System,
		UserMessage:  rec.Prompt,
		Response:     rec.Response,
		DurationMs:   rec.Duration.Milliseconds(),
		Error:        rec.Err,
		CreatedAt:    r.now().Unix(),
	})
}
