package oracle

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Record is one completed oracle exchange, kept for audit and debugging.
type Record struct {
	KB       string
	Stage    Stage
	System   string
	Prompt   string
	Response string
	Err      string
	Duration time.Duration
}

// Recorder persists exchanges. Recording failures are logged, never returned.
type Recorder interface {
	RecordExchange(ctx context.Context, rec Record) error
}

// Logged wraps an Oracle with structured logging and optional recording.
type Logged struct {
	inner Oracle
	rec   Recorder
	log   *zap.Logger
}

// WithLogging wraps o. rec may be nil.
func WithLogging(o Oracle, rec Recorder, log *zap.Logger) *Logged {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logged{inner: o, rec: rec, log: log}
}

// Generate calls the wrapped oracle and records the exchange.
func (l *Logged) Generate(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	out, err := l.inner.Generate(ctx, req)
	elapsed := time.Since(start)

	fields := []zap.Field{
		zap.String("kb", req.KB),
		zap.String("stage", string(req.Stage)),
		zap.Duration("duration", elapsed),
		zap.Int("prompt_chars", len(req.Prompt)+len(req.System)),
		zap.Int("response_chars", len(out)),
	}
	if err != nil {
		l.log.Warn("oracle call failed", append(fields, zap.Error(err))...)
	} else {
		l.log.Debug("oracle call", fields...)
	}

	if l.rec != nil {
		rec := Record{
			KB:       req.KB,
			Stage:    req.Stage,
			System:   req.System,
			Prompt:   req.Prompt,
			Response: out,
			Duration: elapsed,
		}
		if err != nil {
			rec.Err = err.Error()
		}
		// Recording outlives a cancelled stage context.
		if recErr := l.rec.RecordExchange(context.WithoutCancel(ctx), rec); recErr != nil {
			l.log.Warn("failed to record oracle exchange", zap.String("stage", string(req.Stage)), zap.Error(recErr))
		}
	}
	return out, err
}
