package bitharbor

import (
	"context"
	"log/slog"
	"os"

	"github.com/hupe1980/bitharbor/index"
	"github.com/hupe1980/bitharbor/ingest"
)

// Logger wraps slog.Logger with bitharbor-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithMediaID adds a media_id field to the logger.
func (l *Logger) WithMediaID(id string) *Logger {
	return &Logger{
		Logger: l.Logger.With("media_id", id),
	}
}

// LogIngest logs a finished ingest at debug level. The orchestrator already
// logs every outcome with its stage.
func (l *Logger) LogIngest(ctx context.Context, out ingest.Outcome) {
	switch {
	case out.Err != nil:
		l.DebugContext(ctx, "ingest failed",
			"source", out.Source,
			"stage", out.Stage.String(),
			"error", out.Err,
		)
	case out.Status == ingest.StatusDeduplicated:
		l.DebugContext(ctx, "ingest deduplicated",
			"media_id", out.MediaID,
			"content_hash", out.ContentHash.String(),
		)
	default:
		l.DebugContext(ctx, "ingest completed",
			"media_id", out.MediaID,
			"media_type", out.MediaType.String(),
			"row_id", uint64(out.RowID),
			"status", out.Status.String(),
			"duration", out.Duration,
		)
	}
}

// LogBatchIngest logs a batch ingest.
func (l *Logger) LogBatchIngest(ctx context.Context, count, failed int) {
	if failed > 0 {
		l.WarnContext(ctx, "batch ingest completed with failures",
			"total", count,
			"failed", failed,
			"success", count-failed,
		)
	} else {
		l.InfoContext(ctx, "batch ingest completed",
			"count", count,
		)
	}
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, k, resultsFound int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"k", k,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"k", k,
			"results", resultsFound,
		)
	}
}

// LogRebuild logs an index rebuild attempt.
func (l *Logger) LogRebuild(ctx context.Context, info index.RebuildInfo) {
	if info.Err != nil {
		l.ErrorContext(ctx, "index rebuild failed",
			"build", info.Build,
			"rows", info.Rows,
			"error", info.Err,
		)
	} else {
		l.DebugContext(ctx, "index rebuild completed",
			"build", info.Build,
			"rows", info.Rows,
			"nodes", info.Nodes,
			"duration", info.Duration,
		)
	}
}

// LogRollback logs a rolled back ingest. A rollback that could not undo
// everything leaves the stores inconsistent and is logged as an error.
func (l *Logger) LogRollback(ctx context.Context, stage ingest.Stage, cause, rollbackErr error) {
	if rollbackErr != nil {
		l.ErrorContext(ctx, "ingest rollback incomplete",
			"stage", stage.String(),
			"cause", cause,
			"error", rollbackErr,
		)
	} else {
		l.DebugContext(ctx, "ingest rolled back",
			"stage", stage.String(),
			"cause", cause,
		)
	}
}

// LogConsistency logs a consistency check.
func (l *Logger) LogConsistency(ctx context.Context, r ConsistencyReport, err error) {
	if err != nil {
		l.ErrorContext(ctx, "consistency check failed",
			"live_rows", r.LiveRows,
			"orphan_rows", len(r.OrphanRows),
			"problems", len(r.Problems),
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "consistency check passed",
			"live_rows", r.LiveRows,
			"orphan_rows", len(r.OrphanRows),
		)
	}
}
