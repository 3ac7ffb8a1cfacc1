package runlog

import (
	"context"

	"go.uber.org/zap"

	"github.com/openspend/spend-cli/internal/model"
	"github.com/openspend/spend-cli/internal/store"
)

// Logger writes run log entries durably and mirrors them to the broadcaster
// and the process logger. Persistence failures are logged but never fail the
// calling stage; diagnostics must not abort an import.
type Logger struct {
	st store.Store
	b  *Broadcaster
}

// NewLogger builds a run logger. The broadcaster may be nil (CLI runs with
// no live listeners).
func NewLogger(st store.Store, b *Broadcaster) *Logger {
	return &Logger{st: st, b: b}
}

// Info records an info-level entry.
func (l *Logger) Info(ctx context.Context, runID, stage, msg string, fields map[string]any) {
	l.log(ctx, runID, stage, model.LogInfo, msg, fields)
}

// Warn records a warn-level entry.
func (l *Logger) Warn(ctx context.Context, runID, stage, msg string, fields map[string]any) {
	l.log(ctx, runID, stage, model.LogWarn, msg, fields)
}

// Error records an error-level entry.
func (l *Logger) Error(ctx context.Context, runID, stage, msg string, fields map[string]any) {
	l.log(ctx, runID, stage, model.LogError, msg, fields)
}

func (l *Logger) log(ctx context.Context, runID, stage string, level model.LogLevel, msg string, fields map[string]any) {
	entry := &model.RunLog{
		RunID:   runID,
		Stage:   stage,
		Level:   level,
		Message: msg,
		Fields:  fields,
	}

	if err := l.st.AppendRunLog(ctx, entry); err != nil {
		zap.L().Error("runlog: append failed",
			zap.String("run_id", runID),
			zap.String("message", msg),
			zap.Error(err))
	}

	if l.b != nil {
		l.b.Publish(*entry)
	}

	zfields := []zap.Field{zap.String("run_id", runID), zap.String("stage", stage)}
	for k, v := range fields {
		zfields = append(zfields, zap.Any(k, v))
	}
	switch level {
	case model.LogError:
		zap.L().Error(msg, zfields...)
	case model.LogWarn:
		zap.L().Warn(msg, zfields...)
	default:
		zap.L().Info(msg, zfields...)
	}
}
