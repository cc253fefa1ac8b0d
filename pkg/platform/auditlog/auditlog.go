// Package auditlog writes the structured audit trail of ledger operations.
//
// Accepted mutations log at Info with log_type=audit. Rejections log at Warn
// when the caller is at fault and at Error otherwise.
package auditlog

import (
	"context"
	"log/slog"

	dErrors "carbonledger/pkg/domain-errors"
	"carbonledger/pkg/requestcontext"
)

type Logger struct {
	logger *slog.Logger
}

// New wraps logger. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return Logger{logger: logger}
}

// Accepted records a committed mutation.
func (l Logger) Accepted(ctx context.Context, event string, attrs ...any) {
	attrs = append(attrs, "event", event, "log_type", "audit")
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}
	if caller := requestcontext.Caller(ctx); !caller.IsNil() {
		attrs = append(attrs, "caller", caller.String())
	}
	l.logger.InfoContext(ctx, event, attrs...)
}

// Rejected records a failed operation.
func (l Logger) Rejected(ctx context.Context, op string, err error, attrs ...any) {
	code := dErrors.CodeOf(err)
	level := slog.LevelWarn
	if code == dErrors.CodeInternal || code == dErrors.CodeTimeout {
		level = slog.LevelError
	}
	attrs = append(attrs, "operation", op, "code", string(code), "error", err)
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}
	l.logger.Log(ctx, level, op+" rejected", attrs...)
}
