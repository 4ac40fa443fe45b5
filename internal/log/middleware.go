package log

import (
	"context"
	"log/slog"
	"net/http"
)

type ctxKey struct{}

// NewContext returns ctx carrying logger.
func NewContext(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or one over slog's default
// handler with component "unknown".
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*Logger); ok {
		return logger
	}
	return bind(slog.Default(), "unknown")
}

func enrich(next http.Handler, derive func(*Logger, *http.Request) *Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		next.ServeHTTP(w, r.WithContext(NewContext(ctx, derive(FromContext(ctx), r))))
	})
}

// Middleware stores logger in every request context.
func Middleware(logger *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return enrich(next, func(*Logger, *http.Request) *Logger { return logger })
	}
}

// ComponentMiddleware rebinds the request logger to component.
func ComponentMiddleware(component string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return enrich(next, func(l *Logger, _ *http.Request) *Logger { return l.WithComponent(component) })
	}
}

// RequestIDMiddleware adds the request id returned by extractRequestID to the
// request logger.
func RequestIDMiddleware(extractRequestID func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return enrich(next, func(l *Logger, r *http.Request) *Logger {
			return l.With(FieldRequestID, extractRequestID(r))
		})
	}
}

// StructuredLogger provides structured logging methods with context awareness
type StructuredLogger struct {
	logger *Logger
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(logger *Logger) *StructuredLogger {
	return &StructuredLogger{
		logger: logger,
	}
}

// LogHTTPStart logs the start of an HTTP request
func (sl *StructuredLogger) LogHTTPStart(ctx context.Context, r *http.Request, clientIP string) {
	fields := NewFields().
		WithHTTPRequest(r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("User-Agent")).
		WithClientIP(clientIP)

	sl.logger.DebugContext(ctx, "HTTP request started", fields.ToSlice()...)
}

// LogHTTPEnd logs the completion of an HTTP request
func (sl *StructuredLogger) LogHTTPEnd(ctx context.Context, r *http.Request, statusCode int, durationMs int64, clientIP string) {
	level := slog.LevelInfo
	if statusCode >= 400 && statusCode < 500 {
		level = slog.LevelWarn
	} else if statusCode >= 500 {
		level = slog.LevelError
	}

	fields := NewFields().
		WithHTTPRequest(r.Method, r.URL.Path, r.URL.RawQuery, "").
		WithHTTPResponse(statusCode, durationMs).
		WithClientIP(clientIP)

	sl.logger.Logger.Log(ctx, level, "HTTP request completed", fields.ToSlice()...)
}

// LogTransactionCreated logs a persisted ledger transaction
func (sl *StructuredLogger) LogTransactionCreated(ctx context.Context, id string, amountCents int64, typ string, scheduled bool) {
	fields := NewFields().
		WithTransaction(id, amountCents, typ).
		WithOperation(OpCreate).
		ToSlice()

	fields = append(fields, "scheduled", scheduled)

	sl.logger.InfoContext(ctx, "Transaction created", fields...)
}

// LogRecurringExecuted logs the outcome of one execution request
func (sl *StructuredLogger) LogRecurringExecuted(ctx context.Context, recurringID, asOf string, generated int, nextDue string) {
	sl.logger.InfoContext(ctx, "Recurring transaction executed",
		FieldRecurringID, recurringID,
		FieldAsOf, asOf,
		FieldGenerated, generated,
		FieldNextDueDate, nextDue,
		FieldOperation, OpExecute)
}

// LogError logs an error with structured context
func (sl *StructuredLogger) LogError(ctx context.Context, msg string, err error, errorType string, operation string, fields LogFields) {
	if fields == nil {
		fields = NewFields()
	}
	allFields := fields.
		WithError(err).
		WithErrorType(errorType).
		WithOperation(operation)

	sl.logger.ErrorContext(ctx, msg, allFields.ToSlice()...)
}
