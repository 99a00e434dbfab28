package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// ContextKey is the type for context keys used in logging
type ContextKey string

const (
	// LeadIDKey is the context key for lead_id
	LeadIDKey ContextKey = "lead_id"
	// CorrelationIDKey is the context key for correlation_id
	CorrelationIDKey ContextKey = "correlation_id"
	// BrokerKey is the context key for the broker code
	BrokerKey ContextKey = "broker"
)

var defaultLogger *slog.Logger

// Init initializes the global structured logger with JSON output
func Init() {
	InitWithConfig("info", "json")
}

// InitWithConfig initializes the global logger with the given level and format ("json" or "text")
func InitWithConfig(level, format string) {
	defaultLogger = newLogger(os.Stdout, level, format)
	slog.SetDefault(defaultLogger)
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithContext creates a logger with context values (lead_id, correlation_id, broker)
func WithContext(ctx context.Context) *slog.Logger {
	logger := defaultLogger
	if logger == nil {
		logger = slog.Default()
	}

	if leadID, ok := ctx.Value(LeadIDKey).(int64); ok {
		logger = logger.With("lead_id", leadID)
	}

	if correlationID, ok := ctx.Value(CorrelationIDKey).(string); ok {
		logger = logger.With("correlation_id", correlationID)
	}

	if broker, ok := ctx.Value(BrokerKey).(string); ok {
		logger = logger.With("broker", broker)
	}

	return logger
}

// WithLeadID returns a context carrying the lead ID for log enrichment
func WithLeadID(ctx context.Context, leadID int64) context.Context {
	return context.WithValue(ctx, LeadIDKey, leadID)
}

// WithBroker returns a context carrying the broker code for log enrichment
func WithBroker(ctx context.Context, broker string) context.Context {
	return context.WithValue(ctx, BrokerKey, broker)
}

// Info logs an info message with context
func Info(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...)
}

// Error logs an error message with context
func Error(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...)
}

// Warn logs a warning message with context
func Warn(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...)
}

// Debug logs a debug message with context
func Debug(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Debug(msg, args...)
}

// LogStatusTransition logs a lead status transition. kind distinguishes the
// local send status ("status") from the broker-reported one ("broker_status").
func LogStatusTransition(ctx context.Context, leadID int64, kind, oldStatus, newStatus string) {
	logger := WithContext(ctx).With(
		"lead_id", leadID,
		"kind", kind,
		"old_status", oldStatus,
		"new_status", newStatus,
		"timestamp", time.Now().UTC(),
	)
	logger.Info("Lead status transition")
}

// LogSlowOperation logs operations that exceed the threshold
func LogSlowOperation(ctx context.Context, operation string, duration time.Duration) {
	if duration > time.Second {
		logger := WithContext(ctx).With(
			"operation", operation,
			"duration_ms", duration.Milliseconds(),
		)
		logger.Warn("Slow operation detected")
	}
}

// LogError logs an error with its message
func LogError(ctx context.Context, msg string, err error, args ...any) {
	logger := WithContext(ctx)
	allArgs := append([]any{"error", err.Error()}, args...)
	logger.Error(msg, allArgs...)
}
