package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// NewLogger creates the process logger. LOG_LEVEL selects the level (debug,
// info, warn, error; default info) and LOG_FORMAT=text selects colored
// human-readable output instead of JSON.
func NewLogger() *slog.Logger {
	return New(os.Stdout, os.Getenv("LOG_FORMAT"), os.Getenv("LOG_LEVEL"))
}

// NewTextLogger creates a colored text logger for terminals.
func NewTextLogger() *slog.Logger {
	return New(os.Stderr, "text", os.Getenv("LOG_LEVEL"))
}

// New creates a logger writing to w. format is "json" or "text"; unknown
// formats fall back to JSON.
func New(w io.Writer, format, level string) *slog.Logger {
	lvl := ParseLevel(level)
	if strings.EqualFold(format, "text") {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.RFC3339,
			AddSource:  lvl == slog.LevelDebug,
		}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: lvl,
		// Add source code location for error and warn levels
		AddSource: lvl <= slog.LevelWarn,
	}))
}

// ParseLevel maps a level name to a slog.Level. Unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// WithRunID returns a logger that includes the run ID stored in ctx.
func WithRunID(ctx context.Context, logger *slog.Logger) *slog.Logger {
	id := RunIDFromContext(ctx)
	if id == "" {
		return logger
	}
	return logger.With("run_id", id)
}

// ContextWithRunID stores the ID of a download run or scheduled job.
func ContextWithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDContextKey, id)
}

// RunIDFromContext returns the run ID, or "" when none is set.
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDContextKey).(string)
	return id
}

// WithFields returns a new logger with additional structured fields.
func WithFields(logger *slog.Logger, fields map[string]any) *slog.Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return logger.With(args...)
}

// FromContext retrieves the logger from the context, or returns the default logger if not found.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerContextKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

type contextKey string

const (
	loggerContextKey contextKey = "logger"
	runIDContextKey  contextKey = "run_id"
)
