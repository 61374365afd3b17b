package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "ParseLevel(%q)", tt.in)
	}
}

func TestNewLogger(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "")
	logger := NewLogger()
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	t.Setenv("LOG_FORMAT", "text")
	assert.NotNil(t, NewLogger())
	assert.NotNil(t, NewTextLogger())
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "json", "info")

	logger.Debug("filtered")
	logger.Info("download completed", slog.String("service", "imgur"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "output should be one JSON object")
	assert.Equal(t, "download completed", entry["msg"])
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "imgur", entry["service"])
	assert.NotContains(t, buf.String(), "filtered")
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "TEXT", "warn")

	logger.Info("filtered")
	logger.Warn("download failed", slog.String("failure_kind", "transient"))

	out := buf.String()
	assert.Contains(t, out, "download failed")
	assert.Contains(t, out, "failure_kind")
	assert.NotContains(t, out, "filtered")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())), "text format must not be JSON")
}

func TestWithRunID(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, "json", "info")

	ctx := ContextWithRunID(context.Background(), "550e8400-e29b-41d4-a716-446655440000")
	assert.Equal(t, "550e8400-e29b-41d4-a716-446655440000", RunIDFromContext(ctx))

	WithRunID(ctx, base).Info("retry pass started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "550e8400-e29b-41d4-a716-446655440000", entry["run_id"])
}

func TestWithRunID_Empty(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, "json", "info")

	logger := WithRunID(context.Background(), base)
	assert.Same(t, base, logger)
	assert.Empty(t, RunIDFromContext(context.Background()))
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := WithFields(New(&buf, "json", "info"), map[string]any{
		"provider": "wayback_machine",
		"attempts": 3,
	})
	logger.Info("recovery failed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "wayback_machine", entry["provider"])
	assert.EqualValues(t, 3, entry["attempts"])
}

func TestWithFields_EmptyFields(t *testing.T) {
	var buf bytes.Buffer
	WithFields(New(&buf, "json", "info"), nil).Info("plain")
	assert.Contains(t, buf.String(), "plain")
}

func TestFromContext(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))

	logger := New(&bytes.Buffer{}, "json", "info")
	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))
}

func TestContextKey_Type(t *testing.T) {
	// A plain string key must not collide with ours.
	ctx := context.WithValue(context.Background(), "logger", New(&bytes.Buffer{}, "json", "info")) //nolint:staticcheck
	assert.Same(t, slog.Default(), FromContext(ctx))
}
