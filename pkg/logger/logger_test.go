package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/koopa0/room-relay/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"nonsense", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, logger.ParseLevel(tt.in))
		})
	}
}

func TestNew_ContextAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(logger.Options{Level: "debug", Format: "json", Output: &buf})

	ctx := logger.WithRequestID(context.Background(), "req-1")
	ctx = logger.WithSessionID(ctx, "sess-1")
	log.With("component", "test").InfoContext(ctx, "hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "sess-1", entry["session_id"])
	assert.Equal(t, "test", entry["component"])
	assert.Equal(t, "req-1", logger.RequestID(ctx))
}

func TestNew_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(logger.Options{Level: "warn", Output: &buf})

	log.Info("dropped")
	assert.Empty(t, buf.String())

	log.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}
