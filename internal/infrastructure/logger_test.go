package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacMoment/licensing/internal/config"
)

func TestNewLogger_InjectsTraceID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LoggingConfig{Level: "debug"}, &buf)

	ctx := WithTraceID(context.Background(), "trace-123")
	logger.InfoContext(ctx, "validation accepted", slog.String("key", "ABCD****WXYZ"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "trace-123", entry["trace_id"])
	assert.Equal(t, "validation accepted", entry["msg"])
	assert.Equal(t, "ABCD****WXYZ", entry["key"])
}

func TestNewLogger_Level(t *testing.T) {
	tests := []struct {
		level   string
		debugOn bool
		infoOn  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warning", false, false},
		{"error", false, false},
		{"bogus", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := NewLogger(config.LoggingConfig{Level: tt.level}, &bytes.Buffer{})
			assert.Equal(t, tt.debugOn, logger.Enabled(context.Background(), slog.LevelDebug))
			assert.Equal(t, tt.infoOn, logger.Enabled(context.Background(), slog.LevelInfo))
		})
	}
}

func TestTraceHandler_WithAttrsKeepsTracing(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LoggingConfig{}, &buf).With(slog.String("component", "audit"))

	logger.InfoContext(WithTraceID(context.Background(), "t-1"), "flushed")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "audit", entry["component"])
	assert.Equal(t, "t-1", entry["trace_id"])
}

func TestGetTraceID(t *testing.T) {
	assert.Empty(t, GetTraceID(context.Background()))

	ctx := EnsureTraceID(context.Background())
	id := GetTraceID(ctx)
	assert.Len(t, id, 36)
	assert.Equal(t, id, GetTraceID(EnsureTraceID(ctx)), "existing id is kept")
}

func TestInitializeLogger_File(t *testing.T) {
	ResetLoggerForTesting()
	t.Cleanup(ResetLoggerForTesting)

	path := filepath.Join(t.TempDir(), "logs", "server.log")
	logger, err := InitializeLogger(config.LoggingConfig{Level: "info", Output: "file", FilePath: path})
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Same(t, logger, GetLogger())
	assert.FileExists(t, path)
}

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LoggingConfig{Format: "text"}, &buf)
	logger.InfoContext(WithTraceID(context.Background(), "t-9"), "guard blocked", slog.String("ip", "203.0.113.7"))

	line := buf.String()
	assert.Contains(t, line, "msg=\"guard blocked\"")
	assert.Contains(t, line, "trace_id=t-9")
	assert.Contains(t, line, "ip=203.0.113.7")
}
