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

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{
			name:   "default config",
			config: DefaultConfig(),
		},
		{
			name: "json format",
			config: Config{
				Level:  "info",
				Format: "json",
			},
		},
		{
			name: "text format",
			config: Config{
				Level:  "info",
				Format: "text",
			},
		},
		{
			name: "dev format",
			config: Config{
				Level:  "debug",
				Format: "dev",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.config)
			assert.NotNil(t, logger)
		})
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	config := Config{Level: "info", Format: "json"}
	logger := NewWithWriter(config, &buf)

	childLogger := logger.With("key", "value")
	assert.NotNil(t, childLogger)

	childLogger.Info("test message")

	var logEntry map[string]any
	err := json.Unmarshal(buf.Bytes(), &logEntry)
	require.NoError(t, err)

	assert.Equal(t, "value", logEntry["key"])
	assert.Equal(t, "test message", logEntry["msg"])
}

func TestContextHandler_PipelineID(t *testing.T) {
	var buf bytes.Buffer
	config := Config{Level: "info", Format: "json"}
	logger := NewWithWriter(config, &buf)

	ctx := ContextWithPipeline(context.Background(), "duplicate-detection")
	logger.InfoContext(ctx, "dispatched")

	var logEntry map[string]any
	err := json.Unmarshal(buf.Bytes(), &logEntry)
	require.NoError(t, err)

	assert.Equal(t, "duplicate-detection", logEntry["pipeline_id"])
}

func TestContextHandler_JobID(t *testing.T) {
	var buf bytes.Buffer
	config := Config{Level: "info", Format: "json"}
	logger := NewWithWriter(config, &buf)

	ctx := ContextWithJob(context.Background(), "job-123")
	logger.InfoContext(ctx, "running")

	var logEntry map[string]any
	err := json.Unmarshal(buf.Bytes(), &logEntry)
	require.NoError(t, err)

	assert.Equal(t, "job-123", logEntry["job_id"])
}

func TestContextHandler_RequestID(t *testing.T) {
	var buf bytes.Buffer
	config := Config{Level: "info", Format: "json"}
	logger := NewWithWriter(config, &buf)

	ctx := ContextWithRequest(context.Background(), "req-9")
	logger.InfoContext(ctx, "handled")

	var logEntry map[string]any
	err := json.Unmarshal(buf.Bytes(), &logEntry)
	require.NoError(t, err)

	assert.Equal(t, "req-9", logEntry["request_id"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.input))
		})
	}
}
