package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{name: "text debug", level: "debug", format: "text"},
		{name: "json info", level: "info", format: "json"},
		{name: "unknown level defaults to info", level: "bogus", format: "text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.level, tt.format)
			require.NoError(t, err)
			require.NotNil(t, logger)

			// Must not panic.
			logger.Debug("debug message", "key", "value")
			logger.Info("info message")
			logger.Warn("warn message")
			logger.Error("error message", "err", "boom")
		})
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("info"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("WARN"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel(""))
}

func TestWith(t *testing.T) {
	logger := NewNop()
	child := logger.With("source", "warehouse")

	require.NotNil(t, child)
	assert.NotSame(t, logger, child)

	child.Info("message from child")
}

func TestNewNop(t *testing.T) {
	logger := NewNop()
	logger.Info("discarded")
	logger.Sync()
}
