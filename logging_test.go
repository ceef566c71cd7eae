package main

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		debug   bool
		enabled zapcore.Level
		muted   zapcore.Level
	}{
		{"info", "info", false, zapcore.InfoLevel, zapcore.DebugLevel},
		{"upper case", "WARN", false, zapcore.WarnLevel, zapcore.InfoLevel},
		{"debug flag overrides", "error", true, zapcore.DebugLevel, zapcore.InvalidLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, cleanup, err := newLogger(LoggingConfig{Level: tt.level}, tt.debug)
			require.NoError(t, err)
			defer cleanup()

			assert.True(t, logger.Core().Enabled(tt.enabled))
			if tt.muted != zapcore.InvalidLevel {
				assert.False(t, logger.Core().Enabled(tt.muted))
			}
		})
	}

	_, _, err := newLogger(LoggingConfig{Level: "loud"}, false)
	assert.Error(t, err)
}

func TestNewLoggerWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "display.log")

	logger, cleanup, err := newLogger(LoggingConfig{Level: "warn", File: path}, false)
	require.NoError(t, err)
	logger.Info("Connected to broker")
	logger.Warn("Dropping volume message", zap.String("payload", "loud"))
	cleanup()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, lines, 1, "info is below the configured level")
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "Dropping volume message", lines[0]["msg"])
	assert.Equal(t, "loud", lines[0]["payload"])
	assert.Contains(t, lines[0], "ts")
	assert.Contains(t, lines[0], "caller")
}

func TestNewLoggerBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "display.log")
	_, _, err := newLogger(LoggingConfig{Level: "info", File: path}, false)
	assert.Error(t, err)
}
