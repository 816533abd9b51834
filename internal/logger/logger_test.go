package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "info", config.Level)
	assert.Equal(t, "console", config.Format)
	assert.Equal(t, "stdout", config.Output)
	assert.Equal(t, time.RFC3339, config.TimeFormat)
	assert.False(t, config.Async)
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name:    "nil config uses default",
			config:  nil,
			wantErr: false,
		},
		{
			name: "valid config",
			config: &Config{
				Level:      "debug",
				Format:     "json",
				Output:     "stdout",
				TimeFormat: time.RFC3339,
			},
			wantErr: false,
		},
		{
			name: "invalid log level",
			config: &Config{
				Level:  "invalid",
				Format: "console",
				Output: "stdout",
			},
			wantErr: true,
		},
		{
			name: "invalid format",
			config: &Config{
				Level:  "info",
				Format: "invalid",
				Output: "stdout",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.config)

			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, logger)

				if tt.config == nil {
					assert.Equal(t, "info", logger.config.Level)
				} else {
					assert.Equal(t, tt.config.Level, logger.config.Level)
				}
			}
		})
	}
}

func TestLogger_LogLevels(t *testing.T) {
	var buf bytes.Buffer

	originalLevel := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	defer zerolog.SetGlobalLevel(originalLevel)

	testLogger := &Logger{
		logger: zerolog.New(&buf).With().Timestamp().Logger(),
		config: &Config{Level: "debug", Format: "json", Output: "stdout"},
	}

	testLogger.Debug("debug message")
	testLogger.Info("info message")
	testLogger.Warn("warn message")
	testLogger.Error("error message")

	output := buf.String()
	assert.Contains(t, output, "debug message")
	assert.Contains(t, output, "info message")
	assert.Contains(t, output, "warn message")
	assert.Contains(t, output, "error message")

	for i, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		err := json.Unmarshal([]byte(line), &entry)
		assert.NoError(t, err, "line %d should be valid JSON: %s", i, line)
		assert.Contains(t, entry, "time")
		assert.Contains(t, entry, "level")
		assert.Contains(t, entry, "message")
	}
}

func TestLogger_WithSession(t *testing.T) {
	var buf bytes.Buffer

	testLogger := &Logger{
		logger: zerolog.New(&buf).With().Timestamp().Logger(),
		config: &Config{Level: "info", Format: "json", Output: "stdout"},
	}

	sessionLogger := testLogger.WithSession("CP-0001", "b3f6")
	sessionLogger.Info().Msg("connected")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry))
	assert.Equal(t, "CP-0001", entry["cpId"])
	assert.Equal(t, "b3f6", entry["sessionId"])
	assert.Equal(t, "connected", entry["message"])
}

func TestLogger_SetLevel(t *testing.T) {
	logger, err := New(&Config{Level: "info", Format: "console", Output: "stdout"})
	require.NoError(t, err)

	err = logger.SetLevel("debug")
	assert.NoError(t, err)
	assert.Equal(t, "debug", logger.GetLevel())

	err = logger.SetLevel("invalid")
	assert.Error(t, err)
	assert.Equal(t, "debug", logger.GetLevel())
}

func TestGlobalLogger(t *testing.T) {
	originalLogger := globalLogger
	defer func() {
		globalLogger = originalLogger
	}()

	err := InitGlobalLogger(&Config{Level: "debug", Format: "console", Output: "stdout"})
	assert.NoError(t, err)
	assert.NotNil(t, globalLogger)

	Debug("debug message")
	Info("info message")
	Warn("warn message")
	Error("error message")

	Debugf("debug %s", "formatted")
	Infof("info %s", "formatted")
	Warnf("warn %s", "formatted")
	Errorf("error %s", "formatted")
}

func TestLogger_ErrorWithErr(t *testing.T) {
	var buf bytes.Buffer

	testLogger := &Logger{
		logger: zerolog.New(&buf).With().Timestamp().Logger(),
		config: &Config{Level: "error", Format: "json", Output: "stdout"},
	}

	testLogger.ErrorWithErr(assert.AnError, "operation failed")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry))
	assert.Equal(t, "operation failed", entry["message"])
	assert.Equal(t, "error", entry["level"])
	assert.Contains(t, entry, "error")
}

func TestEnsureDir(t *testing.T) {
	tempDir := t.TempDir()
	testDir := filepath.Join(tempDir, "nested", "directory")

	err := ensureDir(testDir)
	assert.NoError(t, err)

	info, err := os.Stat(testDir)
	assert.NoError(t, err)
	assert.True(t, info.IsDir())

	assert.NoError(t, ensureDir(""))
}
