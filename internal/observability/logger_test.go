// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/simsync/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// syncBuffer is a goroutine safe bytes.Buffer usable as a zap WriteSyncer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Sync() error { return nil }

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNewLogger(t *testing.T) {
	t.Run("should colorize console output", func(t *testing.T) {
		buf := &syncBuffer{}
		logger := NewLogger(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "TestService",
			Colors:      config.ColorConfig{Info: "green"},
		}, buf)

		logger.Info("This is a test message.")
		require.NoError(t, logger.Sync())

		output := buf.String()
		assert.Contains(t, output, "INFO")
		assert.Contains(t, output, "This is a test message.")
		assert.Contains(t, output, colorGreen, "Info level should be colorized green")
		assert.Contains(t, output, colorReset)
		assert.Contains(t, output, "TestService.")
	})

	t.Run("should emit json", func(t *testing.T) {
		buf := &syncBuffer{}
		logger := NewLogger(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "JSONTest"}, buf)
		logger.Warn("This is a JSON message.", zap.String("key", "value"))
		require.NoError(t, logger.Sync())

		var logEntry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(buf.String()), &logEntry), "Log output should be valid JSON")
		assert.Equal(t, "warn", logEntry["level"])
		assert.Equal(t, "JSONTest", logEntry["logger"])
		assert.Equal(t, "This is a JSON message.", logEntry["msg"])
		assert.Equal(t, "value", logEntry["key"])
	})

	t.Run("should respect the level", func(t *testing.T) {
		buf := &syncBuffer{}
		logger := NewLogger(config.LoggerConfig{Level: "warn", Format: "json"}, buf)
		logger.Info("hidden")
		assert.Empty(t, buf.String())
	})

	t.Run("should fall back to info on a bad level", func(t *testing.T) {
		buf := &syncBuffer{}
		logger := NewLogger(config.LoggerConfig{Level: "loud", Format: "json"}, buf)
		logger.Debug("hidden")
		logger.Info("shown")
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("should write to a log file if configured", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sync.log")
		logger := NewLogger(config.LoggerConfig{
			Level:   "debug",
			Format:  "console",
			LogFile: path,
			MaxSize: 1,
		}, zapcore.AddSync(&bytes.Buffer{}))
		logger.Error("This should go to the file.")
		_ = logger.Sync()

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(content), `"msg":"This should go to the file."`)
	})
}

func TestInitialize(t *testing.T) {
	t.Run("should only initialize once", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		buf := &syncBuffer{}

		Initialize(config.LoggerConfig{Level: "info", ServiceName: "First"}, buf)
		logger1 := GetLogger()
		Initialize(config.LoggerConfig{Level: "debug", ServiceName: "Second"}, buf)
		logger2 := GetLogger()

		assert.Same(t, logger1, logger2)
		logger2.Info("test")
		Sync()

		assert.Contains(t, buf.String(), "First")
		assert.NotContains(t, buf.String(), "Second")
	})
}

func TestGetLogger(t *testing.T) {
	t.Run("should return a fallback logger if not initialized", func(t *testing.T) {
		ResetForTest()
		require.NotNil(t, GetLogger())
	})

	t.Run("should return the global logger after initialization", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		Initialize(config.LoggerConfig{Level: "info", ServiceName: "GlobalTest"}, &syncBuffer{})
		assert.Same(t, globalLogger.Load(), GetLogger())
	})
}
