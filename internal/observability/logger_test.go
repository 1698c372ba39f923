// internal/observability/logger_test.go
package observability

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/bootmend/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// bufferSyncer adapts a strings.Builder to zapcore.WriteSyncer.
type bufferSyncer struct {
	strings.Builder
}

func (b *bufferSyncer) Sync() error { return nil }

func TestInitialize(t *testing.T) {
	t.Run("console format colorizes the level", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		buf := &bufferSyncer{}
		Initialize(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "bootmend",
			Colors:      config.ColorConfig{Info: "green"},
		}, buf)

		GetLogger().Named("probe").Info("collected", zap.String("category", "driver-state"))

		out := buf.String()
		assert.Contains(t, out, levelColors["green"]+"INFO"+colorReset)
		assert.Contains(t, out, "bootmend.probe.")
		assert.Contains(t, out, "collected")
		assert.Contains(t, out, "driver-state")
	})

	t.Run("json format and level filtering", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		buf := &bufferSyncer{}
		Initialize(config.LoggerConfig{Level: "warn", Format: "json", ServiceName: "svc"}, buf)

		logger := GetLogger()
		logger.Info("dropped")
		logger.Warn("kept", zap.Int("tier", 2))

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 1)

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "kept", entry["msg"])
		assert.Equal(t, "svc", entry["logger"])
		assert.EqualValues(t, 2, entry["tier"])
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		buf := &bufferSyncer{}
		Initialize(config.LoggerConfig{Level: "chatty", Format: "json"}, buf)

		GetLogger().Debug("hidden")
		GetLogger().Info("shown")
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("only the first initialization wins", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		first := &bufferSyncer{}
		second := &bufferSyncer{}
		Initialize(config.LoggerConfig{Level: "info", Format: "json"}, first)
		Initialize(config.LoggerConfig{Level: "info", Format: "json"}, second)

		GetLogger().Info("once")
		assert.Contains(t, first.String(), "once")
		assert.Empty(t, second.String())
	})

	t.Run("writes a json log file", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)

		logFile := filepath.Join(t.TempDir(), "bootmend.log")
		Initialize(config.LoggerConfig{
			Level:      "info",
			Format:     "console",
			LogFile:    logFile,
			MaxSize:    1,
			MaxBackups: 1,
		}, zapcore.AddSync(&bufferSyncer{}))

		GetLogger().Info("to file")
		Sync()

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"msg":"to file"`)
	})
}

func TestGetLoggerFallback(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger)
	assert.Equal(t, "fallback", logger.Name())
}

func TestForSession(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	buf := &bufferSyncer{}
	Initialize(config.LoggerConfig{Level: "info", Format: "json"}, buf)

	ForSession(GetLogger(), "sess-1", "win-abc").Info("tagged")
	assert.Contains(t, buf.String(), `"session_id":"sess-1"`)
	assert.Contains(t, buf.String(), `"target_id":"win-abc"`)
}
