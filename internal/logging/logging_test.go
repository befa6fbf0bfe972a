package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn"}, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "monitor").Msg("shown")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "monitor", entry["component"])
	assert.Equal(t, "shown", entry["message"])
	assert.Contains(t, entry, "time")
}

func TestNewUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "chatty"}, &buf)
	logger.Debug().Msg("debug")
	logger.Info().Msg("info")
	assert.NotContains(t, buf.String(), `"debug"`)
	assert.Contains(t, buf.String(), `"info"`)
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: "console"}, &buf)
	logger.Info().Str("symbol", "SPY").Msg("tick")
	assert.Contains(t, buf.String(), "tick")
	assert.Contains(t, buf.String(), "symbol=SPY")
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tradewatch.log")
	logger, closeLog := NewLogger(Config{Output: path})
	logger.Info().Msg("to file")
	require.NoError(t, closeLog())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestFileOutputFallbackIsLogged(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "missing", "tradewatch.log")

	logger, closeLog := newLogger(Config{Output: path}, &buf)
	logger.Info().Msg("still logged")
	require.NoError(t, closeLog())

	assert.Contains(t, buf.String(), "log output unavailable")
	assert.Contains(t, buf.String(), path)
	assert.Contains(t, buf.String(), "still logged")
	assert.NoFileExists(t, path)
}
