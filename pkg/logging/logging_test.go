package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, l)

	l, err = ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, l)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew_WritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	logger, err := New(Config{Level: "info", OutputPaths: []string{path}})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("image bound", zap.String("source", "url"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "image bound", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "url", entry["source"])
}

func TestNewOrNop_FallsBack(t *testing.T) {
	logger := NewOrNop(Config{Level: "loud"})
	require.NotNil(t, logger)
	assert.False(t, logger.Core().Enabled(zapcore.ErrorLevel))
}
