package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invpredict/config"
)

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "invpredict.log")
	cfg := config.Default().Log
	cfg.File = path

	logger, err := New(cfg)
	require.NoError(t, err)
	logger.Info("model loaded")
	logger.Debug("hidden at info level")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"model loaded"`)
	assert.NotContains(t, string(data), "hidden at info level")
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	cfg := config.Default().Log
	cfg.Level = "loud"
	_, err := New(cfg)
	assert.Error(t, err)
}
