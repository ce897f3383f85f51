package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	require.Error(t, err)
}

func TestNewWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dashterm.log")
	cfg := DefaultConfig()
	cfg.File = path

	logger, err := New(cfg)
	require.NoError(t, err)
	logger.Named("terminal").Info("session created")
	_ = logger.Sync() // stderr sync fails on some platforms

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"session created"`)
	assert.Contains(t, string(data), `"logger":"terminal"`)
}

func TestQuietLoggerWritesOnlyToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attach.log")
	logger, err := New(Config{Level: "debug", Quiet: true, File: path})
	require.NoError(t, err)
	logger.Debug("stream attached")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "stream attached")
}
