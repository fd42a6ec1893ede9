package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"choreline/internal/config"
)

func TestLevelFromString(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := levelFromString(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := levelFromString("loud")
	assert.Error(t, err)
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := New(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	log.Info("dropped")
	log.Warn("kept", "task_id", "t1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "t1", line["task_id"])
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	log, _, err := New(config.LogConfig{}, &buf)
	require.NoError(t, err)
	log.Info("scan complete", "tasks", 3)
	assert.Contains(t, buf.String(), "msg=\"scan complete\"")
	assert.Contains(t, buf.String(), "tasks=3")
}

func TestNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chores.log")
	log, closer, err := New(config.LogConfig{File: path, MaxSizeMB: 1}, nil)
	require.NoError(t, err)
	log.Info("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestNewRejectsLevel(t *testing.T) {
	_, _, err := New(config.LogConfig{Level: "verbose"}, nil)
	assert.Error(t, err)
}
