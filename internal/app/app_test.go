package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"choreline/internal/config"
	"choreline/internal/domain"
	"choreline/internal/engine"
)

func TestOpenWiresWorkspace(t *testing.T) {
	ws := t.TempDir()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	a, err := Open(context.Background(), Options{Workspace: ws, Now: func() time.Time { return now }})
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Dispatcher)
	task, err := a.Engine.CreateTask(context.Background(), engine.TaskCreateOptions{
		Name:      "dishes",
		Assignees: []string{"A", "B"},
	})
	require.NoError(t, err)
	assert.Equal(t, now, task.CreatedAt)

	report, err := a.Scanner.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Tasks)

	last, err := a.Repo.LastSweep(context.Background())
	require.NoError(t, err)
	assert.True(t, last.Equal(now))
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	ws := t.TempDir()
	yml := "timezone: Europe/Paris\ndefaults:\n  completion_mode: shared_all\nwebhooks:\n  - url: http://127.0.0.1:1/hook\n"
	require.NoError(t, os.WriteFile(config.Path(ws), []byte(yml), 0o644))

	a, err := Open(context.Background(), Options{Workspace: ws, LogLevel: "debug"})
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, "Europe/Paris", a.Config.Timezone)
	assert.Equal(t, "debug", a.Config.Log.Level)
	assert.NotNil(t, a.Dispatcher)

	task, err := a.Engine.CreateTask(context.Background(), engine.TaskCreateOptions{Name: "bins", Assignees: []string{"A"}})
	require.NoError(t, err)
	assert.Equal(t, domain.ModeSharedAll, task.CompletionMode)
}

func TestOpenRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  format: xml\n"), 0o644))
	_, err := Open(context.Background(), Options{Workspace: t.TempDir(), ConfigPath: path})
	assert.Error(t, err)
}

func TestRunBackgroundStopsOnCancel(t *testing.T) {
	a, err := Open(context.Background(), Options{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunBackground(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("background workers did not stop")
	}
}
