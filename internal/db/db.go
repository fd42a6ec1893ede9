// Package db opens the chore store of a household workspace: one SQLite file
// under <workspace>/.choreline shared by the CLI, the API and the scanner.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	stateDir = ".choreline"
	fileName = "chores.db"

	defaultBusyTimeout = 5 * time.Second
)

type Config struct {
	Workspace string
	// BusyTimeout is how long a writer waits for another process holding the
	// database, e.g. `chores claim` while `chores serve` sweeps.
	BusyTimeout time.Duration
}

// Path returns the chore store location for workspace ("." when empty).
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir, fileName)
}

// Open creates the state directory when needed and opens the store with
// foreign keys, WAL and a busy timeout. A single connection keeps every write
// of the process in one queue.
func Open(cfg Config) (*sql.DB, error) {
	path := Path(cfg.Workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	timeout := cfg.BusyTimeout
	if timeout <= 0 {
		timeout = defaultBusyTimeout
	}
	conn, err := sql.Open("sqlite", dsn(path, timeout))
	if err != nil {
		return nil, fmt.Errorf("open chore store: %w", err)
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

func dsn(path string, busy time.Duration) string {
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		path, busy.Milliseconds())
}
