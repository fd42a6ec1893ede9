// Package app wires the store, orchestrator, scanner and notifiers for one workspace.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	_ "time/tzdata"

	"golang.org/x/sync/errgroup"

	"choreline/internal/config"
	"choreline/internal/db"
	"choreline/internal/engine"
	"choreline/internal/events"
	"choreline/internal/logger"
	"choreline/internal/migrate"
	"choreline/internal/notify"
	"choreline/internal/repo"
	"choreline/internal/scanner"
	"choreline/internal/server"
)

// Options select the workspace and override config values.
type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/chores.yml.
	ConfigPath string
	// LogLevel overrides config log.level when set.
	LogLevel  string
	LogOutput io.Writer
	Now       func() time.Time
}

type App struct {
	Workspace  string
	Config     *config.Config
	Log        *slog.Logger
	DB         *sql.DB
	Repo       repo.Repo
	Bus        *events.Bus
	Engine     engine.Engine
	Scanner    *scanner.Scanner
	Dispatcher *notify.Dispatcher

	closers []io.Closer
}

// LoadConfig reads the explicit config path or the workspace file, falling back to defaults.
func LoadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOptional(opts.Workspace)
}

// Open loads config, opens and migrates the database and builds every component.
func Open(ctx context.Context, opts Options) (*App, error) {
	if opts.Workspace == "" {
		opts.Workspace = "."
	}
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	log, logCloser, err := logger.New(cfg.Log, opts.LogOutput)
	if err != nil {
		return nil, err
	}
	a := &App{Workspace: opts.Workspace, Config: cfg, Log: log, closers: []io.Closer{logCloser}}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open db: %w", err)
	}
	a.DB = conn
	a.closers = append(a.closers, conn)
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("database ready", "path", db.Path(opts.Workspace), "schema_version", version)

	a.Repo = repo.New(conn, opts.Now)
	a.Bus = events.NewBus()
	notify.Attach(a.Bus, log)
	a.Engine = engine.New(a.Repo, cfg, a.Bus, log)
	if opts.Now != nil {
		a.Engine.Now = opts.Now
	}
	a.Scanner = scanner.New(a.Engine, a.Repo, cfg.Scanner, log)
	if opts.Now != nil {
		a.Scanner.Now = opts.Now
	}
	a.Dispatcher = notify.NewDispatcher(a.Repo, cfg.Webhooks, log)
	return a, nil
}

// Handler builds the HTTP API bound to this workspace.
func (a *App) Handler(jwtSecret string) (http.Handler, error) {
	return server.New(server.Config{
		Engine:   a.Engine,
		Journal:  a.Repo,
		Scanner:  a.Scanner,
		BasePath: "/v0",
		Auth:     server.AuthConfig{JWTSecret: jwtSecret, Logger: a.Log},
		Log:      a.Log,
	})
}

// RunBackground runs the scanner and webhook dispatcher until ctx is cancelled.
func (a *App) RunBackground(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Scanner.Run(ctx) })
	if a.Dispatcher != nil {
		g.Go(func() error { return a.Dispatcher.Run(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the database and log file in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
