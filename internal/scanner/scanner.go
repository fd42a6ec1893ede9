// Package scanner runs the periodic boundary sweep over every chore.
package scanner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"choreline/internal/config"
	"choreline/internal/engine"
	"choreline/internal/logger"
	"choreline/internal/metrics"
	"choreline/internal/repo"
)

// ErrPassInProgress is returned by Pass while another pass is still running.
var ErrPassInProgress = errors.New("scan pass already running")

// Engine is the part of the orchestrator a pass drives.
type Engine interface {
	TaskIDs(ctx context.Context) ([]string, error)
	ScanTask(ctx context.Context, taskID string, from, now time.Time) (bool, error)
}

// State persists the instant of the last completed pass.
type State interface {
	LastSweep(ctx context.Context) (time.Time, error)
	SetLastSweep(ctx context.Context, at time.Time) error
}

type Scanner struct {
	Engine      Engine
	State       State
	Interval    time.Duration
	TaskBudget  time.Duration
	Concurrency int
	Log         *slog.Logger
	Now         func() time.Time

	running sync.Mutex
	mu      sync.Mutex
	// retry keeps the window start of chores a pass could not sweep, so a
	// boundary crossed meanwhile still fires when they are retried.
	retry map[string]time.Time
}

// Report summarizes one pass.
type Report struct {
	From    time.Time `json:"from"`
	Now     time.Time `json:"now"`
	Tasks   int       `json:"tasks"`
	Changed int       `json:"changed"`
	Busy    int       `json:"busy"`
	Failed  int       `json:"failed"`
}

func New(eng Engine, state State, cfg config.ScannerConfig, log *slog.Logger) *Scanner {
	if log == nil {
		log = logger.Discard()
	}
	return &Scanner{
		Engine:      eng,
		State:       state,
		Interval:    cfg.Interval,
		TaskBudget:  cfg.TaskBudget,
		Concurrency: cfg.Concurrency,
		Log:         log,
		Now:         time.Now,
		retry:       map[string]time.Time{},
	}
}

func (s *Scanner) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Run sweeps immediately and then on every interval until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		switch _, err := s.Pass(ctx); {
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrPassInProgress):
			s.Log.Debug("previous scan pass still running, skipping tick")
		default:
			s.Log.Error("scan pass failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Pass sweeps every chore once over (last sweep, now]. Chores that are busy or
// fail are logged and retried on the next pass; they never abort the pass.
// Passes never overlap: while one runs, Pass returns ErrPassInProgress.
func (s *Scanner) Pass(ctx context.Context) (Report, error) {
	if !s.running.TryLock() {
		return Report{}, ErrPassInProgress
	}
	defer s.running.Unlock()
	start := time.Now()
	now := s.now()
	from, err := s.State.LastSweep(ctx)
	if err != nil {
		return Report{}, err
	}
	if from.IsZero() || from.After(now) {
		from = now
	}
	ids, err := s.Engine.TaskIDs(ctx)
	if err != nil {
		return Report{}, err
	}

	rep := Report{From: from, Now: now, Tasks: len(ids)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	limit := s.Concurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, id := range ids {
		id := id
		taskFrom := s.windowStart(id, from)
		g.Go(func() error {
			result := s.sweepOne(gctx, id, taskFrom, now)
			metrics.RecordTaskScan(result)
			mu.Lock()
			defer mu.Unlock()
			switch result {
			case resultChanged:
				rep.Changed++
			case resultBusy:
				rep.Busy++
			case resultFailed:
				rep.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	if err := s.State.SetLastSweep(ctx, now); err != nil {
		return rep, err
	}
	metrics.RecordScan(time.Since(start))
	level := slog.LevelDebug
	if rep.Changed > 0 || rep.Failed > 0 {
		level = slog.LevelInfo
	}
	s.Log.Log(ctx, level, "scan pass complete", "tasks", rep.Tasks, "changed", rep.Changed, "busy", rep.Busy, "failed", rep.Failed)
	return rep, nil
}

const (
	resultChanged   = "changed"
	resultUnchanged = "unchanged"
	resultBusy      = "busy"
	resultFailed    = "failed"
)

func (s *Scanner) sweepOne(ctx context.Context, id string, from, now time.Time) string {
	if s.TaskBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.TaskBudget)
		defer cancel()
	}
	changed, err := s.Engine.ScanTask(ctx, id, from, now)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		// Deleted since the pass listed it.
		s.clear(id)
		return resultUnchanged
	case errors.Is(err, engine.ErrBusy):
		s.postpone(id, from)
		s.Log.Debug("task busy, retrying next pass", "task_id", id)
		return resultBusy
	case err != nil:
		s.postpone(id, from)
		s.Log.Warn("task sweep failed, retrying next pass", "task_id", id, "err", err)
		return resultFailed
	}
	s.clear(id)
	if changed {
		return resultChanged
	}
	return resultUnchanged
}

func (s *Scanner) windowStart(id string, from time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.retry[id]; ok && t.Before(from) {
		return t
	}
	return from
}

func (s *Scanner) postpone(id string, from time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retry == nil {
		s.retry = map[string]time.Time{}
	}
	if t, ok := s.retry[id]; !ok || from.Before(t) {
		s.retry[id] = from
	}
}

func (s *Scanner) clear(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retry, id)
}
