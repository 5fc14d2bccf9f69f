// Package reaper fails runs stuck in a non-terminal status past a deadline.
// It only unsticks the status; in-flight work is left to finish or time out
// on its own.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/steveohanians/pulsedashboard-sub001/internal/metrics"
	"github.com/steveohanians/pulsedashboard-sub001/internal/progress"
	"github.com/steveohanians/pulsedashboard-sub001/internal/scoring"
	"github.com/steveohanians/pulsedashboard-sub001/internal/store"
)

// Config controls the reaper's cadence and threshold.
type Config struct {
	// StaleAfter is how long a run may sit in one non-terminal status.
	StaleAfter time.Duration
	// Interval is the sweep cadence for the Run loop.
	Interval time.Duration
	// DryRun reports candidates without mutating them.
	DryRun bool
}

func (c Config) withDefaults() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	return c
}

// Reaped describes one run the sweep found (and, unless dry-running, failed).
type Reaped struct {
	RunID    uuid.UUID
	ClientID uuid.UUID
	Status   scoring.RunStatus
	Age      time.Duration
}

// Reaper sweeps for abandoned runs. registry may be nil.
type Reaper struct {
	repo     store.RunRepository
	registry *progress.Registry
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// New constructs a Reaper.
func New(repo store.RunRepository, registry *progress.Registry, cfg Config, logger *zap.Logger) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		repo:     repo,
		registry: registry,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock injects a time source for tests.
func (r *Reaper) SetClock(now func() time.Time) {
	r.now = now
}

// Sweep fails every non-terminal run last updated more than StaleAfter ago.
// Sweeping is idempotent: a reaped run is terminal and never matches again,
// and a run that races into a terminal state mid-sweep is skipped.
func (r *Reaper) Sweep(ctx context.Context) ([]Reaped, error) {
	now := r.now()
	cutoff := now.Add(-r.cfg.StaleAfter)
	stale, err := r.repo.ListStale(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing stale runs: %w", err)
	}

	var reaped []Reaped
	for _, run := range stale {
		entry := Reaped{
			RunID:    run.ID,
			ClientID: run.ClientID,
			Status:   run.Status,
			Age:      now.Sub(run.UpdatedAt),
		}
		if r.cfg.DryRun {
			reaped = append(reaped, entry)
			continue
		}

		detail := fmt.Sprintf("abandoned: no progress for %s (stuck in %s)", r.cfg.StaleAfter, run.Status)
		err := r.repo.UpdateRun(ctx, run.ID, store.StatusPatch(scoring.StatusFailed, detail))
		if errors.Is(err, store.ErrInvalidTransition) {
			// Finished between the scan and the write. Nothing to do.
			continue
		}
		if err != nil {
			r.logger.Error("reaping run failed",
				zap.String("run_id", run.ID.String()),
				zap.Error(err),
			)
			continue
		}

		metrics.ObserveReapedRun()
		if r.registry != nil {
			r.registry.Set(progress.Record{
				RunID:          run.ID,
				ClientID:       run.ClientID,
				Status:         scoring.StatusFailed,
				OverallPercent: run.Progress,
				Message:        detail,
			})
		}
		r.logger.Warn("reaped stale run",
			zap.String("run_id", run.ID.String()),
			zap.String("stuck_status", string(run.Status)),
			zap.Duration("age", entry.Age),
		)
		reaped = append(reaped, entry)
	}
	return reaped, nil
}

// Run sweeps on the configured interval until the context dies.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("stale run sweep failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
