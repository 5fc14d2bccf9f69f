// Package store declares the persistence contracts for analysis runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/steveohanians/pulsedashboard-sub001/internal/scoring"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// ErrInvalidTransition signals an UpdateRun that would move a run backward or
// mutate a terminal run.
var ErrInvalidTransition = errors.New("invalid run status transition")

// ErrDuplicateScore signals a second CriterionScore insert for the same
// (run, criterion) pair.
var ErrDuplicateScore = errors.New("criterion already scored for run")

// RunPatch carries the mutable Run fields for UpdateRun. Nil fields are left
// untouched.
type RunPatch struct {
	Status                   *scoring.RunStatus
	Progress                 *int
	Detail                   *string
	OverallScore             *float64
	AboveFoldScreenshotURL   *string
	AboveFoldScreenshotError *string
	FullPageScreenshotURL    *string
	FullPageScreenshotError  *string
}

// StatusPatch is shorthand for a status+progress+detail update.
func StatusPatch(status scoring.RunStatus, detail string) RunPatch {
	progress := status.Percent()
	return RunPatch{Status: &status, Progress: &progress, Detail: &detail}
}

// LatestResults is the read-model for the dashboard: the newest completed run
// for the client plus the newest completed run per competitor. LatestAttempt
// exposes a newer non-completed attempt, if any, so the UI can distinguish
// "never succeeded" from "succeeded earlier, latest retry failed".
type LatestResults struct {
	Client        *scoring.Run
	Competitors   []scoring.Run
	LatestAttempt *scoring.Run
}

// RunRepository persists runs and their criterion scores.
type RunRepository interface {
	// CreateRun inserts a new run row.
	CreateRun(ctx context.Context, run *scoring.Run) error
	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, id uuid.UUID) (scoring.Run, error)
	// UpdateRun applies a patch, enforcing the forward-only state machine.
	// A patch whose Status would move the run backward, or that targets a
	// terminal run, fails with ErrInvalidTransition.
	UpdateRun(ctx context.Context, id uuid.UUID, patch RunPatch) error
	// SetInsights writes the post-completion insights payload. This is the
	// only permitted write to a terminal run.
	SetInsights(ctx context.Context, id uuid.UUID, insightsJSON string) error

	// CreateCriterionScore inserts one score; (run, criterion) is unique.
	CreateCriterionScore(ctx context.Context, score *scoring.CriterionScore) error
	// GetCriterionScores returns all scores for a run in criterion order.
	GetCriterionScores(ctx context.Context, runID uuid.UUID) ([]scoring.CriterionScore, error)
	// SaveTierResults atomically inserts a tier's scores and applies the run
	// patch so readers never observe a fresh overall score beside a stale
	// criterion set.
	SaveTierResults(ctx context.Context, runID uuid.UUID, scores []scoring.CriterionScore, patch RunPatch) error

	// FindPendingRun returns the newest non-terminal client-kind run for the
	// client, or ErrNotFound.
	FindPendingRun(ctx context.Context, clientID uuid.UUID) (scoring.Run, error)
	// LatestCompleted assembles the completed-only read path.
	LatestCompleted(ctx context.Context, clientID uuid.UUID) (LatestResults, error)
	// ListStale returns non-terminal runs last updated before cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]scoring.Run, error)
}
