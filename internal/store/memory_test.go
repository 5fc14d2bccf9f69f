package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/steveohanians/pulsedashboard-sub001/internal/scoring"
)

func newRun(clientID uuid.UUID, kind scoring.RunKind, status scoring.RunStatus) *scoring.Run {
	return &scoring.Run{
		ID:       uuid.New(),
		ClientID: clientID,
		Kind:     kind,
		URL:      "https://example.com",
		Status:   status,
	}
}

func TestMemoryRepositoryStatusIsMonotonic(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	ctx := context.Background()
	run := newRun(uuid.New(), scoring.ClientRun(), scoring.StatusPending)
	require.NoError(t, repo.CreateRun(ctx, run))

	require.NoError(t, repo.UpdateRun(ctx, run.ID, StatusPatch(scoring.StatusScraping, "collecting")))
	err := repo.UpdateRun(ctx, run.ID, StatusPatch(scoring.StatusInitializing, "backward"))
	require.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, repo.UpdateRun(ctx, run.ID, StatusPatch(scoring.StatusFailed, "gave up")))
	err = repo.UpdateRun(ctx, run.ID, StatusPatch(scoring.StatusCompleted, "revive"))
	require.ErrorIs(t, err, ErrInvalidTransition)

	got, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, scoring.StatusFailed, got.Status)
}

func TestMemoryRepositoryInsightsWriteAllowedOnTerminalRun(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	ctx := context.Background()
	run := newRun(uuid.New(), scoring.ClientRun(), scoring.StatusPending)
	require.NoError(t, repo.CreateRun(ctx, run))
	require.NoError(t, repo.UpdateRun(ctx, run.ID, StatusPatch(scoring.StatusCompleted, "done")))

	require.NoError(t, repo.SetInsights(ctx, run.ID, `{"summary":"solid"}`))
	got, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.InsightsJSON)
}

func TestMemoryRepositoryRejectsDuplicateCriterion(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	ctx := context.Background()
	run := newRun(uuid.New(), scoring.ClientRun(), scoring.StatusPending)
	require.NoError(t, repo.CreateRun(ctx, run))

	score := &scoring.CriterionScore{RunID: run.ID, Criterion: scoring.CriterionCTAs, Score: 6, Tier: scoring.TierHTML}
	require.NoError(t, repo.CreateCriterionScore(ctx, score))
	dup := &scoring.CriterionScore{RunID: run.ID, Criterion: scoring.CriterionCTAs, Score: 8, Tier: scoring.TierHTML}
	require.ErrorIs(t, repo.CreateCriterionScore(ctx, dup), ErrDuplicateScore)

	scores, err := repo.GetCriterionScores(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, scores, 1)
}

func TestMemoryRepositorySaveTierResultsRollsBack(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	ctx := context.Background()
	run := newRun(uuid.New(), scoring.ClientRun(), scoring.StatusPending)
	require.NoError(t, repo.CreateRun(ctx, run))
	require.NoError(t, repo.CreateCriterionScore(ctx, &scoring.CriterionScore{
		RunID: run.ID, Criterion: scoring.CriterionPositioning, Tier: scoring.TierHTML,
	}))

	// Second batch re-inserts positioning; the whole save must be discarded.
	scores := []scoring.CriterionScore{
		{Criterion: scoring.CriterionBrandStory, Tier: scoring.TierHTML},
		{Criterion: scoring.CriterionPositioning, Tier: scoring.TierHTML},
	}
	err := repo.SaveTierResults(ctx, run.ID, scores, StatusPatch(scoring.StatusTier1Complete, "t1"))
	require.ErrorIs(t, err, ErrDuplicateScore)

	stored, err := repo.GetCriterionScores(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	got, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, scoring.StatusPending, got.Status)
}

func TestMemoryRepositorySaveTierResultsUnknownRunLeavesNoTrace(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	ctx := context.Background()
	runID := uuid.New()

	scores := []scoring.CriterionScore{
		{Criterion: scoring.CriterionPositioning, Tier: scoring.TierHTML, Score: 6},
	}
	err := repo.SaveTierResults(ctx, runID, scores, StatusPatch(scoring.StatusTier1Complete, "t1"))
	require.ErrorIs(t, err, ErrNotFound)

	// A failed save against an unknown id must not materialize a run row the
	// reaper could later pick up.
	_, err = repo.GetRun(ctx, runID)
	require.ErrorIs(t, err, ErrNotFound)

	stale, err := repo.ListStale(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, stale)
}

func TestMemoryRepositoryLatestCompletedIgnoresNewerFailures(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	ctx := context.Background()
	clientID := uuid.New()
	competitorID := uuid.New()

	base := time.Unix(1700000000, 0)
	tick := 0
	repo.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})

	completed := newRun(clientID, scoring.ClientRun(), scoring.StatusPending)
	require.NoError(t, repo.CreateRun(ctx, completed))
	require.NoError(t, repo.UpdateRun(ctx, completed.ID, StatusPatch(scoring.StatusCompleted, "done")))

	failed := newRun(clientID, scoring.ClientRun(), scoring.StatusPending)
	require.NoError(t, repo.CreateRun(ctx, failed))
	require.NoError(t, repo.UpdateRun(ctx, failed.ID, StatusPatch(scoring.StatusFailed, "boom")))

	compDone := newRun(clientID, scoring.CompetitorRun(competitorID), scoring.StatusPending)
	require.NoError(t, repo.CreateRun(ctx, compDone))
	require.NoError(t, repo.UpdateRun(ctx, compDone.ID, StatusPatch(scoring.StatusCompleted, "done")))

	compPending := newRun(clientID, scoring.CompetitorRun(competitorID), scoring.StatusPending)
	require.NoError(t, repo.CreateRun(ctx, compPending))

	results, err := repo.LatestCompleted(ctx, clientID)
	require.NoError(t, err)
	require.NotNil(t, results.Client)
	require.Equal(t, completed.ID, results.Client.ID)
	require.Len(t, results.Competitors, 1)
	require.Equal(t, compDone.ID, results.Competitors[0].ID)

	// The newer failed attempt is visible, but never as the completed result.
	require.NotNil(t, results.LatestAttempt)
	require.Equal(t, failed.ID, results.LatestAttempt.ID)
	require.Equal(t, scoring.StatusFailed, results.LatestAttempt.Status)
}

func TestMemoryRepositoryListStale(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	ctx := context.Background()
	clientID := uuid.New()

	old := time.Unix(1700000000, 0)
	repo.SetClock(func() time.Time { return old })

	stuck := newRun(clientID, scoring.ClientRun(), scoring.StatusScraping)
	require.NoError(t, repo.CreateRun(ctx, stuck))
	done := newRun(clientID, scoring.ClientRun(), scoring.StatusPending)
	require.NoError(t, repo.CreateRun(ctx, done))
	require.NoError(t, repo.UpdateRun(ctx, done.ID, StatusPatch(scoring.StatusCompleted, "done")))

	repo.SetClock(func() time.Time { return old.Add(time.Hour) })
	fresh := newRun(clientID, scoring.ClientRun(), scoring.StatusScraping)
	require.NoError(t, repo.CreateRun(ctx, fresh))

	stale, err := repo.ListStale(ctx, old.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, stuck.ID, stale[0].ID)
}
