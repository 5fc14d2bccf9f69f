package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steveohanians/pulsedashboard-sub001/internal/scoring"
)

// MemoryRepository is an in-memory RunRepository for tests and single-node
// development. It enforces the same transition rules as the Postgres store.
type MemoryRepository struct {
	mu     sync.RWMutex
	runs   map[uuid.UUID]scoring.Run
	scores map[uuid.UUID][]scoring.CriterionScore
	now    func() time.Time
}

// NewMemoryRepository constructs an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		runs:   make(map[uuid.UUID]scoring.Run),
		scores: make(map[uuid.UUID][]scoring.CriterionScore),
		now:    time.Now,
	}
}

// SetClock overrides the time source; tests use it to age runs.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// CreateRun inserts the run, stamping CreatedAt/UpdatedAt.
func (r *MemoryRepository) CreateRun(_ context.Context, run *scoring.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.now()
	run.CreatedAt = ts
	run.UpdatedAt = ts
	r.runs[run.ID] = *run
	return nil
}

// GetRun returns a copy of the stored run.
func (r *MemoryRepository) GetRun(_ context.Context, id uuid.UUID) (scoring.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return scoring.Run{}, ErrNotFound
	}
	return run, nil
}

// UpdateRun applies the patch under the forward-only transition rule.
func (r *MemoryRepository) UpdateRun(_ context.Context, id uuid.UUID, patch RunPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyPatch(id, patch)
}

func (r *MemoryRepository) applyPatch(id uuid.UUID, patch RunPatch) error {
	run, ok := r.runs[id]
	if !ok {
		return ErrNotFound
	}
	if patch.Status != nil {
		if !run.Status.CanTransition(*patch.Status) {
			return ErrInvalidTransition
		}
		run.Status = *patch.Status
	} else if run.Status.Terminal() {
		return ErrInvalidTransition
	}
	if patch.Progress != nil {
		run.Progress = *patch.Progress
	}
	if patch.Detail != nil {
		run.Detail = *patch.Detail
	}
	if patch.OverallScore != nil {
		run.OverallScore = patch.OverallScore
	}
	if patch.AboveFoldScreenshotURL != nil {
		run.AboveFoldScreenshotURL = *patch.AboveFoldScreenshotURL
	}
	if patch.AboveFoldScreenshotError != nil {
		run.AboveFoldScreenshotError = *patch.AboveFoldScreenshotError
	}
	if patch.FullPageScreenshotURL != nil {
		run.FullPageScreenshotURL = *patch.FullPageScreenshotURL
	}
	if patch.FullPageScreenshotError != nil {
		run.FullPageScreenshotError = *patch.FullPageScreenshotError
	}
	run.UpdatedAt = r.now()
	r.runs[id] = run
	return nil
}

// SetInsights writes the insights payload without touching status.
func (r *MemoryRepository) SetInsights(_ context.Context, id uuid.UUID, insightsJSON string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.InsightsJSON = &insightsJSON
	run.UpdatedAt = r.now()
	r.runs[id] = run
	return nil
}

// CreateCriterionScore inserts one score row.
func (r *MemoryRepository) CreateCriterionScore(_ context.Context, score *scoring.CriterionScore) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertScore(score)
}

func (r *MemoryRepository) insertScore(score *scoring.CriterionScore) error {
	if _, ok := r.runs[score.RunID]; !ok {
		return ErrNotFound
	}
	for _, existing := range r.scores[score.RunID] {
		if existing.Criterion == score.Criterion {
			return ErrDuplicateScore
		}
	}
	score.CreatedAt = r.now()
	r.scores[score.RunID] = append(r.scores[score.RunID], *score)
	return nil
}

// GetCriterionScores returns the run's scores in the fixed criterion order.
func (r *MemoryRepository) GetCriterionScores(_ context.Context, runID uuid.UUID) ([]scoring.CriterionScore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byName := make(map[scoring.Criterion]scoring.CriterionScore, len(r.scores[runID]))
	for _, s := range r.scores[runID] {
		byName[s.Criterion] = s
	}
	var out []scoring.CriterionScore
	for _, c := range scoring.AllCriteria() {
		if s, ok := byName[c]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// SaveTierResults inserts all scores and applies the patch as one unit. On
// any failure nothing is kept, mirroring the Postgres transaction.
func (r *MemoryRepository) SaveTierResults(
	_ context.Context,
	runID uuid.UUID,
	scores []scoring.CriterionScore,
	patch RunPatch,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	savedRun, ok := r.runs[runID]
	if !ok {
		return ErrNotFound
	}
	savedScores := append([]scoring.CriterionScore(nil), r.scores[runID]...)
	rollback := func() {
		r.runs[runID] = savedRun
		r.scores[runID] = savedScores
	}
	for i := range scores {
		s := scores[i]
		s.RunID = runID
		if err := r.insertScore(&s); err != nil {
			rollback()
			return err
		}
	}
	if err := r.applyPatch(runID, patch); err != nil {
		rollback()
		return err
	}
	return nil
}

// FindPendingRun returns the newest non-terminal client-kind run.
func (r *MemoryRepository) FindPendingRun(_ context.Context, clientID uuid.UUID) (scoring.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *scoring.Run
	for _, run := range r.runs {
		if run.ClientID != clientID || run.Status.Terminal() {
			continue
		}
		if _, isCompetitor := run.Kind.IsCompetitor(); isCompetitor {
			continue
		}
		candidate := run
		if found == nil || candidate.CreatedAt.After(found.CreatedAt) {
			found = &candidate
		}
	}
	if found == nil {
		return scoring.Run{}, ErrNotFound
	}
	return *found, nil
}

// LatestCompleted assembles the completed-only read path. An in-progress or
// failed run never shadows an older completed one.
func (r *MemoryRepository) LatestCompleted(_ context.Context, clientID uuid.UUID) (LatestResults, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result LatestResults
	latestCompetitor := make(map[uuid.UUID]scoring.Run)
	for _, run := range r.runs {
		if run.ClientID != clientID {
			continue
		}
		candidate := run
		if compID, isCompetitor := run.Kind.IsCompetitor(); isCompetitor {
			if run.Status != scoring.StatusCompleted {
				continue
			}
			if prev, ok := latestCompetitor[compID]; !ok || candidate.CreatedAt.After(prev.CreatedAt) {
				latestCompetitor[compID] = candidate
			}
			continue
		}
		if result.LatestAttempt == nil || candidate.CreatedAt.After(result.LatestAttempt.CreatedAt) {
			attempt := candidate
			result.LatestAttempt = &attempt
		}
		if run.Status != scoring.StatusCompleted {
			continue
		}
		if result.Client == nil || candidate.CreatedAt.After(result.Client.CreatedAt) {
			completed := candidate
			result.Client = &completed
		}
	}
	for _, run := range latestCompetitor {
		result.Competitors = append(result.Competitors, run)
	}
	sort.Slice(result.Competitors, func(i, j int) bool {
		return result.Competitors[i].CreatedAt.Before(result.Competitors[j].CreatedAt)
	})
	return result, nil
}

// ListStale returns non-terminal runs whose last update predates cutoff.
func (r *MemoryRepository) ListStale(_ context.Context, cutoff time.Time) ([]scoring.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []scoring.Run
	for _, run := range r.runs {
		if run.Status.Terminal() {
			continue
		}
		if run.UpdatedAt.Before(cutoff) {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}
