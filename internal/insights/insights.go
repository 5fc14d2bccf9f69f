// Package insights produces the optional post-completion insights payload.
// Generation is best-effort: a failure is logged and the run stays valid.
package insights

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/steveohanians/pulsedashboard-sub001/internal/scoring"
	"github.com/steveohanians/pulsedashboard-sub001/internal/store"
)

// Generator turns a completed run's scores into an insights document.
type Generator interface {
	Generate(ctx context.Context, run scoring.Run, scores []scoring.CriterionScore) (string, error)
}

// Service loads a completed run, generates insights, and persists them.
type Service struct {
	repo   store.RunRepository
	gen    Generator
	logger *zap.Logger
}

// NewService constructs a Service.
func NewService(repo store.RunRepository, gen Generator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, gen: gen, logger: logger}
}

// GenerateFor writes the insights payload for one run. The caller treats any
// error as non-fatal; the run record is already terminal by the time this
// runs.
func (s *Service) GenerateFor(ctx context.Context, runID uuid.UUID) error {
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading run for insights: %w", err)
	}
	scores, err := s.repo.GetCriterionScores(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading scores for insights: %w", err)
	}
	doc, err := s.gen.Generate(ctx, run, scores)
	if err != nil {
		return fmt.Errorf("generating insights: %w", err)
	}
	if err := s.repo.SetInsights(ctx, runID, doc); err != nil {
		return fmt.Errorf("persisting insights: %w", err)
	}
	s.logger.Info("insights generated", zap.String("run_id", runID.String()))
	return nil
}

// SummaryGenerator builds a deterministic insights document from the scores
// alone: strengths, weaknesses, and any degraded criteria worth flagging.
type SummaryGenerator struct {
	// StrengthFloor / WeaknessCeiling bound what counts as notable.
	StrengthFloor   float64
	WeaknessCeiling float64
}

// NewSummaryGenerator returns a generator with the production thresholds.
func NewSummaryGenerator() *SummaryGenerator {
	return &SummaryGenerator{StrengthFloor: 7.5, WeaknessCeiling: 4.5}
}

type summaryDoc struct {
	OverallScore *float64   `json:"overall_score,omitempty"`
	Strengths    []momentum `json:"strengths"`
	Weaknesses   []momentum `json:"weaknesses"`
	Degraded     []string   `json:"degraded,omitempty"`
}

type momentum struct {
	Criterion string   `json:"criterion"`
	Score     float64  `json:"score"`
	Passed    []string `json:"passed,omitempty"`
	Failed    []string `json:"failed,omitempty"`
}

// Generate implements Generator.
func (g *SummaryGenerator) Generate(_ context.Context, run scoring.Run, scores []scoring.CriterionScore) (string, error) {
	doc := summaryDoc{
		OverallScore: run.OverallScore,
		Strengths:    []momentum{},
		Weaknesses:   []momentum{},
	}
	sorted := append([]scoring.CriterionScore(nil), scores...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	for _, sc := range sorted {
		switch {
		case sc.Score >= g.StrengthFloor:
			doc.Strengths = append(doc.Strengths, momentum{
				Criterion: string(sc.Criterion),
				Score:     sc.Score,
				Passed:    sc.Passes.Passed,
			})
		case sc.Score <= g.WeaknessCeiling:
			doc.Weaknesses = append(doc.Weaknesses, momentum{
				Criterion: string(sc.Criterion),
				Score:     sc.Score,
				Failed:    sc.Passes.Failed,
			})
		}
		if degraded, ok := sc.Evidence["degraded"].(bool); ok && degraded {
			doc.Degraded = append(doc.Degraded, string(sc.Criterion))
		}
		if fallback, ok := sc.Evidence["fallback"].(bool); ok && fallback {
			doc.Degraded = append(doc.Degraded, string(sc.Criterion))
		}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encoding insights: %w", err)
	}
	return string(raw), nil
}
