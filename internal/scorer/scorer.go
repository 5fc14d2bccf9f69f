// Package scorer runs the three scoring tiers over collected data and
// aggregates the result.
package scorer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/steveohanians/pulsedashboard-sub001/internal/collector"
	"github.com/steveohanians/pulsedashboard-sub001/internal/resilient"
	"github.com/steveohanians/pulsedashboard-sub001/internal/scoring"
)

// NeutralScore stands in for a criterion whose scorer could not run. It is
// deliberately mid-scale so a degraded run neither flatters nor punishes.
const NeutralScore = 5.0

// FallbackScore is the conservative tier-3 substitute when the performance
// API stays unreachable after retries.
const FallbackScore = 5.0

// CriterionContext is everything a criterion scorer may look at. Every field
// beyond URL is optional; scorers degrade rather than fail on absence.
type CriterionContext struct {
	URL                    string
	HTML                   string
	Text                   collector.TextContext
	AboveFoldScreenshotURL string
	FullPageScreenshotURL  string
	WebVitals              *scoring.WebVitals
}

// CriterionResult is one scorer's verdict before it is bound to a run.
type CriterionResult struct {
	Score    float64
	Evidence map[string]any
	Passes   scoring.Passes
}

// CriterionScorer evaluates exactly one criterion.
type CriterionScorer interface {
	Score(ctx context.Context, cc CriterionContext) (CriterionResult, error)
}

// AiVerdict is the judge's answer for one criterion.
type AiVerdict struct {
	Score    float64
	Evidence map[string]any
}

// AiJudge classifies a criterion from text and, when available, a screenshot.
// An empty imageURL requests text-only judgment.
type AiJudge interface {
	Classify(ctx context.Context, criterion scoring.Criterion, text collector.TextContext, imageURL string) (AiVerdict, error)
}

// PerformanceResult is the external performance API's measurement.
type PerformanceResult struct {
	Score  float64
	Vitals scoring.WebVitals
}

// PerformanceApi measures site performance. Implementations surface 429 and
// 5xx responses as resilient.RateLimitError / resilient.ServerError so the
// retry loop can distinguish them.
type PerformanceApi interface {
	Measure(ctx context.Context, url string) (PerformanceResult, error)
}

// Registry holds the criterion scorers by name.
type Registry struct {
	scorers map[scoring.Criterion]CriterionScorer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{scorers: make(map[scoring.Criterion]CriterionScorer)}
}

// Register binds a scorer to a criterion. Unknown criteria are rejected so a
// typo cannot silently add a ninth dimension.
func (r *Registry) Register(c scoring.Criterion, s CriterionScorer) error {
	if !scoring.ValidCriterion(c) {
		return fmt.Errorf("unknown criterion %q", c)
	}
	r.scorers[c] = s
	return nil
}

// Get returns the scorer for a criterion, if registered.
func (r *Registry) Get(c scoring.Criterion) (CriterionScorer, bool) {
	s, ok := r.scorers[c]
	return s, ok
}

// TieredScorer sequences the three tiers for one entity.
type TieredScorer struct {
	registry *Registry
	judge    AiJudge
	perf     PerformanceApi
	client   *resilient.Client
	policy   resilient.Policy
	logger   *zap.Logger
	now      func() time.Time
}

// New constructs a TieredScorer.
func New(
	registry *Registry,
	judge AiJudge,
	perf PerformanceApi,
	client *resilient.Client,
	policy resilient.Policy,
	logger *zap.Logger,
) *TieredScorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TieredScorer{
		registry: registry,
		judge:    judge,
		perf:     perf,
		client:   client,
		policy:   policy,
		logger:   logger,
		now:      time.Now,
	}
}

// RunTier1 scores the deterministic HTML criteria. A scorer error degrades
// that one criterion to the neutral score; the tier itself never fails.
func (s *TieredScorer) RunTier1(ctx context.Context, runID uuid.UUID, bundle scoring.DataBundle) []scoring.CriterionScore {
	cc := s.contextFor(bundle)
	var out []scoring.CriterionScore
	for _, criterion := range scoring.CriteriaForTier(scoring.TierHTML) {
		out = append(out, s.scoreOne(ctx, runID, criterion, scoring.TierHTML, cc))
	}
	return out
}

// RunTier2 scores the AI-judged criteria. Each judge call is contained: one
// failing leaves the other criteria scored and substitutes the neutral score
// for its own.
func (s *TieredScorer) RunTier2(ctx context.Context, runID uuid.UUID, bundle scoring.DataBundle, tier1 []scoring.CriterionScore) []scoring.CriterionScore {
	cc := s.contextFor(bundle)
	tier1Summary := summarizePasses(tier1)

	var out []scoring.CriterionScore
	for _, criterion := range scoring.CriteriaForTier(scoring.TierAI) {
		verdict, err := s.judge.Classify(ctx, criterion, cc.Text, cc.AboveFoldScreenshotURL)
		if err != nil {
			s.logger.Warn("ai judgment degraded",
				zap.String("criterion", string(criterion)),
				zap.Error(err),
			)
			out = append(out, scoring.CriterionScore{
				RunID:     runID,
				Criterion: criterion,
				Score:     NeutralScore,
				Tier:      scoring.TierAI,
				Evidence: map[string]any{
					"degraded":  true,
					"error":     err.Error(),
					"error_tag": string(scoring.TagAIAPIError),
				},
				CreatedAt: s.now(),
			})
			continue
		}
		evidence := verdict.Evidence
		if evidence == nil {
			evidence = map[string]any{}
		}
		if cc.AboveFoldScreenshotURL == "" {
			evidence["text_only"] = true
		}
		if len(tier1Summary) > 0 {
			evidence["tier1_context"] = tier1Summary
		}
		out = append(out, scoring.CriterionScore{
			RunID:     runID,
			Criterion: criterion,
			Score:     scoring.ClampScore(verdict.Score),
			Tier:      scoring.TierAI,
			Evidence:  evidence,
			CreatedAt: s.now(),
		})
	}
	return out
}

// RunTier3 scores site performance through the resilient client. Exhausted
// retries produce the fallback score, tagged in evidence, never an error.
func (s *TieredScorer) RunTier3(ctx context.Context, runID uuid.UUID, url string) (scoring.CriterionScore, error) {
	var measured PerformanceResult
	result, err := s.client.Do(ctx, s.policy, func(attemptCtx context.Context) error {
		m, err := s.perf.Measure(attemptCtx, url)
		if err != nil {
			return err
		}
		measured = m
		return nil
	})
	if err != nil {
		return scoring.CriterionScore{}, fmt.Errorf("performance measurement: %w", err)
	}

	score := scoring.CriterionScore{
		RunID:     runID,
		Criterion: scoring.CriterionPerformance,
		Tier:      scoring.TierExternal,
		CreatedAt: s.now(),
	}
	if result.FellBack {
		score.Score = FallbackScore
		score.Evidence = map[string]any{
			"fallback":     true,
			"failure_mode": string(result.FailureMode),
			"attempts":     result.Attempts,
		}
		if result.LastError != nil {
			score.Evidence["error"] = result.LastError.Error()
		}
		score.Passes = scoring.Passes{Failed: []string{"performance_api_reachable"}}
		return score, nil
	}

	score.Score = scoring.ClampScore(measured.Score)
	score.Evidence = map[string]any{
		"attempts": result.Attempts,
		"lcp_ms":   measured.Vitals.LCPMillis,
		"cls":      measured.Vitals.CLS,
		"fid_ms":   measured.Vitals.FIDMillis,
		"ttfb_ms":  measured.Vitals.TTFBMillis,
	}
	score.Passes = scoring.Passes{Passed: []string{"performance_api_reachable"}}
	return score, nil
}

// Aggregate computes the equal-weight mean of the present scores. Fewer than
// the full criterion set aggregates over what exists and flags the run
// incomplete in the returned evidence.
func (s *TieredScorer) Aggregate(scores []scoring.CriterionScore) (float64, map[string]any, error) {
	if len(scores) == 0 {
		return 0, nil, fmt.Errorf("aggregating run: no criterion scores present")
	}

	present := make(map[scoring.Criterion]struct{}, len(scores))
	var sum float64
	for _, sc := range scores {
		sum += sc.Score
		present[sc.Criterion] = struct{}{}
	}

	var missing []string
	for _, c := range scoring.AllCriteria() {
		if _, ok := present[c]; !ok {
			missing = append(missing, string(c))
		}
	}

	evidence := map[string]any{
		"criteria_scored": len(scores),
		"complete":        len(missing) == 0 && len(scores) == scoring.CriterionCount,
	}
	if len(missing) > 0 {
		evidence["missing"] = missing
	}
	return sum / float64(len(scores)), evidence, nil
}

func (s *TieredScorer) contextFor(bundle scoring.DataBundle) CriterionContext {
	cc := CriterionContext{
		URL:                    bundle.URL,
		HTML:                   bundle.BestHTML(),
		AboveFoldScreenshotURL: bundle.AboveFoldScreenshotURL,
		FullPageScreenshotURL:  bundle.FullPageScreenshotURL,
		WebVitals:              bundle.WebVitals,
	}
	if cc.HTML != "" {
		text, err := collector.ExtractTextContext(cc.HTML)
		if err != nil {
			s.logger.Warn("text context extraction failed", zap.String("url", bundle.URL), zap.Error(err))
		} else {
			cc.Text = text
		}
	}
	return cc
}

func (s *TieredScorer) scoreOne(ctx context.Context, runID uuid.UUID, criterion scoring.Criterion, tier scoring.Tier, cc CriterionContext) scoring.CriterionScore {
	impl, ok := s.registry.Get(criterion)
	if !ok {
		s.logger.Warn("no scorer registered", zap.String("criterion", string(criterion)))
		return scoring.CriterionScore{
			RunID:     runID,
			Criterion: criterion,
			Score:     NeutralScore,
			Tier:      tier,
			Evidence:  map[string]any{"degraded": true, "error": "no scorer registered"},
			CreatedAt: s.now(),
		}
	}
	result, err := impl.Score(ctx, cc)
	if err != nil {
		s.logger.Warn("criterion scorer degraded",
			zap.String("criterion", string(criterion)),
			zap.Error(err),
		)
		return scoring.CriterionScore{
			RunID:     runID,
			Criterion: criterion,
			Score:     NeutralScore,
			Tier:      tier,
			Evidence: map[string]any{
				"degraded":  true,
				"error":     err.Error(),
				"error_tag": string(scoring.TagParsingError),
			},
			CreatedAt: s.now(),
		}
	}
	return scoring.CriterionScore{
		RunID:     runID,
		Criterion: criterion,
		Score:     scoring.ClampScore(result.Score),
		Tier:      tier,
		Evidence:  result.Evidence,
		Passes:    result.Passes,
		CreatedAt: s.now(),
	}
}

func summarizePasses(scores []scoring.CriterionScore) map[string]float64 {
	out := make(map[string]float64, len(scores))
	for _, sc := range scores {
		out[string(sc.Criterion)] = sc.Score
	}
	return out
}
