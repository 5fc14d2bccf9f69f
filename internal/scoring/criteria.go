// Package scoring defines the domain types shared by the effectiveness engine.
package scoring

import "fmt"

// Tier identifies which scoring strategy produces a criterion score.
type Tier int

// Scoring tiers, in execution order.
const (
	// TierHTML covers deterministic checks over collected HTML.
	TierHTML Tier = 1
	// TierAI covers judgment calls made by a vision-capable model.
	TierAI Tier = 2
	// TierExternal covers the third-party performance measurement.
	TierExternal Tier = 3
)

// Criterion names one of the eight fixed effectiveness dimensions.
type Criterion string

// The closed criterion set. New criteria require a schema migration, so the
// set is deliberately not extensible at runtime.
const (
	CriterionPositioning    Criterion = "positioning"
	CriterionBrandStory     Criterion = "brand_story"
	CriterionTrustSignals   Criterion = "trust_signals"
	CriterionCTAs           Criterion = "ctas"
	CriterionUXQuality      Criterion = "ux_quality"
	CriterionContentQuality Criterion = "content_quality"
	CriterionSocialProof    Criterion = "social_proof"
	CriterionPerformance    Criterion = "site_performance"
)

// CriterionCount is the number of scores a fully analyzed run carries.
const CriterionCount = 8

var criterionTiers = map[Criterion]Tier{
	CriterionPositioning:    TierHTML,
	CriterionBrandStory:     TierHTML,
	CriterionTrustSignals:   TierHTML,
	CriterionCTAs:           TierHTML,
	CriterionUXQuality:      TierAI,
	CriterionContentQuality: TierAI,
	CriterionSocialProof:    TierAI,
	CriterionPerformance:    TierExternal,
}

// AllCriteria returns the closed criterion set in a stable order.
func AllCriteria() []Criterion {
	return []Criterion{
		CriterionPositioning,
		CriterionBrandStory,
		CriterionTrustSignals,
		CriterionCTAs,
		CriterionUXQuality,
		CriterionContentQuality,
		CriterionSocialProof,
		CriterionPerformance,
	}
}

// CriteriaForTier returns the criteria scored by the given tier, in the
// AllCriteria order.
func CriteriaForTier(t Tier) []Criterion {
	var out []Criterion
	for _, c := range AllCriteria() {
		if criterionTiers[c] == t {
			out = append(out, c)
		}
	}
	return out
}

// TierOf reports which tier scores the criterion.
func TierOf(c Criterion) (Tier, error) {
	t, ok := criterionTiers[c]
	if !ok {
		return 0, fmt.Errorf("unknown criterion %q", c)
	}
	return t, nil
}

// ValidCriterion reports whether c belongs to the closed set.
func ValidCriterion(c Criterion) bool {
	_, ok := criterionTiers[c]
	return ok
}
