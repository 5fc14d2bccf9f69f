package scoring

import (
	"time"

	"github.com/google/uuid"
)

// RunKind distinguishes a client's own run from a competitor run at the type
// level so query code cannot conflate the two.
type RunKind struct {
	competitorID *uuid.UUID
}

// ClientRun tags a run as scoring the client's own site.
func ClientRun() RunKind {
	return RunKind{}
}

// CompetitorRun tags a run as scoring the identified competitor site.
func CompetitorRun(competitorID uuid.UUID) RunKind {
	id := competitorID
	return RunKind{competitorID: &id}
}

// IsCompetitor reports whether the run belongs to a competitor and, if so,
// which one.
func (k RunKind) IsCompetitor() (uuid.UUID, bool) {
	if k.competitorID == nil {
		return uuid.UUID{}, false
	}
	return *k.competitorID, true
}

// Run models one scoring attempt for one entity.
type Run struct {
	// ID is the opaque run identifier.
	ID uuid.UUID
	// ClientID identifies the owning client.
	ClientID uuid.UUID
	// Kind says whose site this run scores.
	Kind RunKind
	// URL is the site under analysis.
	URL string
	// Status tracks the lifecycle state machine.
	Status RunStatus
	// Progress is the 0-100 overall completion estimate.
	Progress int
	// Detail is the human-readable progress or failure message.
	Detail string
	// OverallScore is nil until aggregation completes.
	OverallScore *float64
	// AboveFoldScreenshotURL / FullPageScreenshotURL reference captured
	// artifacts; each has its own error field because one capture failing
	// must not block HTML-based criteria.
	AboveFoldScreenshotURL   string
	AboveFoldScreenshotError string
	FullPageScreenshotURL    string
	FullPageScreenshotError  string
	// InsightsJSON holds the optional post-completion insights payload.
	InsightsJSON *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Passes records which named checks fed a criterion score.
type Passes struct {
	Passed []string `json:"passed"`
	Failed []string `json:"failed"`
}

// CriterionScore is one scored dimension belonging to exactly one run.
// Rows are insert-only; a re-score creates a new run.
type CriterionScore struct {
	RunID     uuid.UUID
	Criterion Criterion
	// Score is the 0-10 value, clamped by the producing tier.
	Score float64
	Tier  Tier
	// Evidence captures what was detected to justify the score.
	Evidence  map[string]any
	Passes    Passes
	CreatedAt time.Time
}

// ClampScore bounds a raw score to the 0-10 scale.
func ClampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 10 {
		return 10
	}
	return s
}
