package scoring

import "fmt"

// RunStatus mirrors the analysis_runs status column.
type RunStatus string

// Run statuses, in lifecycle order. Transitions are strictly forward and a
// terminal status is sticky.
const (
	StatusPending        RunStatus = "pending"
	StatusInitializing   RunStatus = "initializing"
	StatusScraping       RunStatus = "scraping"
	StatusTier1Analyzing RunStatus = "tier1_analyzing"
	StatusTier1Complete  RunStatus = "tier1_complete"
	StatusTier2Analyzing RunStatus = "tier2_analyzing"
	StatusTier2Complete  RunStatus = "tier2_complete"
	StatusTier3Analyzing RunStatus = "tier3_analyzing"
	StatusAnalyzing      RunStatus = "analyzing"
	StatusCompleted      RunStatus = "completed"
	StatusFailed         RunStatus = "failed"
)

var statusOrder = map[RunStatus]int{
	StatusPending:        0,
	StatusInitializing:   1,
	StatusScraping:       2,
	StatusTier1Analyzing: 3,
	StatusTier1Complete:  4,
	StatusTier2Analyzing: 5,
	StatusTier2Complete:  6,
	StatusTier3Analyzing: 7,
	StatusAnalyzing:      8,
	StatusCompleted:      9,
	StatusFailed:         9,
}

// ParseRunStatus validates a raw status string.
func ParseRunStatus(s string) (RunStatus, error) {
	st := RunStatus(s)
	if _, ok := statusOrder[st]; !ok {
		return "", fmt.Errorf("unknown run status %q", s)
	}
	return st, nil
}

// Terminal reports whether the status permits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next respects the forward-only
// state machine. Failed is reachable from any non-terminal status; a terminal
// status accepts nothing.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	from, ok := statusOrder[s]
	if !ok {
		return false
	}
	to, ok := statusOrder[next]
	if !ok {
		return false
	}
	return to > from
}

// Percent maps a status to the coarse overall-progress value reported to
// subscribers before finer-grained updates arrive for that phase.
func (s RunStatus) Percent() int {
	switch s {
	case StatusPending:
		return 0
	case StatusInitializing:
		return 5
	case StatusScraping:
		return 15
	case StatusTier1Analyzing:
		return 35
	case StatusTier1Complete:
		return 45
	case StatusTier2Analyzing:
		return 55
	case StatusTier2Complete:
		return 70
	case StatusTier3Analyzing:
		return 80
	case StatusAnalyzing:
		return 90
	case StatusCompleted, StatusFailed:
		return 100
	default:
		return 0
	}
}
