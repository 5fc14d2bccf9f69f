// Package publisher declares the run-completion notification contract.
package publisher

import (
	"context"

	"github.com/google/uuid"

	"github.com/steveohanians/pulsedashboard-sub001/internal/scoring"
)

// RunFinished is the notification payload published when a run reaches a
// terminal status.
type RunFinished struct {
	RunID        uuid.UUID         `json:"run_id"`
	ClientID     uuid.UUID         `json:"client_id"`
	URL          string            `json:"url"`
	Status       scoring.RunStatus `json:"status"`
	OverallScore *float64          `json:"overall_score,omitempty"`
	Detail       string            `json:"detail,omitempty"`
}

// Publisher emits run-finished notifications. Publishing is best-effort;
// callers log failures and move on.
type Publisher interface {
	Publish(ctx context.Context, payload RunFinished) (string, error)
	Close() error
}

// NoOp discards every notification.
type NoOp struct{}

// Publish implements Publisher.
func (NoOp) Publish(context.Context, RunFinished) (string, error) { return "", nil }

// Close implements Publisher.
func (NoOp) Close() error { return nil }
