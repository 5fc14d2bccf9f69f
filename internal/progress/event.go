// Package progress keeps the in-memory run status registry and pushes every
// update to per-client subscribers. The registry is an optimization layer;
// the persisted run row remains the source of truth.
package progress

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/steveohanians/pulsedashboard-sub001/internal/scoring"
)

// EventType names one push event on a client's stream.
type EventType string

// Event types pushed to subscribers.
const (
	EventConnected EventType = "connected"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventError     EventType = "error"
	EventHeartbeat EventType = "heartbeat"
)

// Record is one run's current progress snapshot.
type Record struct {
	RunID          uuid.UUID
	ClientID       uuid.UUID
	Status         scoring.RunStatus
	OverallPercent int
	Message        string
	// Final carries the scored payload on completion events.
	Final     any
	UpdatedAt time.Time
}

// Validate rejects records that could not be keyed or streamed.
func (r Record) Validate() error {
	if r.RunID == uuid.Nil {
		return fmt.Errorf("progress record missing run id")
	}
	if r.ClientID == uuid.Nil {
		return fmt.Errorf("progress record missing client id")
	}
	if r.Status == "" {
		return fmt.Errorf("progress record missing status")
	}
	return nil
}

// Event is what subscribers receive. JSON field names match the stream
// contract consumed by the dashboard.
type Event struct {
	Type           EventType `json:"type"`
	RunID          string    `json:"runId,omitempty"`
	Status         string    `json:"status,omitempty"`
	OverallPercent int       `json:"overallPercent"`
	Message        string    `json:"message,omitempty"`
	Data           any       `json:"data,omitempty"`
}

func eventFor(rec Record) Event {
	evt := Event{
		Type:           EventProgress,
		RunID:          rec.RunID.String(),
		Status:         string(rec.Status),
		OverallPercent: rec.OverallPercent,
		Message:        rec.Message,
	}
	switch rec.Status {
	case scoring.StatusCompleted:
		evt.Type = EventCompleted
		evt.Data = rec.Final
	case scoring.StatusFailed:
		evt.Type = EventError
	}
	return evt
}
