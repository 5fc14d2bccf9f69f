// Package memory contains an in-memory publisher for tests and development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/steveohanians/pulsedashboard-sub001/internal/publisher"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []publisher.RunFinished
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the payload and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, payload publisher.RunFinished) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, payload)
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Close implements publisher.Publisher.
func (p *Publisher) Close() error { return nil }

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []publisher.RunFinished {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]publisher.RunFinished, len(p.messages))
	copy(out, p.messages)
	return out
}
