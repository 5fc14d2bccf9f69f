package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrUnknownClient signals a client id with no registered profile.
var ErrUnknownClient = errors.New("unknown client")

// Competitor is one rival site analyzed alongside the client's own.
type Competitor struct {
	ID    uuid.UUID
	URL   string
	Label string
}

// ClientProfile is what the engine needs to know about one client: its own
// URL and the competitor set to fan out over.
type ClientProfile struct {
	ID          uuid.UUID
	URL         string
	Competitors []Competitor
}

// ClientSource resolves a client id to its profile. The dashboard's client
// and competitor tables live outside this service; deployments back this
// with their own lookup.
type ClientSource interface {
	Lookup(ctx context.Context, clientID uuid.UUID) (ClientProfile, error)
}

// StaticClientSource serves profiles from a fixed in-memory set, loaded from
// configuration. Suitable for single-tenant deployments and tests.
type StaticClientSource struct {
	profiles map[uuid.UUID]ClientProfile
}

// NewStaticClientSource indexes the given profiles by client id.
func NewStaticClientSource(profiles []ClientProfile) *StaticClientSource {
	indexed := make(map[uuid.UUID]ClientProfile, len(profiles))
	for _, p := range profiles {
		indexed[p.ID] = p
	}
	return &StaticClientSource{profiles: indexed}
}

// Lookup implements ClientSource.
func (s *StaticClientSource) Lookup(_ context.Context, clientID uuid.UUID) (ClientProfile, error) {
	p, ok := s.profiles[clientID]
	if !ok {
		return ClientProfile{}, fmt.Errorf("client %s: %w", clientID, ErrUnknownClient)
	}
	return p, nil
}
