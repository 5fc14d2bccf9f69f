package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config controls buffering, heartbeats, and eviction for the Registry.
//   - SubscriberBuffer: per-subscriber channel size (default 32).
//   - TerminalGrace: how long a terminal record answers late polls before
//     eviction (default 2m). Eviction never touches the persisted run.
//   - HeartbeatInterval: liveness tick pushed regardless of real progress
//     (default 30s).
//   - MaxRecords: hard cap on retained records (default 10000).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	SubscriberBuffer  int
	TerminalGrace     time.Duration
	HeartbeatInterval time.Duration
	MaxRecords        int
	Logger            *zap.Logger
}

const (
	defaultSubscriberBuffer  = 32
	defaultTerminalGrace     = 2 * time.Minute
	defaultHeartbeatInterval = 30 * time.Second
	defaultMaxRecords        = 10000
	evictTickInterval        = 5 * time.Second
	dropLogInterval          = 5 * time.Second
)

type entry struct {
	rec      Record
	evictAt  time.Time
	terminal bool
}

type subscriber struct {
	clientID  uuid.UUID
	ch        chan Event
	closeOnce sync.Once
}

// close is idempotent: registry shutdown and a stream's cancel both reach it,
// in either order.
func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Registry stores run progress records and fans updates out to per-client
// subscribers. Safe for concurrent use; Set never blocks on slow consumers.
type Registry struct {
	cfg Config

	mu      sync.RWMutex
	records map[uuid.UUID]*entry
	subs    map[uuid.UUID]map[*subscriber]struct{}

	stopCh chan struct{}
	doneCh chan struct{}

	logger      *zap.Logger
	dropped     atomic.Int64
	dropLimiter rateLimiter
	closed      atomic.Bool
	closeOnce   sync.Once

	now func() time.Time
}

// NewRegistry initializes a Registry and starts its heartbeat/eviction
// goroutine. The returned Registry is immediately ready for use.
func NewRegistry(cfg Config) *Registry {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.TerminalGrace <= 0 {
		cfg.TerminalGrace = defaultTerminalGrace
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = defaultMaxRecords
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		cfg:         cfg,
		records:     make(map[uuid.UUID]*entry),
		subs:        make(map[uuid.UUID]map[*subscriber]struct{}),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
		now:         time.Now,
	}
	go r.run()
	return r
}

// SetClock injects a time source for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Set stores the record and pushes the corresponding event to every current
// subscriber of the record's client. Terminal records pick up an eviction
// deadline; live ones stay until updated or displaced by the size cap.
func (r *Registry) Set(rec Record) {
	if r.closed.Load() {
		return
	}
	if err := rec.Validate(); err != nil {
		r.logger.Debug("discarding invalid progress record", zap.Error(err))
		return
	}

	r.mu.Lock()
	rec.UpdatedAt = r.now()
	e := &entry{rec: rec, terminal: rec.Status.Terminal()}
	if e.terminal {
		e.evictAt = rec.UpdatedAt.Add(r.cfg.TerminalGrace)
	}
	if _, exists := r.records[rec.RunID]; !exists && len(r.records) >= r.cfg.MaxRecords {
		r.evictOneLocked()
	}
	r.records[rec.RunID] = e
	evt := eventFor(rec)
	for sub := range r.subs[rec.ClientID] {
		r.send(sub, evt)
	}
	r.mu.Unlock()
}

// Get returns the record for a run, if it is still retained.
func (r *Registry) Get(runID uuid.UUID) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.records[runID]
	if !ok {
		return Record{}, false
	}
	return e.rec, true
}

// Subscribe opens an event stream for one client. The stream starts with a
// connected event and is closed by the returned cancel function or by
// registry shutdown.
func (r *Registry) Subscribe(clientID uuid.UUID) (<-chan Event, func()) {
	sub := &subscriber{
		clientID: clientID,
		ch:       make(chan Event, r.cfg.SubscriberBuffer),
	}

	r.mu.Lock()
	if r.closed.Load() {
		r.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	set, ok := r.subs[clientID]
	if !ok {
		set = make(map[*subscriber]struct{})
		r.subs[clientID] = set
	}
	set[sub] = struct{}{}
	r.mu.Unlock()

	sub.ch <- Event{Type: EventConnected}

	cancel := func() {
		r.mu.Lock()
		if set, ok := r.subs[clientID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(r.subs, clientID)
			}
		}
		r.mu.Unlock()
		sub.close()
	}
	return sub.ch, cancel
}

// Close stops the background goroutine and drops all subscribers.
func (r *Registry) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.stopCh)
	})
	select {
	case <-r.doneCh:
	case <-ctx.Done():
		return fmt.Errorf("progress registry close wait: %w", ctx.Err())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, set := range r.subs {
		for sub := range set {
			sub.close()
		}
	}
	r.subs = make(map[uuid.UUID]map[*subscriber]struct{})
	return nil
}

func (r *Registry) run() {
	defer close(r.doneCh)
	heartbeat := time.NewTicker(r.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	evict := time.NewTicker(evictTickInterval)
	defer evict.Stop()
	for {
		select {
		case <-heartbeat.C:
			r.broadcastHeartbeat()
		case <-evict.C:
			r.evictExpired()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) broadcastHeartbeat() {
	r.mu.Lock()
	defer r.mu.Unlock()
	evt := Event{Type: EventHeartbeat}
	for _, set := range r.subs {
		for sub := range set {
			r.send(sub, evt)
		}
	}
}

// evictExpired drops terminal records whose grace period has passed. Only
// the in-memory record goes away; the persisted run is untouched.
func (r *Registry) evictExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for id, e := range r.records {
		if e.terminal && now.After(e.evictAt) {
			delete(r.records, id)
		}
	}
}

// evictOneLocked makes room under the size cap, preferring the terminal
// record closest to its deadline, falling back to the stalest live one.
func (r *Registry) evictOneLocked() {
	var victim uuid.UUID
	var victimAt time.Time
	found := false
	for id, e := range r.records {
		if !e.terminal {
			continue
		}
		if !found || e.evictAt.Before(victimAt) {
			victim, victimAt, found = id, e.evictAt, true
		}
	}
	if !found {
		for id, e := range r.records {
			if !found || e.rec.UpdatedAt.Before(victimAt) {
				victim, victimAt, found = id, e.rec.UpdatedAt, true
			}
		}
	}
	if found {
		delete(r.records, victim)
	}
}

// send is non-blocking; a full subscriber buffer drops the event and logs a
// rate-limited warning. Callers hold r.mu, which also serializes sends
// against the channel close in Subscribe's cancel.
func (r *Registry) send(sub *subscriber, evt Event) {
	select {
	case sub.ch <- evt:
	default:
		r.dropped.Add(1)
		if r.dropLimiter.Allow(r.now()) {
			count := r.dropped.Swap(0)
			r.logger.Warn("progress events dropped due to backpressure", zap.Int64("dropped", count))
		}
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
