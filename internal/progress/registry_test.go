package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveohanians/pulsedashboard-sub001/internal/scoring"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	r := NewRegistry(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, r.Close(ctx))
	})
	return r
}

func record(runID, clientID uuid.UUID, status scoring.RunStatus, percent int) Record {
	return Record{
		RunID:          runID,
		ClientID:       clientID,
		Status:         status,
		OverallPercent: percent,
		Message:        "msg",
	}
}

func TestSetThenGet(t *testing.T) {
	r := newTestRegistry(t, Config{})
	runID, clientID := uuid.New(), uuid.New()

	r.Set(record(runID, clientID, scoring.StatusScraping, 15))

	got, ok := r.Get(runID)
	require.True(t, ok)
	assert.Equal(t, scoring.StatusScraping, got.Status)
	assert.Equal(t, 15, got.OverallPercent)
}

func TestSubscribeReceivesConnectedThenUpdates(t *testing.T) {
	r := newTestRegistry(t, Config{})
	runID, clientID := uuid.New(), uuid.New()

	events, cancel := r.Subscribe(clientID)
	defer cancel()

	first := <-events
	assert.Equal(t, EventConnected, first.Type)

	r.Set(record(runID, clientID, scoring.StatusTier1Analyzing, 35))

	select {
	case evt := <-events:
		assert.Equal(t, EventProgress, evt.Type)
		assert.Equal(t, runID.String(), evt.RunID)
		assert.Equal(t, string(scoring.StatusTier1Analyzing), evt.Status)
		assert.Equal(t, 35, evt.OverallPercent)
	case <-time.After(time.Second):
		t.Fatal("no progress event received")
	}
}

func TestTerminalStatusesMapToCompletedAndError(t *testing.T) {
	r := newTestRegistry(t, Config{})
	clientID := uuid.New()

	events, cancel := r.Subscribe(clientID)
	defer cancel()
	<-events // connected

	done := record(uuid.New(), clientID, scoring.StatusCompleted, 100)
	done.Final = map[string]any{"overallScore": 7.5}
	r.Set(done)
	r.Set(record(uuid.New(), clientID, scoring.StatusFailed, 45))

	evt := <-events
	assert.Equal(t, EventCompleted, evt.Type)
	require.NotNil(t, evt.Data)

	evt = <-events
	assert.Equal(t, EventError, evt.Type)
}

func TestSubscriberCancelAfterCloseIsSafe(t *testing.T) {
	r := NewRegistry(Config{})
	clientID := uuid.New()

	events, cancel := r.Subscribe(clientID)
	<-events // connected

	ctx, ctxCancel := context.WithTimeout(context.Background(), time.Second)
	defer ctxCancel()
	require.NoError(t, r.Close(ctx))

	// The SSE handler's deferred cancel runs after a shutdown closed the
	// stream; both paths closing the channel must coexist.
	require.NotPanics(t, func() {
		cancel()
		cancel()
	})

	_, open := <-events
	assert.False(t, open)
}

func TestCloseAfterSubscriberCancelIsSafe(t *testing.T) {
	r := NewRegistry(Config{})

	_, cancel := r.Subscribe(uuid.New())
	cancel()

	ctx, ctxCancel := context.WithTimeout(context.Background(), time.Second)
	defer ctxCancel()
	require.NotPanics(t, func() {
		require.NoError(t, r.Close(ctx))
	})
}

func TestOtherClientsDoNotReceiveEvents(t *testing.T) {
	r := newTestRegistry(t, Config{})
	mine, theirs := uuid.New(), uuid.New()

	events, cancel := r.Subscribe(mine)
	defer cancel()
	<-events // connected

	r.Set(record(uuid.New(), theirs, scoring.StatusScraping, 15))

	select {
	case evt := <-events:
		t.Fatalf("unexpected event %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHeartbeatArrivesWithoutProgress(t *testing.T) {
	r := newTestRegistry(t, Config{HeartbeatInterval: 20 * time.Millisecond})
	events, cancel := r.Subscribe(uuid.New())
	defer cancel()
	<-events // connected

	select {
	case evt := <-events:
		assert.Equal(t, EventHeartbeat, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("no heartbeat received")
	}
}

func TestTerminalRecordEvictedAfterGrace(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, Config{TerminalGrace: time.Minute})
	r.SetClock(clock.Now)
	runID, clientID := uuid.New(), uuid.New()

	r.Set(record(runID, clientID, scoring.StatusCompleted, 100))
	_, ok := r.Get(runID)
	require.True(t, ok, "terminal record should answer late polls inside the grace period")

	clock.Advance(2 * time.Minute)
	r.evictExpired()
	_, ok = r.Get(runID)
	assert.False(t, ok, "terminal record should be evicted after the grace period")
}

func TestLiveRecordSurvivesEvictionSweep(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, Config{TerminalGrace: time.Minute})
	r.SetClock(clock.Now)
	runID, clientID := uuid.New(), uuid.New()

	r.Set(record(runID, clientID, scoring.StatusScraping, 15))
	clock.Advance(time.Hour)

	r.evictExpired()
	_, ok := r.Get(runID)
	assert.True(t, ok)
}

func TestSizeCapEvictsTerminalFirst(t *testing.T) {
	r := newTestRegistry(t, Config{MaxRecords: 2})
	clientID := uuid.New()
	doneID, liveID, newID := uuid.New(), uuid.New(), uuid.New()

	r.Set(record(doneID, clientID, scoring.StatusCompleted, 100))
	r.Set(record(liveID, clientID, scoring.StatusScraping, 15))
	r.Set(record(newID, clientID, scoring.StatusPending, 0))

	_, ok := r.Get(doneID)
	assert.False(t, ok, "terminal record should be displaced first")
	_, ok = r.Get(liveID)
	assert.True(t, ok)
	_, ok = r.Get(newID)
	assert.True(t, ok)
}

func TestSlowSubscriberDoesNotBlockSet(t *testing.T) {
	r := newTestRegistry(t, Config{SubscriberBuffer: 1})
	clientID := uuid.New()

	_, cancel := r.Subscribe(clientID)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			r.Set(record(uuid.New(), clientID, scoring.StatusScraping, i))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Set blocked on a slow subscriber")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	r := newTestRegistry(t, Config{})
	clientID := uuid.New()

	events, cancel := r.Subscribe(clientID)
	<-events // connected
	cancel()

	// The channel is closed; subsequent sets go nowhere.
	r.Set(record(uuid.New(), clientID, scoring.StatusScraping, 15))
	_, open := <-events
	assert.False(t, open)
}
