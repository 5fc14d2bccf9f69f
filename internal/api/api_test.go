package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/steveohanians/pulsedashboard-sub001/internal/config"
	"github.com/steveohanians/pulsedashboard-sub001/internal/metrics"
	"github.com/steveohanians/pulsedashboard-sub001/internal/orchestrator"
	"github.com/steveohanians/pulsedashboard-sub001/internal/progress"
	"github.com/steveohanians/pulsedashboard-sub001/internal/scoring"
	"github.com/steveohanians/pulsedashboard-sub001/internal/store"
)

type fakeAnalyses struct {
	startRun   uuid.UUID
	startErr   error
	lastForce  bool
	progressFn func(uuid.UUID) (progress.Record, error)
	results    orchestrator.ResultSet
	resultsErr error
}

func (f *fakeAnalyses) StartAnalysis(_ context.Context, clientID uuid.UUID, force bool) (uuid.UUID, error) {
	f.lastForce = force
	if f.startErr != nil {
		return uuid.Nil, f.startErr
	}
	return f.startRun, nil
}

func (f *fakeAnalyses) GetProgress(_ context.Context, runID uuid.UUID) (progress.Record, error) {
	if f.progressFn != nil {
		return f.progressFn(runID)
	}
	return progress.Record{}, store.ErrNotFound
}

func (f *fakeAnalyses) GetLatestResults(_ context.Context, _ uuid.UUID) (orchestrator.ResultSet, error) {
	return f.results, f.resultsErr
}

func newTestServer(t *testing.T, analyses Analyses, cfg config.Config) (*Server, *progress.Registry) {
	t.Helper()
	metrics.Init()
	reg := progress.NewRegistry(progress.Config{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = reg.Close(ctx)
	})
	return NewServer(analyses, reg, cfg, zap.NewNop()), reg
}

func TestRefreshAccepted(t *testing.T) {
	runID := uuid.New()
	fa := &fakeAnalyses{startRun: runID}
	srv, _ := newTestServer(t, fa, config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/refresh/"+uuid.New().String()+"?force=true", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, fa.lastForce)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, runID.String(), body["run_id"])
}

func TestRefreshUnknownClient(t *testing.T) {
	fa := &fakeAnalyses{startErr: orchestrator.ErrUnknownClient}
	srv, _ := newTestServer(t, fa, config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/refresh/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefreshBadClientID(t *testing.T) {
	srv, _ := newTestServer(t, &fakeAnalyses{}, config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/refresh/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProgressLookup(t *testing.T) {
	runID := uuid.New()
	clientID := uuid.New()
	fa := &fakeAnalyses{
		progressFn: func(id uuid.UUID) (progress.Record, error) {
			if id != runID {
				return progress.Record{}, store.ErrNotFound
			}
			return progress.Record{
				RunID:          runID,
				ClientID:       clientID,
				Status:         scoring.StatusTier2Analyzing,
				OverallPercent: 55,
				Message:        "scoring tier 2",
			}, nil
		},
	}
	srv, _ := newTestServer(t, fa, config.Config{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/progress/"+runID.String(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var dto progressDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, runID.String(), dto.RunID)
	assert.Equal(t, string(scoring.StatusTier2Analyzing), dto.Status)
	assert.Equal(t, 55, dto.OverallPercent)
}

func TestProgressNotFound(t *testing.T) {
	srv, _ := newTestServer(t, &fakeAnalyses{}, config.Config{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/progress/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLatestResults(t *testing.T) {
	clientID := uuid.New()
	runID := uuid.New()
	score := 7.5
	run := scoring.Run{
		ID:           runID,
		ClientID:     clientID,
		Kind:         scoring.ClientRun(),
		URL:          "https://example.com",
		Status:       scoring.StatusCompleted,
		Progress:     100,
		OverallScore: &score,
	}
	fa := &fakeAnalyses{
		results: orchestrator.ResultSet{
			LatestResults: store.LatestResults{Client: &run},
			Scores: map[uuid.UUID][]scoring.CriterionScore{
				runID: {
					{RunID: runID, Criterion: scoring.CriterionPositioning, Score: 8, Tier: scoring.TierHTML},
				},
			},
		},
	}
	srv, _ := newTestServer(t, fa, config.Config{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/latest/"+clientID.String(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var dto resultsDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	require.NotNil(t, dto.Client)
	assert.Equal(t, runID.String(), dto.Client.RunID)
	require.NotNil(t, dto.Client.OverallScore)
	assert.InDelta(t, 7.5, *dto.Client.OverallScore, 0.001)
	require.Len(t, dto.Client.Scores, 1)
	assert.Equal(t, string(scoring.CriterionPositioning), dto.Client.Scores[0].Criterion)
}

func TestAPIKeyRequired(t *testing.T) {
	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "sekrit"
	srv, _ := newTestServer(t, &fakeAnalyses{startRun: uuid.New()}, cfg)

	target := "/api/v1/refresh/" + uuid.New().String()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, target, nil)
	req.Header.Set("X-API-Key", "sekrit")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target+"?api_key=sekrit", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHealthzOpenWithAuth(t *testing.T) {
	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "sekrit"
	srv, _ := newTestServer(t, &fakeAnalyses{}, cfg)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

// readSSE consumes one event frame, skipping heartbeats.
func readSSE(t *testing.T, r *bufio.Reader) (eventType string, data string) {
	t.Helper()
	for {
		eventType, data = "", ""
		for {
			line, err := r.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			if line == "" {
				break
			}
			if v, ok := strings.CutPrefix(line, "event: "); ok {
				eventType = v
			}
			if v, ok := strings.CutPrefix(line, "data: "); ok {
				data = v
			}
		}
		if eventType != string(progress.EventHeartbeat) {
			return eventType, data
		}
	}
}

func TestStreamDeliversEvents(t *testing.T) {
	clientID := uuid.New()
	runID := uuid.New()
	srv, reg := newTestServer(t, &fakeAnalyses{}, config.Config{})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/stream/%s", ts.URL, clientID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	evtType, _ := readSSE(t, reader)
	assert.Equal(t, string(progress.EventConnected), evtType)

	reg.Set(progress.Record{
		RunID:          runID,
		ClientID:       clientID,
		Status:         scoring.StatusScraping,
		OverallPercent: 20,
		Message:        "collecting site data",
	})

	evtType, data := readSSE(t, reader)
	require.Equal(t, string(progress.EventProgress), evtType)
	var evt progress.Event
	require.NoError(t, json.Unmarshal([]byte(data), &evt))
	assert.Equal(t, runID.String(), evt.RunID)
	assert.Equal(t, 20, evt.OverallPercent)

	reg.Set(progress.Record{
		RunID:          runID,
		ClientID:       clientID,
		Status:         scoring.StatusCompleted,
		OverallPercent: 100,
		Final:          map[string]any{"overallScore": 7.2},
	})

	evtType, data = readSSE(t, reader)
	require.Equal(t, string(progress.EventCompleted), evtType)
	require.NoError(t, json.Unmarshal([]byte(data), &evt))
	assert.NotNil(t, evt.Data)
}

func TestStreamBadClientID(t *testing.T) {
	srv, _ := newTestServer(t, &fakeAnalyses{}, config.Config{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stream/nope", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
