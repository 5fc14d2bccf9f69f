package scorer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/steveohanians/pulsedashboard-sub001/internal/collector"
	"github.com/steveohanians/pulsedashboard-sub001/internal/resilient"
	"github.com/steveohanians/pulsedashboard-sub001/internal/scoring"
)

const landingPage = `<html><head><title>Acme Analytics</title>
<meta name="description" content="Dashboards for marketing teams."></head>
<body>
<h1>Know exactly what your marketing earns</h1>
<h2>One dashboard, every channel</h2>
<p>` + longCopy + `</p>
<a href="/about">About our story</a>
<a href="/privacy">Privacy Policy</a>
<a href="/contact">Contact us</a>
<a href="https://linkedin.com/company/acme">LinkedIn</a>
<a class="btn" href="/signup">Get started</a>
<a href="/demo">Book a demo</a>
<p>Trusted by 400 customers. Read their reviews.</p>
<form><input type="email"><input type="submit" value="Subscribe"></form>
<img src="/hero.png">
</body></html>`

const longCopy = `Founded in 2019, our team set out to make marketing attribution
honest. Our mission is simple: show the revenue behind every channel. We believe
our values of transparency and rigor matter more than vanity metrics, and our
customers agree. This paragraph exists to carry enough narrative copy that the
page reads like a real brand story rather than a slogan wall, with history,
intent, and a point of view spelled out in full sentences across several lines
of body text so depth checks have something real to measure.`

type fakeJudge struct {
	verdicts map[scoring.Criterion]AiVerdict
	errs     map[scoring.Criterion]error
	gotImage map[scoring.Criterion]string
}

func (f *fakeJudge) Classify(_ context.Context, c scoring.Criterion, _ collector.TextContext, imageURL string) (AiVerdict, error) {
	if f.gotImage == nil {
		f.gotImage = make(map[scoring.Criterion]string)
	}
	f.gotImage[c] = imageURL
	if err := f.errs[c]; err != nil {
		return AiVerdict{}, err
	}
	return f.verdicts[c], nil
}

type fakePerf struct {
	result PerformanceResult
	errs   []error
	calls  int
}

func (f *fakePerf) Measure(context.Context, string) (PerformanceResult, error) {
	defer func() { f.calls++ }()
	if f.calls < len(f.errs) {
		return PerformanceResult{}, f.errs[f.calls]
	}
	return f.result, nil
}

func newScorer(t *testing.T, judge AiJudge, perf PerformanceApi) *TieredScorer {
	t.Helper()
	policy := resilient.Policy{
		MaxAttempts:         3,
		AttemptTimeout:      time.Second,
		BaseDelay:           time.Millisecond,
		MaxDelay:            2 * time.Millisecond,
		ServerErrorMaxSleep: time.Millisecond,
	}
	return New(DefaultRegistry(), judge, perf, resilient.New(zap.NewNop()), policy, zap.NewNop())
}

func TestRunTier1ScoresAllFourCriteria(t *testing.T) {
	s := newScorer(t, &fakeJudge{}, &fakePerf{})
	runID := uuid.New()
	bundle := scoring.DataBundle{URL: "https://acme.example", RenderedHTML: landingPage}

	scores := s.RunTier1(context.Background(), runID, bundle)

	require.Len(t, scores, 4)
	byName := make(map[scoring.Criterion]scoring.CriterionScore)
	for _, sc := range scores {
		assert.Equal(t, runID, sc.RunID)
		assert.Equal(t, scoring.TierHTML, sc.Tier)
		byName[sc.Criterion] = sc
	}
	assert.Greater(t, byName[scoring.CriterionPositioning].Score, 8.0)
	assert.Greater(t, byName[scoring.CriterionCTAs].Score, 8.0)
	assert.NotEmpty(t, byName[scoring.CriterionTrustSignals].Passes.Passed)
}

func TestRunTier1DegradesToNeutralWithoutHTML(t *testing.T) {
	s := newScorer(t, &fakeJudge{}, &fakePerf{})

	scores := s.RunTier1(context.Background(), uuid.New(), scoring.DataBundle{URL: "https://acme.example"})

	require.Len(t, scores, 4)
	for _, sc := range scores {
		assert.Equal(t, NeutralScore, sc.Score)
		assert.Equal(t, true, sc.Evidence["degraded"])
	}
}

func TestRunTier2ContainsSingleJudgeFailure(t *testing.T) {
	judge := &fakeJudge{
		verdicts: map[scoring.Criterion]AiVerdict{
			scoring.CriterionUXQuality:   {Score: 8, Evidence: map[string]any{"reason": "clean layout"}},
			scoring.CriterionSocialProof: {Score: 7},
		},
		errs: map[scoring.Criterion]error{
			scoring.CriterionContentQuality: errors.New("model overloaded"),
		},
	}
	s := newScorer(t, judge, &fakePerf{})
	bundle := scoring.DataBundle{
		URL:                    "https://acme.example",
		RenderedHTML:           landingPage,
		AboveFoldScreenshotURL: "memory://shot.png",
	}

	scores := s.RunTier2(context.Background(), uuid.New(), bundle, nil)

	require.Len(t, scores, 3)
	byName := make(map[scoring.Criterion]scoring.CriterionScore)
	for _, sc := range scores {
		byName[sc.Criterion] = sc
	}
	assert.Equal(t, 8.0, byName[scoring.CriterionUXQuality].Score)
	assert.Equal(t, 7.0, byName[scoring.CriterionSocialProof].Score)

	degraded := byName[scoring.CriterionContentQuality]
	assert.Equal(t, NeutralScore, degraded.Score)
	assert.Equal(t, string(scoring.TagAIAPIError), degraded.Evidence["error_tag"])
}

func TestRunTier2TextOnlyWithoutScreenshot(t *testing.T) {
	judge := &fakeJudge{verdicts: map[scoring.Criterion]AiVerdict{
		scoring.CriterionUXQuality:      {Score: 6},
		scoring.CriterionContentQuality: {Score: 6},
		scoring.CriterionSocialProof:    {Score: 6},
	}}
	s := newScorer(t, judge, &fakePerf{})
	bundle := scoring.DataBundle{URL: "https://acme.example", RawHTML: landingPage}

	scores := s.RunTier2(context.Background(), uuid.New(), bundle, nil)

	require.Len(t, scores, 3)
	for _, sc := range scores {
		assert.Equal(t, "", judge.gotImage[sc.Criterion])
		assert.Equal(t, true, sc.Evidence["text_only"])
	}
}

func TestRunTier3SuccessCarriesVitals(t *testing.T) {
	perf := &fakePerf{result: PerformanceResult{
		Score:  9.1,
		Vitals: scoring.WebVitals{LCPMillis: 1800, CLS: 0.02},
	}}
	s := newScorer(t, &fakeJudge{}, perf)

	score, err := s.RunTier3(context.Background(), uuid.New(), "https://acme.example")
	require.NoError(t, err)

	assert.Equal(t, scoring.CriterionPerformance, score.Criterion)
	assert.Equal(t, 9.1, score.Score)
	assert.Equal(t, float64(1800), score.Evidence["lcp_ms"])
	assert.Equal(t, []string{"performance_api_reachable"}, score.Passes.Passed)
}

func TestRunTier3FallsBackAfterRetries(t *testing.T) {
	perf := &fakePerf{errs: []error{
		&resilient.ServerError{StatusCode: 502},
		&resilient.ServerError{StatusCode: 502},
		&resilient.ServerError{StatusCode: 502},
	}}
	s := newScorer(t, &fakeJudge{}, perf)

	score, err := s.RunTier3(context.Background(), uuid.New(), "https://acme.example")
	require.NoError(t, err)

	assert.Equal(t, FallbackScore, score.Score)
	assert.Equal(t, true, score.Evidence["fallback"])
	assert.Equal(t, string(resilient.FailureServerError), score.Evidence["failure_mode"])
	assert.Equal(t, 3, perf.calls)
}

func TestAggregateFullSet(t *testing.T) {
	s := newScorer(t, &fakeJudge{}, &fakePerf{})
	var scores []scoring.CriterionScore
	for i, c := range scoring.AllCriteria() {
		scores = append(scores, scoring.CriterionScore{Criterion: c, Score: float64(i + 1)})
	}

	overall, evidence, err := s.Aggregate(scores)
	require.NoError(t, err)

	assert.InDelta(t, 4.5, overall, 0.0001)
	assert.Equal(t, true, evidence["complete"])
	assert.NotContains(t, evidence, "missing")
}

func TestAggregatePartialSetFlagsIncomplete(t *testing.T) {
	s := newScorer(t, &fakeJudge{}, &fakePerf{})
	scores := []scoring.CriterionScore{
		{Criterion: scoring.CriterionPositioning, Score: 6},
		{Criterion: scoring.CriterionCTAs, Score: 8},
	}

	overall, evidence, err := s.Aggregate(scores)
	require.NoError(t, err)

	assert.Equal(t, 7.0, overall)
	assert.Equal(t, false, evidence["complete"])
	assert.Contains(t, evidence["missing"], "site_performance")
}

func TestAggregateEmptyIsError(t *testing.T) {
	s := newScorer(t, &fakeJudge{}, &fakePerf{})
	_, _, err := s.Aggregate(nil)
	require.Error(t, err)
}

func TestHTTPPerformanceApiClassifiesRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	api := NewHTTPPerformanceApi(srv.URL, "key")
	_, err := api.Measure(context.Background(), "https://acme.example")

	var rateErr *resilient.RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, 3*time.Second, rateErr.RetryAfter)
}

func TestHTTPPerformanceApiDecodesVitals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"score":8.5,"lcp_ms":2100,"cls":0.05,"fid_ms":40,"ttfb_ms":300}`))
	}))
	defer srv.Close()

	api := NewHTTPPerformanceApi(srv.URL, "key")
	got, err := api.Measure(context.Background(), "https://acme.example")
	require.NoError(t, err)

	assert.Equal(t, 8.5, got.Score)
	assert.Equal(t, float64(2100), got.Vitals.LCPMillis)
}
