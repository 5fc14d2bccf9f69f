package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/steveohanians/pulsedashboard-sub001/internal/collector"
	"github.com/steveohanians/pulsedashboard-sub001/internal/resilient"
	"github.com/steveohanians/pulsedashboard-sub001/internal/scoring"
)

// HTTPPerformanceApi calls the external performance measurement service.
type HTTPPerformanceApi struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPPerformanceApi constructs the client. The http.Client carries no
// timeout of its own; the resilient loop's per-attempt context bounds it.
func NewHTTPPerformanceApi(baseURL, apiKey string) *HTTPPerformanceApi {
	return &HTTPPerformanceApi{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{},
	}
}

// Measure implements PerformanceApi. Rate limits and server errors come back
// as the resilient package's typed errors.
func (p *HTTPPerformanceApi) Measure(ctx context.Context, target string) (PerformanceResult, error) {
	endpoint := fmt.Sprintf("%s/v1/measure?url=%s", p.baseURL, url.QueryEscape(target))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return PerformanceResult{}, fmt.Errorf("building measure request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return PerformanceResult{}, fmt.Errorf("performance api: %w", err)
	}
	defer resp.Body.Close()

	if err := resilient.ClassifyResponse(resp); err != nil {
		return PerformanceResult{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return PerformanceResult{}, fmt.Errorf("performance api: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		Score  float64 `json:"score"`
		LCPMs  float64 `json:"lcp_ms"`
		CLS    float64 `json:"cls"`
		FIDMs  float64 `json:"fid_ms"`
		TTFBMs float64 `json:"ttfb_ms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return PerformanceResult{}, scoring.NewStepError(scoring.TagParsingError, "performance_api", err)
	}
	return PerformanceResult{
		Score: payload.Score,
		Vitals: scoring.WebVitals{
			LCPMillis:  payload.LCPMs,
			CLS:        payload.CLS,
			FIDMillis:  payload.FIDMs,
			TTFBMillis: payload.TTFBMs,
		},
	}, nil
}

// VitalsAdapter exposes a PerformanceApi as the collector's best-effort
// vitals provider. No retries here; the scored tier-3 call does those.
type VitalsAdapter struct {
	Perf PerformanceApi
}

// Vitals measures once and returns the vitals, dropping the score.
func (v VitalsAdapter) Vitals(ctx context.Context, url string) (*scoring.WebVitals, error) {
	res, err := v.Perf.Measure(ctx, url)
	if err != nil {
		return nil, err
	}
	vitals := res.Vitals
	return &vitals, nil
}

// HTTPJudge calls the vision-capable judgment service. Prompting lives on the
// service side; this client only moves the context across the wire.
type HTTPJudge struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPJudge constructs the judge client with a bounded per-call latency.
func NewHTTPJudge(baseURL, apiKey string, timeout time.Duration) *HTTPJudge {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPJudge{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Classify implements AiJudge. An empty imageURL requests text-only judgment.
func (j *HTTPJudge) Classify(ctx context.Context, criterion scoring.Criterion, text collector.TextContext, imageURL string) (AiVerdict, error) {
	body, err := json.Marshal(struct {
		Criterion string                `json:"criterion"`
		Text      collector.TextContext `json:"text"`
		ImageURL  string                `json:"image_url,omitempty"`
	}{
		Criterion: string(criterion),
		Text:      text,
		ImageURL:  imageURL,
	})
	if err != nil {
		return AiVerdict{}, fmt.Errorf("encoding judge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.baseURL+"/v1/classify", bytes.NewReader(body))
	if err != nil {
		return AiVerdict{}, fmt.Errorf("building judge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if j.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+j.apiKey)
	}

	resp, err := j.client.Do(req)
	if err != nil {
		return AiVerdict{}, scoring.NewStepError(scoring.TagAIAPIError, "ai_judge", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return AiVerdict{}, scoring.NewStepError(scoring.TagAIAPIError, "ai_judge",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var payload struct {
		Score    float64        `json:"score"`
		Evidence map[string]any `json:"evidence"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return AiVerdict{}, scoring.NewStepError(scoring.TagParsingError, "ai_judge", err)
	}
	return AiVerdict{Score: payload.Score, Evidence: payload.Evidence}, nil
}
