package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/steveohanians/pulsedashboard-sub001/internal/fetcher/headless"
	"github.com/steveohanians/pulsedashboard-sub001/internal/scoring"
	"github.com/steveohanians/pulsedashboard-sub001/internal/storage/memory"
)

type fakeRaw struct {
	html string
	err  error
}

func (f fakeRaw) FetchHTML(context.Context, string) (string, error) { return f.html, f.err }

type fakeRenderer struct {
	html  string
	err   error
	delay time.Duration
}

func (f fakeRenderer) Render(ctx context.Context, _ string) (string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.html, f.err
}

type fakeShots struct {
	err error
}

func (f fakeShots) Capture(_ context.Context, _ string, mode ScreenshotMode) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "memory://shots/" + string(mode) + ".png", nil
}

type fakeVitals struct {
	vitals *scoring.WebVitals
	err    error
}

func (f fakeVitals) Vitals(context.Context, string) (*scoring.WebVitals, error) {
	return f.vitals, f.err
}

func TestCollectAllFullBundle(t *testing.T) {
	c := New(
		fakeRaw{html: "<html>raw</html>"},
		fakeRenderer{html: "<html>rendered</html>"},
		fakeShots{},
		fakeVitals{vitals: &scoring.WebVitals{LCPMillis: 1200}},
		Config{},
		zap.NewNop(),
	)

	bundle := c.CollectAll(context.Background(), "https://example.com")

	assert.Equal(t, "<html>raw</html>", bundle.RawHTML)
	assert.Equal(t, "<html>rendered</html>", bundle.RenderedHTML)
	assert.Equal(t, "memory://shots/above-fold.png", bundle.AboveFoldScreenshotURL)
	assert.Equal(t, "memory://shots/full-page.png", bundle.FullPageScreenshotURL)
	require.NotNil(t, bundle.WebVitals)
	assert.Equal(t, float64(1200), bundle.WebVitals.LCPMillis)
	assert.Empty(t, bundle.Degraded())
}

func TestCollectAllOneFailureLeavesOthersIntact(t *testing.T) {
	c := New(
		fakeRaw{html: "<html>raw</html>"},
		fakeRenderer{err: errors.New("browser crashed")},
		fakeShots{},
		fakeVitals{vitals: &scoring.WebVitals{}},
		Config{},
		zap.NewNop(),
	)

	bundle := c.CollectAll(context.Background(), "https://example.com")

	assert.Equal(t, "browser crashed", bundle.RenderedHTMLError)
	assert.Empty(t, bundle.RenderedHTML)
	assert.Equal(t, "<html>raw</html>", bundle.RawHTML)
	assert.NotEmpty(t, bundle.AboveFoldScreenshotURL)
	assert.NotEmpty(t, bundle.FullPageScreenshotURL)
	assert.NotNil(t, bundle.WebVitals)
	assert.Equal(t, []string{"rendered_html"}, bundle.Degraded())
	assert.Equal(t, "<html>raw</html>", bundle.BestHTML())
}

func TestCollectAllSlowFetchHitsOwnTimeoutOnly(t *testing.T) {
	c := New(
		fakeRaw{html: "<html>raw</html>"},
		fakeRenderer{html: "never", delay: time.Second},
		fakeShots{},
		fakeVitals{vitals: &scoring.WebVitals{}},
		Config{RenderTimeout: 20 * time.Millisecond},
		zap.NewNop(),
	)

	bundle := c.CollectAll(context.Background(), "https://example.com")

	assert.Contains(t, bundle.RenderedHTMLError, context.DeadlineExceeded.Error())
	assert.Equal(t, "<html>raw</html>", bundle.RawHTML)
	assert.NotEmpty(t, bundle.AboveFoldScreenshotURL)
}

func TestCollectAllNilProvidersDegrade(t *testing.T) {
	c := New(fakeRaw{html: "<html/>"}, nil, nil, nil, Config{}, zap.NewNop())

	bundle := c.CollectAll(context.Background(), "https://example.com")

	assert.Equal(t, notConfigured, bundle.RenderedHTMLError)
	assert.Equal(t, notConfigured, bundle.AboveFoldScreenshotError)
	assert.Equal(t, notConfigured, bundle.FullPageScreenshotError)
	assert.Equal(t, notConfigured, bundle.WebVitalsError)
	assert.True(t, bundle.HasHTML())
}

type fakeCapturer struct {
	png []byte
	err error
}

func (f fakeCapturer) Screenshot(context.Context, string, headless.Mode) ([]byte, error) {
	return f.png, f.err
}

func TestBlobScreenshotProviderStoresCapture(t *testing.T) {
	blobs := memory.NewBlobStore()
	p := NewBlobScreenshotProvider(fakeCapturer{png: []byte("png-bytes")}, blobs)

	url, err := p.Capture(context.Background(), "https://example.com:8443/page", AboveFold)
	require.NoError(t, err)
	assert.Contains(t, url, "memory://")
	assert.Contains(t, url, "screenshots/example.com_8443/")
	assert.Contains(t, url, "above-fold")
}

func TestBlobScreenshotProviderCaptureError(t *testing.T) {
	p := NewBlobScreenshotProvider(fakeCapturer{err: errors.New("tab crashed")}, memory.NewBlobStore())

	_, err := p.Capture(context.Background(), "https://example.com", FullPage)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tab crashed")
}

func TestExtractTextContext(t *testing.T) {
	html := `<html><head><title> Acme Corp </title>
	<meta name="description" content="We make anvils."></head>
	<body>
	<h1>Heavy  Industry</h1>
	<h2>Since 1949</h2>
	<a href="/buy">Buy now</a>
	<a href="/buy2">Buy now</a>
	<script>var x = 1;</script>
	<p>Quality anvils for every coyote.</p>
	</body></html>`

	tc, err := ExtractTextContext(html)
	require.NoError(t, err)

	assert.Equal(t, "Acme Corp", tc.Title)
	assert.Equal(t, "We make anvils.", tc.MetaDescription)
	assert.Equal(t, []string{"Heavy Industry", "Since 1949"}, tc.Headings)
	assert.Equal(t, []string{"Buy now"}, tc.Links)
	assert.Contains(t, tc.BodyText, "Quality anvils for every coyote.")
	assert.NotContains(t, tc.BodyText, "var x")
}
