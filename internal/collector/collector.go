// Package collector gathers the raw materials a scoring run needs for one
// URL: raw HTML, rendered HTML, two screenshots, and web vitals.
package collector

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/steveohanians/pulsedashboard-sub001/internal/scoring"
)

// ScreenshotMode selects the capture variant.
type ScreenshotMode string

// Screenshot modes.
const (
	AboveFold ScreenshotMode = "above-fold"
	FullPage  ScreenshotMode = "full-page"
)

// RawFetcher retrieves a page's raw (non-rendered) HTML.
type RawFetcher interface {
	FetchHTML(ctx context.Context, url string) (string, error)
}

// Renderer retrieves the JavaScript-settled DOM.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// ScreenshotProvider captures a screenshot and returns its stored URL.
type ScreenshotProvider interface {
	Capture(ctx context.Context, url string, mode ScreenshotMode) (string, error)
}

// VitalsProvider takes a quick best-effort web-vitals measurement. This is
// distinct from the scored tier-3 call: degradation here is free.
type VitalsProvider interface {
	Vitals(ctx context.Context, url string) (*scoring.WebVitals, error)
}

// Config bounds each individual fetch.
type Config struct {
	RawHTMLTimeout    time.Duration
	RenderTimeout     time.Duration
	ScreenshotTimeout time.Duration
	VitalsTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.RawHTMLTimeout <= 0 {
		c.RawHTMLTimeout = 15 * time.Second
	}
	if c.RenderTimeout <= 0 {
		c.RenderTimeout = 45 * time.Second
	}
	if c.ScreenshotTimeout <= 0 {
		c.ScreenshotTimeout = 45 * time.Second
	}
	if c.VitalsTimeout <= 0 {
		c.VitalsTimeout = 30 * time.Second
	}
	return c
}

// Collector runs the fetches concurrently. Any provider may be nil; its
// field then degrades with a "not configured" error string.
type Collector struct {
	raw         RawFetcher
	renderer    Renderer
	screenshots ScreenshotProvider
	vitals      VitalsProvider
	cfg         Config
	logger      *zap.Logger
}

// New constructs a Collector.
func New(
	raw RawFetcher,
	renderer Renderer,
	screenshots ScreenshotProvider,
	vitals VitalsProvider,
	cfg Config,
	logger *zap.Logger,
) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		raw:         raw,
		renderer:    renderer,
		screenshots: screenshots,
		vitals:      vitals,
		cfg:         cfg.withDefaults(),
		logger:      logger,
	}
}

const notConfigured = "provider not configured"

// CollectAll issues every fetch concurrently, each under its own timeout.
// One fetch failing degrades only its own field; the bundle itself never
// fails. Sequential execution here is the latency bug this component exists
// to avoid.
func (c *Collector) CollectAll(ctx context.Context, url string) scoring.DataBundle {
	bundle := scoring.DataBundle{URL: url}
	var wg sync.WaitGroup

	run := func(timeout time.Duration, fetch func(ctx context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fetchCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			fetch(fetchCtx)
		}()
	}

	run(c.cfg.RawHTMLTimeout, func(fetchCtx context.Context) {
		if c.raw == nil {
			bundle.RawHTMLError = notConfigured
			return
		}
		html, err := c.raw.FetchHTML(fetchCtx, url)
		if err != nil {
			bundle.RawHTMLError = err.Error()
			c.logger.Warn("raw html fetch degraded", zap.String("url", url), zap.Error(err))
			return
		}
		bundle.RawHTML = html
	})

	run(c.cfg.RenderTimeout, func(fetchCtx context.Context) {
		if c.renderer == nil {
			bundle.RenderedHTMLError = notConfigured
			return
		}
		html, err := c.renderer.Render(fetchCtx, url)
		if err != nil {
			bundle.RenderedHTMLError = err.Error()
			c.logger.Warn("render degraded", zap.String("url", url), zap.Error(err))
			return
		}
		bundle.RenderedHTML = html
	})

	run(c.cfg.ScreenshotTimeout, func(fetchCtx context.Context) {
		if c.screenshots == nil {
			bundle.AboveFoldScreenshotError = notConfigured
			return
		}
		shotURL, err := c.screenshots.Capture(fetchCtx, url, AboveFold)
		if err != nil {
			bundle.AboveFoldScreenshotError = err.Error()
			c.logger.Warn("above-fold screenshot degraded", zap.String("url", url), zap.Error(err))
			return
		}
		bundle.AboveFoldScreenshotURL = shotURL
	})

	run(c.cfg.ScreenshotTimeout, func(fetchCtx context.Context) {
		if c.screenshots == nil {
			bundle.FullPageScreenshotError = notConfigured
			return
		}
		shotURL, err := c.screenshots.Capture(fetchCtx, url, FullPage)
		if err != nil {
			bundle.FullPageScreenshotError = err.Error()
			c.logger.Warn("full-page screenshot degraded", zap.String("url", url), zap.Error(err))
			return
		}
		bundle.FullPageScreenshotURL = shotURL
	})

	run(c.cfg.VitalsTimeout, func(fetchCtx context.Context) {
		if c.vitals == nil {
			bundle.WebVitalsError = notConfigured
			return
		}
		vitals, err := c.vitals.Vitals(fetchCtx, url)
		if err != nil {
			bundle.WebVitalsError = err.Error()
			c.logger.Warn("web vitals degraded", zap.String("url", url), zap.Error(err))
			return
		}
		bundle.WebVitals = vitals
	})

	wg.Wait()
	return bundle
}
