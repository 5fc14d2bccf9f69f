// Package headless renders pages and captures screenshots with headless
// Chrome via chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrDisabled indicates headless rendering is disabled via configuration.
var ErrDisabled = errors.New("headless browser disabled")

// Mode selects a screenshot variant.
type Mode string

// Screenshot modes.
const (
	ModeAboveFold Mode = "above-fold"
	ModeFullPage  Mode = "full-page"
)

// Config controls the shared browser.
type Config struct {
	MaxParallel    int
	UserAgent      string
	NavTimeout     time.Duration
	DomainQPS      float64
	ViewportWidth  int
	ViewportHeight int
}

// Browser owns one warmed Chrome process; each call gets its own tab. Calls
// are bounded by a semaphore and per-domain rate limits.
type Browser struct {
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	logger          *zap.Logger
	sem             chan struct{}
	cfg             Config
	domainLimiters  sync.Map
}

// New launches and warms the browser.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	if cfg.MaxParallel <= 0 {
		return nil, ErrDisabled
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = 1440
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = 900
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.UserAgent(cfg.UserAgent),
	)
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		allocatorCancel()
		browserCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &Browser{
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		logger:          logger,
		sem:             make(chan struct{}, cfg.MaxParallel),
		cfg:             cfg,
	}, nil
}

// Close tears down the browser and allocator contexts.
func (b *Browser) Close(context.Context) error {
	if b == nil {
		return nil
	}
	b.browserCancel()
	b.allocatorCancel()
	return nil
}

// Render navigates with JavaScript enabled and returns the settled DOM.
func (b *Browser) Render(ctx context.Context, rawURL string) (string, error) {
	var html string
	err := b.withTab(ctx, rawURL, chromedp.Tasks{
		emulation.SetUserAgentOverride(b.cfg.UserAgent),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	})
	if err != nil {
		return "", fmt.Errorf("render page: %w", err)
	}
	return html, nil
}

// Screenshot captures the page in the requested mode and returns PNG bytes.
func (b *Browser) Screenshot(ctx context.Context, rawURL string, mode Mode) ([]byte, error) {
	var buf []byte
	tasks := chromedp.Tasks{
		emulation.SetUserAgentOverride(b.cfg.UserAgent),
		chromedp.EmulateViewport(int64(b.cfg.ViewportWidth), int64(b.cfg.ViewportHeight)),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	switch mode {
	case ModeAboveFold:
		tasks = append(tasks, chromedp.CaptureScreenshot(&buf))
	case ModeFullPage:
		tasks = append(tasks, chromedp.FullScreenshot(&buf, 90))
	default:
		return nil, fmt.Errorf("unknown screenshot mode %q", mode)
	}
	if err := b.withTab(ctx, rawURL, tasks); err != nil {
		return nil, fmt.Errorf("capture %s screenshot: %w", mode, err)
	}
	return buf, nil
}

func (b *Browser) withTab(ctx context.Context, rawURL string, tasks chromedp.Tasks) error {
	if b == nil {
		return ErrDisabled
	}
	release, err := b.acquireSlot(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := b.waitDomainBudget(ctx, rawURL); err != nil {
		return fmt.Errorf("browser rate limit: %w", err)
	}

	tabCtx, cancelTab := chromedp.NewContext(b.browserCtx)
	defer cancelTab()

	taskCtx, cancelTask := context.WithTimeout(tabCtx, b.cfg.NavTimeout)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	if err := chromedp.Run(taskCtx, tasks); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func (b *Browser) acquireSlot(ctx context.Context) (func(), error) {
	select {
	case b.sem <- struct{}{}:
		return func() { <-b.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire browser slot: %w", ctx.Err())
	}
}

func (b *Browser) waitDomainBudget(ctx context.Context, rawURL string) error {
	if b.cfg.DomainQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := b.domainLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(b.cfg.DomainQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	return limiter.Wait(ctx)
}

// forwardCancel propagates the caller's cancellation into the tab task.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
