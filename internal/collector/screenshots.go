package collector

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/steveohanians/pulsedashboard-sub001/internal/fetcher/headless"
	"github.com/steveohanians/pulsedashboard-sub001/internal/storage"
)

// Capturer is the screenshot half of the headless browser.
type Capturer interface {
	Screenshot(ctx context.Context, rawURL string, mode headless.Mode) ([]byte, error)
}

// BlobScreenshotProvider captures a page with the headless browser and
// persists the PNG to a blob store, returning the stored URL.
type BlobScreenshotProvider struct {
	browser Capturer
	blobs   storage.BlobStore
	now     func() time.Time
}

// NewBlobScreenshotProvider wires a capturer to a blob store.
func NewBlobScreenshotProvider(browser Capturer, blobs storage.BlobStore) *BlobScreenshotProvider {
	return &BlobScreenshotProvider{
		browser: browser,
		blobs:   blobs,
		now:     time.Now,
	}
}

// Capture implements ScreenshotProvider.
func (p *BlobScreenshotProvider) Capture(ctx context.Context, rawURL string, mode ScreenshotMode) (string, error) {
	browserMode := headless.ModeAboveFold
	if mode == FullPage {
		browserMode = headless.ModeFullPage
	}
	png, err := p.browser.Screenshot(ctx, rawURL, browserMode)
	if err != nil {
		return "", fmt.Errorf("capturing %s screenshot: %w", mode, err)
	}
	path := p.objectPath(rawURL, mode)
	storedURL, err := p.blobs.PutObject(ctx, path, "image/png", bytes.NewReader(png))
	if err != nil {
		return "", fmt.Errorf("storing %s screenshot: %w", mode, err)
	}
	return storedURL, nil
}

// objectPath keys screenshots by host, day, and a fresh id so repeated runs
// never overwrite each other.
func (p *BlobScreenshotProvider) objectPath(rawURL string, mode ScreenshotMode) string {
	host := "unknown-host"
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = strings.ReplaceAll(u.Host, ":", "_")
	}
	day := p.now().UTC().Format("2006-01-02")
	return fmt.Sprintf("screenshots/%s/%s/%s-%s.png", host, day, mode, uuid.NewString())
}
