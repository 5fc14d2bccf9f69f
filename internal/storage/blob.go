// Package storage defines the blob store holding captured screenshot
// artifacts, independent of the backing implementation.
package storage

import (
	"context"
	"io"
)

// BlobStore persists one artifact and returns a stable URL for it.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// NoOpStore discards artifacts; useful for dry runs where screenshots are
// captured but not retained.
type NoOpStore struct{}

// PutObject drops the data and returns an empty URL.
func (NoOpStore) PutObject(_ context.Context, _ string, _ string, _ io.Reader) (string, error) {
	return "", nil
}
