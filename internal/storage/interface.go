package storage

import (
	"context"
	"io"
)

// ObjectStorage is the blob store processed images are written to.
type ObjectStorage interface {
	// EnsureBucket creates the target bucket when the backend allows it.
	EnsureBucket(ctx context.Context) error

	// Upload writes an object under key.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Exists reports whether an object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// GetURL returns the address consumers use to fetch the object.
	GetURL(key string) string
}
