// Package storage defines the blob store interface the upload server writes
// to, with in-memory, filesystem, and S3-compatible implementations in the
// subpackages.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when an object key has no stored bytes.
var ErrNotFound = errors.New("object not found")

// ObjectMeta describes a stored object.
type ObjectMeta struct {
	Key         string
	Size        int64
	ContentType string
	UpdatedAt   time.Time
}

// BlobStore is the storage backend contract. Object keys are opaque,
// slash-separated paths chosen by the caller.
type BlobStore interface {
	// Upload stores the reader's bytes under key, replacing any existing
	// object.
	Upload(ctx context.Context, key, contentType string, r io.Reader) error

	// Download returns the object's bytes. The caller closes the reader.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Meta returns metadata for the object, or ErrNotFound.
	Meta(ctx context.Context, key string) (*ObjectMeta, error)
}
