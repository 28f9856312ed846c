// Package memory provides an in-memory blob store for tests and development.
package memory

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/openkiln/uploadflow/pkg/uploadflow/storage"
)

type object struct {
	data        []byte
	contentType string
	updatedAt   time.Time
}

// Backend is an in-memory implementation of storage.BlobStore.
type Backend struct {
	mu      sync.RWMutex
	objects map[string]object
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{objects: make(map[string]object)}
}

var _ storage.BlobStore = (*Backend)(nil)

func (b *Backend) Upload(ctx context.Context, key, contentType string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = object{data: data, contentType: contentType, updatedAt: time.Now()}
	return nil
}

func (b *Backend) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *Backend) Meta(ctx context.Context, key string) (*storage.ObjectMeta, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.ObjectMeta{
		Key:         key,
		Size:        int64(len(obj.data)),
		ContentType: obj.contentType,
		UpdatedAt:   obj.updatedAt,
	}, nil
}
