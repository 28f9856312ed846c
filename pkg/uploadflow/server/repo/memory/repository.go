// Package memory provides an in-memory upload repository for tests and
// development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/openkiln/uploadflow/pkg/uploadflow/server"
)

// Repository is an in-memory implementation of server.Repository.
type Repository struct {
	mu      sync.RWMutex
	uploads map[string]server.Upload
	images  map[string]server.Image
}

// New creates an empty repository.
func New() *Repository {
	return &Repository{
		uploads: make(map[string]server.Upload),
		images:  make(map[string]server.Image),
	}
}

var _ server.Repository = (*Repository)(nil)

func (r *Repository) CreateUpload(ctx context.Context, upload *server.Upload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploads[upload.ID] = *upload
	return nil
}

func (r *Repository) GetUpload(ctx context.Context, id string) (*server.Upload, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	upload, ok := r.uploads[id]
	if !ok {
		return nil, server.ErrUploadNotFound
	}
	out := upload
	return &out, nil
}

func (r *Repository) UpdateUpload(ctx context.Context, upload *server.Upload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.uploads[upload.ID]; !ok {
		return server.ErrUploadNotFound
	}
	r.uploads[upload.ID] = *upload
	return nil
}

func (r *Repository) DeleteUpload(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.uploads, id)
	return nil
}

func (r *Repository) ListStaleUploads(ctx context.Context, olderThan time.Time) ([]*server.Upload, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stale []*server.Upload
	for _, upload := range r.uploads {
		if upload.Status == server.UploadStatusComplete {
			continue
		}
		if upload.UpdatedAt.Before(olderThan) {
			out := upload
			stale = append(stale, &out)
		}
	}
	return stale, nil
}

func (r *Repository) CreateImage(ctx context.Context, img *server.Image) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[img.ID] = *img
	return nil
}

func (r *Repository) GetImage(ctx context.Context, id string) (*server.Image, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	img, ok := r.images[id]
	if !ok {
		return nil, server.ErrImageNotFound
	}
	out := img
	return &out, nil
}
