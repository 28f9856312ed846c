package server

import (
	"context"
	"errors"
	"time"
)

// Upload statuses.
type UploadStatus string

const (
	UploadStatusPending  UploadStatus = "pending"
	UploadStatusUploaded UploadStatus = "uploaded"
	UploadStatusComplete UploadStatus = "complete"
)

// Repository lookup errors.
var (
	ErrUploadNotFound = errors.New("upload not found")
	ErrImageNotFound  = errors.New("image not found")
)

// Upload is a two-phase upload in progress. Pending uploads hold their bytes
// under a staging key until completion promotes them to an Image.
type Upload struct {
	ID         string
	FileName   string
	MIMEType   string
	SizeBytes  int64
	Status     UploadStatus
	StagingKey string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Image is a completed, stored image.
type Image struct {
	ID         string
	StorageKey string
	FileName   string
	MIMEType   string
	SizeBytes  int64
	CreatedAt  time.Time
}

// Repository persists upload and image records.
type Repository interface {
	CreateUpload(ctx context.Context, upload *Upload) error
	GetUpload(ctx context.Context, id string) (*Upload, error)
	UpdateUpload(ctx context.Context, upload *Upload) error
	DeleteUpload(ctx context.Context, id string) error

	// ListStaleUploads returns uploads still pending or uploaded whose last
	// update is older than the cutoff. The janitor reaps these.
	ListStaleUploads(ctx context.Context, olderThan time.Time) ([]*Upload, error)

	CreateImage(ctx context.Context, img *Image) error
	GetImage(ctx context.Context, id string) (*Image, error)
}
