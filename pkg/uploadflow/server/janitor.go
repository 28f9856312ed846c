package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/openkiln/uploadflow/pkg/uploadflow/storage"
)

// Janitor reaps uploads that were initialized or staged but never completed:
// the client aborts best-effort, so orphans accumulate whenever an abort is
// lost.
type Janitor struct {
	repo     Repository
	store    storage.BlobStore
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewJanitor creates a janitor reaping uploads idle longer than ttl, checked
// every interval.
func NewJanitor(repo Repository, store storage.BlobStore, ttl, interval time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{repo: repo, store: store, ttl: ttl, interval: interval, logger: logger}
}

// Run loops until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep deletes one batch of stale uploads and their staged bytes.
func (j *Janitor) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-j.ttl)
	stale, err := j.repo.ListStaleUploads(ctx, cutoff)
	if err != nil {
		j.logger.Error("failed to list stale uploads", "error", err)
		return
	}
	for _, upload := range stale {
		if err := j.store.Delete(ctx, upload.StagingKey); err != nil {
			j.logger.Warn("failed to delete staged object",
				"upload_id", upload.ID, "error", err)
		}
		if err := j.repo.DeleteUpload(ctx, upload.ID); err != nil {
			j.logger.Error("failed to delete stale upload",
				"upload_id", upload.ID, "error", err)
			continue
		}
		j.logger.Info("reaped stale upload",
			"upload_id", upload.ID, "idle_since", upload.UpdatedAt)
	}
}
