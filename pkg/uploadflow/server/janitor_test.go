package server_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkiln/uploadflow/pkg/uploadflow/server"
	repomem "github.com/openkiln/uploadflow/pkg/uploadflow/server/repo/memory"
	storemem "github.com/openkiln/uploadflow/pkg/uploadflow/storage/memory"
)

func TestJanitorSweep(t *testing.T) {
	ctx := context.Background()
	repo := repomem.New()
	store := storemem.New()

	old := &server.Upload{
		ID:         "stale-1",
		FileName:   "a.png",
		Status:     server.UploadStatusPending,
		StagingKey: "staging/stale-1",
		CreatedAt:  time.Now().Add(-2 * time.Hour),
		UpdatedAt:  time.Now().Add(-2 * time.Hour),
	}
	require.NoError(t, repo.CreateUpload(ctx, old))
	require.NoError(t, store.Upload(ctx, old.StagingKey, "image/png", strings.NewReader("bytes")))

	fresh := &server.Upload{
		ID:         "fresh-1",
		FileName:   "b.png",
		Status:     server.UploadStatusPending,
		StagingKey: "staging/fresh-1",
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	require.NoError(t, repo.CreateUpload(ctx, fresh))

	done := &server.Upload{
		ID:         "done-1",
		FileName:   "c.png",
		Status:     server.UploadStatusComplete,
		StagingKey: "staging/done-1",
		CreatedAt:  time.Now().Add(-2 * time.Hour),
		UpdatedAt:  time.Now().Add(-2 * time.Hour),
	}
	require.NoError(t, repo.CreateUpload(ctx, done))

	j := server.NewJanitor(repo, store, time.Hour, time.Minute, nil)
	j.Sweep(ctx)

	_, err := repo.GetUpload(ctx, "stale-1")
	assert.ErrorIs(t, err, server.ErrUploadNotFound, "stale pending upload is reaped")
	_, err = store.Meta(ctx, "staging/stale-1")
	assert.Error(t, err, "staged bytes are reaped")

	_, err = repo.GetUpload(ctx, "fresh-1")
	assert.NoError(t, err, "fresh upload survives")
	_, err = repo.GetUpload(ctx, "done-1")
	assert.NoError(t, err, "completed uploads are never reaped")
}
