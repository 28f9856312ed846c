package memory

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkiln/uploadflow/pkg/uploadflow/storage"
)

func TestBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := New()

	err := b.Upload(ctx, "images/a.jpg", "image/jpeg", strings.NewReader("jpeg bytes"))
	require.NoError(t, err)

	rc, err := b.Download(ctx, "images/a.jpg")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "jpeg bytes", string(data))

	meta, err := b.Meta(ctx, "images/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, int64(len("jpeg bytes")), meta.Size)
	assert.Equal(t, "image/jpeg", meta.ContentType)
	assert.False(t, meta.UpdatedAt.IsZero())
}

func TestBackendMissingObject(t *testing.T) {
	ctx := context.Background()
	b := New()

	_, err := b.Download(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = b.Meta(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBackendDelete(t *testing.T) {
	ctx := context.Background()
	b := New()

	require.NoError(t, b.Upload(ctx, "k", "text/plain", strings.NewReader("x")))
	require.NoError(t, b.Delete(ctx, "k"))
	_, err := b.Download(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.NoError(t, b.Delete(ctx, "k"), "deleting a missing key is not an error")
}

func TestBackendUploadReplaces(t *testing.T) {
	ctx := context.Background()
	b := New()

	require.NoError(t, b.Upload(ctx, "k", "text/plain", strings.NewReader("one")))
	require.NoError(t, b.Upload(ctx, "k", "text/plain", strings.NewReader("two")))

	rc, err := b.Download(ctx, "k")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "two", string(data))
}
