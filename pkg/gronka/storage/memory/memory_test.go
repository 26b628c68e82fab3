package memory_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2xai/gronka/pkg/gronka"
	memstorage "github.com/p2xai/gronka/pkg/gronka/storage/memory"
)

func TestUploadDownload(t *testing.T) {
	ctx := context.Background()
	backend := memstorage.New()

	key := "objects/img/ab/abc123.png"
	payload := []byte("png bytes")

	require.NoError(t, backend.Upload(ctx, key, bytes.NewReader(payload)))

	rc, err := backend.Download(ctx, key)
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = backend.Download(ctx, "objects/img/zz/missing.png")
	assert.Error(t, err)
}

func TestExists(t *testing.T) {
	ctx := context.Background()
	backend := memstorage.New()

	ok, err := backend.Exists(ctx, "objects/gif/ab/abc.gif")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, backend.Upload(ctx, "objects/gif/ab/abc.gif", bytes.NewReader([]byte("x"))))

	ok, err = backend.Exists(ctx, "objects/gif/ab/abc.gif")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetDownloadURL(t *testing.T) {
	ctx := context.Background()
	backend := memstorage.New()

	_, err := backend.GetDownloadURL(ctx, "objects/gif/ab/abc.gif", "")
	assert.Error(t, err)

	require.NoError(t, backend.Upload(ctx, "objects/gif/ab/abc.gif", bytes.NewReader([]byte("x"))))

	url, err := backend.GetDownloadURL(ctx, "objects/gif/ab/abc.gif", "cat.gif")
	require.NoError(t, err)
	assert.Equal(t, "memory://objects/gif/ab/abc.gif", url)
}

func TestObjectMeta(t *testing.T) {
	ctx := context.Background()
	backend := memstorage.New()

	err := backend.UploadWithParams(ctx, bytes.NewReader([]byte("gif data")), gronka.UploadParams{
		ObjectKey: "objects/gif/cd/cde.gif",
		MimeType:  "image/gif",
	})
	require.NoError(t, err)

	meta, err := backend.GetObjectMeta(ctx, "objects/gif/cd/cde.gif")
	require.NoError(t, err)
	assert.Equal(t, int64(8), meta.Size)
	assert.Equal(t, "image/gif", meta.ContentType)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	backend := memstorage.New()

	assert.Error(t, backend.Delete(ctx, "objects/vid/ef/efg.mp4"))

	require.NoError(t, backend.Upload(ctx, "objects/vid/ef/efg.mp4", bytes.NewReader([]byte("mp4"))))
	require.NoError(t, backend.Delete(ctx, "objects/vid/ef/efg.mp4"))

	ok, err := backend.Exists(ctx, "objects/vid/ef/efg.mp4")
	require.NoError(t, err)
	assert.False(t, ok)
}
