// Package memory implements an in-memory BlobStore for tests and
// development.
package memory

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/p2xai/gronka/pkg/gronka"
)

type object struct {
	data      []byte
	mimeType  string
	updatedAt time.Time
}

// Backend keeps every object in a map. Download URLs use the memory://
// scheme so they are recognizable in test output.
type Backend struct {
	mu      sync.RWMutex
	objects map[string]object
}

// New creates an in-memory storage backend.
func New() *Backend {
	return &Backend{objects: make(map[string]object)}
}

// Upload stores content under objectKey with a generic MIME type.
func (b *Backend) Upload(ctx context.Context, objectKey string, reader io.Reader) error {
	return b.put(objectKey, reader, "application/octet-stream")
}

// UploadWithParams stores content with its MIME type attached.
func (b *Backend) UploadWithParams(ctx context.Context, reader io.Reader, params gronka.UploadParams) error {
	return b.put(params.ObjectKey, reader, params.MimeType)
}

func (b *Backend) put(objectKey string, reader io.Reader, mimeType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.objects[objectKey] = object{data: data, mimeType: mimeType, updatedAt: time.Now()}
	b.mu.Unlock()
	return nil
}

// Download returns a reader over a copy-safe view of the stored bytes.
func (b *Backend) Download(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	b.mu.RLock()
	obj, ok := b.objects[objectKey]
	b.mu.RUnlock()

	if !ok {
		return nil, gronka.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Exists reports whether an object is stored under the key.
func (b *Backend) Exists(ctx context.Context, objectKey string) (bool, error) {
	b.mu.RLock()
	_, ok := b.objects[objectKey]
	b.mu.RUnlock()
	return ok, nil
}

// GetDownloadURL returns a memory:// URL for a stored object.
func (b *Backend) GetDownloadURL(ctx context.Context, objectKey string, downloadFilename string) (string, error) {
	b.mu.RLock()
	_, ok := b.objects[objectKey]
	b.mu.RUnlock()

	if !ok {
		return "", gronka.ErrObjectNotFound
	}
	return "memory://" + objectKey, nil
}

// GetObjectMeta retrieves metadata for a stored object.
func (b *Backend) GetObjectMeta(ctx context.Context, objectKey string) (*gronka.ObjectMeta, error) {
	b.mu.RLock()
	obj, ok := b.objects[objectKey]
	b.mu.RUnlock()

	if !ok {
		return nil, gronka.ErrObjectNotFound
	}

	return &gronka.ObjectMeta{
		Key:         objectKey,
		Size:        int64(len(obj.data)),
		ContentType: obj.mimeType,
		UpdatedAt:   obj.updatedAt,
		Metadata:    map[string]string{"content_type": obj.mimeType},
	}, nil
}

// Delete removes a stored object.
func (b *Backend) Delete(ctx context.Context, objectKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.objects[objectKey]; !ok {
		return gronka.ErrObjectNotFound
	}
	delete(b.objects, objectKey)
	return nil
}

var _ gronka.BlobStore = (*Backend)(nil)
