// Package fs implements the local-disk rung of the fulfillment chain.
// Artifacts land here when both inline delivery and the remote store fail,
// and are served back through the download route.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/p2xai/gronka/pkg/gronka"
)

// Config options for the filesystem backend.
type Config struct {
	// BaseDir is the root all object keys resolve under.
	BaseDir string

	// URLPrefix is prepended to download URLs. Empty means URLs are
	// relative to the serving host.
	URLPrefix string
}

// Backend stores artifacts as plain files under BaseDir, one file per
// object key.
type Backend struct {
	baseDir   string
	urlPrefix string
}

// New creates a filesystem storage backend rooted at cfg.BaseDir.
func New(cfg Config) (*Backend, error) {
	if cfg.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &Backend{baseDir: cfg.BaseDir, urlPrefix: cfg.URLPrefix}, nil
}

func (b *Backend) objectPath(objectKey string) string {
	return filepath.Join(b.baseDir, objectKey)
}

// Upload writes content under objectKey. The write goes through a temp file
// and a rename, so a crash mid-write never leaves a partial object behind.
func (b *Backend) Upload(ctx context.Context, objectKey string, reader io.Reader) error {
	dst := b.objectPath(objectKey)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to place object: %w", err)
	}
	return nil
}

// UploadWithParams writes content under the key from params. The MIME type
// is not stored on disk, it is re-detected on read.
func (b *Backend) UploadWithParams(ctx context.Context, reader io.Reader, params gronka.UploadParams) error {
	return b.Upload(ctx, params.ObjectKey, reader)
}

// Download opens the stored file. The caller owns the returned reader.
func (b *Backend) Download(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	file, err := os.Open(b.objectPath(objectKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, gronka.ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to open object: %w", err)
	}
	return file, nil
}

// Exists reports whether a file is stored under the key.
func (b *Backend) Exists(ctx context.Context, objectKey string) (bool, error) {
	_, err := os.Stat(b.objectPath(objectKey))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object: %w", err)
	}
	return true, nil
}

// GetDownloadURL returns a locally-served URL for the object. Without a
// configured prefix the URL is relative to the serving host.
func (b *Backend) GetDownloadURL(ctx context.Context, objectKey string, downloadFilename string) (string, error) {
	if downloadFilename != "" {
		return fmt.Sprintf("%s/download/%s?filename=%s", b.urlPrefix, objectKey, url.QueryEscape(downloadFilename)), nil
	}
	return fmt.Sprintf("%s/download/%s", b.urlPrefix, objectKey), nil
}

// GetObjectMeta stats the file and sniffs its content type from the first
// 512 bytes.
func (b *Backend) GetObjectMeta(ctx context.Context, objectKey string) (*gronka.ObjectMeta, error) {
	path := b.objectPath(objectKey)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, gronka.ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}

	contentType := "application/octet-stream"
	if file, err := os.Open(path); err == nil {
		head := make([]byte, 512)
		if n, err := file.Read(head); err == nil {
			contentType = http.DetectContentType(head[:n])
		}
		file.Close()
	}

	return &gronka.ObjectMeta{
		Key:         objectKey,
		Size:        info.Size(),
		ContentType: contentType,
		UpdatedAt:   info.ModTime(),
		Metadata:    map[string]string{"content_type": contentType},
	}, nil
}

// Delete removes the file and sweeps up any directories the removal left
// empty, so the shard tree does not accumulate husks.
func (b *Backend) Delete(ctx context.Context, objectKey string) error {
	path := b.objectPath(objectKey)

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return gronka.ErrObjectNotFound
		}
		return fmt.Errorf("failed to delete object: %w", err)
	}

	for dir := filepath.Dir(path); dir != b.baseDir; dir = filepath.Dir(dir) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			break
		}
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

var _ gronka.BlobStore = (*Backend)(nil)
