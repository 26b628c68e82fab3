// Package downloader provides the HTTP implementation of the upstream
// fetch boundary.
package downloader

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/p2xai/gronka/pkg/gronka"
)

const defaultUserAgent = "gronka/1.0"

// HTTPDownloader fetches media over plain HTTP(S).
type HTTPDownloader struct {
	client    *http.Client
	userAgent string
}

// Option configures an HTTPDownloader.
type Option func(*HTTPDownloader)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(d *HTTPDownloader) {
		d.client = client
	}
}

// WithUserAgent sets the User-Agent header sent on every fetch.
func WithUserAgent(ua string) Option {
	return func(d *HTTPDownloader) {
		d.userAgent = ua
	}
}

// New creates a new HTTP downloader.
func New(opts ...Option) *HTTPDownloader {
	d := &HTTPDownloader{
		client:    &http.Client{Timeout: 5 * time.Minute},
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Fetch downloads rawURL subject to the given constraints. Expired or
// removed resources surface as StaleResourceError, throttling as
// RateLimitError, and other upstream failures as UpstreamError so callers
// can tell retryable conditions apart.
func (d *HTTPDownloader) Fetch(ctx context.Context, rawURL string, constraints gronka.FetchConstraints) (*gronka.DownloadResult, error) {
	if constraints.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, constraints.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &gronka.ValidationError{Field: "url", Reason: err.Error()}
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &gronka.UpstreamError{Service: "download", Err: fmt.Errorf("%w: %w", gronka.ErrDownloadFailed, err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, &gronka.StaleResourceError{URL: rawURL, Err: fmt.Errorf("upstream returned %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &gronka.RateLimitError{Service: "download", RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode != http.StatusOK:
		return nil, &gronka.UpstreamError{
			Service: "download",
			Err:     fmt.Errorf("%w: unexpected status %d", gronka.ErrDownloadFailed, resp.StatusCode),
		}
	}

	if constraints.MaxSizeBytes > 0 && resp.ContentLength > constraints.MaxSizeBytes {
		return nil, &gronka.ValidationError{
			Field:  "url",
			Reason: fmt.Sprintf("declared size %d exceeds limit %d", resp.ContentLength, constraints.MaxSizeBytes),
		}
	}

	data, err := readCapped(resp.Body, constraints.MaxSizeBytes)
	if err != nil {
		return nil, err
	}

	result := &gronka.DownloadResult{
		Data:     data,
		FileName: fileNameFrom(resp, rawURL),
	}
	result.Kind, result.Extension = classify(resp.Header.Get("Content-Type"), result.FileName, data)

	if constraints.ExpectedKind != "" && result.Kind != "" && result.Kind != constraints.ExpectedKind {
		return nil, &gronka.ValidationError{
			Field:  "url",
			Reason: fmt.Sprintf("expected %s but fetched %s", constraints.ExpectedKind, result.Kind),
		}
	}

	return result, nil
}

func readCapped(body io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, &gronka.UpstreamError{Service: "download", Err: fmt.Errorf("%w: %w", gronka.ErrDownloadFailed, err)}
		}
		return data, nil
	}

	// Read one byte past the cap so a lying Content-Length still trips it.
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, &gronka.UpstreamError{Service: "download", Err: fmt.Errorf("%w: %w", gronka.ErrDownloadFailed, err)}
	}
	if int64(len(data)) > limit {
		return nil, &gronka.ValidationError{
			Field:  "url",
			Reason: fmt.Sprintf("body exceeds limit %d", limit),
		}
	}
	return data, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func fileNameFrom(resp *http.Response, rawURL string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return name
			}
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if name := path.Base(u.Path); name != "" && name != "/" && name != "." {
			return name
		}
	}
	return ""
}

func classify(contentType, fileName string, data []byte) (gronka.MediaKind, string) {
	mediaType := contentType
	if mediaType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			mediaType = mt
		}
	}
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = http.DetectContentType(data)
	}

	ext := strings.TrimPrefix(strings.ToLower(path.Ext(fileName)), ".")

	switch {
	case mediaType == "image/gif":
		return gronka.KindGIF, "gif"
	case strings.HasPrefix(mediaType, "image/"):
		if ext == "" {
			ext = strings.TrimPrefix(mediaType, "image/")
		}
		return gronka.KindImage, ext
	case strings.HasPrefix(mediaType, "video/"):
		if ext == "" {
			ext = strings.TrimPrefix(mediaType, "video/")
		}
		return gronka.KindVideo, ext
	}

	// Fall back to the extension when the sniffer came up empty.
	if kind := gronka.ParseMediaKind(kindForExtension(ext)); kind != "" {
		return kind, ext
	}
	return "", ext
}

func kindForExtension(ext string) string {
	switch ext {
	case "gif":
		return string(gronka.KindGIF)
	case "png", "jpg", "jpeg", "webp", "bmp":
		return string(gronka.KindImage)
	case "mp4", "webm", "mov", "mkv", "avi":
		return string(gronka.KindVideo)
	}
	return ""
}

var _ gronka.Downloader = (*HTTPDownloader)(nil)
