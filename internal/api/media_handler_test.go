package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2xai/gronka/internal/api"
	"github.com/p2xai/gronka/pkg/gronka"
)

// stubService lets each test script exactly one service behavior.
type stubService struct {
	processUpload func(ctx context.Context, req gronka.ProcessUploadRequest) (*gronka.ProcessResult, error)
	processURL    func(ctx context.Context, req gronka.ProcessURLRequest) (*gronka.ProcessResult, error)
	getOperation  func(ctx context.Context, id uuid.UUID) (*gronka.Operation, error)
	listRecent    func(ctx context.Context, limit int) ([]*gronka.Operation, error)
	userMetrics   func(ctx context.Context, userID string) (*gronka.UserMetrics, error)
}

func (s *stubService) ProcessUpload(ctx context.Context, req gronka.ProcessUploadRequest) (*gronka.ProcessResult, error) {
	return s.processUpload(ctx, req)
}

func (s *stubService) ProcessURL(ctx context.Context, req gronka.ProcessURLRequest) (*gronka.ProcessResult, error) {
	return s.processURL(ctx, req)
}

func (s *stubService) GetOperation(ctx context.Context, id uuid.UUID) (*gronka.Operation, error) {
	return s.getOperation(ctx, id)
}

func (s *stubService) ListRecentOperations(ctx context.Context, limit int) ([]*gronka.Operation, error) {
	return s.listRecent(ctx, limit)
}

func (s *stubService) GetUserMetrics(ctx context.Context, userID string) (*gronka.UserMetrics, error) {
	return s.userMetrics(ctx, userID)
}

func (s *stubService) RunReaper(ctx context.Context, interval, threshold time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

func multipartUpload(t *testing.T, fields map[string]string, fileName string, fileData []byte) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	part, err := writer.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = part.Write(fileData)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	return &buf, writer.FormDataContentType()
}

func TestProcessUpload(t *testing.T) {
	opID := uuid.New()

	t.Run("successful upload", func(t *testing.T) {
		var captured gronka.ProcessUploadRequest
		svc := &stubService{
			processUpload: func(ctx context.Context, req gronka.ProcessUploadRequest) (*gronka.ProcessResult, error) {
				captured = req
				return &gronka.ProcessResult{
					OperationID: opID,
					ContentHash: "abc123",
					Kind:        gronka.KindGIF,
					DeliveryURL: "https://cdn.example.com/abc123.gif",
					Method:      gronka.DeliveryRemote,
				}, nil
			},
		}
		handler := api.NewMediaHandler(svc)

		body, contentType := multipartUpload(t, map[string]string{
			"kind":           "gif",
			"user_id":        "user-1",
			"optimize_level": "35",
			"trim_start":     "1.5",
			"trim_end":       "4.5",
			"target_kind":    "gif",
		}, "cat.gif", []byte("GIF89a data"))

		req := httptest.NewRequest(http.MethodPost, "/", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		handler.Routes().ServeHTTP(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code)

		assert.Equal(t, "cat.gif", captured.FileName)
		assert.Equal(t, "gif", captured.KindHint)
		assert.Equal(t, "user-1", captured.UserID)
		assert.Equal(t, 35, captured.Transform.OptimizeLevel)
		assert.Equal(t, 1.5, captured.Transform.TrimStart)
		assert.Equal(t, gronka.KindGIF, captured.Transform.TargetKind)

		var result gronka.ProcessResult
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
		assert.Equal(t, opID, result.OperationID)
		assert.Equal(t, "abc123", result.ContentHash)
	})

	t.Run("missing file part", func(t *testing.T) {
		handler := api.NewMediaHandler(&stubService{})

		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		require.NoError(t, writer.WriteField("kind", "gif"))
		require.NoError(t, writer.Close())

		req := httptest.NewRequest(http.MethodPost, "/", &buf)
		req.Header.Set("Content-Type", writer.FormDataContentType())
		rec := httptest.NewRecorder()
		handler.Routes().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad transform field", func(t *testing.T) {
		handler := api.NewMediaHandler(&stubService{})

		body, contentType := multipartUpload(t, map[string]string{
			"optimize_level": "high",
		}, "cat.gif", []byte("GIF89a data"))

		req := httptest.NewRequest(http.MethodPost, "/", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		handler.Routes().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("validation error from service", func(t *testing.T) {
		svc := &stubService{
			processUpload: func(ctx context.Context, req gronka.ProcessUploadRequest) (*gronka.ProcessResult, error) {
				return nil, &gronka.ValidationError{Field: "data", Reason: "input is empty"}
			},
		}
		handler := api.NewMediaHandler(svc)

		body, contentType := multipartUpload(t, nil, "empty.gif", nil)
		req := httptest.NewRequest(http.MethodPost, "/", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		handler.Routes().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "input is empty")
	})
}

func TestProcessURL(t *testing.T) {
	t.Run("successful url processing", func(t *testing.T) {
		var captured gronka.ProcessURLRequest
		svc := &stubService{
			processURL: func(ctx context.Context, req gronka.ProcessURLRequest) (*gronka.ProcessResult, error) {
				captured = req
				return &gronka.ProcessResult{
					OperationID: uuid.New(),
					FromLedger:  true,
				}, nil
			},
		}
		handler := api.NewMediaHandler(svc)

		payload := `{"source_url":"https://example.com/cat.gif","kind":"gif","optimize_level":20,"skip_cache":true,"user_id":"user-2"}`
		req := httptest.NewRequest(http.MethodPost, "/url", strings.NewReader(payload))
		rec := httptest.NewRecorder()
		handler.Routes().ServeHTTP(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "https://example.com/cat.gif", captured.SourceURL)
		assert.Equal(t, "gif", captured.KindHint)
		assert.Equal(t, 20, captured.Transform.OptimizeLevel)
		assert.True(t, captured.SkipCache)
		assert.Equal(t, "user-2", captured.UserID)
	})

	t.Run("malformed json", func(t *testing.T) {
		handler := api.NewMediaHandler(&stubService{})

		req := httptest.NewRequest(http.MethodPost, "/url", strings.NewReader("{not json"))
		rec := httptest.NewRecorder()
		handler.Routes().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rate limit carries retry header", func(t *testing.T) {
		svc := &stubService{
			processURL: func(ctx context.Context, req gronka.ProcessURLRequest) (*gronka.ProcessResult, error) {
				return nil, &gronka.RateLimitError{Service: "download", RetryAfter: 30 * time.Second}
			},
		}
		handler := api.NewMediaHandler(svc)

		req := httptest.NewRequest(http.MethodPost, "/url", strings.NewReader(`{"source_url":"https://example.com/cat.gif"}`))
		rec := httptest.NewRecorder()
		handler.Routes().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	})

	t.Run("stale resource", func(t *testing.T) {
		svc := &stubService{
			processURL: func(ctx context.Context, req gronka.ProcessURLRequest) (*gronka.ProcessResult, error) {
				return nil, &gronka.StaleResourceError{URL: req.SourceURL, Err: errors.New("upstream returned 404")}
			},
		}
		handler := api.NewMediaHandler(svc)

		req := httptest.NewRequest(http.MethodPost, "/url", strings.NewReader(`{"source_url":"https://example.com/gone.gif"}`))
		rec := httptest.NewRecorder()
		handler.Routes().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("unexpected error is internal", func(t *testing.T) {
		svc := &stubService{
			processURL: func(ctx context.Context, req gronka.ProcessURLRequest) (*gronka.ProcessResult, error) {
				return nil, errors.New("boom")
			},
		}
		handler := api.NewMediaHandler(svc)

		req := httptest.NewRequest(http.MethodPost, "/url", strings.NewReader(`{"source_url":"https://example.com/cat.gif"}`))
		rec := httptest.NewRecorder()
		handler.Routes().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
