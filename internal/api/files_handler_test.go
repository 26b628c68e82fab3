package api_test

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2xai/gronka/internal/api"
)

func TestServeFile(t *testing.T) {
	baseDir := t.TempDir()
	objectDir := filepath.Join(baseDir, "objects", "gif", "ab")
	require.NoError(t, os.MkdirAll(objectDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(objectDir, "abc.gif"), []byte("GIF89a data"), 0644))

	handler := api.NewFilesHandler(baseDir)

	t.Run("serves stored object", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/objects/gif/ab/abc.gif", nil)
		rec := httptest.NewRecorder()
		handler.Routes().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "GIF89a data", rec.Body.String())
	})

	t.Run("sets content disposition from query", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/objects/gif/ab/abc.gif?filename=funny.gif", nil)
		rec := httptest.NewRecorder()
		handler.Routes().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, `attachment; filename="funny.gif"`, rec.Header().Get("Content-Disposition"))
	})

	t.Run("missing object", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/objects/gif/zz/nope.gif", nil)
		rec := httptest.NewRecorder()
		handler.Routes().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("directory is not served", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/objects/gif/ab", nil)
		rec := httptest.NewRecorder()
		handler.Routes().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("rejects traversal", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/objects/gif/ab/abc.gif", nil)
		req.URL.Path = "/../secrets.txt"
		rec := httptest.NewRecorder()
		handler.Routes().ServeHTTP(rec, req)

		assert.NotEqual(t, http.StatusOK, rec.Code)
	})
}
