package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
)

// FilesHandler serves artifacts written by the filesystem storage backend.
type FilesHandler struct {
	baseDir string
}

// NewFilesHandler creates a new files handler rooted at baseDir
func NewFilesHandler(baseDir string) *FilesHandler {
	return &FilesHandler{baseDir: baseDir}
}

// Routes returns the routes for file downloads
func (h *FilesHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/*", h.ServeFile)

	return r
}

// ServeFile streams one stored object. The object key arrives as the
// wildcard remainder of the route.
func (h *FilesHandler) ServeFile(w http.ResponseWriter, r *http.Request) {
	objectKey := chi.URLParam(r, "*")
	if objectKey == "" {
		http.Error(w, "object key is required", http.StatusBadRequest)
		return
	}

	cleaned := filepath.Clean(objectKey)
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		http.Error(w, "invalid object key", http.StatusBadRequest)
		return
	}

	fullPath := filepath.Join(h.baseDir, cleaned)
	info, err := os.Stat(fullPath)
	if err != nil || info.IsDir() {
		http.Error(w, "object not found", http.StatusNotFound)
		return
	}

	if filename := r.URL.Query().Get("filename"); filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	}

	http.ServeFile(w, r, fullPath)
}
