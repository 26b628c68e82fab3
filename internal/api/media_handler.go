package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/p2xai/gronka/pkg/gronka"
)

const maxUploadMemory = 32 << 20

// MediaHandler handles HTTP requests for media processing
type MediaHandler struct {
	service gronka.Service
}

// NewMediaHandler creates a new media handler
func NewMediaHandler(service gronka.Service) *MediaHandler {
	return &MediaHandler{service: service}
}

// Routes returns the routes for media processing
func (h *MediaHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.ProcessUpload)
	r.Post("/url", h.ProcessURL)

	return r
}

// ProcessURLRequest is the request body for processing a source URL
type ProcessURLRequest struct {
	SourceURL     string  `json:"source_url"`
	Kind          string  `json:"kind,omitempty"`
	OptimizeLevel int     `json:"optimize_level,omitempty"`
	TrimStart     float64 `json:"trim_start,omitempty"`
	TrimEnd       float64 `json:"trim_end,omitempty"`
	TargetKind    string  `json:"target_kind,omitempty"`
	SkipCache     bool    `json:"skip_cache,omitempty"`
	UserID        string  `json:"user_id,omitempty"`
}

// ProcessUpload accepts a multipart upload and runs it through the pipeline.
// Transform parameters arrive as ordinary form fields next to the file part.
func (h *MediaHandler) ProcessUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file part is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		slog.Error("Failed to read upload", "error", err)
		http.Error(w, "failed to read upload", http.StatusBadRequest)
		return
	}

	spec, err := transformFromForm(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req := gronka.ProcessUploadRequest{
		Data:      data,
		FileName:  header.Filename,
		KindHint:  r.FormValue("kind"),
		Transform: spec,
		UserID:    r.FormValue("user_id"),
	}

	result, err := h.service.ProcessUpload(r.Context(), req)
	if err != nil {
		writeServiceError(w, "Failed to process upload", err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, result)
}

// ProcessURL accepts a source URL and runs it through fetch and processing.
func (h *MediaHandler) ProcessURL(w http.ResponseWriter, r *http.Request) {
	var body ProcessURLRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req := gronka.ProcessURLRequest{
		SourceURL: body.SourceURL,
		KindHint:  body.Kind,
		SkipCache: body.SkipCache,
		UserID:    body.UserID,
		Transform: gronka.TransformSpec{
			OptimizeLevel: body.OptimizeLevel,
			TrimStart:     body.TrimStart,
			TrimEnd:       body.TrimEnd,
			TargetKind:    gronka.ParseMediaKind(body.TargetKind),
		},
	}

	result, err := h.service.ProcessURL(r.Context(), req)
	if err != nil {
		writeServiceError(w, "Failed to process URL", err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, result)
}

func transformFromForm(r *http.Request) (gronka.TransformSpec, error) {
	var spec gronka.TransformSpec

	if v := r.FormValue("optimize_level"); v != "" {
		level, err := strconv.Atoi(v)
		if err != nil {
			return spec, errors.New("optimize_level must be an integer")
		}
		spec.OptimizeLevel = level
	}
	if v := r.FormValue("trim_start"); v != "" {
		start, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return spec, errors.New("trim_start must be a number")
		}
		spec.TrimStart = start
	}
	if v := r.FormValue("trim_end"); v != "" {
		end, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return spec, errors.New("trim_end must be a number")
		}
		spec.TrimEnd = end
	}
	spec.TargetKind = gronka.ParseMediaKind(r.FormValue("target_kind"))

	return spec, nil
}

// writeServiceError maps domain errors onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, msg string, err error) {
	var validation *gronka.ValidationError
	var rateLimit *gronka.RateLimitError
	var stale *gronka.StaleResourceError

	switch {
	case errors.As(err, &validation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &rateLimit):
		if rateLimit.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(rateLimit.RetryAfter.Seconds())))
		}
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.As(err, &stale):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, gronka.ErrObjectNotFound),
		errors.Is(err, gronka.ErrOperationNotFound),
		errors.Is(err, gronka.ErrLedgerEntryNotFound),
		errors.Is(err, gronka.ErrMetricsNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		slog.Error(msg, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
