package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/p2xai/gronka/pkg/gronka"
)

const defaultRecentLimit = 20

// OperationsHandler handles HTTP requests for operation history and metrics
type OperationsHandler struct {
	service gronka.Service
}

// NewOperationsHandler creates a new operations handler
func NewOperationsHandler(service gronka.Service) *OperationsHandler {
	return &OperationsHandler{service: service}
}

// Routes returns the routes for operations
func (h *OperationsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListRecent)
	r.Get("/{id}", h.GetOperation)

	return r
}

// GetOperation returns one operation with its step log.
func (h *OperationsHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid operation ID", http.StatusBadRequest)
		return
	}

	op, err := h.service.GetOperation(r.Context(), id)
	if err != nil {
		writeServiceError(w, "Failed to get operation", err)
		return
	}

	render.JSON(w, r, op)
}

// ListRecent returns the most recent operations, newest first.
func (h *OperationsHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	ops, err := h.service.ListRecentOperations(r.Context(), limit)
	if err != nil {
		writeServiceError(w, "Failed to list operations", err)
		return
	}

	render.JSON(w, r, ops)
}

// MetricsHandler handles HTTP requests for per-user metrics
type MetricsHandler struct {
	service gronka.Service
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(service gronka.Service) *MetricsHandler {
	return &MetricsHandler{service: service}
}

// Routes returns the routes for metrics
func (h *MetricsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/{userID}", h.GetUserMetrics)

	return r
}

// GetUserMetrics returns aggregate counters for one user.
func (h *MetricsHandler) GetUserMetrics(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		http.Error(w, "user ID is required", http.StatusBadRequest)
		return
	}

	metrics, err := h.service.GetUserMetrics(r.Context(), userID)
	if err != nil {
		writeServiceError(w, "Failed to get user metrics", err)
		return
	}

	render.JSON(w, r, metrics)
}
