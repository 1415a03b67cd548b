// Package api provides the HTTP API handlers and routing for the job controller.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"jobctl/internal/apperrors"
	"jobctl/internal/health"
	"jobctl/internal/job"
	"jobctl/internal/observability"
)

// maxRequestBodySize caps every request body.
const maxRequestBodySize = 1 << 20

// Handler contains HTTP handlers for the job controller API
type Handler struct {
	svc     *job.Service
	metrics *observability.Metrics
	health  *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, metrics *observability.Metrics, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:     svc,
		metrics: metrics,
		health:  healthChecker,
	}
}

// StartJob handles POST /v1/jobs/{jobId}/start
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	var req job.StartRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.svc.Start(r.Context(), id, &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// StopJob handles POST /v1/jobs/{jobId}/stop
func (h *Handler) StopJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}

	resp, err := h.svc.Stop(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ModifyJob handles POST /v1/jobs/{jobId}/modify
func (h *Handler) ModifyJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	var req job.ModifyRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.svc.Modify(r.Context(), id, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DestroyExecutor handles DELETE /v1/jobs/{jobId}/executor
func (h *Handler) DestroyExecutor(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}

	if err := h.svc.Destroy(r.Context(), id); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Finishable handles GET /v1/jobs/{jobId}/finishable
func (h *Handler) Finishable(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}

	resp, err := h.svc.Finishable(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}

	rec, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, rec)
}

// Heartbeat handles POST /v1/jobs/{jobId}/heartbeat, sent by executors.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	var req job.HeartbeatRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.svc.Heartbeat(r.Context(), id, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// FinishJob handles POST /v1/jobs/{jobId}/finish, sent by executors.
func (h *Handler) FinishJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	var req job.FinishRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.svc.Finish(r.Context(), id, &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// Livez handles GET /livez - liveness probe.
// Peer controllers also call it to decide whether a host is reachable.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the record store or the executor backend is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

func (h *Handler) jobID(w http.ResponseWriter, r *http.Request) (job.Identity, bool) {
	raw := r.PathValue("jobId")
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return 0, false
	}
	id, err := job.ParseIdentity(raw)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "Job ID must be a positive integer")
		return 0, false
	}
	return id, true
}

// decode reads a JSON body already capped by BodyLimitMiddleware.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	errorResponse(w, status, message)
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
