// Package api provides the HTTP API handlers and routing for the jobexec service.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"jobexec/internal/admission"
	"jobexec/internal/apperrors"
	"jobexec/internal/health"
	"jobexec/internal/job"
	"jobexec/internal/notify"
	"jobexec/internal/observability"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strconv"
)

// maxRequestBodySize bounds a submission. Inline inputs are capped separately
// by the service, so this only needs to cover their base64 form.
const maxRequestBodySize = 16 << 20

// retryAfterSeconds is advertised on overloaded responses.
const retryAfterSeconds = 1

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	svc      *job.Service
	metrics  *observability.Metrics
	health   *health.Checker
	capacity health.CapacityReporter
	notifier notify.Notifier
	versions map[job.Kind]string
}

// NewHandler creates a new API handler
func NewHandler(cfg RouterConfig) *Handler {
	return &Handler{
		svc:      cfg.JobService,
		metrics:  cfg.Metrics,
		health:   cfg.HealthChecker,
		capacity: cfg.Capacity,
		notifier: cfg.Notifier,
		versions: cfg.Versions,
	}
}

// EngineInfo is one entry of the engines listing.
type EngineInfo struct {
	admission.Stats
	Version string `json:"version,omitempty"`
}

// EnginesResponse is the body of GET /v1/engines.
type EnginesResponse struct {
	Engines   []EngineInfo  `json:"engines"`
	Callbacks *notify.Stats `json:"callbacks,omitempty"`
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.Request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.svc.Create(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/jobs/"+resp.ID)
	if resp.Status == job.StateSucceeded {
		h.writeJSON(w, http.StatusOK, resp)
		return
	}
	h.writeJSON(w, http.StatusAccepted, resp)
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.List(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	status, err := h.svc.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, status)
}

// DeleteJob handles DELETE /v1/jobs/{jobId} by cancelling a pending job.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if err := h.svc.Cancel(r.Context(), jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// AcknowledgeJob handles DELETE /v1/jobs/{jobId}/result
func (h *Handler) AcknowledgeJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if err := h.svc.Acknowledge(r.Context(), jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetOutput handles GET /v1/jobs/{jobId}/output. Range requests are
// supported for file artifacts.
func (h *Handler) GetOutput(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	out, err := h.svc.Output(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	var content io.ReadSeeker = bytes.NewReader(out.Data)
	if out.Path != "" {
		f, err := os.Open(out.Path)
		if err != nil {
			if os.IsNotExist(err) {
				h.handleError(w, r, apperrors.NotFound("output", jobID))
				return
			}
			h.handleError(w, r, apperrors.Internal("open output", err))
			return
		}
		defer f.Close()
		content = f
	}

	w.Header().Set("Content-Type", out.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": out.Name}))
	http.ServeContent(w, r, out.Name, out.ModTime, content)
}

// ListEngines handles GET /v1/engines
func (h *Handler) ListEngines(w http.ResponseWriter, r *http.Request) {
	resp := EnginesResponse{Engines: []EngineInfo{}}
	if h.capacity != nil {
		for _, s := range h.capacity.Stats() {
			resp.Engines = append(resp.Engines, EngineInfo{Stats: s, Version: h.versions[s.Kind]})
		}
	}
	if h.notifier != nil {
		stats := h.notifier.Stats()
		resp.Callbacks = &stats
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 when an engine binary is missing or the service is shutting
// down. A degraded service still reports 200.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// errorResponse is the body of every error reply.
type errorResponse struct {
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}

	body := errorResponse{Error: err.Error()}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		body.Field = appErr.Field
		body.Reason = appErr.Reason
	}
	if apperrors.IsRetryable(err) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	h.writeJSON(w, status, body)
}
