package api

import (
	"jobexec/internal/health"
	"jobexec/internal/job"
	"jobexec/internal/notify"
	"jobexec/internal/observability"
	"net/http"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	Capacity      health.CapacityReporter
	Notifier      notify.Notifier
	Versions      map[job.Kind]string // engine versions probed at startup
	CORSOrigins   []string            // empty allows any origin
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes)
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Job endpoints. Authentication belongs to the fronting web tier.
	mux.HandleFunc("POST /v1/jobs", handler.CreateJob)
	mux.HandleFunc("GET /v1/jobs", handler.ListJobs)
	mux.HandleFunc("GET /v1/jobs/{jobId}", handler.GetJob)
	mux.HandleFunc("DELETE /v1/jobs/{jobId}", handler.DeleteJob)
	mux.HandleFunc("DELETE /v1/jobs/{jobId}/result", handler.AcknowledgeJob)
	mux.HandleFunc("GET /v1/jobs/{jobId}/output", handler.GetOutput)
	mux.HandleFunc("GET /v1/engines", handler.ListEngines)

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware(cfg.CORSOrigins)(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)
	h = RequestIDMiddleware()(h)

	return h
}
