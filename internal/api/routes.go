package api

import (
	"net/http"

	"jobctl/internal/health"
	"jobctl/internal/job"
	"jobctl/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.Metrics, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Job endpoints - auth required
	auth := AuthMiddleware(cfg.APIKey)
	mux.Handle("GET /v1/jobs/{jobId}", auth(http.HandlerFunc(handler.GetJob)))
	mux.Handle("POST /v1/jobs/{jobId}/start", auth(http.HandlerFunc(handler.StartJob)))
	mux.Handle("POST /v1/jobs/{jobId}/stop", auth(http.HandlerFunc(handler.StopJob)))
	mux.Handle("POST /v1/jobs/{jobId}/modify", auth(http.HandlerFunc(handler.ModifyJob)))
	mux.Handle("DELETE /v1/jobs/{jobId}/executor", auth(http.HandlerFunc(handler.DestroyExecutor)))
	mux.Handle("GET /v1/jobs/{jobId}/finishable", auth(http.HandlerFunc(handler.Finishable)))

	// Executor callbacks - same key, handed to executors in their encrypted environment
	mux.Handle("POST /v1/jobs/{jobId}/heartbeat", auth(http.HandlerFunc(handler.Heartbeat)))
	mux.Handle("POST /v1/jobs/{jobId}/finish", auth(http.HandlerFunc(handler.FinishJob)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = BodyLimitMiddleware(maxRequestBodySize)(h)
	h = ContentTypeMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
