package api

import (
	"net/http"
	"time"

	"resultd/internal/logging"
	"resultd/internal/metrics"
	"resultd/internal/results"
	"resultd/internal/simulation"

	"golang.org/x/time/rate"
)

type Config struct {
	Service        *results.Service
	Tracker        *simulation.Tracker
	Logger         *logging.Logger
	Metrics        *metrics.Registry
	AuthToken      string
	AllowedOrigins []string
	// SubscribeRate caps new subscriptions per second across all clients.
	// Zero disables the limit.
	SubscribeRate  float64
	SubscribeBurst int
	StartedAt      time.Time
}

// RestHandler serves the JSON, NDJSON, SSE and websocket endpoints.
type RestHandler struct {
	Service        *results.Service
	Tracker        *simulation.Tracker
	Logger         *logging.Logger
	Metrics        *metrics.Registry
	AuthToken      string
	AllowedOrigins []string
	Limiter        *rate.Limiter
	StartedAt      time.Time
}

func NewRestHandler(cfg Config) *RestHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	var limiter *rate.Limiter
	if cfg.SubscribeRate > 0 {
		burst := cfg.SubscribeBurst
		if burst <= 0 {
			burst = int(cfg.SubscribeRate) + 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SubscribeRate), burst)
	}
	return &RestHandler{
		Service:        cfg.Service,
		Tracker:        cfg.Tracker,
		Logger:         logger.Component("api"),
		Metrics:        cfg.Metrics,
		AuthToken:      cfg.AuthToken,
		AllowedOrigins: cfg.AllowedOrigins,
		Limiter:        limiter,
		StartedAt:      startedAt,
	}
}

func RegisterRoutes(mux *http.ServeMux, cfg Config) *RestHandler {
	rest := NewRestHandler(cfg)
	token := rest.AuthToken
	logger := rest.Logger

	wrap := func(handler http.Handler) http.Handler {
		return loggingMiddleware(logger, handler)
	}
	jsonRoute := func(handler apiHandler) http.Handler {
		return wrap(securityHeadersMiddleware(cacheControlNoStore, restHandler(token, handler)))
	}
	streamRoute := func(handler apiHandler) http.Handler {
		return wrap(securityHeadersMiddleware(cacheControlNoCache, restHandler(token, rateLimitMiddleware(rest.Limiter, handler))))
	}

	mux.Handle("GET /api/status", jsonRoute(rest.handleStatus))
	mux.Handle("GET /api/logs", jsonRoute(rest.handleLogs))
	mux.Handle("GET /api/logs/stream", wrap(securityHeadersMiddleware(cacheControlNoCache, http.HandlerFunc(rest.handleLogsStream))))
	mux.Handle("/api/working-directory", jsonRoute(rest.handleWorkingDirectory))
	mux.Handle("GET /metrics", wrap(restHandler(token, rest.handleMetrics)))

	mux.Handle("GET /api/groups", jsonRoute(rest.handleListGroups))
	mux.Handle("GET /api/groups/{id}/files", jsonRoute(rest.handleGroupFiles))
	mux.Handle("GET /api/groups/events", streamRoute(rest.handleGroupEventsSSE))
	mux.Handle("GET /ws/groups/events", wrap(http.HandlerFunc(rest.handleGroupEventsWS)))

	mux.Handle("GET /api/simulations", jsonRoute(rest.handleListSimulations))
	mux.Handle("POST /api/simulations", jsonRoute(rest.handleRegisterSimulation))
	mux.Handle("GET /api/simulations/{id}", jsonRoute(rest.handleGetSimulation))
	mux.Handle("POST /api/simulations/{id}/complete", jsonRoute(rest.handleCompleteSimulation))
	mux.Handle("POST /api/simulations/{id}/fail", jsonRoute(rest.handleFailSimulation))
	mux.Handle("POST /api/simulations/{id}/stop", jsonRoute(rest.handleStopSimulation))
	mux.Handle("GET /api/simulations/{id}/results", jsonRoute(rest.handleGetResults))
	mux.Handle("GET /api/simulations/{id}/results/stream", streamRoute(rest.handleResultsSSE))
	mux.Handle("GET /ws/simulations/{id}/results", wrap(http.HandlerFunc(rest.handleResultsWS)))

	mux.Handle("GET /api/subscriptions", jsonRoute(rest.handleListSubscriptions))
	mux.Handle("DELETE /api/subscriptions/{id}", jsonRoute(rest.handleStopSubscription))
	return rest
}

func (h *RestHandler) requireService() *apiError {
	if h.Service == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "results service unavailable"}
	}
	return nil
}

func (h *RestHandler) requireTracker() *apiError {
	if h.Tracker == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "simulation tracker unavailable"}
	}
	return nil
}
