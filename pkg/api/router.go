package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/core-tools/hsu-users/pkg/logging"
	"github.com/core-tools/hsu-users/pkg/metrics"
)

type RouterOptions struct {
	Version        string
	RequestTimeout time.Duration
	// RateLimiter is optional.
	RateLimiter *RateLimiter
	// Metrics is optional. When set, requests are instrumented and /metrics
	// is served.
	Metrics *metrics.Metrics
}

// NewRouter builds the chi router with the middleware stack and every route.
//
// Routes:
//   - GET /health
//   - GET /metrics
//   - GET, POST /api/rest/users/
//   - GET, PATCH, DELETE /api/rest/users/{id}
//   - GET /api/rest/users/stats/{recent,longest-usernames,email-domain-ratio}
func NewRouter(users *UserHandler, options RouterOptions, logger logging.Logger) http.Handler {
	r := chi.NewRouter()

	timeout := options.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	// order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	if options.Metrics != nil {
		r.Use(options.Metrics.Instrument)
	}

	r.Get("/health", Health(options.Version))
	if options.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", options.Metrics.Handler())
	}

	r.Route("/api/rest/users", func(r chi.Router) {
		if options.RateLimiter != nil {
			r.Use(options.RateLimiter.Handler)
		}

		r.Get("/", users.List)
		r.Post("/", users.Create)

		r.Route("/stats", func(r chi.Router) {
			r.Get("/recent", users.Recent)
			r.Get("/longest-usernames", users.Longest)
			r.Get("/email-domain-ratio", users.DomainRatio)
		})

		r.Get("/{id}", users.Get)
		r.Patch("/{id}", users.Update)
		r.Delete("/{id}", users.Delete)
	})

	return r
}

func requestLogger(logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := middleware.GetReqID(r.Context())

			logger.Debugf("API request started, request_id: %s, method: %s, path: %s, remote_addr: %s",
				requestID, r.Method, r.URL.Path, r.RemoteAddr)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Infof("API request completed, request_id: %s, method: %s, path: %s, status: %d, bytes: %d, duration: %v",
				requestID, r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(), time.Since(start))
		})
	}
}
