package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// Logger writes one structured access log entry per request.
func Logger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			entry := log.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      status,
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
				"remote":      r.RemoteAddr,
			})
			if id := chimiddleware.GetReqID(r.Context()); id != "" {
				entry = entry.WithField("request_id", id)
			}
			switch {
			case status >= http.StatusInternalServerError:
				entry.Warn("request")
			default:
				entry.Info("request")
			}
		})
	}
}

// CORS allows the browser front end served from origin to call the API.
func CORS(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if origin != "*" {
				h.Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Pinger reports whether the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheck handles GET /health. It reports 503 while the store is
// unreachable.
func HealthCheck(store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			w.Header().Set("Retry-After", "5")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// RouterConfig carries what NewRouter needs beyond the handler.
type RouterConfig struct {
	Log        logrus.FieldLogger
	CORSOrigin string
	Store      Pinger
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// NewRouter builds the API router with the global middleware stack.
func NewRouter(h *EnrollmentHandler, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.Recoverer) // recover from panics, return 500
	r.Use(chimiddleware.RequestID) // attach request IDs
	r.Use(chimiddleware.RealIP)    // trust X-Forwarded-For
	r.Use(Logger(cfg.Log))         // structured access log
	r.Use(CORS(cfg.CORSOrigin))

	r.Get("/health", HealthCheck(cfg.Store))
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/students/{student}", func(r chi.Router) {
		r.Get("/", h.LookupStudent)
		r.Get("/enrollments", h.ListEnrollments)
		r.Post("/enrollments", h.Enroll)
		r.Delete("/enrollments/{talkID}", h.Withdraw)
		r.Put("/enrollments/{talkID}", h.ChangeEnrollment)
	})

	r.Route("/talks", func(r chi.Router) {
		r.Get("/", h.ListTalks)
		r.Get("/{talkID}/occupancy", h.Occupancy)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Get("/stats", h.Stats)
		r.Get("/students", h.StudentOverview)
		r.Get("/students.csv", h.ExportOverview)
	})

	return r
}
