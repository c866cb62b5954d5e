package server

import (
	"net/http"
	"time"

	"github.com/teranos/optrack/logger"
)

// maxRequestBytes bounds submission bodies.
const maxRequestBytes = 1 << 20

// Handler returns the routed API with CORS and request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/operations", s.HandleSubmit)
	mux.HandleFunc("GET /api/operations", s.HandleListOperations)
	mux.HandleFunc("GET /api/operations/stats", s.HandleStats)
	mux.HandleFunc("GET /api/operations/{id}", s.HandleGetOperation)
	mux.HandleFunc("GET /api/operations/{id}/resources", s.HandlePublishedResources)
	mux.HandleFunc("POST /api/operations/{id}/cancel", s.HandleCancel)
	mux.HandleFunc("GET /ws/operations", s.HandleOperationStream)
	mux.HandleFunc("GET /health", s.HandleHealth)

	return s.corsMiddleware(s.logRequests(mux))
}

// corsMiddleware adds CORS headers for origins allowed by server.allowed_origins.
// WebSocket upgrades use the same origin check.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws/operations" {
			// hijacked connections cannot be wrapped
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debugw("HTTP request",
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldStatus, rec.status,
			logger.FieldDurationMS, time.Since(start).Milliseconds())
	})
}
