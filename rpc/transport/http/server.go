package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("admin")

const shutdownTimeout = 5 * time.Second

// AdminHandlers are the server callbacks behind the admin endpoints
type AdminHandlers struct {
	// Stats returns the document served by GET /stats
	Stats func() any
	// Health returns an error while the server can not serve requests
	Health func() error
	// FlushAll invalidates all objects (POST /flush_all)
	FlushAll func()
	// Metrics appends server metrics to the /metrics exposition (optional)
	Metrics func(w io.Writer)
}

// AdminServer serves the admin HTTP endpoints:
//
//	GET  /metrics    Prometheus exposition of all VictoriaMetrics metrics
//	GET  /stats      server and engine statistics as json
//	GET  /health     200 while the server is healthy, 503 otherwise
//	POST /flush_all  flush the cache
type AdminServer struct {
	handlers AdminHandlers
	router   *mux.Router
}

// NewAdminServer creates the admin router. With logRequests every request is
// logged at debug level.
func NewAdminServer(handlers AdminHandlers, logRequests bool) *AdminServer {
	s := &AdminServer{
		handlers: handlers,
		router:   mux.NewRouter(),
	}
	s.setupRoutes(logRequests)
	return s
}

func (s *AdminServer) setupRoutes(logRequests bool) {
	if logRequests {
		s.router.Use(loggerMiddleware)
	}
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/flush_all", s.handleFlushAll).Methods(http.MethodPost)
}

// Router returns the http.Handler of the admin endpoints
func (s *AdminServer) Router() http.Handler {
	return s.router
}

// Listen serves the admin endpoints on endpoint until ctx is cancelled
func (s *AdminServer) Listen(ctx context.Context, endpoint string) error {
	listener, err := net.Listen("tcp", endpoint)
	if err != nil {
		return fmt.Errorf("failed to create admin http listener: %w", err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			Logger.Warningf("admin http shutdown: %v", err)
		}
	})
	defer stop()

	Logger.Infof("Starting admin HTTP server on %s", listener.Addr())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (s *AdminServer) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	metrics.WritePrometheus(w, true)
	if s.handlers.Metrics != nil {
		s.handlers.Metrics(w)
	}
}

func (s *AdminServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.handlers.Stats())
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.handlers.Health != nil {
		if err := s.handlers.Health(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *AdminServer) handleFlushAll(w http.ResponseWriter, _ *http.Request) {
	s.handlers.FlushAll()
	Logger.Infof("flush_all requested over http")
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

// writeJSON encodes v as the response body
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		Logger.Errorf("failed to encode response: %v", err)
	}
}

// --------------------------------------------------------------------------
// Middleware (logging)
// --------------------------------------------------------------------------

// responseWriter is a custom ResponseWriter that captures status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code before writing it
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggerMiddleware is a middleware that logs HTTP requests
func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create custom response writer to capture status code
		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rw, r)

		Logger.Debugf("%s %s => %d took %s", r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
