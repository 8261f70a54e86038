package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zsiec/hwdec/internal/logger"
)

var (
	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hwdec_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hwdec_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hwdec_http_requests_in_flight",
		Help: "Number of HTTP requests currently being processed",
	})
)

// requestIDMiddleware adds a unique request ID to each request
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-ID", requestID)
		r.Header.Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r)
	})
}

// routeLabel returns the matched route template so per-decoder paths share
// one series.
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// metricsMiddleware tracks request metrics
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := r.URL.Path

		// Probes and scrapes would drown the rest
		if strings.HasPrefix(path, "/health") || strings.HasPrefix(path, "/ready") ||
			strings.HasPrefix(path, "/live") || path == s.metrics.Path {
			next.ServeHTTP(w, r)
			return
		}

		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		rw := logger.NewResponseWriter(w)
		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := fmt.Sprintf("%d", rw.StatusCode())
		label := routeLabel(r)

		httpRequestDuration.WithLabelValues(r.Method, label, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(r.Method, label, status).Inc()

		logger.FromContext(r.Context()).WithFields(logger.Fields{
			"status":      rw.StatusCode(),
			"duration_ms": duration * 1000,
		}).Info("Request completed")
	})
}

// corsMiddleware handles CORS headers. The API is read-only.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// altSvcMiddleware advertises the HTTP/3 listener.
func (s *Server) altSvcMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.http3Server != nil && r.ProtoMajor < 3 {
			if err := s.http3Server.SetQUICHeaders(w.Header()); err != nil {
				logger.FromContext(r.Context()).WithError(err).Debug("Failed to set Alt-Svc")
			}
		}
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware turns a handler panic into a 500 JSON error.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				s.errorHandler.HandlePanic(w, r, recovered)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
