package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/sirupsen/logrus"

	"github.com/zsiec/hwdec/internal/config"
	"github.com/zsiec/hwdec/internal/errors"
	"github.com/zsiec/hwdec/internal/health"
	"github.com/zsiec/hwdec/internal/logger"
	"github.com/zsiec/hwdec/internal/registry"
)

// healthCheckInterval is how often the background health run refreshes the
// results served by /ready.
const healthCheckInterval = 30 * time.Second

// Server exposes health, metrics and decoder status over HTTP, and over
// HTTP/3 when certificates are configured.
type Server struct {
	config       *config.ServerConfig
	metrics      config.MetricsConfig
	router       *mux.Router
	httpServer   *http.Server
	http3Server  *http3.Server
	logger       *logrus.Logger
	healthMgr    *health.Manager
	errorHandler *errors.ErrorHandler
	registry     registry.Registry
	backends     health.BackendLister
	software     string

	// Additional handlers can be registered
	additionalRoutes []func(*mux.Router)
}

// Options carries the decoder-side collaborators the status endpoints read.
// Any of them may be nil; the matching routes and checks are then skipped.
type Options struct {
	Registry registry.Registry
	Backends health.BackendLister
	// Software names the software backend so health can tell a host with
	// no hardware decoder apart from a healthy one.
	Software string
	// MemoryLimit degrades health above this heap size, 0 only reports
	MemoryLimit uint64
}

// New creates a new server instance. Routes are built by Start, so
// RegisterRoutes and RegisterChecker must be called before it.
func New(cfg *config.Config, log *logrus.Logger, opts Options) *Server {
	s := &Server{
		config:           &cfg.Server,
		metrics:          cfg.Metrics,
		router:           mux.NewRouter(),
		logger:           log,
		healthMgr:        health.NewManager(logger.NewLogrusAdapter(logrus.NewEntry(log))),
		errorHandler:     errors.NewErrorHandler(log),
		registry:         opts.Registry,
		backends:         opts.Backends,
		software:         opts.Software,
		additionalRoutes: make([]func(*mux.Router), 0),
	}

	s.registerHealthCheckers(opts.MemoryLimit)

	return s
}

// Start serves until ctx is done or a listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.setupRoutes()

	go s.healthMgr.StartPeriodicChecks(ctx, healthCheckInterval)

	errCh := make(chan error, 2)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	go func() {
		s.logger.WithField("port", s.config.HTTPPort).Info("Starting HTTP server")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	if s.config.EnableHTTP3 {
		if err := s.startHTTP3Server(errCh); err != nil {
			_ = s.Shutdown()
			return fmt.Errorf("failed to start HTTP/3 server: %w", err)
		}
	}

	select {
	case err := <-errCh:
		_ = s.Shutdown()
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// startHTTP3Server runs the QUIC listener next to the HTTP one. Plain HTTP
// responses advertise it through Alt-Svc.
func (s *Server) startHTTP3Server(errCh chan<- error) error {
	cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS certificates: %w", err)
	}

	s.http3Server = &http3.Server{
		Addr:    fmt.Sprintf(":%d", s.config.HTTP3Port),
		Handler: s.router,
		TLSConfig: http3.ConfigureTLSConfig(&tls.Config{
			MinVersion:   tls.VersionTLS13,
			Certificates: []tls.Certificate{cert},
		}),
		QUICConfig: &quic.Config{
			MaxIdleTimeout: s.config.MaxIdleTimeout,
		},
	}

	go func() {
		s.logger.WithField("port", s.config.HTTP3Port).Info("Starting HTTP/3 server")
		if err := s.http3Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http3: %w", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the listeners.
func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down server")

	var firstErr error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			firstErr = fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	// http3.Server.Close doesn't drain; in-flight QUIC requests are cut
	if s.http3Server != nil {
		if err := s.http3Server.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to shutdown HTTP/3 server: %w", err)
		}
	}

	if firstErr != nil {
		return firstErr
	}
	s.logger.Info("Server shutdown complete")
	return nil
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	// Apply global middleware
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(logger.RequestLoggerMiddleware(s.logger))
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.metricsMiddleware)
	s.router.Use(s.corsMiddleware)
	if s.config.EnableHTTP3 {
		s.router.Use(s.altSvcMiddleware)
	}

	// Health endpoints
	healthHandler := health.NewHandler(s.healthMgr)
	s.router.HandleFunc("/health", healthHandler.HandleHealth).Methods("GET")
	s.router.HandleFunc("/ready", healthHandler.HandleReady).Methods("GET")
	s.router.HandleFunc("/live", healthHandler.HandleLive).Methods("GET")

	s.router.HandleFunc("/version", s.handleVersion).Methods("GET")

	if s.metrics.Enabled {
		s.router.Handle(s.metrics.Path, promhttp.Handler()).Methods("GET")
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	if s.registry != nil {
		api.HandleFunc("/decoders", s.handleListDecoders).Methods("GET")
		api.HandleFunc("/decoders/{id}", s.handleGetDecoder).Methods("GET")
	}
	if s.backends != nil {
		api.HandleFunc("/backends", s.handleBackends).Methods("GET")
	}

	if s.config.DebugEndpoints {
		s.setupDebugEndpoints()
	}

	// Register any additional routes
	for _, registerFunc := range s.additionalRoutes {
		registerFunc(s.router)
	}

	s.router.NotFoundHandler = http.HandlerFunc(s.errorHandler.HandleNotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.errorHandler.HandleMethodNotAllowed)
}

// registerHealthCheckers registers the checkers every deployment has.
func (s *Server) registerHealthCheckers(memoryLimit uint64) {
	s.healthMgr.Register(health.NewMemoryChecker(memoryLimit))

	if s.backends != nil {
		s.healthMgr.Register(health.NewBackendChecker(s.backends, s.software))
	}
	if s.registry != nil {
		s.healthMgr.Register(health.NewDecoderChecker(s.registry))
	}
}

// RegisterChecker adds a health checker, e.g. Redis when the registry uses it.
func (s *Server) RegisterChecker(checker health.Checker) {
	s.healthMgr.Register(checker)
}

// setupDebugEndpoints mounts pprof on the router. Importing net/http/pprof
// only registers on http.DefaultServeMux, which this server never serves.
func (s *Server) setupDebugEndpoints() {
	s.logger.Info("Enabling debug endpoints")

	s.router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	s.router.HandleFunc("/debug/pprof/profile", pprof.Profile)
	s.router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	s.router.HandleFunc("/debug/pprof/trace", pprof.Trace)
	s.router.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)

	s.router.HandleFunc("/debug/info", s.handleDebugInfo).Methods("GET")
}

// RegisterRoutes adds additional route handlers to the server
func (s *Server) RegisterRoutes(registerFunc func(*mux.Router)) {
	s.additionalRoutes = append(s.additionalRoutes, registerFunc)
}

// GetRouter returns the router for testing.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// HealthManager exposes the health manager so callers can run checks
// outside the periodic loop.
func (s *Server) HealthManager() *health.Manager {
	return s.healthMgr
}
