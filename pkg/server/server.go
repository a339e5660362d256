package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"

	"mercator-hq/secretsrouter/pkg/approval"
	"mercator-hq/secretsrouter/pkg/broker"
	"mercator-hq/secretsrouter/pkg/config"
	"mercator-hq/secretsrouter/pkg/identity"
	"mercator-hq/secretsrouter/pkg/server/middleware"
	"mercator-hq/secretsrouter/pkg/telemetry/health"
	"mercator-hq/secretsrouter/pkg/telemetry/metrics"
	"mercator-hq/secretsrouter/pkg/telemetry/tracing"
)

// Broker serves secret reads and approval decisions. *broker.Broker
// implements it.
type Broker interface {
	Access(ctx context.Context, req broker.AccessRequest) (*broker.AccessResult, error)
	GetApproval(ctx context.Context, cred identity.Credentials, id string) (*approval.Request, error)
	ListApprovals(ctx context.Context, cred identity.Credentials, f approval.Filter) ([]*approval.Request, error)
	Decide(ctx context.Context, cred identity.Credentials, id string, approve bool, comment string) (*approval.Request, error)
}

// Option configures a Server.
type Option func(*Server)

// WithHealth serves /healthz and /readyz from c.
func WithHealth(c *health.Checker) Option {
	return func(s *Server) { s.health = c }
}

// WithMetrics records request metrics to c and serves them at path.
func WithMetrics(c *metrics.Collector, path string) Option {
	return func(s *Server) {
		s.metrics = c
		s.metricsPath = path
	}
}

// WithTracer instruments requests with t.
func WithTracer(t *tracing.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// WithTrustHeaders accepts X-Service-Namespace and X-Service-Labels as
// claimed caller metadata. Claims are checked against the credential by the
// identity resolver.
func WithTrustHeaders(trust bool) Option {
	return func(s *Server) { s.trustHeaders = trust }
}

// Server is the secrets router HTTP server.
type Server struct {
	config *config.ServerConfig
	broker Broker

	health       *health.Checker
	metrics      *metrics.Collector
	metricsPath  string
	tracer       *tracing.Tracer
	trustHeaders bool

	httpServer   *http.Server
	listener     net.Listener
	shutdownOnce sync.Once
	mu           sync.RWMutex
	isRunning    bool

	logger *slog.Logger
}

// NewServer creates a server for b.
func NewServer(cfg *config.ServerConfig, b Broker, opts ...Option) *Server {
	s := &Server{
		config:      cfg,
		broker:      b,
		metricsPath: "/metrics",
		logger:      slog.Default().With("component", "server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start serves until ctx is canceled or the listener fails, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}

	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddress,
		Handler:        s.Handler(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ErrorLog:       slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	if s.config.TLS.Enabled {
		tlsConfig, err := configureTLS(&s.config.TLS)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to configure TLS: %w", err)
		}
		s.httpServer.TLSConfig = tlsConfig
	}

	ln, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}
	s.listener = ln
	s.isRunning = true
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting secrets router",
			"address", ln.Addr().String(),
			"tls_enabled", s.config.TLS.Enabled,
			"client_auth", s.config.TLS.ClientAuth,
		)

		var err error
		if s.config.TLS.Enabled {
			// Certificates are already loaded into TLSConfig.
			err = s.httpServer.ServeTLS(ln, "", "")
		} else {
			err = s.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown requested")
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}

// Shutdown stops accepting connections and waits for in-flight requests,
// including reads held for approval, up to the shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		if !s.isRunning {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		s.logger.Info("initiating graceful shutdown", "timeout", s.config.ShutdownTimeout.String())

		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error during server shutdown", "error", err)
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}

		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()

		s.logger.Info("secrets router stopped")
	})

	return shutdownErr
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Handler returns the routed handler with the full middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.route(mux, "GET /secrets/{name}/{key}", http.HandlerFunc(s.handleGetSecret))
	s.route(mux, "GET /approvals", http.HandlerFunc(s.handleListApprovals))
	s.route(mux, "GET /approvals/{id}", http.HandlerFunc(s.handleGetApproval))
	s.route(mux, "POST /approvals/{id}/approve", s.handleDecide(true))
	s.route(mux, "POST /approvals/{id}/deny", s.handleDecide(false))

	if s.health != nil {
		mux.Handle("/healthz", s.health.LivenessHandler())
		mux.Handle("/readyz", s.health.ReadinessHandler())
	}
	if s.metrics != nil && s.metrics.Enabled() {
		mux.Handle(s.metricsPath, s.metrics.Handler())
	}

	var handler http.Handler = mux
	handler = middleware.Logging(handler)
	handler = s.tracer.HTTPHandler(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(handler)
	return handler
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.Handler) {
	var rec middleware.RequestRecorder
	if s.metrics != nil {
		rec = s.metrics
	}
	mux.Handle(pattern, middleware.Metrics(rec, pattern)(h))
}

// configureTLS loads the server certificate and, when configured, the
// client CA pool.
func configureTLS(cfg *config.TLSConfig) (*tls.Config, error) {
	if cfg.CertFile == "" {
		return nil, fmt.Errorf("TLS cert file not specified")
	}
	if cfg.KeyFile == "" {
		return nil, fmt.Errorf("TLS key file not specified")
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.MinVersion == "1.3" {
		tlsConfig.MinVersion = tls.VersionTLS13
	}

	if cfg.ClientCAFile != "" {
		pem, err := os.ReadFile(cfg.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in client CA file %s", cfg.ClientCAFile)
		}
		tlsConfig.ClientCAs = pool
	}

	switch cfg.ClientAuth {
	case "", "none":
		tlsConfig.ClientAuth = tls.NoClientCert
	case "request":
		tlsConfig.ClientAuth = tls.RequestClientCert
		if tlsConfig.ClientCAs != nil {
			tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
		}
	case "require":
		if tlsConfig.ClientCAs == nil {
			return nil, fmt.Errorf("client_auth require needs a client CA file")
		}
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		return nil, fmt.Errorf("unknown client_auth %q", cfg.ClientAuth)
	}

	return tlsConfig, nil
}
