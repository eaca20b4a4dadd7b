// Package ingest is the HTTP backend that receives violation reports and
// environment scans from the monitor and stores them for review.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"examguard/internal/evidence"
	"examguard/internal/health"
	"examguard/internal/logging"
	"examguard/internal/metrics"
	"examguard/internal/reporter"
	"examguard/internal/security"
	"examguard/internal/store"
	"examguard/internal/violation"
)

// Routes served by the ingest service.
const (
	RouteEvent           = reporter.EventPath
	RouteSecurity        = reporter.SecurityPath
	RouteEnvironmentScan = "/api/security/environment-scan"
	RouteEvents          = "/api/proctoring/events"
)

// Deps are the collaborators of a Server. Store is required; the rest
// default to fresh instances.
type Deps struct {
	Store     *store.Store
	Validator *violation.Validator
	Metrics   *metrics.Metrics
	Health    *health.Checker
	Audit     *logging.AuditLogger
	Logger    *slog.Logger
}

// Server receives reports over HTTP.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	signer *evidence.Signer

	limiter  *security.IPRateLimiter
	conns    *security.ConnectionLimiter
	failures *security.FailureLimiter
	ids      *security.InputValidator

	handler http.Handler

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// New creates a server. It does not listen until Start.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("ingest: store is required")
	}
	cfg = cfg.withDefaults()

	if deps.Validator == nil {
		v, err := violation.NewValidator()
		if err != nil {
			return nil, fmt.Errorf("ingest: load schemas: %w", err)
		}
		deps.Validator = v
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	if deps.Health == nil {
		deps.Health = health.NewChecker()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default().Logger
	}
	deps.Health.RegisterFunc("store", true, health.PingCheck(deps.Store.Ping))

	s := &Server{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.With("component", "ingest"),
		signer:   evidence.NewSigner([]byte(cfg.SigningSecret)),
		limiter:  security.NewIPRateLimiter(cfg.RateLimit, cfg.RateBurst, 5*time.Minute),
		conns:    security.NewConnectionLimiter(cfg.MaxConnections, cfg.MaxConnectionsPerIP),
		failures: security.NewFailureLimiter(time.Second, 30*time.Second, 15*time.Minute, 5, 15*time.Minute),
		ids:      security.IdentifierValidator(),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.recoverer(s.instrument(s.limit(mux)))
	return s, nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.Handle("GET /healthz", s.deps.Health.LivenessHandler())
	mux.Handle("GET /readyz", s.deps.Health.ReadinessHandler())
	mux.Handle("GET /health", s.deps.Health.HealthHandler())
	mux.Handle("GET /metrics", s.deps.Metrics.Registry().HTTPHandler())

	mux.HandleFunc("POST "+RouteEvent, s.handleEvent)
	mux.HandleFunc("POST "+RouteSecurity, s.handleSecurity)
	mux.HandleFunc("POST "+RouteEnvironmentScan, s.handleEnvironmentScan)
	mux.HandleFunc("GET "+RouteEvents, s.handleListEvents)
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Health returns the checker backing /readyz.
func (s *Server) Health() *health.Checker { return s.deps.Health }

// SetLimits changes the per-client rate limit of every client.
func (s *Server) SetLimits(rate float64, burst int) {
	s.limiter.SetLimits(rate, burst)
	s.logger.Info("rate limit updated", "rate", rate, "burst", burst)
}

// Addr returns the bound address once Start has begun listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Start listens on the configured address and blocks until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("ingest: listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start over an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	s.mu.Lock()
	s.httpServer = srv
	s.listener = ln
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		defer sentry.Recover()
		s.logger.Info("ingest server starting", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()
	s.deps.Health.SetReady(true)

	select {
	case <-ctx.Done():
		s.deps.Health.SetReady(false)
		s.logger.Info("ingest server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("ingest: shutdown: %w", err)
		}
		return nil
	case err, ok := <-errChan:
		s.deps.Health.SetReady(false)
		if !ok {
			return nil
		}
		return fmt.Errorf("ingest: serve: %w", err)
	}
}

// Close stops background limiter maintenance.
func (s *Server) Close() error {
	s.limiter.Stop()
	return nil
}

// clientIP returns the remote host. Forwarding headers are not trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// recoverer reports handler panics to Sentry on a per-request hub.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub := sentry.CurrentHub().Clone()
		hub.ConfigureScope(func(scope *sentry.Scope) {
			scope.SetTag("component", "ingest")
			scope.SetTag("route", r.URL.Path)
			scope.SetRequest(r)
		})
		defer func() {
			if p := recover(); p != nil {
				hub.Recover(p)
				s.logger.Error("handler panicked", "path", r.URL.Path, "panic", p)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r.WithContext(sentry.SetHubOnContext(r.Context(), hub)))
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

// instrument assigns a request id, times the request and logs it.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" || s.ids.Validate(reqID) != nil {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		ctx := logging.ContextWithRequestID(r.Context(), reqID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		elapsed := time.Since(start)
		s.deps.Metrics.RequestDuration.ObserveDuration(elapsed)
		s.logger.Debug("request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", elapsed,
			"client", clientIP(r),
		)
	})
}

// limit applies the connection cap and per-client token bucket to API
// routes. Probes and metrics are exempt.
func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isAPI(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)
		if !s.conns.Acquire(ip) {
			s.deps.Metrics.IngestRateLimit.Inc()
			writeError(w, http.StatusServiceUnavailable, "too many connections")
			return
		}
		defer s.conns.Release(ip)

		if !s.limiter.Allow(ip) {
			s.deps.Metrics.IngestRateLimit.Inc()
			s.deps.Audit.Log(r.Context(), logging.AuditEvent{
				EventType: logging.AuditEventRateLimited,
				Action:    "request",
				Resource:  r.URL.Path,
				Result:    logging.AuditDenied,
				SourceIP:  ip,
			})
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAPI(path string) bool {
	return strings.HasPrefix(path, "/api/")
}
