// Package server exposes the analyzer and anonymizer over HTTP.
//
// Endpoints:
//
//	GET    /status                  - health, model state, active recognizers
//	GET    /stats                   - JSON counter snapshot
//	GET    /metrics                 - Prometheus exposition
//	POST   /v1/analyze              - detect entities {"text","entities"}
//	POST   /v1/anonymize            - analyze (or take results) and rewrite
//	POST   /v1/deanonymize          - reverse encrypted replacements
//	GET    /v1/recognizers          - active recognizers and stored definitions
//	POST   /v1/recognizers          - store a custom recognizer definition
//	GET    /v1/recognizers/{name}   - fetch a stored definition
//	DELETE /v1/recognizers/{name}   - remove a stored definition
//
// Every route except /status requires the bearer token when one is
// configured. The listener speaks HTTP/1.1 and cleartext HTTP/2.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"pii-anonymizer/internal/analyzer"
	"pii-anonymizer/internal/anonymizer"
	"pii-anonymizer/internal/config"
	"pii-anonymizer/internal/logger"
	"pii-anonymizer/internal/metrics"
	"pii-anonymizer/internal/recognizer"
	"pii-anonymizer/internal/registry"
	"pii-anonymizer/internal/telemetry"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

const shutdownTimeout = 10 * time.Second

// Deps are the collaborators a Server routes requests to.
type Deps struct {
	Analyzer   *analyzer.Analyzer
	Anonymizer *anonymizer.Anonymizer
	Registry   registry.Store          // nil = in-memory
	Static     []recognizer.Definition // definitions loaded from the recognizers file
	Metrics    *metrics.Metrics        // nil = counters not exported
	Logger     *logger.Logger
}

// Server is the PII HTTP API server.
type Server struct {
	cfg        *config.Config
	startTime  time.Time
	analyzer   *analyzer.Analyzer
	anonymizer *anonymizer.Anonymizer
	registry   registry.Store
	static     []recognizer.Definition
	token      string // bearer token for auth; empty = no auth
	metrics    *metrics.Metrics
	log        *logger.Logger

	// mu serializes registry writes with the recognizer reload that follows.
	mu sync.Mutex
}

// New creates a server and applies the stored custom definitions to the
// analyzer.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Analyzer == nil || deps.Anonymizer == nil {
		return nil, errors.New("server: analyzer and anonymizer are required")
	}
	s := &Server{
		cfg:        cfg,
		startTime:  time.Now(),
		analyzer:   deps.Analyzer,
		anonymizer: deps.Anonymizer,
		registry:   deps.Registry,
		static:     deps.Static,
		token:      cfg.Server.APIKey,
		metrics:    deps.Metrics,
		log:        deps.Logger,
	}
	if s.registry == nil {
		s.registry = registry.NewMemory()
	}
	if s.metrics == nil {
		s.metrics = &metrics.Metrics{}
	}
	if s.log == nil {
		s.log = logger.New("SERVER", cfg.Log.Level)
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	if s.token != "" {
		s.log.Info("init", "Bearer token authentication enabled")
	}
	return s, nil
}

// reload recompiles static plus stored definitions into the analyzer.
func (s *Server) reload() error {
	defs, err := registry.Merge(s.static, s.registry)
	if err != nil {
		return err
	}
	if err := s.analyzer.SetCustomDefinitions(defs); err != nil {
		return fmt.Errorf("apply custom recognizers: %w", err)
	}
	s.log.Debugf("recognizers_reloaded", "%d custom definitions active", len(defs))
	return nil
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.Middleware())

	r.Get("/status", s.handleStatus)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/stats", s.handleStats)
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

		r.Route("/v1", func(r chi.Router) {
			r.Use(s.limitBody)
			r.Post("/analyze", s.handleAnalyze)
			r.Post("/anonymize", s.handleAnonymize)
			r.Post("/deanonymize", s.handleDeanonymize)
			r.Get("/recognizers", s.handleListRecognizers)
			r.Post("/recognizers", s.handlePutRecognizer)
			r.Get("/recognizers/{name}", s.handleGetRecognizer)
			r.Delete("/recognizers/{name}", s.handleDeleteRecognizer)
		})
	})
	return r
}

// requestID propagates the caller's X-Request-ID or assigns a new one, and
// stores it where chi's middleware.GetReqID finds it.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warnf("unauthorized", "%s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Server.BindAddress, strconv.Itoa(s.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           h2c.NewHandler(s.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
	}
	s.log.Infof("listen", "Listening on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutdown", "Draining connections")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
