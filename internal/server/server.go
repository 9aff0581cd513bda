// Package server exposes the decision endpoint, the guarded ingestion
// trigger, the case listing and the review wizard over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/oficio-cli/internal/dispatch"
	"github.com/sells-group/oficio-cli/internal/guard"
	"github.com/sells-group/oficio-cli/internal/model"
	"github.com/sells-group/oficio-cli/internal/pipeline"
	"github.com/sells-group/oficio-cli/internal/review"
	"github.com/sells-group/oficio-cli/internal/store"
)

// User identity headers set by the upstream gateway.
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserEmail = "X-User-Email"
)

// Ingester runs the intake pipeline.
type Ingester interface {
	Run(ctx context.Context, t pipeline.Trigger) (*pipeline.RunResult, error)
}

// Dispatcher delivers decisions.
type Dispatcher interface {
	Dispatch(ctx context.Context, dec model.Decision) (*dispatch.Result, error)
}

// Config configures the HTTP surface.
type Config struct {
	APIKey          string
	KeyHeader       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	// Counter backs the trigger rate limit. Default: a process-local counter.
	Counter     guard.Counter
	CORSOrigins []string
	// TrustedProxies may set the rate-limit caller key from X-Forwarded-For.
	TrustedProxies []string
}

// Server holds the handler dependencies.
type Server struct {
	cfg        Config
	store      store.Store
	ingester   Ingester
	dispatcher Dispatcher
	reviews    *review.Manager
}

// New creates a Server.
func New(cfg Config, st store.Store, ing Ingester, d Dispatcher, reviews *review.Manager) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		ingester:   ing,
		dispatcher: d,
		reviews:    reviews,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", HeaderUserID, HeaderUserEmail, s.keyHeader()},
		ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/decisions", s.handleDecision)
	r.Method(http.MethodPost, "/ingest/trigger", guard.Trigger(
		guard.RateLimit(guard.RateLimitConfig{
			Max:     s.cfg.RateLimitMax,
			Window:  s.cfg.RateLimitWindow,
			Counter: s.cfg.Counter,
			KeyFunc: guard.ProxiedClientIP(s.cfg.TrustedProxies),
		}),
		guard.KeyAuth(guard.KeyAuthConfig{Header: s.keyHeader(), Secret: s.cfg.APIKey}),
		http.HandlerFunc(s.handleTrigger),
	))

	r.Route("/oficios", func(r chi.Router) {
		r.Get("/", s.handleListOficios)
		r.Get("/stats", s.handleStats)
		r.Get("/{id}", s.handleGetOficio)
	})

	r.Route("/review/sessions", func(r chi.Router) {
		r.Post("/", s.handleOpenSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleDiscardSession)
			r.Post("/continue", s.handleContinue)
			r.Post("/goto", s.handleGoTo)
			r.Patch("/form", s.handleUpdateForm)
			r.Post("/draft", s.handleSaveDraft)
			r.Post("/approve", s.handleApprove)
			r.Post("/reject", s.handleReject)
		})
	})

	return r
}

func (s *Server) keyHeader() string {
	if s.cfg.KeyHeader == "" {
		return guard.DefaultKeyHeader
	}
	return s.cfg.KeyHeader
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		zap.L().Warn("server: health check failed", zap.Error(err))
		guard.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	guard.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestLogger logs each request's method, path, status and duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
