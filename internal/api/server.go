// Package api exposes trigger publication, explain trees and latest-row
// reads over HTTP for diagnostic tooling and mutation paths.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/riskengine/internal/metricstore"
	"github.com/sells-group/riskengine/internal/riskmodel"
	"github.com/sells-group/riskengine/internal/trigger"
)

// Engine is the read side of the risk model.
type Engine interface {
	Explain(ctx context.Context, kind metricstore.Kind, subject metricstore.Subject, before time.Time, depth int) (*riskmodel.ExplainTree, error)
	Latest(ctx context.Context, kind metricstore.Kind, subject metricstore.Subject, before time.Time) (metricstore.Row, error)
}

// Publisher accepts triggers.
type Publisher interface {
	Enqueue(ctx context.Context, t trigger.Trigger) error
}

// HealthCheck reports whether a backing service is reachable.
type HealthCheck func(ctx context.Context) error

// Options configure a Server.
type Options struct {
	Engine      Engine
	Queue       Publisher
	Gatherer    prometheus.Gatherer
	Checks      map[string]HealthCheck
	CORSOrigins []string
	// MaxDepth bounds explain recursion. Default 5.
	MaxDepth int
}

// Server routes the HTTP API.
type Server struct {
	engine   Engine
	queue    Publisher
	gatherer prometheus.Gatherer
	checks   map[string]HealthCheck
	origins  []string
	maxDepth int
	validate *validator.Validate
}

// New creates a server.
func New(o Options) *Server {
	if o.MaxDepth <= 0 {
		o.MaxDepth = 5
	}
	if o.Gatherer == nil {
		o.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		engine:   o.Engine,
		queue:    o.Queue,
		gatherer: o.Gatherer,
		checks:   o.Checks,
		origins:  o.CORSOrigins,
		maxDepth: o.MaxDepth,
		validate: validator.New(),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/triggers", s.handleTriggers)
		r.Get("/explain/{kind}", s.handleExplain)
		r.Get("/metrics/{kind}/latest", s.handleLatest)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{}
	code := http.StatusOK
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			status[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	body := map[string]any{"status": "ok", "checks": status}
	if code != http.StatusOK {
		body["status"] = "degraded"
	}
	writeJSON(w, code, body)
}

type errorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}
