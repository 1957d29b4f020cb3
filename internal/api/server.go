// Package api is the HTTP adapter over the assembly engine, the identity
// resolver and the provider matcher.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/projectmatch/internal/discovery"
	"github.com/sells-group/projectmatch/internal/identity"
	"github.com/sells-group/projectmatch/internal/requirement"
)

// Assembler is the part of requirement.Engine the adapter drives.
type Assembler interface {
	Create(ctx context.Context, conversationID string) (*requirement.Record, error)
	Get(ctx context.Context, id string) (*requirement.Record, error)
	Status(ctx context.Context, id string) (requirement.GateResult, error)
	ApplyUpdate(ctx context.Context, id string, u requirement.Update) (*requirement.Result, error)
	Publish(ctx context.Context, id string) (*requirement.PublishedRecord, error)
	Delete(ctx context.Context, id string) error
	Amend(ctx context.Context, publishedID string, u requirement.Update) (*requirement.Result, error)
	History(ctx context.Context, id, field string) ([]requirement.HistoryEntry, error)
	Undo(ctx context.Context, id, field string, observedAt int64) (*requirement.Result, error)
}

// Resolver ingests discovery observations.
type Resolver interface {
	Resolve(ctx context.Context, obs identity.Observation) (*identity.Identity, identity.Outcome, error)
}

// Matcher serves ranked provider lists.
type Matcher interface {
	Candidates(ctx context.Context, publishedID string) (*discovery.Entry, error)
	Refresh(ctx context.Context, publishedID string) (*discovery.Entry, error)
}

var (
	_ Assembler = (*requirement.Engine)(nil)
	_ Resolver  = (*identity.Resolver)(nil)
	_ Matcher   = (*discovery.Matcher)(nil)
)

// Option configures a Server.
type Option func(*Server)

// WithWarmOnPublish starts discovery in the background when a record is
// first published, so the first candidates request is a cache hit.
func WithWarmOnPublish() Option {
	return func(s *Server) { s.warm = true }
}

// WithAllowedOrigins sets the CORS origins. The default allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// Server holds the adapter's collaborators.
type Server struct {
	engine   Assembler
	resolver Resolver
	matcher  Matcher
	warm     bool
	origins  []string
	log      *zap.Logger
}

// NewServer creates a Server.
func NewServer(engine Assembler, resolver Resolver, matcher Matcher, opts ...Option) *Server {
	s := &Server{
		engine:   engine,
		resolver: resolver,
		matcher:  matcher,
		origins:  []string{"*"},
		log:      zap.L().With(zap.String("component", "api")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/records", func(r chi.Router) {
		r.Post("/", s.createRecord)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getRecord)
			r.Delete("/", s.deleteRecord)
			r.Post("/updates", s.applyUpdate)
			r.Get("/gate", s.gate)
			r.Post("/publish", s.publish)
			r.Get("/history/{field}", s.history)
			r.Post("/undo", s.undo)
		})
	})
	r.Route("/published/{id}", func(r chi.Router) {
		r.Post("/amendments", s.amend)
		r.Get("/candidates", s.candidates)
		r.Post("/candidates/refresh", s.refreshCandidates)
	})
	r.Post("/observations", s.ingestObservations)
	return r
}

// logRequests logs every request with its status and latency.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
