package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/mividas/corestat/internal/api/middleware"
	"github.com/mividas/corestat/internal/booking"
	"github.com/mividas/corestat/internal/cdr"
	"github.com/mividas/corestat/internal/config"
	"github.com/mividas/corestat/internal/database"
	"github.com/mividas/corestat/internal/database/models"
	"github.com/mividas/corestat/internal/policy"
	"github.com/mividas/corestat/internal/queue"
	"github.com/mividas/corestat/internal/rawlog"
	"github.com/mividas/corestat/internal/stats"
)

// Deps are the collaborators the HTTP handlers dispatch into. Metrics is
// the promhttp handler; nil leaves the endpoint unmounted.
type Deps struct {
	Clusters database.ClusterRepository
	Calls    database.CallRepository
	Legs     database.LegRepository
	Acano    *cdr.AcanoDecoder
	Pexip    *cdr.PexipDecoder
	RawLog   *rawlog.Log
	Pool     *queue.Pool
	Booker   *booking.EmailBooker
	Gate     *policy.Gate
	Resolver *stats.Resolver
	Store    *stats.Store
	Metrics  http.Handler
	Logger   *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router      *chi.Mux
	cfg         *config.Config
	deps        Deps
	logger      *slog.Logger
	bookLimiter *middleware.IPRateLimiter

	nowFunc func() time.Time
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:      chi.NewRouter(),
		cfg:         cfg,
		deps:        deps,
		logger:      logger.With("component", "api"),
		bookLimiter: middleware.NewIPRateLimiter(middleware.BookingRateLimitConfig()),
		nowFunc:     time.Now,
	}

	s.routes()
	return s
}

// Close stops the server's background helpers.
func (s *Server) Close() {
	s.bookLimiter.Stop()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	nets, err := s.cfg.TrustedNets()
	if err != nil {
		// Config validation rejects malformed entries before we get here.
		s.logger.Error("parsing trusted proxy nets", "error", err)
	}
	r.Use(middleware.TrustedProxy(nets))
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	if s.cfg.EnableCore {
		r.Route("/cdr", func(r chi.Router) {
			r.Post("/cms/{secret}/", s.handleAcanoCDR)
			r.Post("/pexip/{secret}/", s.handlePexipEvent)
			r.Post("/pexip/{secret}/participant/csv/", s.handlePexipHistory(cdr.HistoryParticipant))
			r.Post("/pexip/{secret}/conference/csv/", s.handlePexipHistory(cdr.HistoryConference))
			r.Post("/csv/{secret}/call/import/", s.handleCSVImport(exportCall))
			r.Post("/csv/{secret}/leg/import/", s.handleCSVImport(exportLeg))
			r.Get("/csv/{secret}/call/export/", s.handleCSVExport(exportCall))
			r.Get("/csv/{secret}/leg/export/", s.handleCSVExport(exportLeg))
		})

		// External policy service consumed by Brand B clusters.
		r.Get("/policy/pexip/{secret}/service/configuration", s.handlePexipPolicy)
	}

	r.With(middleware.RateLimit(s.bookLimiter)).Post("/email/book/", s.handleEmailBook)

	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}
	r.Get("/api/v1/health", s.handleHealth)

	s.logger.Info("api routes mounted", "core", s.cfg.EnableCore)
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// cluster resolves the secret-key path segment to a cluster row. On
// failure it writes the response and returns nil.
func (s *Server) cluster(w http.ResponseWriter, r *http.Request) *models.Cluster {
	secret := chi.URLParam(r, "secret")
	if secret == "" {
		writeError(w, http.StatusNotFound, "unknown server")
		return nil
	}
	c, err := s.deps.Clusters.GetBySecretKey(r.Context(), secret)
	if err != nil {
		s.logger.Error("looking up cluster", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "unknown server")
		return nil
	}
	return c
}
