// Package server provides the HTTP surface of the spyglass daemon: the
// job API, quote analytics, system status, Prometheus metrics, and the
// SSE event stream the dashboard listens on.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aristath/spyglass/internal/backtest"
	"github.com/aristath/spyglass/internal/config"
	"github.com/aristath/spyglass/internal/database"
	"github.com/aristath/spyglass/internal/events"
	"github.com/aristath/spyglass/internal/notify"
	"github.com/aristath/spyglass/internal/quotes"
	"github.com/aristath/spyglass/internal/reliability"
	"github.com/aristath/spyglass/internal/status"
	"github.com/aristath/spyglass/internal/stream"
	"github.com/aristath/spyglass/internal/telemetry"
	"github.com/aristath/spyglass/pkg/logger"
)

// Config holds everything the server serves.
type Config struct {
	Log       zerolog.Logger
	Cfg       *config.Config
	EventBus  *events.Bus
	Tracker   *backtest.Tracker
	Client    *backtest.Client
	Archive   *backtest.Archive
	Quotes    *quotes.Engine
	Stream    *stream.Manager
	Status    *status.Manager
	Telemetry *telemetry.Store
	Notifier  notify.Sink

	// Databases are the local stores surfaced on the databases endpoint,
	// keyed by display name.
	Databases map[string]*database.DB

	// Guard is the page-scope boundary in front of the backtest upstream.
	Guard *reliability.Boundary
}

// Server is the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	cfg    *config.Config

	jobs         *JobHandlers
	quotes       *QuoteHandlers
	system       *SystemHandlers
	eventsStream *EventsStreamHandler
}

// New creates the HTTP server and mounts all routes.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    logger.Component(cfg.Log, "server"),
		cfg:    cfg.Cfg,
	}

	s.jobs = NewJobHandlers(cfg.Log, cfg.Tracker, cfg.Client, cfg.Archive, cfg.Guard)
	s.quotes = NewQuoteHandlers(cfg.Log, cfg.Quotes, cfg.Stream)
	s.system = NewSystemHandlers(cfg.Log, cfg.Status, cfg.Telemetry, cfg.Notifier, cfg.Databases, cfg.Guard)
	s.eventsStream = NewEventsStreamHandler(cfg.EventBus, cfg.Log)

	s.setupMiddleware(cfg.Cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Cfg.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// No write timeout: the SSE stream outlives any fixed deadline.
		// Non-streaming routes are bounded by the per-group Timeout below.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Compress responses
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	// Health check and metrics live outside /api
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		// SSE stream is registered outside the timeout group: the
		// connection stays open until the client goes away.
		r.Get("/events/stream", s.eventsStream.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", s.jobs.HandleSubmit)
				r.Get("/", s.jobs.HandleList)
				r.Get("/recent", s.jobs.HandleRecent)
				r.Route("/{jobID}", func(r chi.Router) {
					r.Get("/", s.jobs.HandleGet)
					r.Get("/result", s.jobs.HandleResult)
					r.Delete("/", s.jobs.HandleCancel)
				})
			})

			r.Get("/symbols/search", s.jobs.HandleSymbolSearch)

			r.Route("/quotes", func(r chi.Router) {
				r.Get("/watchlist", s.quotes.HandleWatchlist)
				r.Post("/watchlist", s.quotes.HandleWatch)
				r.Delete("/watchlist/{symbol}", s.quotes.HandleUnwatch)
				r.Get("/{symbol}/analytics", s.quotes.HandleAnalytics)
			})

			r.Route("/stream", func(r chi.Router) {
				r.Get("/status", s.quotes.HandleStreamStatus)
				r.Post("/reconnect", s.quotes.HandleStreamReconnect)
			})

			r.Route("/system", func(r chi.Router) {
				r.Get("/health", s.system.HandleHealth)
				r.Get("/status", s.system.HandleStatus)
				r.Get("/databases", s.system.HandleDatabases)
				r.Get("/trips", s.system.HandleTrips)
				r.Post("/recover", s.system.HandleRecover)
			})

			r.Post("/notifications/test", s.system.HandleNotificationTest)
		})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
