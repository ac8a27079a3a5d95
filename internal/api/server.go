package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/sendlater/internal/config"
	"github.com/foxzi/sendlater/internal/dispatch"
	"github.com/foxzi/sendlater/internal/gateway"
	"github.com/foxzi/sendlater/internal/ipfilter"
	"github.com/foxzi/sendlater/internal/metrics"
	"github.com/foxzi/sendlater/internal/ratelimit"
	"github.com/foxzi/sendlater/internal/receipt"
	"github.com/foxzi/sendlater/internal/schedule"
	"github.com/foxzi/sendlater/internal/template"
)

// Scheduler is the dispatcher as seen by the control endpoints
type Scheduler interface {
	Start(ctx context.Context) bool
	Stop() bool
	Status() dispatch.Status
	SweepOnce(ctx context.Context) dispatch.SweepResult
}

// RateLimitStats reports rate limit counters
type RateLimitStats interface {
	GetStats(ctx context.Context, level ratelimit.Level, key string) (*ratelimit.Stats, error)
}

// ServerOptions contains all options for creating a Server
type ServerOptions struct {
	Config    *config.APIConfig
	Messages  schedule.Store
	Templates template.Store
	Logger    *slog.Logger
	Version   string

	// Optional collaborators
	Scheduler   Scheduler
	Gateway     gateway.StatusChecker
	Sandbox     *gateway.Sandbox
	Receipts    receipt.Cache
	RateLimiter RateLimitStats

	// Recipients without '@' are rewritten to WhatsApp JIDs when set
	NormalizeRecipients bool
	CountryCode         string
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	messages   schedule.Store
	renderer   *template.Renderer
	scheduler  Scheduler
	receipts   receipt.Cache
	config     *config.APIConfig
	logger     *slog.Logger
	version    string
	startTime  time.Time

	normalize   bool
	countryCode string

	templateServer *TemplateServer
	controlServer  *ControlServer
}

// NewServerWithOptions creates a new API server
func NewServerWithOptions(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.APIConfig{}
	}
	countryCode := opts.CountryCode
	if countryCode == "" {
		countryCode = gateway.DefaultCountryCode
	}

	s := &Server{
		router:      chi.NewRouter(),
		messages:    opts.Messages,
		renderer:    template.NewRenderer(opts.Templates),
		scheduler:   opts.Scheduler,
		receipts:    opts.Receipts,
		config:      cfg,
		logger:      logger,
		version:     opts.Version,
		startTime:   time.Now(),
		normalize:   opts.NormalizeRecipients,
		countryCode: countryCode,
	}

	s.templateServer = NewTemplateServer(opts.Templates, logger)
	s.controlServer = NewControlServer(ControlOptions{
		Scheduler:   opts.Scheduler,
		Gateway:     opts.Gateway,
		Sandbox:     opts.Sandbox,
		RateLimiter: opts.RateLimiter,
		Logger:      logger,
	})

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	if filter := ipfilter.New(s.config.AllowedIPs, s.logger); filter.Enabled() {
		s.logger.Info("API IP filter enabled", "networks", filter.Count())
		s.router.Use(filter.HTTPMiddleware)
	}

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/schedule", func(r chi.Router) {
			r.Post("/", s.handleSchedule)
			r.Get("/", s.handleListPending)
			r.Get("/history", s.handleHistory)
			r.Post("/template", s.handleScheduleTemplate)
			r.Get("/{id}", s.handleGetMessage)
			r.Delete("/{id}", s.handleCancel)
			r.Get("/{id}/receipt", s.handleReceipt)
		})

		s.templateServer.RegisterRoutes(r)
		s.controlServer.RegisterRoutes(r)
	})
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
