package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/foxzi/sendlater/internal/api"
	"github.com/foxzi/sendlater/internal/config"
	"github.com/foxzi/sendlater/internal/database"
	"github.com/foxzi/sendlater/internal/dispatch"
	"github.com/foxzi/sendlater/internal/gateway"
	"github.com/foxzi/sendlater/internal/metrics"
	"github.com/foxzi/sendlater/internal/ratelimit"
	"github.com/foxzi/sendlater/internal/receipt"
	"github.com/foxzi/sendlater/internal/schedule"
	"github.com/foxzi/sendlater/internal/template"
)

// App is the main application
type App struct {
	config        *config.Config
	messages      schedule.Store
	templates     template.Store
	db            *sql.DB
	apiServer     *api.Server
	dispatcher    *dispatch.Dispatcher
	cleaner       *schedule.Cleaner
	rateLimiter   *ratelimit.Limiter
	receipts      *receipt.RedisCache
	metricsServer *metrics.Server
	collector     *metrics.Collector
	logger        *slog.Logger
}

// seeder is implemented by template stores that can install the defaults
type seeder interface {
	SeedDefaults(ctx context.Context) (int, error)
}

// New creates a new application
func New(ctx context.Context, cfg *config.Config, version string) (*App, error) {
	// Setup logger
	logger := setupLogger(cfg.Logging)

	a := &App{config: cfg, logger: logger}

	// Create storage
	var boltStore *schedule.BoltStorage
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		db, err := database.Open(ctx, cfg.Storage.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		a.db = db
		a.messages = schedule.NewPostgresStorage(db)
		a.templates = template.NewPostgresStorage(db)
		logger.Info("using postgres storage")
	default:
		storage, err := schedule.NewBoltStorage(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage: %w", err)
		}
		templates, err := template.NewStorage(storage.DB())
		if err != nil {
			storage.Close()
			return nil, fmt.Errorf("failed to create template storage: %w", err)
		}
		boltStore = storage
		a.messages = storage
		a.templates = templates
		logger.Info("using bolt storage", "path", cfg.Storage.Path)
	}

	if cfg.SeedTemplates() {
		if s, ok := a.templates.(seeder); ok {
			n, err := s.SeedDefaults(ctx)
			if err != nil {
				a.closeStores()
				return nil, fmt.Errorf("failed to seed default templates: %w", err)
			}
			if n > 0 {
				logger.Info("default templates installed", "count", n)
			}
		}
	}

	// Create gateway
	gw, sandbox, err := newGateway(cfg.Gateway, logger)
	if err != nil {
		a.closeStores()
		return nil, err
	}

	// Create rate limiter if enabled. Counters persist only with bolt.
	if cfg.RateLimit.Enabled {
		rlConfig := newLimiterConfig(cfg.RateLimit)
		if boltStore != nil {
			a.rateLimiter, err = ratelimit.NewLimiter(boltStore.DB(), rlConfig)
		} else {
			a.rateLimiter, err = ratelimit.NewLimiter(nil, rlConfig)
		}
		if err != nil {
			a.closeStores()
			return nil, fmt.Errorf("failed to create rate limiter: %w", err)
		}
		logger.Info("rate limiting enabled")
	}

	// Create receipt cache if enabled
	if cfg.Receipts.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Receipts.Addr,
			Password: cfg.Receipts.Password,
			DB:       cfg.Receipts.DB,
		})
		a.receipts = receipt.NewRedisCache(rdb, cfg.Receipts.TTL)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := a.receipts.Ping(pingCtx)
		cancel()
		if err != nil {
			a.receipts.Close()
			a.closeStores()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("receipt cache enabled", "addr", cfg.Receipts.Addr)
	}

	// Create metrics
	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)

		storagePath := ""
		if boltStore != nil {
			storagePath = cfg.Storage.Path
		}
		messages := a.messages
		a.collector = metrics.NewCollector(m, metrics.PendingCounterFunc(func(ctx context.Context) (int, error) {
			stats, err := messages.Stats(ctx)
			if err != nil {
				return 0, err
			}
			return int(stats.Pending), nil
		}), storagePath, cfg.Metrics.CollectInterval)

		a.metricsServer = metrics.NewServer(
			m,
			cfg.Metrics.ListenAddr,
			cfg.Metrics.Path,
			cfg.Metrics.AllowedIPs,
			logger.With("component", "metrics"),
		)
	}

	// Create dispatcher
	var dispatchOpts []dispatch.Option
	if a.rateLimiter != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithLimiter(a.rateLimiter))
	}
	if a.receipts != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithReceipts(a.receipts))
	}
	a.dispatcher = dispatch.New(a.messages, gw, dispatch.Config{
		SweepInterval:   cfg.Scheduler.SweepInterval,
		BatchSize:       cfg.Scheduler.BatchSize,
		MaxInFlight:     cfg.Scheduler.MaxInFlight,
		DeliveryTimeout: cfg.Scheduler.DeliveryTimeout,
	}, logger.With("component", "dispatcher"), dispatchOpts...)

	// Create history cleaner
	a.cleaner = schedule.NewCleaner(a.messages, schedule.CleanerConfig{
		MaxAge:   cfg.Storage.Retention.HistoryMaxAge,
		MaxCount: cfg.Storage.Retention.HistoryMaxCount,
		Interval: cfg.Storage.Retention.CleanupInterval,
	}, logger.With("component", "cleaner"))

	// Create API server with full options
	opts := api.ServerOptions{
		Config:              &cfg.API,
		Messages:            a.messages,
		Templates:           a.templates,
		Logger:              logger.With("component", "api"),
		Version:             version,
		Scheduler:           a.dispatcher,
		Sandbox:             sandbox,
		NormalizeRecipients: cfg.Gateway.NormalizeRecipients,
		CountryCode:         cfg.Gateway.DefaultCountryCode,
	}
	if checker, ok := gw.(gateway.StatusChecker); ok {
		opts.Gateway = checker
	}
	if a.receipts != nil {
		opts.Receipts = a.receipts
	}
	if a.rateLimiter != nil {
		opts.RateLimiter = a.rateLimiter
	}
	a.apiServer = api.NewServerWithOptions(opts)

	return a, nil
}

// newGateway builds the configured messaging gateway. The sandbox is also
// returned on its own so the API can expose its captures.
func newGateway(cfg config.GatewayConfig, logger *slog.Logger) (gateway.Gateway, *gateway.Sandbox, error) {
	var (
		gw      gateway.Gateway
		sandbox *gateway.Sandbox
	)

	switch cfg.Type {
	case config.GatewayBridge:
		gw = gateway.NewBridgeClient(cfg.URL, cfg.Timeout)
	case config.GatewayCloud:
		baseURL := cfg.URL
		if baseURL == "" {
			baseURL = "https://graph.facebook.com/" + cfg.APIVersion
		}
		gw = gateway.NewCloudClient(gateway.CloudConfig{
			BaseURL:       baseURL,
			PhoneNumberID: cfg.PhoneNumberID,
			Token:         cfg.Token,
			Timeout:       cfg.Timeout,
		})
	case config.GatewaySandbox:
		sandbox = gateway.NewSandbox(logger.With("component", "sandbox"))
		sandbox.SetErrorSimulation(cfg.Sandbox.SimulateErrors, cfg.Sandbox.ErrorProbability)
		sandbox.SetDelay(cfg.Sandbox.Delay)
		gw = sandbox
	default:
		return nil, nil, fmt.Errorf("unknown gateway type: %s", cfg.Type)
	}

	logger.Info("gateway configured", "type", cfg.Type, "normalize_recipients", cfg.NormalizeRecipients)

	if cfg.NormalizeRecipients {
		gw = gateway.NewNormalizing(gw, cfg.DefaultCountryCode)
	}

	return gw, sandbox, nil
}

// newLimiterConfig converts the YAML rate limit section
func newLimiterConfig(cfg config.RateLimitConfig) *ratelimit.Config {
	convert := func(v *config.LimitValues) *ratelimit.LimitConfig {
		if v == nil {
			return nil
		}
		return &ratelimit.LimitConfig{
			MessagesPerHour: v.MessagesPerHour,
			MessagesPerDay:  v.MessagesPerDay,
		}
	}

	rlConfig := &ratelimit.Config{
		Global:           convert(cfg.Global),
		DefaultRecipient: convert(cfg.DefaultRecipient),
		FlushInterval:    cfg.FlushInterval,
	}
	if len(cfg.Recipients) > 0 {
		rlConfig.Recipients = make(map[string]*ratelimit.LimitConfig, len(cfg.Recipients))
		for recipient, v := range cfg.Recipients {
			rlConfig.Recipients[recipient] = convert(v)
		}
	}
	return rlConfig
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting sendlater",
		"api_addr", a.config.API.ListenAddr,
		"gateway", a.config.Gateway.Type,
		"storage", a.config.Storage.Driver,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.collector != nil {
		a.collector.Start(ctx)
	}
	a.cleaner.Start(ctx)

	if a.config.AutostartScheduler() {
		a.dispatcher.Start(ctx)
	} else {
		a.logger.Info("scheduler autostart disabled, start it via the API")
	}

	// Channel to collect errors
	errCh := make(chan error, 2)

	// Start API server
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	// Start metrics server
	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	// Graceful shutdown
	return a.Shutdown(context.Background())
}

// SweepOnce runs a single dispatch pass without starting the sweep loop
func (a *App) SweepOnce(ctx context.Context) dispatch.SweepResult {
	return a.dispatcher.SweepOnce(ctx)
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	// Create timeout context
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop accepting requests first
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	// Wait for in-flight deliveries to be recorded
	a.dispatcher.Stop()
	a.cleaner.Stop()

	if a.collector != nil {
		a.collector.Stop()
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	// Stop rate limiter (persists counters)
	if a.rateLimiter != nil {
		if err := a.rateLimiter.Stop(); err != nil {
			a.logger.Error("rate limiter stop error", "error", err)
		}
	}

	if a.receipts != nil {
		if err := a.receipts.Close(); err != nil {
			a.logger.Error("redis close error", "error", err)
		}
	}

	a.closeStores()

	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeStores() {
	if err := a.messages.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("database close error", "error", err)
		}
	}
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
