package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"github.com/MacMoment/licensing/internal/config"
	apperrors "github.com/MacMoment/licensing/internal/errors"
	"github.com/MacMoment/licensing/internal/exporter"
	"github.com/MacMoment/licensing/internal/infrastructure"
	"github.com/MacMoment/licensing/internal/license"
	customMiddleware "github.com/MacMoment/licensing/internal/middleware"
	"github.com/MacMoment/licensing/internal/storage/memory"
	"github.com/MacMoment/licensing/internal/storage/redisguard"
	"github.com/MacMoment/licensing/internal/storage/sqlstore"
	handlers "github.com/MacMoment/licensing/internal/transport/http"
	ws "github.com/MacMoment/licensing/internal/websocket"
	"github.com/MacMoment/licensing/pkg/contracts"
	"github.com/MacMoment/licensing/pkg/contracts/events"
)

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders

	Store        license.Store
	Audit        *license.AuditLogger
	Manager      *license.Manager
	Health       *license.HealthCheck
	WebSocketHub *ws.Hub
	ErrorHandler *apperrors.ErrorHandler
	Handlers     *handlers.Handlers
	AdminAuth    *customMiddleware.AdminAuth
	RateLimiter  *customMiddleware.RateLimiter
	closeGuard   func() error
	listener     net.Listener
	stopped      chan struct{}
	stopErr      error
	location     *time.Location
	guardBackend string
}

// NewApplication loads configuration and the global logger, then builds the
// application
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return New(cfg, logger)
}

// New wires every component from cfg. The caller owns cfg and logger.
func New(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	logger.Info("application starting",
		slog.String("name", config.AppName),
		slog.String("version", contracts.GetVersionString()),
		slog.String("storage_driver", cfg.Storage.Driver))

	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve time zone: %w", err)
	}

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	a := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
		ErrorHandler:  apperrors.NewErrorHandler(logger, cfg.Logging.Development),
		stopped:       make(chan struct{}),
		location:      loc,
	}

	if err := a.initializeServices(); err != nil {
		a.release(context.Background())
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	a.setupRouter()
	a.createServer()
	return a, nil
}

// initializeServices builds the store, guard, audit trail, engine and feed
func (a *Application) initializeServices() error {
	cfg := a.Config

	metrics, err := license.NewMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to create license metrics: %w", err)
	}

	a.Store, err = openStore(cfg.Storage, a.Logger)
	if err != nil {
		return err
	}

	guard, err := a.openGuard()
	if err != nil {
		return err
	}

	a.Audit = license.NewAuditLogger(a.Store, license.AuditConfig{
		QueueSize:    cfg.Audit.QueueSize,
		Workers:      cfg.Audit.Workers,
		MaxRetries:   cfg.Audit.MaxRetries,
		RetryBackoff: cfg.Audit.RetryBackoff,
	}, a.Logger, metrics)

	a.Manager, err = license.NewManager(license.Options{
		Store:          a.Store,
		Audit:          a.Audit,
		Guard:          guard,
		Metrics:        metrics,
		Logger:         a.Logger,
		Location:       a.location,
		KeyGenAttempts: cfg.Engine.KeyGenAttempts,
		LockStripes:    cfg.Engine.LockStripes,
		DefaultLimit:   cfg.Engine.DefaultLogLimit,
		MaxLimit:       cfg.Engine.MaxLogLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to create license manager: %w", err)
	}

	healthCfg := license.DefaultHealthCheckConfig()
	healthCfg.AuditBacklog = cfg.Audit.QueueSize / 2
	a.Health = license.NewHealthCheck(a.Manager, healthCfg)

	wsMetrics, err := ws.NewMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to create websocket metrics: %w", err)
	}
	a.WebSocketHub = ws.NewHub(a.Logger, wsMetrics, ws.DefaultBroadcastQueue)
	a.Audit.Subscribe(func(record license.ValidationLog) {
		a.WebSocketHub.Publish(events.MessageTypeValidation, handlers.LogView(record))
	})

	binder := handlers.NewRequestBinder()
	a.Handlers = &handlers.Handlers{
		Catalog:  handlers.NewCatalogHandler(a.Manager, binder, a.ErrorHandler, a.Logger),
		License:  handlers.NewLicenseHandler(a.Manager, exporter.New(a.location), binder, a.ErrorHandler, a.Logger),
		Validate: handlers.NewValidateHandler(a.Manager, binder, a.ErrorHandler, a.Logger),
		Health:   handlers.NewHealthHandler(a.Health, a.Logger),
	}

	a.AdminAuth = customMiddleware.NewAdminAuth(cfg.Security.AdminTokenHash, a.Logger)
	if !a.AdminAuth.Enabled() {
		a.Logger.Warn("admin token not configured, the admin API is open")
	}
	return nil
}

// openStore selects the persistence backend named by the storage driver
func openStore(cfg config.StorageConfig, logger *slog.Logger) (license.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("using the in-memory store, data is lost on restart")
		return memory.New(), nil
	case config.DriverSQLite, config.DriverPostgres:
		return sqlstore.Open(cfg, logger)
	default:
		return nil, apperrors.NewConfigError(fmt.Sprintf("unsupported storage driver %q", cfg.Driver), nil)
	}
}

// openGuard builds the brute force guard. Redis shares the counters between
// replicas; without it each process counts on its own.
func (a *Application) openGuard() (license.Guard, error) {
	cfg := a.Config
	if !cfg.Guard.Enabled {
		a.guardBackend = "disabled"
		return nil, nil
	}

	guardCfg := license.GuardConfig{
		MaxFailures:   cfg.Guard.MaxFailures,
		Window:        cfg.Guard.Window,
		BlockDuration: cfg.Guard.BlockDuration,
	}

	if cfg.Redis.Enabled {
		client := redisguard.NewClient(cfg.Redis)
		guard := redisguard.New(client, guardCfg, cfg.Redis.KeyPrefix, a.Logger)

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := guard.Ping(ctx); err != nil {
			// the guard fails open, so an unreachable redis is not fatal
			a.Logger.Warn("redis guard unreachable at startup",
				slog.String("addr", cfg.Redis.Addr),
				slog.String("error", err.Error()))
		}

		a.closeGuard = client.Close
		a.guardBackend = "redis"
		return guard, nil
	}

	guard := license.NewMemoryGuard(guardCfg, a.Logger)
	a.closeGuard = func() error {
		guard.Stop()
		return nil
	}
	a.guardBackend = "memory"
	return guard, nil
}

// setupRouter composes the middleware chain and mounts the API
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	// Only middleware that leaves the ResponseWriter unwrapped may run in
	// front of the websocket upgrade
	r.Use(customMiddleware.RequestID)
	if a.Config.Security.TrustProxyHeaders {
		r.Use(customMiddleware.RealIP)
	}
	r.NotFound(a.ErrorHandler.NotFound)
	r.MethodNotAllowed(a.ErrorHandler.MethodNotAllowed)

	if a.Config.WebSocket.Enabled {
		r.Handle(config.WebSocketEndpoint, ws.NewHandler(a.WebSocketHub, a.Config.WebSocket, a.Config.Security.AllowedOrigins))
	}

	r.Group(func(r chi.Router) {
		// RequestID → RealIP → OTel → Logger → Recoverer → Timeout
		otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
		if err != nil {
			a.Logger.Error("failed to create OpenTelemetry middleware", slog.String("error", err.Error()))
		} else {
			r.Use(otelMiddleware.Handler)
		}

		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(customMiddleware.Recoverer(a.ErrorHandler))
		r.Use(customMiddleware.SecurityHeaders)

		if a.Config.Security.EnableCORS {
			r.Use(customMiddleware.CORS(customMiddleware.CORSConfig{
				AllowedOrigins: a.Config.Security.AllowedOrigins,
				MaxAge:         300,
			}))
		}

		if a.Config.Security.RateLimit.Enabled {
			a.RateLimiter = customMiddleware.NewRateLimiter(
				a.Config.Security.RateLimit.RPS,
				a.Config.Security.RateLimit.Burst,
				a.Logger,
			)
			r.Use(a.RateLimiter.Handler)
		}

		r.Route(config.APIBasePath, a.setupAPIRoutes)
	})

	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle(config.MetricsEndpoint, a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
}

// setupAPIRoutes configures API endpoints
func (a *Application) setupAPIRoutes(r chi.Router) {
	r.Use(render.SetContentType(render.ContentTypeJSON))
	r.Use(customMiddleware.MaxBodySize(a.Config.Server.MaxBodyBytes))
	r.Use(customMiddleware.Timeout(a.Config.Server.RequestTimeout, a.Logger))

	var admin func(http.Handler) http.Handler
	if a.AdminAuth.Enabled() {
		admin = a.AdminAuth.Handler
	}
	a.Handlers.Mount(r, admin)
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           a.Config.Addr(),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
		ErrorLog:       slog.NewLogLogger(a.Logger.Handler(), slog.LevelWarn),
	}
}

// Listen binds the server address. Run calls it when needed; calling it
// first lets callers learn the port when the configured port is 0.
func (a *Application) Listen() (net.Addr, error) {
	if a.listener != nil {
		return a.listener.Addr(), nil
	}
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}
	a.listener = ln
	return ln.Addr(), nil
}

// Run serves until ctx is cancelled or the process receives SIGINT or
// SIGTERM, then shuts down gracefully
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr, err := a.Listen()
	if err != nil {
		return err
	}

	a.WebSocketHub.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.InfoContext(gctx, "server listening",
			slog.String("address", addr.String()),
			slog.String("guard", a.guardBackend),
			slog.Bool("admin_auth", a.AdminAuth.Enabled()),
			slog.Bool("websocket", a.Config.WebSocket.Enabled))

		if err := a.Server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("shutdown requested")
		return a.Stop(context.Background())
	})

	return g.Wait()
}

// Stop gracefully stops the application. It is safe to call more than once.
func (a *Application) Stop(ctx context.Context) error {
	select {
	case <-a.stopped:
		return a.stopErr
	default:
	}
	defer close(a.stopped)

	a.Logger.InfoContext(ctx, "shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	a.WebSocketHub.Stop()

	errs = append(errs, a.release(shutdownCtx)...)

	a.stopErr = errors.Join(errs...)
	if a.stopErr != nil {
		a.Logger.ErrorContext(ctx, "shutdown finished with errors", slog.String("error", a.stopErr.Error()))
	} else {
		a.Logger.InfoContext(ctx, "application shutdown complete")
	}
	return a.stopErr
}

// release drains the audit trail and closes the backends that were opened
func (a *Application) release(ctx context.Context) []error {
	var errs []error
	if a.Manager != nil {
		if err := a.Manager.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("audit drain: %w", err))
		}
	}
	if a.closeGuard != nil {
		if err := a.closeGuard(); err != nil {
			errs = append(errs, fmt.Errorf("guard close: %w", err))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errs
}
