package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	api "github.com/GriffinCanCode/AgentOS/pluginruntime/internal/api/http"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/api/middleware"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/api/ws"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/graph"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/hostapi"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/manager"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/manifest"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/registry"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/runtime"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/sandbox"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/infrastructure/tracing"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	router    *gin.Engine
	http      *http.Server
	manager   *manager.Manager
	repo      *registry.MemoryRepository
	validator *manifest.Validator
	graph     *graph.Store
	bus       *graph.Bus
	logger    *logging.Logger
	config    *config.Config
	metrics   *monitoring.Metrics
	tracer    *tracing.Tracer
}

// NewServer creates a new server instance. Nothing is started until Start.
func NewServer(cfg *config.Config) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	logger.Info("Initializing plugin runtime server",
		zap.String("addr", cfg.Addr()),
		zap.String("plugins_dir", cfg.Plugins.Dir),
		zap.Duration("rpc_timeout", cfg.Runtime.RPCTimeout),
		zap.Duration("handshake_timeout", cfg.Runtime.HandshakeTimeout),
	)

	// Metrics first, everything below records into them
	metrics := monitoring.NewMetrics(nil)
	tracer := tracing.New("pluginruntime", logger)

	// Host application collaborators
	store := graph.NewStore()
	bus := graph.NewBus(cfg.Runtime.EventBuffer)

	loader := sandbox.NewBundleLoader(sandbox.LoaderConfig{
		BaseDir:      cfg.Sandbox.BundleBaseDir,
		MaxBytes:     cfg.Sandbox.BundleMaxBytes,
		FetchTimeout: cfg.Sandbox.BundleFetchTimeout,
	})
	factory := sandbox.NewGojaFactory(sandbox.Config{
		JobBudget:     cfg.Sandbox.JobBudget,
		MaxCallStack:  cfg.Sandbox.MaxCallStack,
		EnableConsole: cfg.Sandbox.Console,
	}, loader, logger)

	catalog := hostapi.DefaultCatalog()
	catalog.Use(
		hostapi.Observe(metrics.ObserveHostMethod),
		hostapi.Logging(logger.Named("hostapi")),
		hostapi.Recovery(),
	)

	validator := manifest.NewValidator(manifest.WithAllowlist(cfg.AllowlistPatterns()...))
	repo := registry.NewMemoryRepository()

	mgr, err := manager.New(manager.Deps{
		Repository: repo,
		Factory:    factory,
		Catalog:    catalog,
		Collaborators: hostapi.Collaborators{
			Graph:     store,
			Selection: store,
			Events:    bus,
		},
		Logger:   logger,
		Recorder: metrics,
	}, manager.Config{
		Runtime: runtime.Config{
			CallTimeout:      cfg.Runtime.RPCTimeout,
			HandshakeTimeout: cfg.Runtime.HandshakeTimeout,
			HostCallRate:     cfg.Runtime.HostCallRPS,
			HostCallBurst:    cfg.Runtime.HostCallBurst,
		},
		Preload:         cfg.Runtime.Preload,
		BreakerFailures: cfg.Runtime.BreakerFailures,
		BreakerCooldown: cfg.Runtime.BreakerCooldown,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create runtime manager: %w", err)
	}

	// Create router
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	// Register routes
	handlers := api.NewHandlers(mgr, validator, metrics, logger).WithTracer(tracer).WithHostMethods(catalog)
	handlers.Register(router)

	wsHandler := ws.NewHandler(mgr, metrics, logger, cfg.Runtime.EventBuffer)
	router.GET("/stream", wsHandler.HandleConnection)

	logger.Info("Server initialized successfully")

	return &Server{
		router:    router,
		http:      &http.Server{Addr: cfg.Addr(), Handler: router},
		manager:   mgr,
		repo:      repo,
		validator: validator,
		graph:     store,
		bus:       bus,
		logger:    logger,
		config:    cfg,
		metrics:   metrics,
		tracer:    tracer,
	}, nil
}

// Start seeds the registry from the plugins directory and starts the
// runtime manager. Manifests that fail validation are logged and skipped.
func (s *Server) Start(ctx context.Context) error {
	seeder := registry.NewSeeder(s.repo, s.config.Plugins.Dir, s.validator, s.logger)
	report, err := seeder.LoadDir(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed plugins: %w", err)
	}
	for _, f := range report.Failed {
		s.logger.Warn("Skipping invalid plugin manifest",
			zap.String("path", f.Path),
			zap.Strings("errors", f.Errors),
		)
	}
	s.logger.Info("Loaded plugins",
		zap.Int("loaded", len(report.Loaded)),
		zap.Int("failed", len(report.Failed)),
	)

	if err := s.manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start runtime manager: %w", err)
	}
	return nil
}

// Run serves HTTP until Shutdown is called
func (s *Server) Run() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, destroys every runtime host and
// flushes the logger. Open status streams are closed by the manager.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	// Hosts first so stream handlers see their subscriptions end
	s.manager.Close()

	err := s.http.Shutdown(ctx)
	if err != nil {
		s.logger.Error("HTTP shutdown incomplete", zap.Error(err))
	}
	s.tracer.Close()

	_ = s.logger.Sync()
	return err
}

// Router exposes the HTTP handler
func (s *Server) Router() http.Handler {
	return s.router
}

// Repository returns the plugin registry the server reconciles against
func (s *Server) Repository() *registry.MemoryRepository {
	return s.repo
}

// Graph returns the in-memory graph plugins read and write
func (s *Server) Graph() *graph.Store {
	return s.graph
}

// Events returns the sink plugin events are emitted to
func (s *Server) Events() *graph.Bus {
	return s.bus
}
