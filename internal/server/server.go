// Package server sets up the HTTP server with all routes.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/cadence/internal/account"
	"github.com/mbd888/cadence/internal/admission"
	"github.com/mbd888/cadence/internal/audit"
	"github.com/mbd888/cadence/internal/config"
	"github.com/mbd888/cadence/internal/correlator"
	"github.com/mbd888/cadence/internal/health"
	"github.com/mbd888/cadence/internal/idgen"
	"github.com/mbd888/cadence/internal/logging"
	"github.com/mbd888/cadence/internal/metrics"
	"github.com/mbd888/cadence/internal/ratelimit"
	"github.com/mbd888/cadence/internal/realtime"
	"github.com/mbd888/cadence/internal/schedule"
	"github.com/mbd888/cadence/internal/traces"
)

// Server wraps the HTTP server and all engine components.
type Server struct {
	cfg *config.Config

	accounts     account.Store
	machine      *account.Machine
	auditLog     audit.Logger
	scheduler    *schedule.Scheduler
	security     *correlator.Correlator
	bridge       *admission.Bridge
	hub          *realtime.Hub
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	retireTimer  *account.RetireTimer
	expiryTimer  *admission.ExpiryTimer
	riskTimer    *admission.RiskSweepTimer
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	shutdownOTel func(context.Context) error
	cancelRunCtx context.CancelFunc

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		health: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownOTel, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownOTel = shutdownOTel

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory.
	var (
		reservations admission.Store
		pacing       schedule.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.accounts = account.NewPostgresStore(db)
		s.auditLog = audit.NewPostgresStore(db)
		reservations = admission.NewPostgresStore(db)
		pacing = schedule.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.health.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.accounts = account.NewMemoryStore()
		s.auditLog = audit.NewMemoryStore()
		reservations = admission.NewMemoryStore()
		pacing = schedule.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// State machine
	s.machine = account.NewMachine(s.accounts, s.auditLog, s.logger).
		WithQuarantine(cfg.QuarantinePeriod)
	s.retireTimer = account.NewRetireTimer(s.machine, s.logger)

	// Security correlator over the shared-resource registry
	s.security = correlator.New(correlator.NewRegistry(), correlator.Config{
		MaxAccountsPerProxy:       cfg.MaxAccountsPerProxy,
		MaxAccountsPerFingerprint: cfg.MaxAccountsPerFingerprint,
		BurstActionsPerMinute:     cfg.BurstActionsPerMinute,
		RegularityThreshold:       cfg.RegularityThreshold,
		ResetOnReassign:           cfg.ResetOnReassign,
	})

	// The registry lives in memory while the accounts that feed it are
	// durable. Reload their handles so overuse checks keep seeing
	// pre-existing accounts after a restart.
	if s.db != nil {
		bound, err := rebindResources(ctx, s.accounts, s.security.Registry())
		if err != nil {
			return nil, fmt.Errorf("failed to rebuild resource registry: %w", err)
		}
		s.logger.Info("resource registry rebuilt", "accounts", bound)
	}

	// Timing scheduler
	s.scheduler = schedule.New(pacing, schedule.Config{
		SleepStartHour:      cfg.SleepStartHour,
		SleepEndHour:        cfg.SleepEndHour,
		RegularityThreshold: cfg.RegularityThreshold,
		Seed:                cfg.SchedulerSeed,
	}, s.logger)

	// Realtime event streaming
	s.hub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Admission bridge
	s.bridge = admission.NewBridge(
		s.accounts,
		reservations,
		s.machine,
		s.scheduler,
		s.security,
		s.auditLog,
		s.hub,
		s.logger,
		admission.Config{
			ReservationTTL:   cfg.ReservationTTL,
			LockoutRiskScore: cfg.LockoutRiskScore,
		},
	)
	s.expiryTimer = admission.NewExpiryTimer(s.bridge, s.logger)
	s.riskTimer = admission.NewRiskSweepTimer(s.bridge, cfg.RiskSweepEvery, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

const registryRebindLimit = 10000

// rebindResources loads persisted accounts and binds their proxy and
// fingerprint handles into the correlator's registry. Retired accounts
// released their resources and stay unbound.
func rebindResources(ctx context.Context, store account.Store, binder account.ResourceBinder) (int, error) {
	accounts, err := store.List(ctx, registryRebindLimit)
	if err != nil {
		return 0, err
	}
	bound := 0
	for _, acc := range accounts {
		if acc.State == account.StateRetired {
			continue
		}
		if acc.ProxyID == "" && acc.FingerprintID == "" {
			continue
		}
		binder.Bind(acc.ID, acc.ProxyID, acc.FingerprintID)
		bound++
	}
	return bound, nil
}

// maskDSN hides the password in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitRPM / 10,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(16)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		if id := c.Param("id"); id != "" {
			ctx = logging.WithAccountID(ctx, id)
		}
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/", s.infoHandler)

	v1 := s.router.Group("/v1")

	accountHandler := account.NewHandler(s.accounts, s.machine, s.auditLog, s.security.Registry(), s.bridge)
	accountHandler.RegisterRoutes(v1)

	admissionHandler := admission.NewHandler(s.bridge)
	admissionHandler.RegisterRoutes(v1)

	auditHandler := audit.NewHandler(s.auditLog)
	auditHandler.RegisterRoutes(v1)

	v1.GET("/events/ws", s.hub.Handler())
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "cadence",
		"description": "Account lifecycle and action admission control engine",
		"version":     "0.1.0",
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": checks})
}

// Run starts the HTTP server with graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.retireTimer.Start(runCtx)
	go s.expiryTimer.Start(runCtx)
	go s.riskTimer.Start(runCtx)

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.retireTimer.Stop()
	s.expiryTimer.Stop()
	s.riskTimer.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.hub != nil {
		s.hub.Close()
	}
	if s.shutdownOTel != nil {
		if err := s.shutdownOTel(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}
