// Package server wires every subsystem into the HTTP server: storage,
// queue, risk engine, challenge issuer, rate limiter, admission scheduler
// and the public and admin route trees.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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
	"github.com/redis/go-redis/v9"

	"github.com/waitgate/waitgate/internal/admin"
	"github.com/waitgate/waitgate/internal/banlist"
	"github.com/waitgate/waitgate/internal/captcha"
	"github.com/waitgate/waitgate/internal/config"
	"github.com/waitgate/waitgate/internal/event"
	"github.com/waitgate/waitgate/internal/health"
	"github.com/waitgate/waitgate/internal/logging"
	"github.com/waitgate/waitgate/internal/metrics"
	"github.com/waitgate/waitgate/internal/pow"
	"github.com/waitgate/waitgate/internal/processor"
	"github.com/waitgate/waitgate/internal/queue"
	"github.com/waitgate/waitgate/internal/ratelimit"
	"github.com/waitgate/waitgate/internal/risk"
	"github.com/waitgate/waitgate/internal/security"
	"github.com/waitgate/waitgate/internal/session"
	"github.com/waitgate/waitgate/internal/traces"
	"github.com/waitgate/waitgate/internal/validation"
	"github.com/waitgate/waitgate/internal/waitroom"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// BuildInfo identifies the running binary. Set from main via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// Server wraps the HTTP server and all its dependencies.
type Server struct {
	cfg       *config.Config
	build     BuildInfo
	sessions  session.Store
	queue     *queue.Queue
	bans      *banlist.Service
	captcha   captcha.Store
	evidence  risk.Store
	engine    *risk.Engine
	issuer    *pow.Issuer
	usedStore pow.UsedStore
	inventory *event.Inventory
	limiter   *ratelimit.Limiter
	waitroom  *waitroom.Service
	scheduler *processor.Scheduler
	checks    *health.Registry

	db  *sql.DB       // nil if using in-memory stores
	rdb *redis.Client // nil if using in-memory queue/replay stores

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc
	stopTraces   func(context.Context) error

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

// WithBuildInfo sets the build identity reported by the health endpoint.
func WithBuildInfo(info BuildInfo) Option {
	return func(s *Server) {
		s.build = info
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		build:  BuildInfo{Version: "dev", Commit: "unknown", BuildTime: "unknown"},
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Durable state: Postgres if DATABASE_URL is set, otherwise in-memory.
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.db = db

		sessionStore := session.NewPostgresStore(db)
		banStore := banlist.NewPostgresStore(db)
		captchaStore := captcha.NewPostgresStore(db)
		evidenceStore := risk.NewPostgresStore(db)
		for name, migrate := range map[string]func(context.Context) error{
			"sessions": sessionStore.Migrate,
			"ban_list": banStore.Migrate,
			"captcha":  captchaStore.Migrate,
			"evidence": evidenceStore.Migrate,
		} {
			if err := migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate %s: %w", name, err)
			}
		}
		s.sessions = sessionStore
		s.bans = banlist.NewService(banStore)
		s.captcha = captchaStore
		s.evidence = evidenceStore
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.sessions = session.NewMemoryStore()
		s.bans = banlist.NewService(banlist.NewMemoryStore())
		s.captcha = captcha.NewMemoryStore()
		s.evidence = risk.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data will not persist)")
	}

	// Hot state: Redis if REDIS_URL is set, otherwise in-memory. The
	// queue ordering and the challenge replay guard both live here.
	var queueStore queue.Store
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(redisOpts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		s.rdb = rdb
		queueStore = queue.NewRedisStore(rdb)
		s.usedStore = pow.NewRedisUsedStore(rdb)
		s.logger.Info("using Redis queue store")
	} else {
		queueStore = queue.NewMemoryStore()
		s.usedStore = pow.NewMemoryUsedStore()
		s.logger.Warn("REDIS_URL not set, using in-memory queue store")
	}
	s.queue = queue.New(queueStore, cfg.QueueBatchSize, cfg.AdmitIntervalSeconds)

	// Core services.
	s.engine = risk.NewEngine(s.evidence, s.sessions,
		cfg.RiskThresholdLow, cfg.RiskThresholdMedium, cfg.RiskThresholdHigh, s.logger)
	s.issuer = pow.New(cfg.PoWSecret, time.Duration(cfg.PoWTTLSeconds)*time.Second, s.usedStore)
	s.limiter = ratelimit.New(cfg.RateOverrides)
	s.inventory = event.NewInventory(event.Config{
		Name:       cfg.EventName,
		TotalStock: cfg.EventTotalStock,
		Remaining:  cfg.EventTotalStock,
		SaleOpen:   cfg.SaleOpen,
	})

	s.waitroom = waitroom.NewService(waitroom.Config{
		PoWDifficulty:         cfg.PoWDifficulty,
		CaptchaDifficultyBump: 4,
		IPBanDuration:         time.Duration(cfg.IPBanMins) * time.Minute,
	}, s.sessions, s.queue, s.issuer, s.engine, s.bans, s.captcha, s.inventory, s.logger)

	s.scheduler = processor.New(processor.Config{
		BatchSize:       cfg.QueueBatchSize,
		AdmitInterval:   time.Duration(cfg.AdmitIntervalSeconds) * time.Second,
		TokenTTL:        time.Duration(cfg.AccessTokenTTLSeconds) * time.Second,
		VisibleWindow:   cfg.VisibleWindow,
		IPBanDuration:   time.Duration(cfg.IPBanMins) * time.Minute,
		RetentionAge:    time.Duration(cfg.RetentionHours) * time.Hour,
		ThresholdMedium: cfg.RiskThresholdMedium,
		ThresholdHigh:   cfg.RiskThresholdHigh,
	}, s.sessions, s.queue, s.bans, s.captcha, s.evidence, s.logger)

	s.setupHealthChecks()

	// Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

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

func (s *Server) setupHealthChecks() {
	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("postgres", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "postgres", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "postgres", Healthy: true}
		})
	}
	if s.rdb != nil {
		s.checks.Register("redis", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := s.rdb.Ping(ctx).Err(); err != nil {
				return health.Status{Name: "redis", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "redis", Healthy: true}
		})
	}
	s.checks.Register("scheduler", func(ctx context.Context) health.Status {
		if !s.scheduler.Running() {
			return health.Status{Name: "scheduler", Healthy: false, Detail: "not running"}
		}
		return health.Status{Name: "scheduler", Healthy: true}
	})
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS: the waiting room page is typically served from another origin
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an existing request ID (from a load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
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

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/api/v1")

	waitroomHandler := waitroom.NewHandler(s.waitroom, s.limiter)
	waitroomHandler.RegisterRoutes(v1)

	evidenceGroup := v1.Group("", s.limiter.Middleware(ratelimit.ProfileTelemetry))
	riskHandler := risk.NewHandler(s.engine)
	riskHandler.RegisterRoutes(evidenceGroup)

	adminGroup := v1.Group("/admin",
		admin.RequireSecret(s.cfg.AdminSecret),
		s.limiter.Middleware(ratelimit.ProfileAdmin),
	)
	adminHandler := admin.NewHandler(s.sessions, s.queue, s.bans, s.evidence, s.inventory)
	adminHandler.RegisterRoutes(adminGroup)
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   s.build.Version,
		"commit":    s.build.Commit,
		"buildTime": s.build.BuildTime,
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until a shutdown signal, a fatal server
// error, or context cancellation.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	if s.cfg.OTLPEndpoint != "" {
		stop, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Error("tracing init failed", "error", err)
		} else {
			s.stopTraces = stop
		}
	}

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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"version", s.build.Version,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start the admission scheduler.
	if err := s.scheduler.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start scheduler: %w", err)
	}

	// Collect DB pool stats while running.
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup.
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

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.scheduler.Stop()
	s.logger.Info("scheduler stopped")

	s.limiter.Stop()
	s.logger.Info("rate limiter stopped")

	if stopper, ok := s.usedStore.(interface{ Stop() }); ok {
		stopper.Stop()
	}

	if s.stopTraces != nil {
		if err := s.stopTraces(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
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
