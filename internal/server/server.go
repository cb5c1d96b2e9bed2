// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/perimetra/riskgate/internal/audit"
	"github.com/perimetra/riskgate/internal/bizrules"
	"github.com/perimetra/riskgate/internal/config"
	"github.com/perimetra/riskgate/internal/counter"
	"github.com/perimetra/riskgate/internal/engine"
	"github.com/perimetra/riskgate/internal/health"
	"github.com/perimetra/riskgate/internal/logging"
	"github.com/perimetra/riskgate/internal/metrics"
	"github.com/perimetra/riskgate/internal/ratelimit"
	"github.com/perimetra/riskgate/internal/risk"
	"github.com/perimetra/riskgate/internal/rules"
	"github.com/perimetra/riskgate/internal/security"
	"github.com/perimetra/riskgate/internal/stream"
	"github.com/perimetra/riskgate/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	engine       *engine.Engine
	velocity     *counter.Velocity
	registry     *rules.Registry
	scorer       *risk.Scorer
	limiter      *ratelimit.Limiter
	validator    *bizrules.Validator
	assessments  risk.Store
	auditSink    audit.Sink
	streamHub    *stream.Hub
	healthReg    *health.Registry
	httpLimiter  *ratelimit.HTTPLimiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	clock        func() time.Time // nil means time.Now
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithClock overrides the limiter clock (for testing)
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.clock = now
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Options first, so every component below sees the final logger.
	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		counterStore counter.Store
		ruleStore    rules.Store
		stateStore   ratelimit.StateStore
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		counterStore = counter.NewPostgresStore(db)
		ruleStore = rules.NewPostgresStore(db)
		stateStore = ratelimit.NewPostgresStore(db)
		s.assessments = risk.NewPostgresStore(db)
		s.auditSink = audit.NewPostgresSink(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		counterStore = counter.NewMemoryStore()
		ruleStore = rules.NewMemoryStoreWith(rules.DefaultRules()...)
		stateStore = ratelimit.NewMemoryStore()
		s.assessments = risk.NewMemoryStore()
		s.auditSink = audit.NewMemorySink(10000)
		s.logger.Warn("using in-memory storage (set DATABASE_URL for persistence)")
	}

	if cfg.AuditWebhookURL != "" {
		ws, err := audit.NewWebhookSink(audit.WebhookConfig{
			URL:          cfg.AuditWebhookURL,
			AllowPrivate: !cfg.IsProduction(),
		}, s.auditSink, s.logger)
		if err != nil {
			return nil, err
		}
		s.auditSink = ws
		s.logger.Info("forwarding audit events", "url", cfg.AuditWebhookURL)
	}

	s.velocity = counter.NewVelocity(counterStore, s.logger)
	s.registry = rules.NewRegistry(ruleStore).WithCacheTTL(cfg.RuleCacheInterval)
	s.scorer = risk.NewScorer(s.assessments).WithTopFactors(cfg.TopRiskFactors)
	s.limiter = ratelimit.NewLimiter(stateStore, s.velocity, s.logger).
		WithPenalty(ratelimit.PenaltyConfig{
			BaseBlockDuration:  cfg.BaseBlockDuration,
			PenaltyMultiplier:  cfg.PenaltyMultiplier,
			MaxPenaltyDuration: cfg.MaxPenaltyDuration,
			ViolationsToBlock:  cfg.ViolationsToBlock,
			ViolationWindow:    10 * time.Minute,
			ResetOnSuccess:     true,
			SuccessWeight:      1,
		})
	if s.clock != nil {
		s.limiter.WithClock(s.clock)
	}

	vcfg := bizrules.DefaultConfig()
	vcfg.MinAmount = cfg.MinAmount
	vcfg.MaxAmount = cfg.MaxAmount
	vcfg.MaxTrialDays = cfg.MaxTrialDays
	s.validator = bizrules.NewValidator(vcfg)

	s.streamHub = stream.NewHub(s.logger)

	s.engine = engine.New(s.validator, s.velocity, s.registry, s.scorer, s.limiter, s.logger).
		WithEmitter(audit.NewEmitter(s.auditSink, s.logger)).
		WithBroadcaster(s.streamHub).
		WithFailOpen(cfg.FailOpen)

	s.healthReg = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			st := health.Status{Name: "database", Healthy: true}
			if err := db.PingContext(ctx); err != nil {
				st.Healthy = false
				st.Detail = err.Error()
			}
			return st
		})
	}

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

// maskDSN hides password in connection string for logging
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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Per-IP edge rate limit, independent of the tier limits
	s.httpLimiter = ratelimit.NewHTTPLimiter(s.cfg.HTTPRateLimitRPM, s.cfg.HTTPRateLimitRPM/10)
	s.router.Use(s.httpLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
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

// adminAuthMiddleware guards mutating rule and exemption endpoints.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Set ADMIN_SECRET to enable the admin API",
			})
			return
		}
		if c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	{
		// Core evaluation
		v1.POST("/assessments", s.createAssessment)
		v1.GET("/assessments/:identifier", s.listAssessments)

		// Standalone business-rule validation
		v1.POST("/validations", s.validateTransaction)

		// Rate limit surface
		v1.POST("/ratelimit/check", s.checkRateLimit)
		v1.POST("/ratelimit/success", s.recordSuccess)
		v1.POST("/ratelimit/violation", s.recordViolation)

		// Velocity introspection
		v1.GET("/velocity/:kind/:value", s.getVelocity)

		// Audit trail
		v1.GET("/audit", s.listAuditEvents)

		// Rule catalogue (reads are open)
		v1.GET("/rules", s.listRules)
		v1.GET("/rules/:id", s.getRule)

		// Live decision feed
		v1.GET("/stream", s.streamHandler)
		v1.GET("/stream/stats", s.streamStatsHandler)
	}

	admin := s.router.Group("/v1/admin", s.adminAuthMiddleware())
	{
		admin.PUT("/rules/:id", s.upsertRule)
		admin.POST("/rules/:id/enable", s.enableRule)
		admin.POST("/rules/:id/disable", s.disableRule)
		admin.DELETE("/rules/:id", s.deleteRule)
		admin.PUT("/exemptions/:kind/:value", s.putExemption)
	}
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)
	code := http.StatusOK
	status := "healthy"
	if !healthy || !s.healthy.Load() {
		code = http.StatusServiceUnavailable
		status = "unhealthy"
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": statuses,
		"time":   time.Now().UTC(),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if s.healthy.Load() {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "dead"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if s.ready.Load() {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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

	// Start decision stream hub
	go s.streamHub.Run(runCtx)

	// Periodic counter and state sweeps
	go s.sweepLoop(runCtx)

	// Periodic DB stats collection
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

// sweepLoop evicts expired windows and settled limiter state.
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ms, ok := s.velocity.Store().(*counter.MemoryStore); ok {
				ms.Sweep()
			}
			if ps, ok := s.velocity.Store().(*counter.PostgresStore); ok {
				if n, err := ps.Sweep(ctx); err == nil && n > 0 {
					s.logger.Debug("swept expired counters", "rows", n)
				}
			}
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, sweeps)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop the per-IP limiter sweep goroutine
	if s.httpLimiter != nil {
		s.httpLimiter.Stop()
		s.logger.Info("http limiter stopped")
	}

	// Close database connection pool
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

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the decision engine (for the MCP surface)
func (s *Server) Engine() *engine.Engine {
	return s.engine
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
