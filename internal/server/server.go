// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
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

	"github.com/Dr-Liberty/BMT-University-sub001/internal/blacklist"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/cluster"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/config"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/health"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/ipcheck"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/logging"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/metrics"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/payout"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/ratelimit"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/realtime"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/reward"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/sinktrace"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/traces"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/validation"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/velocity"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/wallet"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	wallet        wallet.TokenWallet
	rewardService *reward.Service
	engine        *payout.Engine
	blacklistSvc  *blacklist.Service
	detector      *cluster.Detector
	riskService   *ipcheck.Service
	velocityTrack *velocity.Tracker
	tracer        *sinktrace.Tracer
	realtimeHub   *realtime.Hub
	payoutWorker  *payout.Worker
	clusterWorker *cluster.Worker
	sinkWorker    *sinktrace.Worker
	rateLimiter   *ratelimit.Limiter
	checks        *health.Registry
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	tracesClose   func(context.Context) error

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

// WithWallet sets a custom wallet (for testing)
func WithWallet(w wallet.TokenWallet) Option {
	return func(s *Server) {
		s.wallet = w
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set wallet/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		rewardStore    reward.Store
		txStore        payout.Store
		nonceStore     payout.NonceStore
		limitStore     payout.LimitStore
		blacklistStore blacklist.Store
		clusterStore   cluster.Store
		riskStore      ipcheck.Store
		velocityStore  velocity.Store
		sinkStore      sinktrace.Store
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		rewardPG := reward.NewPostgresStore(db)
		txPG := payout.NewPostgresStore(db)
		noncePG := payout.NewPostgresNonceStore(db)
		limitPG := payout.NewPostgresLimitStore(db)
		blacklistPG := blacklist.NewPostgresStore(db)
		clusterPG := cluster.NewPostgresStore(db)
		riskPG := ipcheck.NewPostgresStore(db)
		velocityPG := velocity.NewPostgresStore(db)
		sinkPG := sinktrace.NewPostgresStore(db)

		type migrator interface {
			Migrate(context.Context) error
		}
		stores := []struct {
			name string
			m    migrator
		}{
			{"rewards", rewardPG},
			{"payouts", txPG},
			{"nonces", noncePG},
			{"limits", limitPG},
			{"blacklist", blacklistPG},
			{"clusters", clusterPG},
			{"risk", riskPG},
			{"velocity", velocityPG},
			{"sinks", sinkPG},
		}
		for _, st := range stores {
			if err := st.m.Migrate(ctx); err != nil {
				s.logger.Warn("store migration failed", "store", st.name, "error", err)
			}
		}

		rewardStore = rewardPG
		txStore = txPG
		nonceStore = noncePG
		limitStore = limitPG
		blacklistStore = blacklistPG
		clusterStore = clusterPG
		riskStore = riskPG
		velocityStore = velocityPG
		sinkStore = sinkPG

		go metrics.StartDBStatsCollector(ctx, db, 15*time.Second)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		rewardStore = reward.NewMemoryStore()
		txStore = payout.NewMemoryStore()
		nonceStore = payout.NewMemoryNonceStore()
		limitStore = payout.NewMemoryLimitStore()
		blacklistStore = blacklist.NewMemoryStore()
		clusterStore = cluster.NewMemoryStore()
		riskStore = ipcheck.NewMemoryStore()
		velocityStore = velocity.NewMemoryStore()
		sinkStore = sinktrace.NewMemoryStore()
	}

	// Create wallet if not injected
	if s.wallet == nil {
		w, err := wallet.New(wallet.Config{
			RPCURL:              cfg.RPCURL,
			PrivateKey:          cfg.PrivateKey,
			ChainID:             cfg.ChainID,
			TokenContract:       cfg.TokenContract,
			BalanceMaxStaleness: cfg.BalanceMaxStaleness,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create wallet: %w", err)
		}
		s.wallet = w
	}

	// Realtime hub for the operator event stream
	s.realtimeHub = realtime.NewHub(s.logger)

	// Blacklist
	s.blacklistSvc = blacklist.NewService(blacklistStore, &blacklistEvents{s.realtimeHub})

	// Risk signals: real oracle in production, permissive static one in demo
	var oracle ipcheck.Oracle
	if cfg.OracleURL != "" {
		oracle = ipcheck.NewHTTPOracle(cfg.OracleURL, cfg.OracleAPIKey, cfg.OracleTimeout)
		s.logger.Info("risk oracle enabled", "url", cfg.OracleURL)
	} else {
		oracle = &ipcheck.StaticOracle{Score: 5}
		s.logger.Warn("no risk oracle configured, all identifiers score low")
	}
	s.riskService = ipcheck.NewService(riskStore, oracle, cfg.RiskCacheTTL, cfg.RiskCacheMax)

	// Velocity tracking
	s.velocityTrack = velocity.NewTracker(velocityStore, cfg.CompletionTimeFloor)

	// Sybil cluster detection with blacklist cascade; claim rates from the
	// velocity tracker feed the score.
	s.detector = cluster.NewDetector(clusterStore, s.blacklistSvc,
		&clusterEvents{s.realtimeHub}, int(cfg.ClusterBlockScore)).
		WithVelocity(s.velocityTrack)
	s.clusterWorker = cluster.NewWorker(s.detector, 5*time.Minute, s.logger)

	// Rewards feed velocity and cluster observation on every claim; timing
	// anomalies flag the wallet on the blacklist for review.
	s.rewardService = reward.NewService(rewardStore, s.velocityTrack, s.detector).
		WithAbuseFlagger(s.blacklistSvc)

	// Payout engine
	ceiling, err := wallet.ParseBMT(cfg.DailyPayoutCeiling)
	if err != nil {
		return nil, fmt.Errorf("invalid daily payout ceiling: %w", err)
	}
	s.engine = payout.NewEngine(txStore, nonceStore, limitStore, s.wallet, s.rewardService,
		payout.Policy{
			DailyCeiling:        ceiling,
			TokenContract:       cfg.TokenContract,
			MaxRetries:          cfg.MaxPayoutRetries,
			AllowHighRisk:       cfg.AllowHighRiskPayout,
			ConfirmationTimeout: cfg.ConfirmationTimeout,
			NonceLockGrace:      cfg.NonceLockGrace,
			NonceLockTimeout:    cfg.NonceLockTimeout,
		}).
		WithAdmission(s.blacklistSvc, s.detector, s.riskService).
		WithNotifier(&payoutEvents{s.realtimeHub})
	s.payoutWorker = payout.NewWorker(s.engine, 20*time.Second, s.logger)

	// Post-payout sink tracing reads transfer logs straight from the chain
	chain, ok := s.wallet.(sinktrace.Chain)
	if !ok {
		return nil, fmt.Errorf("wallet does not expose chain log access")
	}
	s.tracer = sinktrace.NewTracer(sinkStore, chain,
		&payoutSourceAdapter{txStore}, s.blacklistSvc,
		&sinkEvents{s.realtimeHub}, cfg.SinkDumpWindow)
	s.sinkWorker = sinktrace.NewWorker(s.tracer, 2*time.Minute, s.logger)

	// Health checks
	s.checks = health.NewRegistry()
	s.checks.Register("rpc", func(ctx context.Context) health.Status {
		if _, err := s.wallet.TreasuryBalance(ctx); err != nil {
			return health.Status{Name: "rpc", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "rpc", Healthy: true}
	})
	if s.db != nil {
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	// Tracing (optional OTLP export)
	if cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("trace exporter init failed", "error", err)
		} else {
			s.tracesClose = shutdown
		}
	}

	// Configure gin
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

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(limiterCfg)
	s.router.Use(s.rateLimiter.Middleware())

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

// adminMiddleware guards operator routes with the shared admin secret.
// In development mode with no secret configured, admin routes stay open
// so local demos work out of the box.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsDevelopment() {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin routes require ADMIN_SECRET to be configured",
			})
			return
		}

		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret",
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
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// WebSocket operator event stream
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)
	s.router.GET("/treasury", s.treasuryHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	rewardHandler := reward.NewHandler(s.rewardService)
	payoutHandler := payout.NewHandler(s.engine)

	// PUBLIC ROUTES: learners claim rewards and read their own state
	rewardHandler.RegisterRoutes(v1)
	payoutHandler.RegisterRoutes(v1)

	// OPERATOR ROUTES: guarded by the admin secret header
	admin := v1.Group("/admin")
	admin.Use(s.adminMiddleware())
	rewardHandler.RegisterAdminRoutes(admin)
	payoutHandler.RegisterAdminRoutes(admin)
	blacklist.NewHandler(s.blacklistSvc).RegisterAdminRoutes(admin)
	cluster.NewHandler(s.detector).RegisterAdminRoutes(admin)
	ipcheck.NewHandler(s.riskService).RegisterAdminRoutes(admin)
	sinktrace.NewHandler(s.tracer).RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "BMT University Rewards",
		"description": "Reward payout and anti-abuse engine for course completions",
		"version":     "0.1.0",
		"chain":       "base-sepolia",
		"currency":    "BMT",
	})
}

// treasuryHandler returns the signing wallet and its live balance
func (s *Server) treasuryHandler(c *gin.Context) {
	ctx := c.Request.Context()

	balance, err := s.wallet.TreasuryBalance(ctx)
	if err != nil {
		logging.L(ctx).Error("failed to get treasury balance", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve treasury balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":  s.wallet.Address(),
		"balance":  wallet.FormatBMT(balance),
		"currency": "BMT",
		"contract": s.cfg.TokenContract,
		"chain_id": s.cfg.ChainID,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"treasury", s.wallet.Address(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.payoutWorker.Start(runCtx)
	go s.clusterWorker.Start(runCtx)
	go s.sinkWorker.Start(runCtx)

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, workers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.payoutWorker.Stop()
	s.clusterWorker.Stop()
	s.sinkWorker.Stop()
	s.logger.Info("workers stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.tracesClose != nil {
		if err := s.tracesClose(ctx); err != nil {
			s.logger.Error("trace exporter close error", "error", err)
		}
	}

	if err := s.wallet.Close(); err != nil {
		s.logger.Error("wallet close error", "error", err)
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

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
