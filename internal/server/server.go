// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
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

	"github.com/vndev/sentinel/internal/circuitbreaker"
	"github.com/vndev/sentinel/internal/config"
	"github.com/vndev/sentinel/internal/eventsink"
	"github.com/vndev/sentinel/internal/guard"
	"github.com/vndev/sentinel/internal/health"
	"github.com/vndev/sentinel/internal/kvstore"
	"github.com/vndev/sentinel/internal/logging"
	"github.com/vndev/sentinel/internal/metrics"
	"github.com/vndev/sentinel/internal/realtime"
	"github.com/vndev/sentinel/internal/security"
	"github.com/vndev/sentinel/internal/sentinel"
	"github.com/vndev/sentinel/internal/validation"
)

// Version is reported by /health.
const Version = "0.1.0"

// defaultDrainDelay gives load balancers time to stop sending traffic.
const defaultDrainDelay = 5 * time.Second

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	store        kvstore.Store // breaker-guarded
	rawStore     kvstore.Store
	storeBreaker *circuitbreaker.Breaker
	engine       *sentinel.Engine
	realtimeHub  *realtime.Hub
	kafka        *eventsink.KafkaPublisher
	extraPubs    []sentinel.Publisher
	health       *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration
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

// WithStore sets the guard state backend, bypassing REDIS_URL (for testing)
func WithStore(store kvstore.Store) Option {
	return func(s *Server) {
		s.rawStore = store
	}
}

// WithPublisher adds a publisher to the decision fan-out
func WithPublisher(p sentinel.Publisher) Option {
	return func(s *Server) {
		s.extraPubs = append(s.extraPubs, p)
	}
}

// WithDrainDelay overrides the pause between marking not-ready and closing
// the listener
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormatOrDefault()),
		drainDelay: defaultDrainDelay,
		health:     health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Guard state: Redis if REDIS_URL set, otherwise in-memory
	if s.rawStore == nil {
		if cfg.UsesRedis() {
			rs, err := kvstore.NewRedisStore(kvstore.RedisConfig{
				URL:       cfg.RedisURL,
				OpTimeout: cfg.RedisOpTimeout,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to connect to redis: %w", err)
			}
			s.rawStore = rs
			s.logger.Info("using redis guard store", "url", maskURL(cfg.RedisURL))
		} else {
			s.rawStore = kvstore.NewMemoryStore()
			s.logger.Warn("REDIS_URL not set, using in-memory guard store (single instance only)")
		}
	}

	s.storeBreaker = circuitbreaker.New("guard_store", cfg.BreakerThreshold, cfg.BreakerOpenFor)
	s.storeBreaker.OnTransition(func(from, to circuitbreaker.State) {
		s.logger.Warn("guard store circuit changed", "from", from.String(), "to", to.String())
	})
	s.store = kvstore.NewGuarded(s.rawStore, s.storeBreaker)

	// Publishers
	s.realtimeHub = realtime.NewHub(s.logger, cfg.EventBufferSize)
	pubs := sentinel.MultiPublisher{s.realtimeHub}
	if cfg.KafkaBrokers != "" {
		kp, err := eventsink.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, s.logger)
		if err != nil {
			s.closeStore()
			return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		s.kafka = kp
		pubs = append(pubs, kp)
		s.logger.Info("kafka event sink enabled", "topic", kp.Topic())
	}
	pubs = append(pubs, s.extraPubs...)

	// Guards and engine
	velocity := guard.NewVelocity(s.store, s.logger).
		WithLimit(cfg.VelocityLimit).
		WithWindow(cfg.VelocityWindow)
	geo := guard.NewGeo(s.store, s.logger).
		WithMaxSpeed(cfg.GeoMaxSpeedKmh).
		WithMaxElapsed(cfg.GeoMaxElapsed).
		WithTTL(cfg.GeoTTL)
	s.engine = sentinel.NewEngine(velocity, geo, pubs).
		WithAmountAlert(guard.NewAmount(cfg.HighAmountThreshold, s.logger)).
		WithLogger(s.logger)

	// Health checks
	if p, ok := s.store.(kvstore.Pinger); ok {
		s.health.Register("guard_store", health.StoreChecker("guard_store", p, 2*time.Second))
	}
	s.health.Register("guard_store_breaker", health.BreakerChecker("guard_store_breaker", s.storeBreaker))

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func maskURL(raw string) string {
	u, err := url.Parse(raw)
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(security.ParseOrigins(s.cfg.CORSOrigins)))

	// Request size limit (64KB)
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
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
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

		// Log level based on status code. 403 is a normal fraud denial.
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400 && status != http.StatusForbidden:
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Dashboard feed
	s.router.GET("/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))

	api := s.router.Group("/api/sentinel")
	sentinel.NewHandler(s.engine).RegisterRoutes(api)
	api.GET("/stats", s.statsHandler)
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
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

func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"realtime":     s.realtimeHub.Stats(),
		"storeBreaker": s.storeBreaker.State().String(),
		"kafka":        s.kafka != nil,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"redis", s.cfg.UsesRedis(),
			"kafka", s.kafka != nil,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.kafka != nil {
		go s.kafka.Start(runCtx)
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
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		s.closeStore()
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

	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// In-flight evaluations are done; stop the hub and delivery loop.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.kafka != nil {
		s.kafka.Close()
		s.logger.Info("kafka producer closed")
	}

	s.closeStore()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeStore() {
	closer, ok := s.rawStore.(interface{ Close() error })
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		s.logger.Error("guard store close error", "error", err)
		return
	}
	s.logger.Info("guard store closed")
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
