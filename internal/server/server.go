// Package server sets up the HTTP server with all routes
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
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/paywatch/paywatch/internal/accounts"
	"github.com/paywatch/paywatch/internal/config"
	"github.com/paywatch/paywatch/internal/engine"
	"github.com/paywatch/paywatch/internal/lnbits"
	"github.com/paywatch/paywatch/internal/logging"
	"github.com/paywatch/paywatch/internal/metrics"
	"github.com/paywatch/paywatch/internal/ratelimit"
	"github.com/paywatch/paywatch/internal/realtime"
	"github.com/paywatch/paywatch/internal/security"
	"github.com/paywatch/paywatch/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg      *config.Config
	accounts accounts.Store
	backend  *lnbits.Client
	engine   *engine.Engine
	events   *EventFeed
	hub      *realtime.Hub
	limiter  *ratelimit.Limiter
	db       *sql.DB // nil if using in-memory
	router   *gin.Engine
	httpSrv  *http.Server
	logger   *slog.Logger
	cancel   context.CancelFunc // stops background goroutines started in Run

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

// WithBackend sets a custom backend client (for testing)
func WithBackend(c *lnbits.Client) Option {
	return func(s *Server) {
		s.backend = c
	}
}

// WithAccountStore sets a custom account store (for testing)
func WithAccountStore(store accounts.Store) Option {
	return func(s *Server) {
		s.accounts = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		events: NewEventFeed(DefaultFeedCapacity),
	}

	// Apply options first (may set backend/store/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.accounts == nil {
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
			s.accounts = accounts.NewPostgresStore(db)
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.accounts = accounts.NewMemoryStore()
			s.logger.Info("using in-memory storage (data will not persist)")
		}
	}

	if s.backend == nil {
		s.backend = lnbits.New(cfg.BackendURL, cfg.RequestTimeout)
	}
	s.logger.Info("payment backend configured", "url", cfg.BackendURL)

	// Realtime hub for WebSocket event streaming
	s.hub = realtime.NewHub(s.logger)

	s.engine = engine.New(cfg.Engine, s.accounts, s.backend, engine.Callbacks{
		OnSettled: func(id, ownerID string, amount int64) {
			s.events.Add(Event{Type: EventSettled, PaymentID: id, OwnerID: ownerID, Amount: amount})
			s.hub.BroadcastOutcome(realtime.EventSettled, map[string]interface{}{
				"ownerId": ownerID, "paymentId": id, "amount": amount,
			})
		},
		OnExpired: func(id, ownerID string, amount int64) {
			s.events.Add(Event{Type: EventExpired, PaymentID: id, OwnerID: ownerID, Amount: amount})
			s.hub.BroadcastOutcome(realtime.EventExpired, map[string]interface{}{
				"ownerId": ownerID, "paymentId": id, "amount": amount,
			})
		},
		OnExternalPayment: func(ownerID string, amount int64) {
			s.events.Add(Event{Type: EventExternalPayment, OwnerID: ownerID, Amount: amount})
			s.hub.BroadcastOutcome(realtime.EventExternalPayment, map[string]interface{}{
				"ownerId": ownerID, "amount": amount,
			})
		},
	}, s.logger)

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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.limiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.limiter.Middleware())

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
			requestID = uuid.NewString()
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// WebSocket for real-time event streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :owner URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.OwnerParamMiddleware())

	// Account management
	v1.PUT("/accounts/:owner", s.putAccountHandler)
	v1.GET("/accounts", s.listAccountsHandler)
	v1.DELETE("/accounts/:owner", s.deleteAccountHandler)
	v1.GET("/accounts/:owner/balance", s.balanceHandler)

	// Invoice tracking
	v1.POST("/invoices", s.createInvoiceHandler)
	v1.GET("/invoices", s.listInvoicesHandler)
	v1.DELETE("/invoices/:id", s.stopTrackingHandler)

	// Observability
	v1.GET("/stats", s.statsHandler)
	v1.GET("/events", s.eventsHandler)

	// Operations
	v1.POST("/sessions/reconnect", s.reconnectHandler)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.engine.Start(runCtx)
	go s.hub.Run(runCtx)

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

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"backend", s.cfg.BackendURL,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Stop the hub and any other background goroutines started in Run
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.engine.Stop()

	// Stop rate limiter cleanup goroutine
	if s.limiter != nil {
		s.limiter.Stop()
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

// Engine returns the confirmation engine for testing
func (s *Server) Engine() *engine.Engine {
	return s.engine
}
