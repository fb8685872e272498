// Package api is the operations HTTP surface: health, Prometheus metrics,
// status, a websocket stream of bus events and a few token-guarded
// operator actions. It carries no user routes.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"trading-autopilot/internal/banking"
	"trading-autopilot/internal/database"
	"trading-autopilot/internal/events"
	"trading-autopilot/internal/faults"
	"trading-autopilot/internal/logging"
	"trading-autopilot/internal/observability"
	"trading-autopilot/internal/orchestrator"
)

// SessionSource exposes orchestrator state and the credential refresh.
type SessionSource interface {
	Running() bool
	Sessions() []orchestrator.SessionStatus
	RefreshCredentials(ctx context.Context, userID string) (int, error)
}

// BankingSource exposes banking state and the operator controls.
type BankingSource interface {
	Stats() banking.Stats
	History(limit int) []database.BankingRecord
	ManualBanking(ctx context.Context, amount float64) (banking.Outcome, error)
	ClearEmergencyStop(ctx context.Context) (bool, error)
	SetBankingEnabled(ctx context.Context, enabled bool) error
}

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) error

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ProductionMode bool
	HealthTimeout  time.Duration
	BankingHistory int
	// OpsToken guards /api/ops. Empty disables those routes.
	OpsToken string
}

// Server is the ops HTTP server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     ServerConfig
	logger     *logging.Logger
	metrics    *observability.Metrics
	hub        *WSHub
	sessions   SessionSource
	banking    BankingSource
	checks     map[string]HealthCheck
	startedAt  time.Time
}

// Option customizes a Server.
type Option func(*Server)

// WithSessions wires orchestrator status.
func WithSessions(src SessionSource) Option { return func(s *Server) { s.sessions = src } }

// WithBanking wires banking status.
func WithBanking(src BankingSource) Option { return func(s *Server) { s.banking = src } }

// WithHealthCheck registers a named dependency check.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// WithLogger sets the server logger.
func WithLogger(l *logging.Logger) Option { return func(s *Server) { s.logger = l } }

// NewServer creates the ops server. bus feeds the event stream; metrics is
// served at /metrics.
func NewServer(config ServerConfig, bus *events.Bus, metrics *observability.Metrics, opts ...Option) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}
	if config.HealthTimeout <= 0 {
		config.HealthTimeout = 2 * time.Second
	}
	if config.BankingHistory <= 0 {
		config.BankingHistory = 20
	}

	s := &Server{
		router:    gin.New(),
		config:    config,
		logger:    logging.Default(),
		metrics:   metrics,
		checks:    make(map[string]HealthCheck),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("api")
	s.hub = NewWSHub(bus, s.logger)

	s.router.Use(gin.Recovery())
	s.router.Use(s.requestLogger())
	s.setupRoutes()
	return s
}

// Handler returns the router, for tests and custom listeners.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the event-stream hub.
func (s *Server) Hub() *WSHub { return s.hub }

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	s.router.GET("/ws/events", s.handleEvents)

	status := s.router.Group("/api/status")
	status.GET("/sessions", s.handleSessions)
	status.GET("/banking", s.handleBanking)

	ops := s.router.Group("/api/ops", s.requireOpsToken())
	ops.POST("/banking/manual", s.handleManualBanking)
	ops.POST("/banking/emergency/clear", s.handleClearEmergency)
	ops.PUT("/banking/enabled", s.handleBankingEnabled)
	ops.POST("/users/:user_id/credentials/refresh", s.handleRefreshCredentials)
}

// requireOpsToken checks the bearer token on operator routes.
func (s *Server) requireOpsToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.config.OpsToken == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": true, "message": "ops routes disabled"})
			return
		}
		parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" ||
			subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.config.OpsToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": true, "message": "invalid ops token"})
			return
		}
		c.Next()
	}
}

// requestLogger logs each request at debug level and failures at warn.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		log := s.logger.WithDuration(time.Since(start))
		if status >= http.StatusInternalServerError {
			log.Warn("Request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "status", status)
			return
		}
		log.Debug("Request", "method", c.Request.Method, "path", c.Request.URL.Path, "status", status)
	}
}

// Start runs the hub and serves until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	go s.hub.Run(ctx)

	s.logger.Info("Starting ops server", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Shutting down ops server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealth reports each dependency check and the orchestrator state.
// Any failing check turns the response into 503.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.HealthTimeout)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	deps := make(gin.H, len(names))
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			healthy = false
			deps[name] = gin.H{"status": "unhealthy", "error": err.Error()}
			continue
		}
		deps[name] = gin.H{"status": "healthy"}
	}

	body := gin.H{
		"status":       "healthy",
		"dependencies": deps,
		"uptime":       time.Since(s.startedAt).Round(time.Second).String(),
		"ws_clients":   s.hub.ClientCount(),
	}
	if s.sessions != nil {
		body["orchestrator_running"] = s.sessions.Running()
		body["sessions"] = len(s.sessions.Sessions())
	}
	if !healthy {
		body["status"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleSessions(c *gin.Context) {
	if s.sessions == nil {
		errorResponse(c, http.StatusServiceUnavailable, "orchestrator not configured")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"running":  s.sessions.Running(),
		"sessions": s.sessions.Sessions(),
	})
}

func (s *Server) handleBanking(c *gin.Context) {
	if s.banking == nil {
		errorResponse(c, http.StatusServiceUnavailable, "banking not configured")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stats":   s.banking.Stats(),
		"history": s.banking.History(s.config.BankingHistory),
	})
}

type manualBankingRequest struct {
	Amount float64 `json:"amount"`
}

// handleManualBanking transfers an operator-chosen amount to spot.
// POST /api/ops/banking/manual
func (s *Server) handleManualBanking(c *gin.Context) {
	if s.banking == nil {
		errorResponse(c, http.StatusServiceUnavailable, "banking not configured")
		return
	}
	var req manualBankingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.banking.ManualBanking(c.Request.Context(), req.Amount)
	if err != nil {
		s.logger.Warn("Manual banking failed", "amount", req.Amount, "error", err.Error())
		c.JSON(statusFor(err), gin.H{"error": true, "message": err.Error(), "outcome": out})
		return
	}
	s.logger.Info("Manual banking", "amount", req.Amount, "action", string(out.Action))
	c.JSON(http.StatusOK, gin.H{"outcome": out})
}

// handleClearEmergency releases the drawdown emergency stop.
// POST /api/ops/banking/emergency/clear
func (s *Server) handleClearEmergency(c *gin.Context) {
	if s.banking == nil {
		errorResponse(c, http.StatusServiceUnavailable, "banking not configured")
		return
	}
	cleared, err := s.banking.ClearEmergencyStop(c.Request.Context())
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

type bankingEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// handleBankingEnabled starts or stops scheduled banking.
// PUT /api/ops/banking/enabled
func (s *Server) handleBankingEnabled(c *gin.Context) {
	if s.banking == nil {
		errorResponse(c, http.StatusServiceUnavailable, "banking not configured")
		return
	}
	var req bankingEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.banking.SetBankingEnabled(c.Request.Context(), *req.Enabled); err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": *req.Enabled})
}

// handleRefreshCredentials reloads a user's exchange keys for their
// sessions.
// POST /api/ops/users/:user_id/credentials/refresh
func (s *Server) handleRefreshCredentials(c *gin.Context) {
	if s.sessions == nil {
		errorResponse(c, http.StatusServiceUnavailable, "orchestrator not configured")
		return
	}
	userID := c.Param("user_id")
	n, err := s.sessions.RefreshCredentials(c.Request.Context(), userID)
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "sessions": n})
}

// statusFor maps an error category to an HTTP status.
func statusFor(err error) int {
	switch faults.Classify(err) {
	case faults.CategoryValidation:
		return http.StatusBadRequest
	case faults.CategoryTransient, faults.CategoryExchange:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}
