// Package api serves the read-only operator surface: Prometheus metrics,
// lock store health and the status of running bots. Starting and stopping
// bots is not exposed over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"bot-execution-core/config"
	"bot-execution-core/internal/engine"
	"bot-execution-core/internal/lock"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// BotSource is the view of the engine the server reads from
type BotSource interface {
	List() []engine.BotStatus
	Status(userID, botID string) (engine.BotStatus, bool)
}

// LockHealth reports whether cross-instance exclusion is in effect
type LockHealth interface {
	Mode() lock.Mode
	CheckHealth(ctx context.Context) error
}

// Server is the operator HTTP server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     config.MetricsConfig
	bots       BotSource
	locks      LockHealth
	logger     zerolog.Logger
}

// NewServer wires the routes. gatherer is usually the registry the service
// metrics were registered on.
func NewServer(cfg config.MetricsConfig, gatherer prometheus.Gatherer, bots BotSource, locks LockHealth, logger zerolog.Logger) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	if len(cfg.AllowOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = cfg.AllowOrigins
		corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
		router.Use(cors.New(corsConfig))
	}

	s := &Server{
		router: router,
		config: cfg,
		bots:   bots,
		locks:  locks,
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.GET("/health", s.handleHealth)
	router.GET("/status", s.handleListBots)
	router.GET("/status/:user_id", s.handleListUserBots)
	router.GET("/status/:user_id/:bot_id", s.handleBotStatus)

	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving on the configured address until Shutdown
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.config.Address).Msg("Operator server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("operator server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleHealth reports the lock mode. Local mode still trades but only
// excludes within this process, so it is reported as degraded.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	store := "healthy"
	if err := s.locks.CheckHealth(ctx); err != nil {
		store = "unreachable"
		if errors.Is(err, lock.ErrStoreUnavailable) {
			store = "not_configured"
		}
	}

	mode := s.locks.Mode()
	status := "healthy"
	if mode != lock.ModeDistributed {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       status,
		"lock_mode":    mode,
		"lock_store":   store,
		"running_bots": len(s.bots.List()),
		"time":         time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListBots(c *gin.Context) {
	bots := s.bots.List()
	c.JSON(http.StatusOK, gin.H{"count": len(bots), "bots": bots})
}

func (s *Server) handleListUserBots(c *gin.Context) {
	userID := c.Param("user_id")
	out := []engine.BotStatus{}
	for _, b := range s.bots.List() {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "bots": out})
}

func (s *Server) handleBotStatus(c *gin.Context) {
	status, ok := s.bots.Status(c.Param("user_id"), c.Param("bot_id"))
	if !ok {
		errorResponse(c, http.StatusNotFound, "bot not running")
		return
	}
	c.JSON(http.StatusOK, status)
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	}
}
