package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"strategy-replay-engine/config"
	"strategy-replay-engine/internal/events"
	"strategy-replay-engine/internal/optimize"
	"strategy-replay-engine/internal/store"
)

// maxConcurrentRuns bounds how many replay runs the HTTP layer will
// execute at once. Requests beyond the bound get 429 instead of
// queueing unboundedly.
const maxConcurrentRuns = 4

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        config.ServerConfig
	db         *store.DB
	champions  *store.ChampionStore
	eventBus   *events.EventBus
	sources    optimize.SourceFactory
	optCfg     config.OptimizerConfig
	runSem     chan struct{}
	log        zerolog.Logger
}

// NewServer creates a new API server. db and champions may be nil when
// the corresponding backends are disabled; handlers that need them
// respond 503.
func NewServer(
	cfg config.ServerConfig,
	db *store.DB,
	champions *store.ChampionStore,
	eventBus *events.EventBus,
	sources optimize.SourceFactory,
	optCfg config.OptimizerConfig,
	logger zerolog.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "" || cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:    router,
		cfg:       cfg,
		db:        db,
		champions: champions,
		eventBus:  eventBus,
		sources:   sources,
		optCfg:    optCfg,
		runSem:    make(chan struct{}, maxConcurrentRuns),
		log:       logger.With().Str("component", "api").Logger(),
	}

	server.setupRoutes()

	// WebSocket hub relays bus events to connected clients.
	InitWebSocket(eventBus, server.log)

	return server
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	{
		// Backtest endpoints
		api.POST("/backtests", s.handleRunBacktest)
		api.GET("/backtests", s.handleListBacktests)
		api.GET("/backtests/:id", s.handleGetBacktest)
		api.GET("/backtests/:id/trades", s.handleGetBacktestTrades)

		// Optimizer endpoints
		api.POST("/optimize", s.handleOptimize)
		api.GET("/optimize/leaderboard", s.handleGetLeaderboard)

		// Bar history endpoints
		api.POST("/bars", s.handleSaveBars)
		api.GET("/bars", s.handleLoadBars)

		// Champion config endpoints
		api.GET("/champions", s.handleListChampions)
		api.GET("/champions/:name", s.handleGetChampion)
		api.PUT("/champions/:name", s.handleSetChampion)
		api.DELETE("/champions/:name", s.handleDeleteChampion)
	}

	// WebSocket endpoint for run lifecycle events
	s.router.GET("/ws", s.handleWebSocket)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{"status": "healthy"}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Pool.Ping(ctx); err != nil {
			resp["status"] = "unhealthy"
			resp["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		resp["database"] = "healthy"
	}

	c.JSON(http.StatusOK, resp)
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
