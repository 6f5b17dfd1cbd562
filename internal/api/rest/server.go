package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenBeamlineCore/internal/api/websocket"
	"github.com/KevinKickass/OpenBeamlineCore/internal/auth"
	"github.com/KevinKickass/OpenBeamlineCore/internal/config"
	"github.com/KevinKickass/OpenBeamlineCore/internal/interfaces"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.AuthService) *Server {
	gin.SetMode(gin.ReleaseMode)
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		// ==================== AUTH (PUBLIC) ====================
		authPublic := v1.Group("/auth")
		{
			authPublic.POST("/login", s.login)
			authPublic.POST("/refresh", s.refreshToken)
		}

		// Everything below requires a token.
		api := v1.Group("")
		api.Use(s.authService.AuthMiddleware())

		authProtected := api.Group("/auth")
		{
			authProtected.POST("/logout", s.logout)
			authProtected.GET("/me", s.getCurrentUser)
		}

		// ==================== POSITIONERS (OPERATOR+) ====================
		positioners := api.Group("/positioners")
		positioners.Use(auth.RequirePermission(auth.PermOperator))
		{
			positioners.GET("", s.listPositioners)
			positioners.GET("/:name", s.getPositioner)
			positioners.GET("/:name/history", s.getMoveHistory)
			positioners.POST("/:name/move", s.movePositioner)
			positioners.POST("/:name/stop", s.stopPositioner)
		}
		api.POST("/stop", auth.RequirePermission(auth.PermOperator), s.stopAll)

		// ==================== SIGNALS & DEVICES (OPERATOR+) ====================
		api.GET("/signals", auth.RequirePermission(auth.PermOperator), s.listSignals)
		api.GET("/signals/:name", auth.RequirePermission(auth.PermOperator), s.getSignal)
		api.GET("/devices", auth.RequirePermission(auth.PermOperator), s.listDevices)

		// ==================== POSITIONS ====================
		positions := api.Group("/positions")
		{
			// Read: Operator+
			positions.GET("", auth.RequirePermission(auth.PermOperator), s.listPositions)
			positions.GET("/:id", auth.RequirePermission(auth.PermOperator), s.getPosition)

			// Save, delete, recall: Technician+
			positions.POST("", auth.RequirePermission(auth.PermTechnician), s.savePosition)
			positions.DELETE("/:id", auth.RequirePermission(auth.PermTechnician), s.deletePosition)
			positions.POST("/:id/recall", auth.RequirePermission(auth.PermTechnician), s.recallPosition)
		}

		// ==================== PLANS ====================
		plans := api.Group("/plans")
		{
			// Read & Execute: Operator+
			plans.GET("", auth.RequirePermission(auth.PermOperator), s.listPlans)
			plans.GET("/:id", auth.RequirePermission(auth.PermOperator), s.getPlan)
			plans.POST("/execute", auth.RequirePermission(auth.PermOperator), s.executeInlinePlan)
			plans.POST("/:id/execute", auth.RequirePermission(auth.PermOperator), s.executePlan)

			// Modify: Admin only
			plans.POST("", auth.RequirePermission(auth.PermAdmin), s.createPlan)
		}

		// ==================== EXECUTIONS (OPERATOR+) ====================
		executions := api.Group("/executions")
		executions.Use(auth.RequirePermission(auth.PermOperator))
		{
			executions.GET("", s.listExecutions)
			executions.GET("/:id", s.getExecutionStatus)
			executions.GET("/:id/events", s.getExecutionEvents)
			executions.POST("/:id/cancel", s.cancelExecution)
		}

		// ==================== SYSTEM (OPERATOR+) ====================
		api.GET("/system/status", auth.RequirePermission(auth.PermOperator), s.getSystemStatus)

		// ==================== WEBSOCKET (OPERATOR+) ====================
		// Browsers pass the token as ?token= on the upgrade request.
		ws := api.Group("/ws")
		ws.Use(auth.RequirePermission(auth.PermOperator))
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.wsStatus)
		}
	}
}

func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request, auth.GetUsername(c), auth.GetPermissions(c))
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
