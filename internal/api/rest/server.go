package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/KevinKickass/ElectrometerCSC/internal/api/websocket"
	"github.com/KevinKickass/ElectrometerCSC/internal/auth"
	"github.com/KevinKickass/ElectrometerCSC/internal/bus"
	"github.com/KevinKickass/ElectrometerCSC/internal/csc"
	"github.com/KevinKickass/ElectrometerCSC/internal/fits"
	"github.com/KevinKickass/ElectrometerCSC/internal/monitor"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Backend is the CSC as seen from HTTP.
type Backend interface {
	Dispatch(ctx context.Context, name string, params map[string]any) bus.Ack
	Status() csc.Status
	Writer() *fits.Writer
}

type Server struct {
	router  *gin.Engine
	backend Backend
	logger  *zap.Logger
	server  *http.Server
	wsHub   *websocket.Hub

	// nil disables auth
	jwt *auth.JWTHandler
}

func NewServer(port int, backend Backend, logger *zap.Logger, wsHub *websocket.Hub, jwt *auth.JWTHandler) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:  gin.New(),
		backend: backend,
		logger:  logger.Named("rest"),
		wsHub:   wsHub,
		jwt:     jwt,
	}

	s.setupRoutes()

	// No write timeout: duration scans hold the command request open.
	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) require(p auth.Permission) gin.HandlerFunc {
	if s.jwt == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return s.jwt.Middleware(p)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(monitor.Handler()))
	s.router.GET("/fits/:file", s.downloadArtifact)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/state", s.require(auth.PermObserve), s.getState)

		commands := v1.Group("/commands")
		{
			commands.GET("", s.require(auth.PermObserve), s.listCommands)
			commands.POST("/:name", s.require(auth.PermCommand), s.executeCommand)
		}

		// Auth via first message
		ws := v1.Group("/ws")
		{
			ws.GET("/events", s.wsEvents)
			ws.GET("/status", s.require(auth.PermObserve), s.wsStatus)
		}
	}
}

func (s *Server) wsEvents(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

func (s *Server) healthCheck(c *gin.Context) {
	st := s.backend.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"summary_state": st.SummaryState,
		"timestamp":     time.Now().Unix(),
	})
}
