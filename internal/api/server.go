// Package api implements the operator REST API: server status, remote
// command execution, a live console stream over websocket and the
// Prometheus metrics endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/overseer-project/overseer/internal/config"
	"github.com/overseer-project/overseer/internal/events"
	"github.com/overseer-project/overseer/internal/scheduler"
	"github.com/overseer-project/overseer/internal/server"
)

// limiterIdle is how long a client IP keeps its rate limiter after its
// last request.
const limiterIdle = 10 * time.Minute

// Backend is the manager surface the API drives.
type Backend interface {
	Infos() []server.Info
	InfoFor(id string) (server.Info, bool)
	Execute(ctx context.Context, serverID, line string) (*events.GameEvent, error)
	RequestRestart()
	QueueDepth() int
}

// Server is the REST API server.
type Server struct {
	cfg     config.APIConfig
	backend Backend
	hub     *Hub
	version string
	limiter *RateLimiter

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates the API server and builds its routes. hub may be nil,
// in which case the console stream is unavailable.
func NewServer(cfg config.APIConfig, backend Backend, hub *Hub, version string) *Server {
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:     cfg,
		backend: backend,
		hub:     hub,
		version: version,
		limiter: NewRateLimiter(cfg.RateLimitRPS),
	}
	s.router = s.buildRouter()
	return s
}

// PruneJob returns the job forgetting rate limiters of idle clients.
func (s *Server) PruneJob(interval time.Duration) scheduler.Job {
	return scheduler.Job{
		Name:     "rate-limit-prune",
		Interval: interval,
		Run: func(context.Context) error {
			if n := s.limiter.Prune(limiterIdle); n > 0 {
				log.Debug().Int("removed", n).Msg("pruned idle API clients")
			}
			return nil
		},
	}
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", ln.Addr().String()).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(s.limiter.Middleware())

	auth := NewAuthMiddleware(s.cfg.TokenHash)

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/api")
	protected.Use(auth.RequireAuth())
	{
		protected.GET("/servers", s.handleListServers)
		protected.GET("/servers/:id", s.handleGetServer)
		protected.POST("/servers/:id/command", s.handleCommand)
		protected.POST("/command", s.handleCommand)
		protected.POST("/restart", s.handleRestart)
		protected.GET("/host", s.handleHost)
		protected.GET("/console/ws", s.handleConsole)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Overseer API is running."})
	})

	return router
}
