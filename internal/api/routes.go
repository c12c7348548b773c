package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/overseer-project/overseer/internal/events"
	"github.com/overseer-project/overseer/internal/server"
	"github.com/overseer-project/overseer/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"service":     "overseer",
		"version":     s.version,
		"servers":     len(s.backend.Infos()),
		"queue_depth": s.backend.QueueDepth(),
	})
}

// handleListServers returns the summary of every server.
func (s *Server) handleListServers(c *gin.Context) {
	infos := s.backend.Infos()
	c.JSON(http.StatusOK, gin.H{
		"servers": infos,
		"total":   len(infos),
	})
}

// handleGetServer returns one server with its roster.
func (s *Server) handleGetServer(c *gin.Context) {
	info, ok := s.backend.InfoFor(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "server not found", "id": c.Param("id")})
		return
	}
	c.JSON(http.StatusOK, info)
}

type commandRequest struct {
	Command string `json:"command" binding:"required"`
}

type commandResponse struct {
	ID     string   `json:"id,omitempty"`
	Server string   `json:"server,omitempty"`
	Output []string `json:"output"`
	Error  string   `json:"error,omitempty"`
}

// handleCommand runs a console command against a server (the default
// server on /api/command) and returns its reply lines.
func (s *Server) handleCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}

	serverID := c.Param("id")
	operator, _ := c.Get("operator")
	log.Info().
		Str("server", serverID).
		Str("command", req.Command).
		Interface("operator", operator).
		Msg("API: command received")

	e, err := s.backend.Execute(c.Request.Context(), serverID, req.Command)
	c.JSON(commandStatus(err), buildCommandResponse(e, err))
}

func buildCommandResponse(e *events.GameEvent, err error) commandResponse {
	resp := commandResponse{Output: []string{}}
	if e != nil {
		resp.ID = e.ID.String()
		resp.Server = e.ServerID()
		resp.Output = append(resp.Output, e.Output()...)
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// commandStatus maps an Execute outcome to an HTTP status. A command that
// ran but failed in a handler is still a 200 carrying the error.
func commandStatus(err error) int {
	switch {
	case err == nil, errors.Is(err, events.ErrHandlerFailure):
		return http.StatusOK
	case errors.Is(err, server.ErrUnknownServer):
		return http.StatusNotFound
	case errors.Is(err, server.ErrNotRunning), errors.Is(err, events.ErrQueueClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, server.ErrCommandTimeout), errors.Is(err, events.ErrHandlerTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handleRestart asks the daemon to reload and rebuild every component.
func (s *Server) handleRestart(c *gin.Context) {
	operator, _ := c.Get("operator")
	log.Info().Interface("operator", operator).Msg("API: restart requested")
	s.backend.RequestRestart()
	c.JSON(http.StatusAccepted, gin.H{"status": "restarting"})
}

// handleHost returns host information and current load.
func (s *Server) handleHost(c *gin.Context) {
	load, err := util.GetHostLoad()
	if err != nil {
		log.Debug().Err(err).Msg("host load unavailable")
	}
	c.JSON(http.StatusOK, gin.H{
		"system": util.GetSystemInfo(),
		"load":   load,
	})
}
