package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GET /api/v1/system/status
// Reports lifecycle state, positioners in motion, move counters and
// connected WebSocket clients.
func (s *Server) getSystemStatus(c *gin.Context) {
	status := s.lm.GetCurrentStatus()
	if status.State != "RUNNING" {
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}
