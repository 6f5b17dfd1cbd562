package rest

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// GET /api/v1/devices
func (s *Server) listDevices(c *gin.Context) {
	devices := s.lm.DeviceManager().Devices()
	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// GET /api/v1/signals
func (s *Server) listSignals(c *gin.Context) {
	dm := s.lm.DeviceManager()
	names := dm.SignalNames()

	response := make([]gin.H, 0, len(names))
	for _, name := range names {
		ch, err := dm.Signal(name)
		if err != nil {
			continue
		}
		response = append(response, gin.H{
			"name":   name,
			"source": ch.Source(),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"signals": response,
		"count":   len(response),
	})
}

// GET /api/v1/signals/:name
func (s *Server) getSignal(c *gin.Context) {
	ch, err := s.lm.DeviceManager().Signal(c.Param("name"))
	if err != nil {
		respondError(c, "SIGNAL", "Signal not found", err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), locateTimeout)
	defer cancel()
	rd, err := ch.GetReading(ctx)
	if err != nil {
		respondError(c, "SIGNAL", "Failed to read signal", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"name":           ch.Name(),
		"source":         ch.Source(),
		"value":          rd.Value,
		"timestamp":      rd.Timestamp,
		"alarm_severity": rd.Severity.String(),
	})
}
