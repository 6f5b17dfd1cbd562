package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenBeamlineCore/internal/auth"
	"github.com/KevinKickass/OpenBeamlineCore/internal/workflow/definition"
)

type SavePositionRequest struct {
	Name string `json:"name" binding:"required"`
	// Positioners to include; all when empty.
	Positioners []string `json:"positioners"`
}

// GET /api/v1/positions
func (s *Server) listPositions(c *gin.Context) {
	positions, err := s.lm.DeviceManager().ListPositions(c.Request.Context())
	if err != nil {
		respondError(c, "POSITION", "Failed to list positions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"positions": positions,
		"count":     len(positions),
	})
}

// POST /api/v1/positions
func (s *Server) savePosition(c *gin.Context) {
	var req SavePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "POSITION", "Invalid request body", err)
		return
	}

	pos, err := s.lm.DeviceManager().SavePosition(c.Request.Context(), req.Name, req.Positioners)
	if err != nil {
		respondError(c, "POSITION", "Failed to save position", err)
		return
	}
	c.JSON(http.StatusCreated, pos)
}

// GET /api/v1/positions/:id
func (s *Server) getPosition(c *gin.Context) {
	id, ok := parseID(c, "POSITION")
	if !ok {
		return
	}
	pos, err := s.lm.DeviceManager().GetPosition(c.Request.Context(), id)
	if err != nil {
		respondError(c, "POSITION", "Position not found", err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

// DELETE /api/v1/positions/:id
func (s *Server) deletePosition(c *gin.Context) {
	id, ok := parseID(c, "POSITION")
	if !ok {
		return
	}
	if err := s.lm.DeviceManager().DeletePosition(c.Request.Context(), id); err != nil {
		respondError(c, "POSITION", "Failed to delete position", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "position deleted"})
}

// POST /api/v1/positions/:id/recall
//
// The recall runs as a one-step plan so it can be followed and
// cancelled through /executions.
func (s *Server) recallPosition(c *gin.Context) {
	id, ok := parseID(c, "POSITION")
	if !ok {
		return
	}
	pos, err := s.lm.DeviceManager().GetPosition(c.Request.Context(), id)
	if err != nil {
		respondError(c, "POSITION", "Position not found", err)
		return
	}

	plan := &definition.Plan{
		Name: "recall " + pos.Name,
		Steps: []definition.Step{{
			Name:       "recall",
			Type:       definition.StepTypeRecallPosition,
			PositionID: pos.ID.String(),
		}},
	}
	execID, err := s.lm.PlanEngine().ExecutePlan(c.Request.Context(), plan)
	if err != nil {
		respondError(c, "POSITION", "Failed to recall position", err)
		return
	}

	s.logger.Info("Position recall started",
		zap.String("position", pos.Name),
		zap.String("execution_id", execID.String()),
		zap.String("username", auth.GetUsername(c)))

	c.JSON(http.StatusAccepted, gin.H{
		"execution_id": execID,
		"position":     pos,
	})
}
