package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenBeamlineCore/internal/auth"
	"github.com/KevinKickass/OpenBeamlineCore/internal/workflow/definition"
)

// GET /api/v1/plans
func (s *Server) listPlans(c *gin.Context) {
	plans, err := s.lm.PlanEngine().ListPlans(c.Request.Context())
	if err != nil {
		respondError(c, "PLAN", "Failed to list plans", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"plans": plans,
		"count": len(plans),
	})
}

// GET /api/v1/plans/:id
func (s *Server) getPlan(c *gin.Context) {
	id, ok := parseID(c, "PLAN")
	if !ok {
		return
	}
	plan, err := s.lm.PlanEngine().GetPlan(c.Request.Context(), id)
	if err != nil {
		respondError(c, "PLAN", "Plan not found", err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

// POST /api/v1/plans
func (s *Server) createPlan(c *gin.Context) {
	var plan definition.Plan
	if err := c.ShouldBindJSON(&plan); err != nil {
		badRequest(c, "PLAN", "Invalid plan definition", err)
		return
	}

	stored, err := s.lm.PlanEngine().SavePlan(c.Request.Context(), &plan)
	if err != nil {
		respondError(c, "PLAN", "Failed to save plan", err)
		return
	}

	s.logger.Info("Plan saved",
		zap.String("plan", stored.Name),
		zap.String("id", stored.ID.String()),
		zap.String("username", auth.GetUsername(c)))
	c.JSON(http.StatusCreated, stored)
}

// POST /api/v1/plans/:id/execute
func (s *Server) executePlan(c *gin.Context) {
	id, ok := parseID(c, "PLAN")
	if !ok {
		return
	}
	execID, err := s.lm.PlanEngine().Execute(c.Request.Context(), id)
	if err != nil {
		respondError(c, "PLAN", "Failed to execute plan", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"execution_id": execID})
}

// POST /api/v1/plans/execute runs a plan sent in the body without
// storing it.
func (s *Server) executeInlinePlan(c *gin.Context) {
	var plan definition.Plan
	if err := c.ShouldBindJSON(&plan); err != nil {
		badRequest(c, "PLAN", "Invalid plan definition", err)
		return
	}
	execID, err := s.lm.PlanEngine().ExecutePlan(c.Request.Context(), &plan)
	if err != nil {
		respondError(c, "PLAN", "Failed to execute plan", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"execution_id": execID})
}

// GET /api/v1/executions
func (s *Server) listExecutions(c *gin.Context) {
	execs := s.lm.PlanEngine().Executions()
	c.JSON(http.StatusOK, gin.H{
		"executions": execs,
		"count":      len(execs),
	})
}

// GET /api/v1/executions/:id
func (s *Server) getExecutionStatus(c *gin.Context) {
	id, ok := parseID(c, "EXECUTION")
	if !ok {
		return
	}
	exec, err := s.lm.PlanEngine().GetExecutionStatus(id)
	if err != nil {
		respondError(c, "EXECUTION", "Execution not found", err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// GET /api/v1/executions/:id/events
func (s *Server) getExecutionEvents(c *gin.Context) {
	id, ok := parseID(c, "EXECUTION")
	if !ok {
		return
	}
	if _, err := s.lm.PlanEngine().GetExecutionStatus(id); err != nil {
		respondError(c, "EXECUTION", "Execution not found", err)
		return
	}
	events := s.lm.PlanEngine().Streamer().History(id)
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// POST /api/v1/executions/:id/cancel
func (s *Server) cancelExecution(c *gin.Context) {
	id, ok := parseID(c, "EXECUTION")
	if !ok {
		return
	}
	if err := s.lm.PlanEngine().Cancel(id); err != nil {
		respondError(c, "EXECUTION", "Failed to cancel execution", err)
		return
	}

	s.logger.Info("Execution cancel requested",
		zap.String("execution_id", id.String()),
		zap.String("username", auth.GetUsername(c)))
	c.JSON(http.StatusOK, gin.H{"message": "execution cancelled"})
}
