package rest

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/KevinKickass/OpenBeamlineCore/internal/auth"
	"github.com/KevinKickass/OpenBeamlineCore/internal/positioner"
)

const (
	locateTimeout       = 2 * time.Second
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

type PositionerView struct {
	Name       string                 `json:"name"`
	State      positioner.State       `json:"state"`
	Strategy   string                 `json:"strategy"`
	Setpoint   string                 `json:"setpoint_signal"`
	Readback   string                 `json:"readback_signal"`
	MinMove    float64                `json:"min_move"`
	Location   *positioner.Location   `json:"location,omitempty"`
	Error      string                 `json:"error,omitempty"`
	ActiveMove *positioner.MoveStatus `json:"active_move,omitempty"`
}

type MoveRequest struct {
	Target  *float64 `json:"target" binding:"required"`
	Timeout string   `json:"timeout,omitempty"`
}

type StopRequest struct {
	Success bool `json:"success"`
}

func describe(ctx context.Context, p *positioner.Positioner) PositionerView {
	sigs := p.Signals()
	view := PositionerView{
		Name:     p.Name(),
		State:    p.State(),
		Strategy: p.Strategy().Kind.String(),
		Setpoint: sigs.Setpoint.Name(),
		Readback: sigs.Readback.Name(),
		MinMove:  p.Config().MinMove,
	}

	ctx, cancel := context.WithTimeout(ctx, locateTimeout)
	defer cancel()
	if loc, err := p.Locate(ctx); err != nil {
		view.Error = err.Error()
	} else {
		view.Location = &loc
	}

	if mv := p.Active(); mv != nil {
		st := mv.Status()
		view.ActiveMove = &st
	}
	return view
}

// GET /api/v1/positioners
func (s *Server) listPositioners(c *gin.Context) {
	all := s.lm.DeviceManager().Positioners()
	views := make([]PositionerView, len(all))

	var g errgroup.Group
	for i, p := range all {
		g.Go(func() error {
			views[i] = describe(c.Request.Context(), p)
			return nil
		})
	}
	g.Wait()

	c.JSON(http.StatusOK, gin.H{
		"positioners": views,
		"count":       len(views),
	})
}

// GET /api/v1/positioners/:name
func (s *Server) getPositioner(c *gin.Context) {
	p, err := s.lm.DeviceManager().Positioner(c.Param("name"))
	if err != nil {
		respondError(c, "POSITIONER", "Positioner not found", err)
		return
	}
	c.JSON(http.StatusOK, describe(c.Request.Context(), p))
}

// POST /api/v1/positioners/:name/move
func (s *Server) movePositioner(c *gin.Context) {
	name := c.Param("name")

	var req MoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "MOVE", "Invalid request body", err)
		return
	}

	var opts []positioner.SetOption
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			badRequest(c, "MOVE", "Invalid timeout", fmt.Errorf("timeout %q must be a positive duration", req.Timeout))
			return
		}
		opts = append(opts, positioner.WithTimeout(d))
	}

	mv, err := s.lm.DeviceManager().Move(c.Request.Context(), name, *req.Target, opts...)
	if err != nil {
		respondError(c, "MOVE", "Failed to start move", err)
		return
	}

	s.logger.Info("Move requested",
		zap.String("positioner", name),
		zap.Float64("target", *req.Target),
		zap.String("move_id", mv.ID.String()),
		zap.String("username", auth.GetUsername(c)))

	c.JSON(http.StatusAccepted, gin.H{
		"move_id":    mv.ID,
		"positioner": name,
		"elided":     mv.Elided,
		"status":     mv.Status(),
	})
}

// POST /api/v1/positioners/:name/stop
func (s *Server) stopPositioner(c *gin.Context) {
	var req StopRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "STOP", "Invalid request body", err)
			return
		}
	}

	name := c.Param("name")
	if err := s.lm.DeviceManager().Stop(c.Request.Context(), name, req.Success); err != nil {
		respondError(c, "STOP", "Failed to stop positioner", err)
		return
	}

	s.logger.Info("Stop requested",
		zap.String("positioner", name),
		zap.Bool("success", req.Success),
		zap.String("username", auth.GetUsername(c)))

	c.JSON(http.StatusOK, gin.H{"message": "positioner stopped", "positioner": name})
}

// POST /api/v1/stop
func (s *Server) stopAll(c *gin.Context) {
	s.logger.Warn("Stop all requested", zap.String("username", auth.GetUsername(c)))
	if err := s.lm.DeviceManager().StopAll(c.Request.Context(), false); err != nil {
		respondError(c, "STOP", "Failed to stop all positioners", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "all positioners stopped"})
}

// GET /api/v1/positioners/:name/history?limit=N
func (s *Server) getMoveHistory(c *gin.Context) {
	name := c.Param("name")
	if _, err := s.lm.DeviceManager().Positioner(name); err != nil {
		respondError(c, "POSITIONER", "Positioner not found", err)
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "HISTORY", "Invalid limit", fmt.Errorf("limit %q must be a positive integer", raw))
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := s.lm.DeviceManager().MoveHistory(c.Request.Context(), name, limit)
	if err != nil {
		respondError(c, "HISTORY", "Failed to load move history", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"positioner": name,
		"moves":      records,
		"count":      len(records),
	})
}
