package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/KevinKickass/OpenBeamlineCore/internal/channel"
	"github.com/KevinKickass/OpenBeamlineCore/internal/devices"
	"github.com/KevinKickass/OpenBeamlineCore/internal/positioner"
	"github.com/KevinKickass/OpenBeamlineCore/internal/storage"
	"github.com/KevinKickass/OpenBeamlineCore/internal/types"
	"github.com/KevinKickass/OpenBeamlineCore/internal/workflow"
	"github.com/KevinKickass/OpenBeamlineCore/internal/workflow/engine"
)

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	var verr *workflow.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, devices.ErrUnknownPositioner),
		errors.Is(err, devices.ErrUnknownSignal),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, engine.ErrExecutionNotFound):
		return http.StatusNotFound
	case errors.Is(err, positioner.ErrMoveInProgress),
		errors.Is(err, engine.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, positioner.ErrInvalidVelocity),
		errors.Is(err, channel.ErrReadOnly):
		return http.StatusUnprocessableEntity
	case errors.Is(err, channel.ErrTimeout),
		errors.Is(err, channel.ErrNoValue),
		errors.Is(err, channel.ErrDisconnected):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError writes err as a types.ErrorResponse. The code is the
// resource prefix and the status, e.g. POSITIONER_404.
func respondError(c *gin.Context, prefix, message string, err error) {
	status := statusOf(err)
	code := types.ErrorCode(prefix, status)

	var verr *workflow.ValidationError
	if errors.As(err, &verr) {
		c.JSON(status, types.NewErrorResponse(code, message, verr.Report))
		return
	}
	c.JSON(status, types.NewErrorResponse(code, message, err.Error()))
}

func badRequest(c *gin.Context, prefix, message string, err error) {
	c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrorCode(prefix, http.StatusBadRequest), message, err.Error()))
}

func parseID(c *gin.Context, prefix string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, prefix, "Invalid ID", err)
		return uuid.Nil, false
	}
	return id, true
}
