package positioner

import (
	"errors"
	"fmt"
)

var (
	ErrStopped         = errors.New("motor was stopped")
	ErrMoveInProgress  = errors.New("move already in progress")
	ErrInvalidVelocity = errors.New("mover has zero velocity")
)

// VelocityError reports a non-positive velocity used for a timeout.
type VelocityError struct {
	Positioner string
	Velocity   float64
}

func (e *VelocityError) Error() string {
	return fmt.Sprintf("%s: cannot compute move timeout with velocity %g", e.Positioner, e.Velocity)
}

func (e *VelocityError) Is(target error) bool {
	return target == ErrInvalidVelocity
}
