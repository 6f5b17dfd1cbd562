package positioner

import "github.com/zoobzio/capitan"

// Move lifecycle signals.
var (
	MoveStarted = capitan.NewSignal(
		"beamline.move.started",
		"Positioner move dispatched",
	)
	MoveCompleted = capitan.NewSignal(
		"beamline.move.completed",
		"Positioner reached its target",
	)
	MoveFailed = capitan.NewSignal(
		"beamline.move.failed",
		"Positioner move failed or timed out",
	)
	MoveStopped = capitan.NewSignal(
		"beamline.move.stopped",
		"Positioner move ended by stop",
	)
	MoveElided = capitan.NewSignal(
		"beamline.move.elided",
		"Move skipped because it was smaller than min_move",
	)
)

// Field keys for move events. Positions are formatted with %g.
var (
	KeyPositioner = capitan.NewStringKey("positioner")
	KeyMoveID     = capitan.NewStringKey("move_id")
	KeyInitial    = capitan.NewStringKey("initial")
	KeyTarget     = capitan.NewStringKey("target")
	KeyState      = capitan.NewStringKey("state")
	KeyStrategy   = capitan.NewStringKey("strategy")
	KeyError      = capitan.NewStringKey("error")
	KeyTimeout    = capitan.NewDurationKey("timeout")
	KeyElapsed    = capitan.NewDurationKey("elapsed")
)
