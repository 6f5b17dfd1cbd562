package positioner

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateIdle      State = "idle"
	StateMoving    State = "moving"
	StateDone      State = "done"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition can follow.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

var transitions = map[State][]State{
	StateIdle:   {StateMoving, StateDone},
	StateMoving: {StateDone, StateFailed, StateCancelled},
}

// ValidateTransition checks a move state change.
func ValidateTransition(from, to State) error {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid move state transition from %s to %s", from, to)
}

// WatcherUpdate describes move progress.
type WatcherUpdate struct {
	Name      string  `json:"name"`
	Current   float64 `json:"current"`
	Initial   float64 `json:"initial"`
	Target    float64 `json:"target"`
	Unit      string  `json:"unit,omitempty"`
	Precision int     `json:"precision"`
}

// Location is a point-in-time snapshot of a positioner.
type Location struct {
	Setpoint float64 `json:"setpoint"`
	Readback float64 `json:"readback"`
}

// MoveStatus summarizes a move for callers and storage.
type MoveStatus struct {
	ID          uuid.UUID  `json:"id"`
	Positioner  string     `json:"positioner"`
	State       State      `json:"state"`
	Strategy    string     `json:"strategy"`
	Initial     float64    `json:"initial"`
	Target      float64    `json:"target"`
	Final       *float64   `json:"final,omitempty"`
	Timeout     string     `json:"timeout"`
	Elided      bool       `json:"elided"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
