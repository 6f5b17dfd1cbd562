package positioner

import (
	"fmt"
	"math"
	"time"

	"github.com/KevinKickass/OpenBeamlineCore/internal/channel"
)

// StrategyKind selects how a positioner decides a move is complete.
type StrategyKind int

const (
	// PutComplete waits for the write acknowledgement itself.
	PutComplete StrategyKind = iota
	// DoneEdge waits for the done signal to leave and return to the done value.
	DoneEdge
	// ReadbackConvergence waits for the readback to come close to the target.
	ReadbackConvergence
)

func (k StrategyKind) String() string {
	switch k {
	case PutComplete:
		return "put_complete"
	case DoneEdge:
		return "done_edge"
	case ReadbackConvergence:
		return "readback"
	default:
		return "unknown"
	}
}

// Tolerance is an absolute plus relative closeness test.
type Tolerance struct {
	Rel float64
	Abs float64
}

// DefaultTolerance matches numpy.isclose.
var DefaultTolerance = Tolerance{Rel: 1e-5, Abs: 1e-8}

func (t Tolerance) Close(value, target float64) bool {
	return math.Abs(value-target) <= t.Abs+t.Rel*math.Abs(target)
}

// CompletionStrategy is chosen once when the positioner is built.
type CompletionStrategy struct {
	Kind      StrategyKind
	Done      channel.Channel
	DoneValue any
	Tolerance Tolerance
}

func selectStrategy(cfg Config, sigs Signals) CompletionStrategy {
	switch {
	case cfg.PutComplete:
		return CompletionStrategy{Kind: PutComplete, Tolerance: cfg.Tolerance}
	case sigs.Done != nil:
		return CompletionStrategy{Kind: DoneEdge, Done: sigs.Done, DoneValue: cfg.DoneValue, Tolerance: cfg.Tolerance}
	default:
		return CompletionStrategy{Kind: ReadbackConvergence, Tolerance: cfg.Tolerance}
	}
}

// isDone compares a done reading with the configured done value,
// numerically when both sides are numbers.
func isDone(value, doneValue any) bool {
	a, aok := channel.ToFloat(value)
	b, bok := channel.ToFloat(doneValue)
	if aok && bok {
		return a == b
	}
	return value == doneValue
}

// MoveTimeout computes |target-old|/velocity plus the settle margin.
func MoveTimeout(name string, old, target, velocity float64, margin time.Duration) (time.Duration, error) {
	if velocity <= 0 || math.IsNaN(velocity) {
		return 0, &VelocityError{Positioner: name, Velocity: velocity}
	}
	if math.IsNaN(target) || math.IsInf(target, 0) {
		return 0, fmt.Errorf("%s: target %v is not finite", name, target)
	}
	travel := math.Abs(target-old) / velocity
	if math.IsNaN(travel) || math.IsInf(travel, 0) {
		return 0, fmt.Errorf("%s: travel time from %v to %v at velocity %v is not finite", name, old, target, velocity)
	}
	ns := travel * float64(time.Second)
	if ns >= float64(math.MaxInt64-margin) {
		return time.Duration(math.MaxInt64), nil
	}
	return time.Duration(ns) + margin, nil
}
