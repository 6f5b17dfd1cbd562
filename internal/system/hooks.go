package system

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/zoobzio/capitan"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenBeamlineCore/internal/interfaces"
	"github.com/KevinKickass/OpenBeamlineCore/internal/positioner"
)

// moveCounters tallies positioner move signals for the status report.
type moveCounters struct {
	once sync.Once

	started, completed, failed, stopped, elided atomic.Int64
}

func (m *moveCounters) hook(logger *zap.Logger) {
	m.once.Do(func() {
		capitan.Hook(positioner.MoveStarted, counter(&m.started, logger))
		capitan.Hook(positioner.MoveCompleted, counter(&m.completed, logger))
		capitan.Hook(positioner.MoveFailed, counter(&m.failed, logger))
		capitan.Hook(positioner.MoveStopped, counter(&m.stopped, logger))
		capitan.Hook(positioner.MoveElided, counter(&m.elided, logger))
	})
}

func counter(n *atomic.Int64, logger *zap.Logger) func(context.Context, *capitan.Event) {
	return func(_ context.Context, e *capitan.Event) {
		n.Add(1)
		name, _ := positioner.KeyPositioner.From(e)
		state, _ := positioner.KeyState.From(e)
		logger.Debug("Move event",
			zap.String("positioner", name),
			zap.String("state", state))
	}
}

func (m *moveCounters) snapshot() interfaces.MoveCounters {
	return interfaces.MoveCounters{
		Started:   m.started.Load(),
		Completed: m.completed.Load(),
		Failed:    m.failed.Load(),
		Stopped:   m.stopped.Load(),
		Elided:    m.elided.Load(),
	}
}
