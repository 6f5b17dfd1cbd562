package positioner

import (
	"context"
	"fmt"
	"sync"

	"github.com/zoobzio/capitan"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenBeamlineCore/internal/channel"
)

// session is the per-call state of one move. Only the goroutine running
// it touches its fields after Set returns, except the stop request.
type session struct {
	p         *Positioner
	move      *Move
	target    float64
	units     string
	precision int

	stopOnce sync.Once
	stopC    chan struct{}
	stopMu   sync.Mutex
	success  bool
}

func (s *session) requestStop(success bool) {
	s.stopMu.Lock()
	s.success = success
	s.stopMu.Unlock()
	s.stopOnce.Do(func() { close(s.stopC) })
}

func (s *session) stopSuccess() bool {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	return s.success
}

func (s *session) stopRequested() bool {
	select {
	case <-s.stopC:
		return true
	default:
		return false
	}
}

func (s *session) run(ctx context.Context) {
	p, m := s.p, s.move
	timeoutCtx, cancel := p.clock.WithTimeout(ctx, m.Timeout)
	defer cancel()

	closed := make(chan struct{})
	defer close(closed)

	readbacks := make(chan channel.Reading, 64)
	rbID := p.sig.Readback.Subscribe(func(rd channel.Reading) {
		select {
		case readbacks <- rd:
		case <-closed:
		}
	})
	defer p.sig.Readback.Unsubscribe(rbID)

	var doneEdge <-chan struct{}
	if p.strategy.Kind == DoneEdge {
		edge := make(chan struct{})
		id := p.strategy.Done.Subscribe(doneWatcher(p.strategy.DoneValue, edge))
		defer p.strategy.Done.Unsubscribe(id)
		doneEdge = edge
	}

	if s.stopRequested() {
		s.stopped(nil)
		return
	}

	writeStatus, err := s.dispatch(ctx)
	if err != nil {
		s.end(StateFailed, err, nil)
		return
	}
	p.logger.Info("Move started",
		zap.String("positioner", p.cfg.Name),
		zap.String("move_id", m.ID.String()),
		zap.Float64("initial", m.Initial),
		zap.Float64("target", m.Target),
		zap.Duration("timeout", m.Timeout),
		zap.String("strategy", p.strategy.Kind.String()))
	capitan.Emit(ctx, MoveStarted,
		KeyPositioner.Field(p.cfg.Name),
		KeyMoveID.Field(m.ID.String()),
		KeyInitial.Field(formatFloat(m.Initial)),
		KeyTarget.Field(formatFloat(m.Target)),
		KeyStrategy.Field(p.strategy.Kind.String()),
		KeyTimeout.Field(m.Timeout))

	var putDone <-chan struct{}
	if p.strategy.Kind == PutComplete {
		putDone = writeStatus.Done()
	}

	var last *float64
	reached := false
	for {
		select {
		case rd := <-readbacks:
			cur, err := rd.Float()
			if err != nil {
				p.logger.Debug("Ignoring non-numeric readback",
					zap.String("positioner", p.cfg.Name),
					zap.Error(err))
				continue
			}
			last = &cur
			if reached {
				continue
			}
			m.emit(WatcherUpdate{
				Name:      p.cfg.Name,
				Current:   cur,
				Initial:   m.Initial,
				Target:    m.Target,
				Unit:      s.units,
				Precision: s.precision,
			})
			if p.strategy.Tolerance.Close(cur, s.target) {
				reached = true
				if p.strategy.Kind == ReadbackConvergence {
					s.complete(timeoutCtx, writeStatus, last)
					return
				}
			}
		case <-doneEdge:
			s.complete(timeoutCtx, writeStatus, last)
			return
		case <-putDone:
			s.complete(timeoutCtx, writeStatus, last)
			return
		case <-s.stopC:
			s.stopped(last)
			return
		case <-timeoutCtx.Done():
			s.end(StateFailed, s.timeoutError(), last)
			return
		}
	}
}

// dispatch writes the setpoint, then fires actuate when present.
func (s *session) dispatch(ctx context.Context) (*channel.Status, error) {
	p, m := s.p, s.move
	wait := p.strategy.Kind == PutComplete
	if p.sig.Actuate == nil {
		return p.sig.Setpoint.Set(ctx, s.target, wait, m.Timeout), nil
	}
	if err := p.sig.Setpoint.Set(ctx, s.target, true, m.Timeout).Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to write setpoint of %s: %w", p.cfg.Name, err)
	}
	return p.sig.Actuate.Trigger(ctx, wait, m.Timeout), nil
}

// complete awaits the write status so write errors surface, then
// honors a stop that raced the completion.
func (s *session) complete(ctx context.Context, writeStatus *channel.Status, last *float64) {
	if err := writeStatus.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			err = s.timeoutError()
		}
		s.end(StateFailed, err, last)
		return
	}
	if s.stopRequested() {
		s.stopped(last)
		return
	}
	s.end(StateDone, nil, last)
}

func (s *session) stopped(last *float64) {
	if s.stopSuccess() {
		s.end(StateCancelled, nil, last)
		return
	}
	s.end(StateCancelled, fmt.Errorf("%s: %w", s.p.cfg.Name, ErrStopped), last)
}

func (s *session) timeoutError() error {
	p := s.p
	watched := p.sig.Readback.Name()
	switch p.strategy.Kind {
	case DoneEdge:
		watched = p.strategy.Done.Name()
	case PutComplete:
		watched = p.sig.Setpoint.Name()
	}
	return &channel.TimeoutError{
		Op:      "move " + p.cfg.Name,
		Names:   []string{watched},
		Timeout: s.move.Timeout,
	}
}

func (s *session) end(state State, err error, last *float64) {
	p, m := s.p, s.move
	p.release(s)
	m.finish(state, err, last, p.clock.Now())

	elapsed := p.clock.Since(m.StartedAt)
	errText := ""
	if err != nil {
		errText = err.Error()
	}
	sig := MoveCompleted
	switch {
	case state == StateCancelled:
		sig = MoveStopped
		p.logger.Info("Move stopped",
			zap.String("positioner", p.cfg.Name),
			zap.String("move_id", m.ID.String()),
			zap.Error(err))
	case err != nil:
		sig = MoveFailed
		p.logger.Warn("Move failed",
			zap.String("positioner", p.cfg.Name),
			zap.String("move_id", m.ID.String()),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
	default:
		p.logger.Info("Move completed",
			zap.String("positioner", p.cfg.Name),
			zap.String("move_id", m.ID.String()),
			zap.Duration("elapsed", elapsed))
	}
	capitan.Emit(context.Background(), sig,
		KeyPositioner.Field(p.cfg.Name),
		KeyMoveID.Field(m.ID.String()),
		KeyTarget.Field(formatFloat(m.Target)),
		KeyState.Field(string(state)),
		KeyError.Field(errText),
		KeyElapsed.Field(elapsed))
}

// doneWatcher closes edge once the done signal has left doneValue and
// come back to it. A signal already at doneValue is not a completion.
func doneWatcher(doneValue any, edge chan struct{}) channel.Callback {
	var (
		mu      sync.Mutex
		started bool
		fired   bool
	)
	return func(rd channel.Reading) {
		mu.Lock()
		defer mu.Unlock()
		if fired {
			return
		}
		if !isDone(rd.Value, doneValue) {
			started = true
			return
		}
		if started {
			fired = true
			close(edge)
		}
	}
}
