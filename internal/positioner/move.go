package positioner

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Move is the handle for one Set call. Updates yields every progress
// update emitted before completion and is then closed; Wait returns the
// final outcome. Callers that start moves with Set must drain Updates.
type Move struct {
	ID         uuid.UUID
	Positioner string
	Initial    float64
	Target     float64
	Timeout    time.Duration
	Strategy   StrategyKind
	Elided     bool
	StartedAt  time.Time

	updates chan WatcherUpdate
	notify  chan struct{}
	done    chan struct{}

	mu          sync.Mutex
	state       State
	err         error
	final       *float64
	completedAt time.Time
	pending     []WatcherUpdate
	finished    bool
}

func newMove(name string, initial, target float64, strategy StrategyKind, buffer int, now time.Time) *Move {
	m := &Move{
		ID:         uuid.New(),
		Positioner: name,
		Initial:    initial,
		Target:     target,
		Strategy:   strategy,
		StartedAt:  now,
		updates:    make(chan WatcherUpdate, buffer),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		state:      StateIdle,
	}
	go m.forward()
	return m
}

// forward moves queued updates into the updates channel in order and
// closes it once the move has finished and the queue is empty.
func (m *Move) forward() {
	defer close(m.updates)
	for {
		m.mu.Lock()
		batch := m.pending
		m.pending = nil
		finished := m.finished
		m.mu.Unlock()

		for _, u := range batch {
			m.updates <- u
		}
		if len(batch) == 0 {
			if finished {
				return
			}
			<-m.notify
		}
	}
}

func (m *Move) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Move) Updates() <-chan WatcherUpdate { return m.updates }

func (m *Move) Done() <-chan struct{} { return m.done }

// Wait blocks until the move finishes and returns its error. A move
// stopped with success=false returns ErrStopped.
func (m *Move) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return m.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Move) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Move) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Move) Status() MoveStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := MoveStatus{
		ID:         m.ID,
		Positioner: m.Positioner,
		State:      m.state,
		Strategy:   m.Strategy.String(),
		Initial:    m.Initial,
		Target:     m.Target,
		Final:      m.final,
		Timeout:    m.Timeout.String(),
		Elided:     m.Elided,
		StartedAt:  m.StartedAt,
	}
	if m.err != nil {
		st.Error = m.err.Error()
	}
	if !m.completedAt.IsZero() {
		at := m.completedAt
		st.CompletedAt = &at
	}
	return st
}

func (m *Move) setState(to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ValidateTransition(m.state, to) == nil {
		m.state = to
	}
}

// emit queues u without blocking the session. Nothing is queued once
// the move has finished.
func (m *Move) emit(u WatcherUpdate) {
	m.mu.Lock()
	if m.finished {
		m.mu.Unlock()
		return
	}
	m.pending = append(m.pending, u)
	m.mu.Unlock()
	m.wake()
}

// finish is called once, from the goroutine that owns the move.
func (m *Move) finish(state State, err error, final *float64, at time.Time) {
	m.mu.Lock()
	if ValidateTransition(m.state, state) == nil {
		m.state = state
	}
	m.err = err
	m.final = final
	m.completedAt = at
	m.finished = true
	m.mu.Unlock()

	m.wake()
	close(m.done)
}
