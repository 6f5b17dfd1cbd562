package streaming

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	EventExecutionStarted   = "execution.started"
	EventStepStarted        = "step.started"
	EventStepCompleted      = "step.completed"
	EventStepFailed         = "step.failed"
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"
	EventExecutionCancelled = "execution.cancelled"
)

// Terminal reports whether eventType ends an execution.
func Terminal(eventType string) bool {
	switch eventType {
	case EventExecutionCompleted, EventExecutionFailed, EventExecutionCancelled:
		return true
	}
	return false
}

type Event struct {
	ID          uuid.UUID      `json:"id"`
	ExecutionID uuid.UUID      `json:"execution_id"`
	Type        string         `json:"event_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// EventStreamer fans plan events out to per-execution subscribers and
// to listeners that see every execution. It keeps each execution's
// events so late subscribers replay them; the subscription closes
// after the terminal event.
type EventStreamer struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID][]chan *Event
	history     map[uuid.UUID][]*Event
	finished    map[uuid.UUID]bool
	listeners   []func(*Event)
}

func NewEventStreamer() *EventStreamer {
	return &EventStreamer{
		subscribers: make(map[uuid.UUID][]chan *Event),
		history:     make(map[uuid.UUID][]*Event),
		finished:    make(map[uuid.UUID]bool),
	}
}

// OnEvent registers fn for the events of every execution.
func (s *EventStreamer) OnEvent(fn func(*Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *EventStreamer) Subscribe(executionID uuid.UUID) <-chan *Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	past := s.history[executionID]
	ch := make(chan *Event, 100+len(past))
	for _, ev := range past {
		ch <- ev
	}
	if s.finished[executionID] {
		close(ch)
		return ch
	}
	s.subscribers[executionID] = append(s.subscribers[executionID], ch)
	return ch
}

func (s *EventStreamer) Unsubscribe(executionID uuid.UUID, ch <-chan *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subscribers[executionID]
	for i, sub := range subs {
		if sub == ch {
			s.subscribers[executionID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
}

func (s *EventStreamer) Broadcast(event *Event) {
	s.mu.Lock()
	if s.finished[event.ExecutionID] {
		s.mu.Unlock()
		return
	}
	s.history[event.ExecutionID] = append(s.history[event.ExecutionID], event)
	for _, ch := range s.subscribers[event.ExecutionID] {
		select {
		case ch <- event:
		default:
			// Skip if channel is full
		}
	}
	if Terminal(event.Type) {
		s.finished[event.ExecutionID] = true
		for _, ch := range s.subscribers[event.ExecutionID] {
			close(ch)
		}
		delete(s.subscribers, event.ExecutionID)
	}
	listeners := append(([]func(*Event))(nil), s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(event)
	}
}

// History returns the events published so far for an execution.
func (s *EventStreamer) History(executionID uuid.UUID) []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Event(nil), s.history[executionID]...)
}

// Forget drops the stored events of a finished execution.
func (s *EventStreamer) Forget(executionID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished[executionID] {
		delete(s.history, executionID)
		delete(s.finished, executionID)
	}
}
