package channel

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// Status tracks completion of an asynchronous channel operation.
// It finishes exactly once; later Finish calls are ignored.
type Status struct {
	done chan struct{}
	once sync.Once
	err  error
}

func NewStatus() *Status {
	return &Status{done: make(chan struct{})}
}

// Completed returns a status that is already finished with err.
func Completed(err error) *Status {
	s := NewStatus()
	s.Finish(err)
	return s
}

// Go runs fn in a goroutine and finishes the status with its result.
func Go(fn func() error) *Status {
	s := NewStatus()
	go func() {
		s.Finish(fn())
	}()
	return s
}

func (s *Status) Finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *Status) Done() <-chan struct{} {
	return s.done
}

func (s *Status) Finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Err returns the completion error. It is nil until the status finishes.
func (s *Status) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Wait blocks until the status finishes or ctx is done.
func (s *Status) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Bound returns a status that fails with a TimeoutError when s has not
// finished within timeout. A non-positive timeout returns s unchanged.
func (s *Status) Bound(clock clockz.Clock, name string, timeout time.Duration) *Status {
	if timeout <= 0 || s.Finished() {
		return s
	}
	bounded := NewStatus()
	timer := clock.NewTimer(timeout)
	go func() {
		defer timer.Stop()
		select {
		case <-s.done:
			bounded.Finish(s.err)
		case <-timer.C():
			bounded.Finish(&TimeoutError{Op: "put", Names: []string{name}, Timeout: timeout})
		}
	}()
	return bounded
}

// WaitAll waits for every status and returns the first error.
func WaitAll(ctx context.Context, statuses ...*Status) error {
	var first error
	for _, st := range statuses {
		if st == nil {
			continue
		}
		if err := st.Wait(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
