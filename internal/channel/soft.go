package channel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
)

// SoftChannel is an in-memory channel. It backs simulated devices,
// derived intermediates, and tests.
type SoftChannel struct {
	name         string
	clock        clockz.Clock
	fanout       Fanout
	putDelay     time.Duration
	triggerValue any
	readOnly     bool
	echo         bool
	initial      any
	hasInitial   bool

	mu      sync.Mutex
	putErr  error
	puts    atomic.Int64
	lastPut any
}

type SoftOption func(*SoftChannel)

func WithClock(clock clockz.Clock) SoftOption {
	return func(s *SoftChannel) { s.clock = clock }
}

// WithInitialValue publishes v at construction time.
func WithInitialValue(v any) SoftOption {
	return func(s *SoftChannel) {
		s.initial = v
		s.hasInitial = true
	}
}

// WithPutDelay delays put-completion, simulating a slow device.
func WithPutDelay(d time.Duration) SoftOption {
	return func(s *SoftChannel) { s.putDelay = d }
}

// WithTriggerValue sets the value written on Trigger. Defaults to 1.
func WithTriggerValue(v any) SoftOption {
	return func(s *SoftChannel) { s.triggerValue = v }
}

func ReadOnly() SoftOption {
	return func(s *SoftChannel) { s.readOnly = true }
}

// NoEcho keeps writes from changing the published reading, for
// setpoint-only channels whose readback lives elsewhere.
func NoEcho() SoftOption {
	return func(s *SoftChannel) { s.echo = false }
}

func NewSoftChannel(name string, opts ...SoftOption) *SoftChannel {
	s := &SoftChannel{
		name:         name,
		clock:        clockz.RealClock,
		triggerValue: 1,
		echo:         true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hasInitial {
		s.fanout.Publish(Reading{Value: s.initial, Timestamp: s.clock.Now()})
	}
	return s
}

func (s *SoftChannel) Name() string   { return s.name }
func (s *SoftChannel) Source() string { return "soft://" + s.name }

func (s *SoftChannel) GetReading(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	rd, ok := s.fanout.Latest()
	if !ok {
		return Reading{}, fmt.Errorf("%s: %w", s.name, ErrNoValue)
	}
	return rd, nil
}

func (s *SoftChannel) GetValue(ctx context.Context) (any, error) {
	rd, err := s.GetReading(ctx)
	if err != nil {
		return nil, err
	}
	return rd.Value, nil
}

func (s *SoftChannel) Set(ctx context.Context, value any, wait bool, timeout time.Duration) *Status {
	if s.readOnly {
		return Completed(fmt.Errorf("%s: %w", s.name, ErrReadOnly))
	}
	if err := ctx.Err(); err != nil {
		return Completed(err)
	}
	s.puts.Add(1)
	s.mu.Lock()
	s.lastPut = value
	putErr := s.putErr
	s.mu.Unlock()

	if s.putDelay <= 0 {
		if putErr == nil {
			s.apply(value)
		}
		return Completed(putErr)
	}

	st := NewStatus()
	timer := s.clock.NewTimer(s.putDelay)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C():
		case <-ctx.Done():
			st.Finish(ctx.Err())
			return
		}
		if putErr == nil {
			s.apply(value)
		}
		st.Finish(putErr)
	}()
	if !wait {
		return Completed(nil)
	}
	return st.Bound(s.clock, s.name, timeout)
}

func (s *SoftChannel) Trigger(ctx context.Context, wait bool, timeout time.Duration) *Status {
	return s.Set(ctx, s.triggerValue, wait, timeout)
}

func (s *SoftChannel) Subscribe(cb Callback) SubscriptionID {
	return s.fanout.Subscribe(cb)
}

func (s *SoftChannel) Unsubscribe(id SubscriptionID) {
	s.fanout.Unsubscribe(id)
}

// Update publishes a reading as if it came from the device.
func (s *SoftChannel) Update(value any, severity Severity) {
	s.fanout.Publish(Reading{Value: value, Timestamp: s.clock.Now(), Severity: severity})
}

// UpdateReading publishes rd unchanged.
func (s *SoftChannel) UpdateReading(rd Reading) {
	s.fanout.Publish(rd)
}

// FailPuts makes later writes finish with err. Pass nil to clear.
func (s *SoftChannel) FailPuts(err error) {
	s.mu.Lock()
	s.putErr = err
	s.mu.Unlock()
}

// PutCount reports how many writes or triggers the channel received.
func (s *SoftChannel) PutCount() int {
	return int(s.puts.Load())
}

func (s *SoftChannel) LastPut() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPut
}

func (s *SoftChannel) Subscribers() int {
	return s.fanout.Subscribers()
}

func (s *SoftChannel) apply(value any) {
	if !s.echo {
		return
	}
	s.fanout.Publish(Reading{Value: value, Timestamp: s.clock.Now()})
}
