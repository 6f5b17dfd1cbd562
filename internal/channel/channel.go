// Package channel defines the contract for independently addressable
// control endpoints and an in-memory implementation of it.
package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Callback receives readings from a subscription. Callbacks must not block.
type Callback func(Reading)

// SubscriptionID identifies a subscription on one channel.
type SubscriptionID uint64

// Channel is a named endpoint that can be read, written, subscribed
// for change notification, or triggered.
type Channel interface {
	Name() string
	// Source describes where the channel lives, e.g. "soft://x" or "modbus://stage/40001".
	Source() string

	GetValue(ctx context.Context) (any, error)
	GetReading(ctx context.Context) (Reading, error)

	// Set writes value. With wait the returned status finishes on
	// put-completion, otherwise once the write is dispatched.
	Set(ctx context.Context, value any, wait bool, timeout time.Duration) *Status
	// Trigger fires an action-only channel.
	Trigger(ctx context.Context, wait bool, timeout time.Duration) *Status

	// Subscribe registers cb and delivers the current reading to it
	// immediately when one is available.
	Subscribe(cb Callback) SubscriptionID
	Unsubscribe(id SubscriptionID)
}

var (
	ErrTimeout      = errors.New("connection timeout")
	ErrNoValue      = errors.New("channel has no value yet")
	ErrDisconnected = errors.New("channel disconnected")
	ErrReadOnly     = errors.New("channel is read-only")
)

// TimeoutError reports channels that did not answer in time.
type TimeoutError struct {
	Op      string
	Names   []string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s waiting for %s", e.Op, e.Timeout, strings.Join(e.Names, ", "))
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// GetFloat reads ch and converts its value to float64.
func GetFloat(ctx context.Context, ch Channel) (float64, error) {
	rd, err := ch.GetReading(ctx)
	if err != nil {
		return 0, err
	}
	f, err := rd.Float()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", ch.Name(), err)
	}
	return f, nil
}
