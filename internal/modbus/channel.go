package modbus

import (
	"context"
	"fmt"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenBeamlineCore/internal/channel"
)

// RegisterChannel exposes one device register as a channel. Readings
// reach subscribers through the device poller.
type RegisterChannel struct {
	name         string
	device       *Device
	register     string
	triggerValue any
	clock        clockz.Clock
	logger       *zap.Logger
	fanout       channel.Fanout
}

type RegisterOption func(*RegisterChannel)

func WithChannelClock(clock clockz.Clock) RegisterOption {
	return func(c *RegisterChannel) { c.clock = clock }
}

func WithChannelLogger(logger *zap.Logger) RegisterOption {
	return func(c *RegisterChannel) { c.logger = logger }
}

// WithRegisterTriggerValue sets the value written by Trigger. Defaults to 1.
func WithRegisterTriggerValue(v any) RegisterOption {
	return func(c *RegisterChannel) { c.triggerValue = v }
}

func NewRegisterChannel(name string, device *Device, register string, opts ...RegisterOption) (*RegisterChannel, error) {
	if _, ok := device.Register(register); !ok {
		return nil, fmt.Errorf("channel %s: device %s has no register %s", name, device.Name, register)
	}
	c := &RegisterChannel{
		name:         name,
		device:       device,
		register:     register,
		triggerValue: 1,
		clock:        clockz.RealClock,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *RegisterChannel) Name() string     { return c.name }
func (c *RegisterChannel) Register() string { return c.register }
func (c *RegisterChannel) Source() string {
	return fmt.Sprintf("modbus://%s/%s", c.device.Name, c.register)
}

func (c *RegisterChannel) GetReading(ctx context.Context) (channel.Reading, error) {
	if !c.device.IsConnected() {
		return channel.Reading{}, fmt.Errorf("%s: %w", c.name, channel.ErrDisconnected)
	}
	value, err := c.device.ReadRegister(ctx, c.register)
	if err != nil {
		return channel.Reading{}, fmt.Errorf("%s: %w", c.name, err)
	}
	return channel.Reading{Value: value, Timestamp: c.clock.Now(), Severity: channel.NoAlarm}, nil
}

func (c *RegisterChannel) GetValue(ctx context.Context) (any, error) {
	rd, err := c.GetReading(ctx)
	if err != nil {
		return nil, err
	}
	return rd.Value, nil
}

// Set writes the register. The device acknowledges each write, so with
// wait the status finishes on that acknowledgement.
func (c *RegisterChannel) Set(ctx context.Context, value any, wait bool, timeout time.Duration) *channel.Status {
	if !c.device.IsConnected() {
		return channel.Completed(fmt.Errorf("%s: %w", c.name, channel.ErrDisconnected))
	}
	write := func(ctx context.Context) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = c.clock.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := c.device.WriteRegister(ctx, c.register, value); err != nil {
			if ctx.Err() != nil {
				return &channel.TimeoutError{Op: "put", Names: []string{c.name}, Timeout: timeout}
			}
			return fmt.Errorf("%s: %w", c.name, err)
		}
		return nil
	}

	if wait {
		return channel.Go(func() error { return write(ctx) })
	}

	bg := context.WithoutCancel(ctx)
	go func() {
		if err := write(bg); err != nil {
			c.logger.Warn("Register write failed",
				zap.String("channel", c.name),
				zap.String("source", c.Source()),
				zap.Error(err))
		}
	}()
	return channel.Completed(nil)
}

func (c *RegisterChannel) Trigger(ctx context.Context, wait bool, timeout time.Duration) *channel.Status {
	return c.Set(ctx, c.triggerValue, wait, timeout)
}

func (c *RegisterChannel) Subscribe(cb channel.Callback) channel.SubscriptionID {
	return c.fanout.Subscribe(cb)
}

func (c *RegisterChannel) Unsubscribe(id channel.SubscriptionID) {
	c.fanout.Unsubscribe(id)
}

// publish delivers a polled value when it differs from the last one.
func (c *RegisterChannel) publish(value any) {
	if last, ok := c.fanout.Latest(); ok && last.Severity == channel.NoAlarm && last.Value == value {
		return
	}
	c.fanout.Publish(channel.Reading{Value: value, Timestamp: c.clock.Now(), Severity: channel.NoAlarm})
}

// invalidate republishes the last value with InvalidAlarm after a failed
// poll. Nothing is published before the first successful read.
func (c *RegisterChannel) invalidate() {
	last, ok := c.fanout.Latest()
	if !ok || last.Severity == channel.InvalidAlarm {
		return
	}
	c.fanout.Publish(channel.Reading{Value: last.Value, Timestamp: c.clock.Now(), Severity: channel.InvalidAlarm})
}
