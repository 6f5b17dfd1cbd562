package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenBeamlineCore/internal/channel"
)

// severityKey in an object payload carries the alarm severity.
const severityKey = "alarm_severity"

// TopicChannel is a channel whose readings arrive on a state topic and
// whose writes are published to a command topic. Without a command
// topic it is read-only.
type TopicChannel struct {
	name         string
	stateTopic   string
	commandTopic string
	field        string
	triggerValue any
	transport    Transport
	clock        clockz.Clock
	logger       *zap.Logger
	fanout       channel.Fanout
}

type TopicConfig struct {
	Name         string
	StateTopic   string
	CommandTopic string
	// Field selects a key of a JSON object payload. Empty means the
	// whole payload is the value.
	Field        string
	TriggerValue any
}

type Option func(*TopicChannel)

func WithClock(clock clockz.Clock) Option {
	return func(c *TopicChannel) { c.clock = clock }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *TopicChannel) { c.logger = logger }
}

func NewTopicChannel(cfg TopicConfig, transport Transport, opts ...Option) (*TopicChannel, error) {
	if cfg.Name == "" || cfg.StateTopic == "" {
		return nil, fmt.Errorf("mqtt channel needs a name and a state topic")
	}
	c := &TopicChannel{
		name:         cfg.Name,
		stateTopic:   cfg.StateTopic,
		commandTopic: cfg.CommandTopic,
		field:        cfg.Field,
		triggerValue: cfg.TriggerValue,
		transport:    transport,
		clock:        clockz.RealClock,
		logger:       zap.NewNop(),
	}
	if c.triggerValue == nil {
		c.triggerValue = 1
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start subscribes to the state topic.
func (c *TopicChannel) Start() error {
	return c.transport.Subscribe(c.stateTopic, c.handle)
}

func (c *TopicChannel) handle(topic string, payload []byte) {
	value, severity, err := DecodePayload(payload, c.field)
	if err != nil {
		c.logger.Warn("Dropping undecodable payload",
			zap.String("channel", c.name),
			zap.String("topic", topic),
			zap.Error(err))
		return
	}
	c.fanout.Publish(channel.Reading{Value: value, Timestamp: c.clock.Now(), Severity: severity})
}

func (c *TopicChannel) Name() string   { return c.name }
func (c *TopicChannel) Source() string { return "mqtt://" + c.stateTopic }

// GetReading returns the last state received. MQTT has no request and
// reply, so there is nothing to read before the first message.
func (c *TopicChannel) GetReading(ctx context.Context) (channel.Reading, error) {
	rd, ok := c.fanout.Latest()
	if !ok {
		return channel.Reading{}, fmt.Errorf("%s: %w", c.name, channel.ErrNoValue)
	}
	return rd, nil
}

func (c *TopicChannel) GetValue(ctx context.Context) (any, error) {
	rd, err := c.GetReading(ctx)
	if err != nil {
		return nil, err
	}
	return rd.Value, nil
}

// Set publishes value to the command topic. With wait the status
// finishes when the broker acknowledges the publish.
func (c *TopicChannel) Set(ctx context.Context, value any, wait bool, timeout time.Duration) *channel.Status {
	if c.commandTopic == "" {
		return channel.Completed(fmt.Errorf("%s: %w", c.name, channel.ErrReadOnly))
	}
	payload, err := EncodePayload(value, c.field)
	if err != nil {
		return channel.Completed(fmt.Errorf("%s: %w", c.name, err))
	}
	publish := func() error {
		if err := c.transport.Publish(c.commandTopic, payload, timeout); err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
		return nil
	}
	if wait {
		return channel.Go(publish)
	}
	go func() {
		if err := publish(); err != nil {
			c.logger.Warn("MQTT publish failed",
				zap.String("channel", c.name),
				zap.String("topic", c.commandTopic),
				zap.Error(err))
		}
	}()
	return channel.Completed(nil)
}

func (c *TopicChannel) Trigger(ctx context.Context, wait bool, timeout time.Duration) *channel.Status {
	return c.Set(ctx, c.triggerValue, wait, timeout)
}

func (c *TopicChannel) Subscribe(cb channel.Callback) channel.SubscriptionID {
	return c.fanout.Subscribe(cb)
}

func (c *TopicChannel) Unsubscribe(id channel.SubscriptionID) {
	c.fanout.Unsubscribe(id)
}

// DecodePayload turns a message into a value. JSON is decoded when
// possible; otherwise a bare number or the trimmed text is used. With
// field set the payload must be a JSON object containing field.
func DecodePayload(payload []byte, field string) (any, channel.Severity, error) {
	trimmed := bytes.TrimSpace(payload)
	var decoded any
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		if field != "" {
			return nil, channel.NoAlarm, fmt.Errorf("payload is not a JSON object: %w", err)
		}
		text := string(trimmed)
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			return f, channel.NoAlarm, nil
		}
		return text, channel.NoAlarm, nil
	}
	if field == "" {
		return decoded, channel.NoAlarm, nil
	}

	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, channel.NoAlarm, fmt.Errorf("payload is not a JSON object")
	}
	value, ok := obj[field]
	if !ok {
		return nil, channel.NoAlarm, fmt.Errorf("payload has no field %q", field)
	}
	severity := channel.NoAlarm
	if raw, ok := obj[severityKey]; ok {
		if f, ok := channel.ToFloat(raw); ok {
			severity = channel.Severity(int(f))
		}
	}
	return value, severity, nil
}

// EncodePayload is the inverse of DecodePayload for command messages.
func EncodePayload(value any, field string) ([]byte, error) {
	if field != "" {
		return json.Marshal(map[string]any{field: value})
	}
	return json.Marshal(value)
}
