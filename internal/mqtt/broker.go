// Package mqtt binds channels to MQTT state and command topics.
package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenBeamlineCore/internal/channel"
)

// Handler receives the payload of a message on a subscribed topic.
type Handler func(topic string, payload []byte)

// Transport is the part of a broker connection a TopicChannel uses.
type Transport interface {
	Subscribe(topic string, h Handler) error
	Publish(topic string, payload []byte, timeout time.Duration) error
}

type BrokerConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
}

// Broker is a paho client that restores its subscriptions after a
// reconnect.
type Broker struct {
	client  paho.Client
	cfg     BrokerConfig
	logger  *zap.Logger
	mu      sync.Mutex
	handler map[string]Handler
}

func NewBroker(cfg BrokerConfig, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	b := &Broker{
		cfg:     cfg,
		logger:  logger,
		handler: make(map[string]Handler),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.Username = cfg.Username
	opts.Password = cfg.Password
	opts.AutoReconnect = true
	opts.CleanSession = true

	opts.OnConnectionLost = func(_ paho.Client, err error) {
		logger.Warn("MQTT connection lost",
			zap.String("broker", cfg.Broker),
			zap.Error(err))
	}
	opts.SetOnConnectHandler(func(c paho.Client) {
		b.resubscribe(c)
	})

	b.client = paho.NewClient(opts)
	return b
}

func (b *Broker) Connect() error {
	token := b.client.Connect()
	if !token.WaitTimeout(b.cfg.ConnectTimeout) {
		return &channel.TimeoutError{Op: "mqtt connect", Names: []string{b.cfg.Broker}, Timeout: b.cfg.ConnectTimeout}
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", b.cfg.Broker, err)
	}
	b.logger.Info("MQTT connected",
		zap.String("broker", b.cfg.Broker),
		zap.String("client_id", b.cfg.ClientID))
	return nil
}

func (b *Broker) IsConnected() bool {
	return b.client.IsConnected()
}

func (b *Broker) Close() {
	b.client.Disconnect(250)
	b.logger.Info("MQTT disconnected", zap.String("broker", b.cfg.Broker))
}

func (b *Broker) Subscribe(topic string, h Handler) error {
	b.mu.Lock()
	b.handler[topic] = h
	b.mu.Unlock()

	if !b.client.IsConnected() {
		// Subscribed by the connect handler.
		return nil
	}
	return b.subscribe(b.client, topic, h)
}

func (b *Broker) subscribe(c paho.Client, topic string, h Handler) error {
	token := c.Subscribe(topic, b.cfg.QoS, func(_ paho.Client, m paho.Message) {
		h(m.Topic(), m.Payload())
	})
	if !token.WaitTimeout(b.cfg.ConnectTimeout) {
		return &channel.TimeoutError{Op: "mqtt subscribe", Names: []string{topic}, Timeout: b.cfg.ConnectTimeout}
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return nil
}

func (b *Broker) resubscribe(c paho.Client) {
	b.mu.Lock()
	handlers := make(map[string]Handler, len(b.handler))
	for topic, h := range b.handler {
		handlers[topic] = h
	}
	b.mu.Unlock()

	for topic, h := range handlers {
		if err := b.subscribe(c, topic, h); err != nil {
			b.logger.Error("MQTT resubscribe failed",
				zap.String("topic", topic),
				zap.Error(err))
		}
	}
}

func (b *Broker) Publish(topic string, payload []byte, timeout time.Duration) error {
	token := b.client.Publish(topic, b.cfg.QoS, false, payload)
	if timeout <= 0 {
		timeout = b.cfg.ConnectTimeout
	}
	if !token.WaitTimeout(timeout) {
		return &channel.TimeoutError{Op: "mqtt publish", Names: []string{topic}, Timeout: timeout}
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}
