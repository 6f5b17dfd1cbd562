package devices

import (
	"fmt"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenBeamlineCore/internal/channel"
	"github.com/KevinKickass/OpenBeamlineCore/internal/modbus"
	"github.com/KevinKickass/OpenBeamlineCore/internal/mqtt"
	"github.com/KevinKickass/OpenBeamlineCore/internal/positioner"
	"github.com/KevinKickass/OpenBeamlineCore/internal/signal"
	"github.com/KevinKickass/OpenBeamlineCore/internal/types"
)

type ComposerConfig struct {
	ModbusTimeout  time.Duration
	PollInterval   time.Duration
	SettleMargin   time.Duration
	DefaultMinMove float64
	UpdateBuffer   int
}

// Composer turns a beamline definition into live channels and
// positioners. Nothing is connected until Beamline.Connect.
type Composer struct {
	cfg       ComposerConfig
	transport mqtt.Transport
	clock     clockz.Clock
	logger    *zap.Logger
}

// NewComposer builds a composer. transport may be nil when no
// definition uses mqtt signals.
func NewComposer(cfg ComposerConfig, transport mqtt.Transport, clock clockz.Clock, logger *zap.Logger) *Composer {
	if clock == nil {
		clock = clockz.RealClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.ModbusTimeout <= 0 {
		cfg.ModbusTimeout = time.Second
	}
	return &Composer{cfg: cfg, transport: transport, clock: clock, logger: logger}
}

func (c *Composer) Compose(def *types.BeamlineDefinition) (*Beamline, error) {
	c.logger.Info("Composing beamline",
		zap.String("beamline", def.Beamline),
		zap.Int("modbus_devices", len(def.Modbus)),
		zap.Int("signals", len(def.Signals)),
		zap.Int("positioners", len(def.Positioners)))

	if err := CheckReferences(def); err != nil {
		return nil, err
	}

	bl := newBeamline(def.Beamline, c.logger)

	devices := make(map[string]*modbus.Device, len(def.Modbus))
	pollers := make(map[string]*modbus.Poller, len(def.Modbus))
	for _, d := range def.Modbus {
		dev, err := modbus.NewDevice(d, c.cfg.ModbusTimeout)
		if err != nil {
			return nil, err
		}
		interval := dev.PollInterval
		if interval <= 0 {
			interval = c.cfg.PollInterval
		}
		devices[d.Name] = dev
		pollers[d.Name] = modbus.NewPoller(dev, interval, c.clock, c.logger)
		bl.devices = append(bl.devices, dev)
		bl.pollers = append(bl.pollers, pollers[d.Name])
	}

	ordered, err := derivedOrder(def.Signals)
	if err != nil {
		return nil, err
	}
	for _, s := range ordered {
		ch, err := c.buildSignal(bl, s, devices, pollers)
		if err != nil {
			return nil, fmt.Errorf("signal %s: %w", s.Name, err)
		}
		bl.addChannel(ch)
	}

	for _, p := range def.Positioners {
		pos, err := c.buildPositioner(bl, p)
		if err != nil {
			return nil, err
		}
		bl.addPositioner(pos)
	}

	c.logger.Info("Beamline composition complete",
		zap.String("beamline", def.Beamline),
		zap.Int("channels", len(bl.channelOrder)),
		zap.Int("positioners", len(bl.positionerOrder)))

	return bl, nil
}

func (c *Composer) buildSignal(bl *Beamline, s types.SignalDefinition, devices map[string]*modbus.Device, pollers map[string]*modbus.Poller) (channel.Channel, error) {
	switch s.Kind {
	case types.SignalKindSoft:
		opts := []channel.SoftOption{channel.WithClock(c.clock)}
		if s.Initial != nil {
			opts = append(opts, channel.WithInitialValue(s.Initial))
		}
		if s.PutDelay > 0 {
			opts = append(opts, channel.WithPutDelay(s.PutDelay))
		}
		if s.TriggerValue != nil {
			opts = append(opts, channel.WithTriggerValue(s.TriggerValue))
		}
		if s.ReadOnly {
			opts = append(opts, channel.ReadOnly())
		}
		return channel.NewSoftChannel(s.Name, opts...), nil

	case types.SignalKindModbus:
		opts := []modbus.RegisterOption{
			modbus.WithChannelClock(c.clock),
			modbus.WithChannelLogger(c.logger),
		}
		if s.TriggerValue != nil {
			opts = append(opts, modbus.WithRegisterTriggerValue(s.TriggerValue))
		}
		rc, err := modbus.NewRegisterChannel(s.Name, devices[s.Device], s.Register, opts...)
		if err != nil {
			return nil, err
		}
		pollers[s.Device].Watch(rc)
		return rc, nil

	case types.SignalKindMQTT:
		if c.transport == nil {
			return nil, fmt.Errorf("mqtt signal needs a configured broker")
		}
		tc, err := mqtt.NewTopicChannel(mqtt.TopicConfig{
			Name:         s.Name,
			StateTopic:   s.StateTopic,
			CommandTopic: s.CommandTopic,
			Field:        s.Field,
			TriggerValue: s.TriggerValue,
		}, c.transport, mqtt.WithClock(c.clock), mqtt.WithLogger(c.logger))
		if err != nil {
			return nil, err
		}
		bl.topics = append(bl.topics, tc)
		return tc, nil

	case types.SignalKindDerived:
		return c.buildDerived(bl, s)
	}
	return nil, fmt.Errorf("unknown signal kind %q", s.Kind)
}

func (c *Composer) buildDerived(bl *Beamline, s types.SignalDefinition) (channel.Channel, error) {
	srcs := make([]signal.Source, 0, len(s.Sources))
	for _, name := range s.Sources {
		ch, ok := bl.channels[name]
		if !ok {
			return nil, fmt.Errorf("unknown source %s", name)
		}
		srcs = append(srcs, signal.Source{Name: name, Channel: ch})
	}
	sources, err := signal.NewSources(srcs...)
	if err != nil {
		return nil, err
	}

	opts := []signal.Option{signal.WithClock(c.clock), signal.WithLogger(c.logger)}
	if s.Forward != "" {
		fwd, err := signal.ScriptForward(s.Forward, c.logger)
		if err != nil {
			return nil, fmt.Errorf("forward: %w", err)
		}
		opts = append(opts, signal.WithForward(fwd))
	}
	if s.Inverse != "" {
		inv, err := signal.ScriptInverse(s.Inverse)
		if err != nil {
			return nil, fmt.Errorf("inverse: %w", err)
		}
		opts = append(opts, signal.WithInverse(inv))
	}
	if s.Severity == "min" {
		opts = append(opts, signal.WithCombineSeverity(signal.MinSeverity))
	}

	d := signal.New(s.Name, sources, opts...)
	bl.derived = append(bl.derived, d)
	return d, nil
}

func (c *Composer) buildPositioner(bl *Beamline, p types.PositionerDefinition) (*positioner.Positioner, error) {
	lookup := func(name string) channel.Channel {
		if name == "" {
			return nil
		}
		return bl.channels[name]
	}

	cfg := positioner.Config{
		Name:         p.Name,
		PutComplete:  p.PutComplete,
		MinMove:      c.cfg.DefaultMinMove,
		DoneValue:    p.DoneValue,
		SettleMargin: c.cfg.SettleMargin,
		UpdateBuffer: c.cfg.UpdateBuffer,
	}
	if p.MinMove != nil {
		cfg.MinMove = *p.MinMove
	}
	if p.SettleMargin > 0 {
		cfg.SettleMargin = p.SettleMargin
	}
	if p.Tolerance != nil {
		cfg.Tolerance = positioner.Tolerance{Rel: p.Tolerance.Rel, Abs: p.Tolerance.Abs}
	}

	sigs := positioner.Signals{
		Setpoint:  lookup(p.Setpoint),
		Readback:  lookup(p.Readback),
		Velocity:  lookup(p.Velocity),
		Units:     lookup(p.Units),
		Precision: lookup(p.Precision),
		Actuate:   lookup(p.Actuate),
		Stop:      lookup(p.Stop),
		Done:      lookup(p.Done),
	}
	return positioner.New(cfg, sigs,
		positioner.WithClock(c.clock),
		positioner.WithLogger(c.logger.With(zap.String("beamline", bl.Name))))
}
