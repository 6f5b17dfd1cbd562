package devices

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenBeamlineCore/internal/channel"
	"github.com/KevinKickass/OpenBeamlineCore/internal/modbus"
	"github.com/KevinKickass/OpenBeamlineCore/internal/mqtt"
	"github.com/KevinKickass/OpenBeamlineCore/internal/positioner"
	"github.com/KevinKickass/OpenBeamlineCore/internal/signal"
	"github.com/KevinKickass/OpenBeamlineCore/internal/types"
)

// Beamline is the runtime form of one definition file.
type Beamline struct {
	Name   string
	logger *zap.Logger

	devices []*modbus.Device
	pollers []*modbus.Poller
	topics  []*mqtt.TopicChannel
	// derived is in dependency order.
	derived []*signal.DerivedSignal

	channels        map[string]channel.Channel
	channelOrder    []string
	positioners     map[string]*positioner.Positioner
	positionerOrder []string
}

func newBeamline(name string, logger *zap.Logger) *Beamline {
	return &Beamline{
		Name:        name,
		logger:      logger,
		channels:    make(map[string]channel.Channel),
		positioners: make(map[string]*positioner.Positioner),
	}
}

func (b *Beamline) addChannel(ch channel.Channel) {
	b.channels[ch.Name()] = ch
	b.channelOrder = append(b.channelOrder, ch.Name())
}

func (b *Beamline) addPositioner(p *positioner.Positioner) {
	b.positioners[p.Name()] = p
	b.positionerOrder = append(b.positionerOrder, p.Name())
}

func (b *Beamline) Channel(name string) (channel.Channel, bool) {
	ch, ok := b.channels[name]
	return ch, ok
}

func (b *Beamline) Positioner(name string) (*positioner.Positioner, bool) {
	p, ok := b.positioners[name]
	return p, ok
}

// Connect brings hardware up, starts polling and subscriptions, then
// waits until every derived signal has a value from each source.
func (b *Beamline) Connect(ctx context.Context, timeout time.Duration) error {
	for _, dev := range b.devices {
		if err := dev.Connect(); err != nil {
			return err
		}
		b.logger.Info("Device connected",
			zap.String("beamline", b.Name),
			zap.String("device", dev.Name),
			zap.String("address", dev.Client.Address()))
	}
	for _, p := range b.pollers {
		if err := p.Start(); err != nil {
			return fmt.Errorf("failed to start poller: %w", err)
		}
	}
	for _, t := range b.topics {
		if err := t.Start(); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", t.Name(), err)
		}
	}
	for _, d := range b.derived {
		if err := d.Connect(ctx, timeout); err != nil {
			return err
		}
	}
	b.logger.Info("Beamline connected",
		zap.String("beamline", b.Name),
		zap.Int("channels", len(b.channelOrder)),
		zap.Int("positioners", len(b.positionerOrder)))
	return nil
}

// Close stops polling and releases connections. Derived signals are
// disconnected before the channels they read.
func (b *Beamline) Close() {
	for i := len(b.derived) - 1; i >= 0; i-- {
		b.derived[i].Disconnect()
	}
	for _, p := range b.pollers {
		p.Stop()
	}
	for _, dev := range b.devices {
		if err := dev.Disconnect(); err != nil {
			b.logger.Error("Failed to disconnect device",
				zap.String("device", dev.Name),
				zap.Error(err))
		}
	}
}

func (b *Beamline) DeviceInfo() []types.DeviceInfo {
	infos := make([]types.DeviceInfo, 0, len(b.devices))
	for i, dev := range b.devices {
		info := dev.Info()
		info.Polling = b.pollers[i].IsRunning()
		infos = append(infos, info)
	}
	return infos
}
