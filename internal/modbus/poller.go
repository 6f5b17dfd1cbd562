package modbus

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// Poller reads the watched registers of one device cyclically and
// publishes changes to the channels bound to them.
type Poller struct {
	device   *Device
	interval time.Duration
	clock    clockz.Clock
	logger   *zap.Logger

	mu       sync.Mutex
	watched  map[string][]*RegisterChannel
	order    []string
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

func NewPoller(device *Device, interval time.Duration, clock clockz.Clock, logger *zap.Logger) *Poller {
	if clock == nil {
		clock = clockz.RealClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		device:   device,
		interval: interval,
		clock:    clock,
		logger:   logger,
		watched:  make(map[string][]*RegisterChannel),
	}
}

// Watch adds ch to the poll set. Registers are polled once per cycle
// regardless of how many channels watch them.
func (p *Poller) Watch(ch *RegisterChannel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.watched[ch.register]; !ok {
		p.order = append(p.order, ch.register)
	}
	p.watched[ch.register] = append(p.watched[ch.register], ch)
}

func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	p.running = true
	p.stopChan = make(chan struct{})
	p.wg.Add(1)

	go p.pollLoop(p.stopChan)

	p.logger.Info("Poller started",
		zap.String("device", p.device.Name),
		zap.Duration("interval", p.interval),
		zap.Int("registers", len(p.order)))

	return nil
}

func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()

	p.logger.Info("Poller stopped", zap.String("device", p.device.Name))
}

func (p *Poller) pollLoop(stop <-chan struct{}) {
	defer p.wg.Done()

	p.Poll()

	timer := p.clock.NewTimer(p.interval)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C():
			p.Poll()
			timer.Reset(p.interval)
		}
	}
}

// Poll runs one cycle over the watched registers.
func (p *Poller) Poll() {
	ctx, cancel := p.clock.WithTimeout(context.Background(), p.interval)
	defer cancel()

	p.mu.Lock()
	order := append([]string(nil), p.order...)
	p.mu.Unlock()

	for _, register := range order {
		value, err := p.device.ReadRegister(ctx, register)

		p.mu.Lock()
		chans := p.watched[register]
		p.mu.Unlock()

		if err != nil {
			p.logger.Error("Poll failed",
				zap.String("device", p.device.Name),
				zap.String("register", register),
				zap.Error(err))
			for _, ch := range chans {
				ch.invalidate()
			}
			continue
		}
		for _, ch := range chans {
			ch.publish(value)
		}
	}
}

func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
