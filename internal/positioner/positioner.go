// Package positioner drives one logical axis to a target and detects
// completion through put acknowledgement, a done-signal edge, or
// readback convergence.
package positioner

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/KevinKickass/OpenBeamlineCore/internal/channel"
)

const (
	// DefaultSettleMargin absorbs acceleration, settling and network latency.
	DefaultSettleMargin = 10 * time.Second
	defaultUpdateBuffer = 256
)

type Config struct {
	Name        string
	PutComplete bool
	// MinMove elides moves smaller than this distance from the readback.
	MinMove      float64
	DoneValue    any
	SettleMargin time.Duration
	Tolerance    Tolerance
	UpdateBuffer int
}

// Signals are the channels a positioner drives. Setpoint and Readback
// are required; the rest are optional capabilities.
type Signals struct {
	Setpoint  channel.Channel
	Readback  channel.Channel
	Velocity  channel.Channel
	Units     channel.Channel
	Precision channel.Channel
	Actuate   channel.Channel
	Stop      channel.Channel
	Done      channel.Channel
}

type Positioner struct {
	cfg      Config
	sig      Signals
	strategy CompletionStrategy
	clock    clockz.Clock
	logger   *zap.Logger

	mu     sync.Mutex
	active *session
}

type Option func(*Positioner)

func WithClock(clock clockz.Clock) Option {
	return func(p *Positioner) { p.clock = clock }
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Positioner) { p.logger = logger }
}

func New(cfg Config, sigs Signals, opts ...Option) (*Positioner, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("positioner name is required")
	}
	if sigs.Setpoint == nil || sigs.Readback == nil {
		return nil, fmt.Errorf("positioner %s needs setpoint and readback signals", cfg.Name)
	}
	if cfg.DoneValue == nil {
		cfg.DoneValue = 1
	}
	if cfg.SettleMargin <= 0 {
		cfg.SettleMargin = DefaultSettleMargin
	}
	if cfg.Tolerance == (Tolerance{}) {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = defaultUpdateBuffer
	}

	p := &Positioner{
		cfg:    cfg,
		sig:    sigs,
		clock:  clockz.RealClock,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.strategy = selectStrategy(cfg, sigs)
	return p, nil
}

func (p *Positioner) Name() string                 { return p.cfg.Name }
func (p *Positioner) Config() Config               { return p.cfg }
func (p *Positioner) Signals() Signals             { return p.sig }
func (p *Positioner) Strategy() CompletionStrategy { return p.strategy }

// State is StateMoving while a move is in flight, StateIdle otherwise.
func (p *Positioner) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != nil {
		return StateMoving
	}
	return StateIdle
}

// Active returns the move in flight, or nil.
func (p *Positioner) Active() *Move {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return nil
	}
	return p.active.move
}

type setOptions struct {
	timeout time.Duration
}

type SetOption func(*setOptions)

// WithTimeout overrides the velocity-based move timeout.
func WithTimeout(d time.Duration) SetOption {
	return func(o *setOptions) { o.timeout = d }
}

type prep struct {
	setpoint    float64
	readback    float64
	velocity    float64
	hasVelocity bool
	units       string
	precision   int
}

// Set starts a move to target and returns its handle without waiting
// for completion. A second Set while a move is in flight fails with
// ErrMoveInProgress and touches no channel.
func (p *Positioner) Set(ctx context.Context, target float64, opts ...SetOption) (*Move, error) {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}

	s := &session{p: p, target: target, stopC: make(chan struct{}), success: true}
	p.mu.Lock()
	if p.active != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", p.cfg.Name, ErrMoveInProgress)
	}
	p.active = s
	p.mu.Unlock()

	pr, err := p.prepare(ctx, o.timeout <= 0)
	if err != nil {
		p.release(s)
		return nil, err
	}

	move := newMove(p.cfg.Name, pr.setpoint, target, p.strategy.Kind, p.cfg.UpdateBuffer, p.clock.Now())

	if math.Abs(target-pr.readback) < p.cfg.MinMove {
		p.release(s)
		move.Elided = true
		final := pr.readback
		move.finish(StateDone, nil, &final, p.clock.Now())
		p.logger.Debug("Move elided",
			zap.String("positioner", p.cfg.Name),
			zap.Float64("target", target),
			zap.Float64("readback", pr.readback),
			zap.Float64("min_move", p.cfg.MinMove))
		capitan.Emit(ctx, MoveElided,
			KeyPositioner.Field(p.cfg.Name),
			KeyMoveID.Field(move.ID.String()),
			KeyTarget.Field(formatFloat(target)))
		return move, nil
	}

	timeout := o.timeout
	if timeout <= 0 {
		if pr.hasVelocity {
			timeout, err = MoveTimeout(p.cfg.Name, pr.setpoint, target, pr.velocity, p.cfg.SettleMargin)
			if err != nil {
				p.release(s)
				return nil, err
			}
		} else {
			timeout = p.cfg.SettleMargin
		}
	}
	move.Timeout = timeout
	move.setState(StateMoving)

	p.mu.Lock()
	s.move = move
	s.units = pr.units
	s.precision = pr.precision
	p.mu.Unlock()

	go s.run(context.WithoutCancel(ctx))
	return move, nil
}

// Move sets target, drains progress and waits for the outcome.
func (p *Positioner) Move(ctx context.Context, target float64, opts ...SetOption) error {
	m, err := p.Set(ctx, target, opts...)
	if err != nil {
		return err
	}
	for range m.Updates() {
	}
	return m.Wait(ctx)
}

func (p *Positioner) prepare(ctx context.Context, needVelocity bool) (prep, error) {
	var pr prep
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := channel.GetFloat(gctx, p.sig.Setpoint)
		if err != nil {
			return fmt.Errorf("failed to read setpoint: %w", err)
		}
		pr.setpoint = v
		return nil
	})
	g.Go(func() error {
		v, err := channel.GetFloat(gctx, p.sig.Readback)
		if err != nil {
			return fmt.Errorf("failed to read readback: %w", err)
		}
		pr.readback = v
		return nil
	})
	if p.sig.Units != nil {
		g.Go(func() error {
			v, err := p.sig.Units.GetValue(gctx)
			if err != nil {
				return fmt.Errorf("failed to read units: %w", err)
			}
			pr.units = fmt.Sprint(v)
			return nil
		})
	}
	if p.sig.Precision != nil {
		g.Go(func() error {
			v, err := channel.GetFloat(gctx, p.sig.Precision)
			if err != nil {
				return fmt.Errorf("failed to read precision: %w", err)
			}
			pr.precision = int(v)
			return nil
		})
	}
	if needVelocity && p.sig.Velocity != nil {
		g.Go(func() error {
			v, err := channel.GetFloat(gctx, p.sig.Velocity)
			if err != nil {
				return fmt.Errorf("failed to read velocity: %w", err)
			}
			pr.velocity = v
			pr.hasVelocity = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return prep{}, fmt.Errorf("%s: %w", p.cfg.Name, err)
	}
	return pr, nil
}

// Locate returns the current setpoint and readback.
func (p *Positioner) Locate(ctx context.Context) (Location, error) {
	var loc Location
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := channel.GetFloat(gctx, p.sig.Setpoint)
		if err != nil {
			return fmt.Errorf("failed to read setpoint: %w", err)
		}
		loc.Setpoint = v
		return nil
	})
	g.Go(func() error {
		v, err := channel.GetFloat(gctx, p.sig.Readback)
		if err != nil {
			return fmt.Errorf("failed to read readback: %w", err)
		}
		loc.Readback = v
		return nil
	})
	if err := g.Wait(); err != nil {
		return Location{}, fmt.Errorf("%s: %w", p.cfg.Name, err)
	}
	return loc, nil
}

// Stop ends the move in flight, if any, and fires the stop signal.
// With success=false the pending move fails with ErrStopped. Without a
// stop signal the device keeps moving and only a warning is logged.
func (p *Positioner) Stop(ctx context.Context, success bool) error {
	p.mu.Lock()
	s := p.active
	p.mu.Unlock()
	if s != nil {
		s.requestStop(success)
	}

	if p.sig.Stop == nil {
		p.logger.Warn("Positioner has no stop signal",
			zap.String("positioner", p.cfg.Name),
			zap.Bool("success", success))
		return nil
	}
	if err := p.sig.Stop.Trigger(ctx, true, p.cfg.SettleMargin).Wait(ctx); err != nil {
		return fmt.Errorf("failed to trigger stop on %s: %w", p.cfg.Name, err)
	}
	p.logger.Info("Positioner stopped",
		zap.String("positioner", p.cfg.Name),
		zap.Bool("success", success))
	return nil
}

func (p *Positioner) release(s *session) {
	p.mu.Lock()
	if p.active == s {
		p.active = nil
	}
	p.mu.Unlock()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
