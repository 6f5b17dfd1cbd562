package positioner

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/KevinKickass/OpenBeamlineCore/internal/channel"
	"github.com/KevinKickass/OpenBeamlineCore/internal/signal"
)

type rig struct {
	setpoint *channel.SoftChannel
	readback *channel.SoftChannel
	velocity *channel.SoftChannel
	units    *channel.SoftChannel
	prec     *channel.SoftChannel
	stop     *channel.SoftChannel
	done     *channel.SoftChannel
	actuate  *channel.SoftChannel
}

func newRig() *rig {
	return &rig{
		setpoint: channel.NewSoftChannel("m1.VAL", channel.WithInitialValue(0.0), channel.NoEcho()),
		readback: channel.NewSoftChannel("m1.RBV", channel.WithInitialValue(0.0)),
		velocity: channel.NewSoftChannel("m1.VELO", channel.WithInitialValue(2.0)),
		units:    channel.NewSoftChannel("m1.EGU", channel.WithInitialValue("mm")),
		prec:     channel.NewSoftChannel("m1.PREC", channel.WithInitialValue(3)),
		stop:     channel.NewSoftChannel("m1.STOP"),
		done:     channel.NewSoftChannel("m1.DMOV", channel.WithInitialValue(1)),
		actuate:  channel.NewSoftChannel("m1.GO"),
	}
}

func (r *rig) signals() Signals {
	return Signals{
		Setpoint:  r.setpoint,
		Readback:  r.readback,
		Velocity:  r.velocity,
		Units:     r.units,
		Precision: r.prec,
		Stop:      r.stop,
	}
}

func newPositioner(t *testing.T, cfg Config, sigs Signals, opts ...Option) *Positioner {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "m1"
	}
	p, err := New(cfg, sigs, opts...)
	require.NoError(t, err)
	return p
}

// waitSubscribed blocks until the move has attached to ch.
func waitSubscribed(t *testing.T, ch *channel.SoftChannel) {
	t.Helper()
	require.Eventually(t, func() bool { return ch.Subscribers() > 0 }, time.Second, time.Millisecond)
}

func drain(m *Move) []WatcherUpdate {
	var out []WatcherUpdate
	for u := range m.Updates() {
		out = append(out, u)
	}
	return out
}

func TestMoveTimeoutFormula(t *testing.T) {
	margin := 3 * time.Second
	got, err := MoveTimeout("m1", 0, 10, 2, margin)
	require.NoError(t, err)
	assert.InDelta(t, float64(5*time.Second+margin), float64(got), float64(time.Microsecond))

	got, err = MoveTimeout("m1", 10, 0, 2, margin)
	require.NoError(t, err)
	assert.InDelta(t, float64(5*time.Second+margin), float64(got), float64(time.Microsecond))
}

func TestMoveTimeoutRejectsNonPositiveVelocity(t *testing.T) {
	for _, v := range []float64{0, -1} {
		_, err := MoveTimeout("m1", 0, 10, v, time.Second)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidVelocity)
		var ve *VelocityError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, v, ve.Velocity)
	}
}

func TestMoveTimeoutHandlesExtremeTravel(t *testing.T) {
	got, err := MoveTimeout("m1", 0, 10, 1e-300, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(math.MaxInt64), got)

	for _, target := range []float64{math.Inf(1), math.Inf(-1), math.NaN()} {
		_, err := MoveTimeout("m1", 0, target, 2, time.Second)
		assert.Error(t, err, "target %v", target)
	}

	_, err = MoveTimeout("m1", -math.MaxFloat64, math.MaxFloat64, 1, time.Second)
	assert.Error(t, err)
}

func TestStrategySelection(t *testing.T) {
	r := newRig()

	p := newPositioner(t, Config{PutComplete: true}, Signals{Setpoint: r.setpoint, Readback: r.readback, Done: r.done})
	assert.Equal(t, PutComplete, p.Strategy().Kind)

	sigs := r.signals()
	sigs.Done = r.done
	p = newPositioner(t, Config{}, sigs)
	assert.Equal(t, DoneEdge, p.Strategy().Kind)
	assert.Equal(t, 1, p.Strategy().DoneValue)

	p = newPositioner(t, Config{}, r.signals())
	assert.Equal(t, ReadbackConvergence, p.Strategy().Kind)
}

func TestNewRequiresSetpointAndReadback(t *testing.T) {
	_, err := New(Config{Name: "m1"}, Signals{Setpoint: channel.NewSoftChannel("sp")})
	assert.Error(t, err)
	_, err = New(Config{}, newRig().signals())
	assert.Error(t, err)
}

func TestSmallMoveElision(t *testing.T) {
	r := newRig()
	r.readback.Update(1.0, channel.NoAlarm)
	p := newPositioner(t, Config{MinMove: 0.1}, r.signals())

	m, err := p.Set(context.Background(), 1.05)
	require.NoError(t, err)
	require.NoError(t, m.Wait(context.Background()))

	assert.True(t, m.Elided)
	assert.Equal(t, StateDone, m.State())
	assert.Empty(t, drain(m))
	assert.Equal(t, 0, r.setpoint.PutCount())
	assert.Equal(t, StateIdle, p.State())
}

func TestReadbackConvergence(t *testing.T) {
	ctx := context.Background()
	r := newRig()
	p := newPositioner(t, Config{}, r.signals())

	m, err := p.Set(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, StateMoving, p.State())
	assert.Equal(t, 5*time.Second+DefaultSettleMargin, m.Timeout)

	waitSubscribed(t, r.readback)
	r.readback.Update(5.0, channel.NoAlarm)
	r.readback.Update(10.0, channel.NoAlarm)

	require.NoError(t, m.Wait(ctx))
	r.readback.Update(10.5, channel.NoAlarm)

	updates := drain(m)
	require.Len(t, updates, 3)
	assert.Equal(t, []float64{0, 5, 10}, []float64{updates[0].Current, updates[1].Current, updates[2].Current})
	for _, u := range updates {
		assert.Equal(t, "m1", u.Name)
		assert.Equal(t, 0.0, u.Initial)
		assert.Equal(t, 10.0, u.Target)
		assert.Equal(t, "mm", u.Unit)
		assert.Equal(t, 3, u.Precision)
	}
	assert.Equal(t, 10.0, r.setpoint.LastPut())
	assert.Equal(t, StateDone, m.State())
	assert.Equal(t, StateIdle, p.State())

	st := m.Status()
	require.NotNil(t, st.Final)
	assert.Equal(t, 10.0, *st.Final)
	assert.NotNil(t, st.CompletedAt)
}

func TestSlowConsumerGetsEveryUpdate(t *testing.T) {
	ctx := context.Background()
	r := newRig()
	p := newPositioner(t, Config{UpdateBuffer: 1}, r.signals())

	m, err := p.Set(ctx, 10)
	require.NoError(t, err)
	waitSubscribed(t, r.readback)
	for i := 1; i <= 20; i++ {
		r.readback.Update(float64(i)/4, channel.NoAlarm)
	}
	r.readback.Update(10.0, channel.NoAlarm)
	require.NoError(t, m.Wait(ctx))

	updates := drain(m)
	require.Len(t, updates, 22)
	assert.Equal(t, 0.0, updates[0].Current)
	assert.Equal(t, 2.5, updates[10].Current)
	assert.Equal(t, 10.0, updates[21].Current)
}

func TestNoUpdatesAfterCompletion(t *testing.T) {
	ctx := context.Background()
	r := newRig()
	sigs := r.signals()
	sigs.Done = r.done
	p := newPositioner(t, Config{}, sigs)

	m, err := p.Set(ctx, 4)
	require.NoError(t, err)
	waitSubscribed(t, r.done)

	r.done.Update(0, channel.NoAlarm)
	r.readback.Update(4.0, channel.NoAlarm)
	r.readback.Update(4.2, channel.NoAlarm)
	r.readback.Update(3.9, channel.NoAlarm)
	r.done.Update(1, channel.NoAlarm)

	require.NoError(t, m.Wait(ctx))
	for _, u := range drain(m) {
		assert.NotEqual(t, 4.2, u.Current)
		assert.NotEqual(t, 3.9, u.Current)
	}
}

func TestDoneEdgeIgnoresStaleDone(t *testing.T) {
	ctx := context.Background()
	r := newRig()
	sigs := r.signals()
	sigs.Done = r.done
	p := newPositioner(t, Config{}, sigs)

	m, err := p.Set(ctx, 10)
	require.NoError(t, err)
	waitSubscribed(t, r.done)

	// Readback at target and done still at its old value: not finished.
	r.readback.Update(10.0, channel.NoAlarm)
	r.done.Update(1, channel.NoAlarm)
	select {
	case <-m.Done():
		t.Fatal("stale done value was taken as completion")
	case <-time.After(50 * time.Millisecond):
	}

	r.done.Update(0, channel.NoAlarm)
	select {
	case <-m.Done():
		t.Fatal("move finished while done signal was low")
	case <-time.After(20 * time.Millisecond):
	}

	r.done.Update(1, channel.NoAlarm)
	require.NoError(t, m.Wait(ctx))
	assert.Equal(t, StateDone, m.State())
}

func TestDoneEdgeCustomDoneValue(t *testing.T) {
	ctx := context.Background()
	r := newRig()
	busy := channel.NewSoftChannel("id.Busy", channel.WithInitialValue("idle"))
	sigs := r.signals()
	sigs.Done = busy
	p := newPositioner(t, Config{DoneValue: "idle"}, sigs)

	m, err := p.Set(ctx, 1)
	require.NoError(t, err)
	waitSubscribed(t, busy)

	busy.Update("busy", channel.NoAlarm)
	busy.Update("idle", channel.NoAlarm)
	require.NoError(t, m.Wait(ctx))
}

func TestPutCompleteWaitsForAcknowledgement(t *testing.T) {
	ctx := context.Background()
	r := newRig()
	r.setpoint = channel.NewSoftChannel("m1.VAL", channel.WithInitialValue(0.0), channel.WithPutDelay(30*time.Millisecond))
	p := newPositioner(t, Config{PutComplete: true}, r.signals())

	start := time.Now()
	m, err := p.Set(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, m.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 2.0, r.setpoint.LastPut())
}

func TestPutCompleteThroughDerivedSetpoint(t *testing.T) {
	ctx := context.Background()
	r := newRig()
	mono := channel.NewSoftChannel("mono", channel.WithInitialValue(0.0), channel.WithPutDelay(10*time.Millisecond))
	und := channel.NewSoftChannel("undulator", channel.WithInitialValue(0.0))
	sources, err := signal.NewSources(
		signal.Source{Name: "mono", Channel: mono},
		signal.Source{Name: "undulator", Channel: und},
	)
	require.NoError(t, err)
	sigs := r.signals()
	sigs.Setpoint = signal.New("energy", sources)
	p := newPositioner(t, Config{PutComplete: true}, sigs)

	m, err := p.Set(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, m.Wait(ctx))
	assert.Equal(t, StateDone, m.State())
	assert.Equal(t, 7.0, mono.LastPut())
	assert.Equal(t, 7.0, und.LastPut())
}

func TestPutCompleteSurfacesWriteError(t *testing.T) {
	ctx := context.Background()
	r := newRig()
	boom := errors.New("write rejected")
	r.setpoint.FailPuts(boom)
	p := newPositioner(t, Config{PutComplete: true}, r.signals())

	m, err := p.Set(ctx, 2)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Wait(ctx), boom)
	assert.Equal(t, StateFailed, m.State())
}

func TestActuateFiresAfterSetpoint(t *testing.T) {
	ctx := context.Background()
	r := newRig()
	sigs := r.signals()
	sigs.Actuate = r.actuate
	p := newPositioner(t, Config{}, sigs)

	m, err := p.Set(ctx, 3)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.actuate.PutCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 3.0, r.setpoint.LastPut())
	assert.Equal(t, 1, r.actuate.LastPut())

	r.readback.Update(3.0, channel.NoAlarm)
	require.NoError(t, m.Wait(ctx))
}

func TestStopFailureSurfacesAsError(t *testing.T) {
	ctx := context.Background()
	r := newRig()
	p := newPositioner(t, Config{}, r.signals())

	m, err := p.Set(ctx, 10)
	require.NoError(t, err)
	waitSubscribed(t, r.readback)

	require.NoError(t, p.Stop(ctx, false))
	err = m.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, StateCancelled, m.State())
	assert.Equal(t, 1, r.stop.PutCount())
	assert.Equal(t, StateIdle, p.State())
}

func TestStopSuccessEndsMoveCleanly(t *testing.T) {
	ctx := context.Background()
	r := newRig()
	p := newPositioner(t, Config{}, r.signals())

	m, err := p.Set(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, p.Stop(ctx, true))
	assert.NoError(t, m.Wait(ctx))
	assert.Equal(t, StateCancelled, m.State())
}

func TestStopWithoutActiveMove(t *testing.T) {
	r := newRig()
	p := newPositioner(t, Config{}, r.signals())

	require.NoError(t, p.Stop(context.Background(), false))
	assert.Equal(t, 1, r.stop.PutCount())
}

func TestStopWithoutStopSignalWarns(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	r := newRig()
	sigs := r.signals()
	sigs.Stop = nil
	p := newPositioner(t, Config{}, sigs, WithLogger(zap.New(core)))

	require.NoError(t, p.Stop(context.Background(), true))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Positioner has no stop signal", logs.All()[0].Message)
}

func TestSecondSetIsRejected(t *testing.T) {
	ctx := context.Background()
	r := newRig()
	p := newPositioner(t, Config{}, r.signals())

	m, err := p.Set(ctx, 10)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.setpoint.PutCount() == 1 }, time.Second, time.Millisecond)

	_, err = p.Set(ctx, 20)
	assert.ErrorIs(t, err, ErrMoveInProgress)
	assert.Equal(t, 1, r.setpoint.PutCount())
	assert.Same(t, m, p.Active())

	r.readback.Update(10.0, channel.NoAlarm)
	require.NoError(t, m.Wait(ctx))

	m2, err := p.Set(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, m2.Wait(ctx))
}

func TestMoveTimesOut(t *testing.T) {
	ctx := context.Background()
	r := newRig()
	p := newPositioner(t, Config{}, r.signals())

	m, err := p.Set(ctx, 10, WithTimeout(30*time.Millisecond))
	require.NoError(t, err)
	err = m.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, channel.ErrTimeout)
	assert.Equal(t, StateFailed, m.State())
	assert.Equal(t, StateIdle, p.State())
}

func TestSetRejectsZeroVelocity(t *testing.T) {
	ctx := context.Background()
	r := newRig()
	r.velocity.Update(0.0, channel.NoAlarm)
	p := newPositioner(t, Config{}, r.signals())

	_, err := p.Set(ctx, 10)
	assert.ErrorIs(t, err, ErrInvalidVelocity)
	assert.Equal(t, 0, r.setpoint.PutCount())

	// An explicit timeout does not need the velocity.
	m, err := p.Set(ctx, 10, WithTimeout(time.Second))
	require.NoError(t, err)
	r.readback.Update(10.0, channel.NoAlarm)
	require.NoError(t, m.Wait(ctx))
}

func TestSetFailsWhenReadFails(t *testing.T) {
	r := newRig()
	r.readback = channel.NewSoftChannel("m1.RBV")
	p := newPositioner(t, Config{}, r.signals())

	_, err := p.Set(context.Background(), 1)
	assert.ErrorIs(t, err, channel.ErrNoValue)
	assert.Equal(t, StateIdle, p.State())
}

func TestMoveDrainsAndWaits(t *testing.T) {
	ctx := context.Background()
	r := newRig()
	r.readback = channel.NewSoftChannel("m1.RBV", channel.WithInitialValue(7.0))
	p := newPositioner(t, Config{}, r.signals())

	require.NoError(t, p.Move(ctx, 7))
}

func TestLocate(t *testing.T) {
	r := newRig()
	r.setpoint = channel.NewSoftChannel("m1.VAL", channel.WithInitialValue(4.0))
	r.readback.Update(3.9, channel.NoAlarm)
	p := newPositioner(t, Config{}, r.signals())

	loc, err := p.Locate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Location{Setpoint: 4.0, Readback: 3.9}, loc)
}

func TestToleranceClose(t *testing.T) {
	assert.True(t, DefaultTolerance.Close(10.00001, 10))
	assert.False(t, DefaultTolerance.Close(10.001, 10))
	assert.True(t, Tolerance{Abs: 0.5}.Close(9.6, 10))
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, ValidateTransition(StateIdle, StateMoving))
	assert.NoError(t, ValidateTransition(StateMoving, StateCancelled))
	assert.Error(t, ValidateTransition(StateDone, StateMoving))
	assert.Error(t, ValidateTransition(StateIdle, StateFailed))
}
