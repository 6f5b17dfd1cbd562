package signal

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/KevinKickass/OpenBeamlineCore/internal/channel"
)

func newSources(t *testing.T, chans ...*channel.SoftChannel) *Sources {
	t.Helper()
	srcs := make([]Source, len(chans))
	for i, ch := range chans {
		srcs[i] = Source{Name: ch.Name(), Channel: ch}
	}
	s, err := NewSources(srcs...)
	require.NoError(t, err)
	return s
}

func collect(d *DerivedSignal) <-chan channel.Reading {
	out := make(chan channel.Reading, 16)
	d.Subscribe(func(rd channel.Reading) { out <- rd })
	return out
}

func TestNewSourcesRejectsDuplicates(t *testing.T) {
	a := channel.NewSoftChannel("a")
	_, err := NewSources(Source{Name: "a", Channel: a}, Source{Name: "a", Channel: a})
	assert.Error(t, err)

	_, err = NewSources()
	assert.Error(t, err)
}

func TestSingleSourceRoundTrip(t *testing.T) {
	ctx := context.Background()
	x := channel.NewSoftChannel("x", channel.WithInitialValue(0.0))
	d := New("derived", newSources(t, x))

	for _, v := range []float64{0, 1.5, -42.25, 1e9} {
		require.NoError(t, d.Put(ctx, v, true, time.Second))
		got, err := d.GetValue(ctx)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestDefaultForwardBroadcasts(t *testing.T) {
	ctx := context.Background()
	a := channel.NewSoftChannel("a", channel.WithInitialValue(0.0))
	b := channel.NewSoftChannel("b", channel.WithInitialValue(0.0))
	d := New("derived", newSources(t, a, b))

	require.NoError(t, d.Put(ctx, 3.3, true, time.Second))

	av, _ := a.GetValue(ctx)
	bv, _ := b.GetValue(ctx)
	assert.Equal(t, 3.3, av)
	assert.Equal(t, 3.3, bv)
}

func TestDefaultInverseMedian(t *testing.T) {
	ctx := context.Background()
	a := channel.NewSoftChannel("a", channel.WithInitialValue(1.0))
	b := channel.NewSoftChannel("b", channel.WithInitialValue(5.0))
	c := channel.NewSoftChannel("c", channel.WithInitialValue(3.0))
	d := New("derived", newSources(t, a, b, c))

	v, err := d.GetValue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)

	pair := New("pair", newSources(t,
		channel.NewSoftChannel("lo", channel.WithInitialValue(5.1)),
		channel.NewSoftChannel("hi", channel.WithInitialValue(5.3)),
	))
	v, err = pair.GetValue(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 5.2, v, 1e-9)
}

func TestDefaultInverseMixedIntegers(t *testing.T) {
	v, err := MedianInverse(NewValues(newSources(t,
		channel.NewSoftChannel("a"), channel.NewSoftChannel("b"),
	), []any{int32(2), uint8(4)}))
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)
}

func TestDefaultInverseSingleNonNumeric(t *testing.T) {
	ctx := context.Background()
	a := channel.NewSoftChannel("a", channel.WithInitialValue("open"))
	d := New("derived", newSources(t, a))

	v, err := d.GetValue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "open", v)
}

func TestDefaultInverseRejectsAmbiguousSources(t *testing.T) {
	ctx := context.Background()
	a := channel.NewSoftChannel("a", channel.WithInitialValue("open"))
	b := channel.NewSoftChannel("b", channel.WithInitialValue(2.0))
	d := New("shutter", newSources(t, a, b))

	_, err := d.GetReading(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransform)

	var te *TransformError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "shutter", te.Signal)
}

func TestCombinedReadingTakesWorstCase(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := channel.NewSoftChannel("a")
	b := channel.NewSoftChannel("b")
	a.UpdateReading(channel.Reading{Value: 1.0, Timestamp: t0.Add(time.Second), Severity: channel.NoAlarm})
	b.UpdateReading(channel.Reading{Value: 2.0, Timestamp: t0, Severity: channel.MajorAlarm})

	d := New("derived", newSources(t, a, b))
	rd, err := d.GetReading(ctx)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Second), rd.Timestamp)
	assert.Equal(t, channel.MajorAlarm, rd.Severity)

	gate := New("gate", newSources(t, a, b), WithCombineSeverity(MinSeverity))
	rd, err = gate.GetReading(ctx)
	require.NoError(t, err)
	assert.Equal(t, channel.NoAlarm, rd.Severity)
}

func TestColdStartGating(t *testing.T) {
	a := channel.NewSoftChannel("a")
	b := channel.NewSoftChannel("b")
	d := New("derived", newSources(t, a, b))
	out := collect(d)
	d.Start()
	defer d.Disconnect()

	a.Update(1.0, channel.NoAlarm)
	select {
	case rd := <-out:
		t.Fatalf("unexpected combined reading %v before every source reported", rd)
	case <-time.After(50 * time.Millisecond):
	}

	b.Update(3.0, channel.NoAlarm)
	select {
	case rd := <-out:
		assert.Equal(t, 2.0, rd.Value)
	case <-time.After(time.Second):
		t.Fatal("no combined reading after every source reported")
	}

	select {
	case rd := <-out:
		t.Fatalf("unexpected extra reading %v", rd)
	case <-time.After(20 * time.Millisecond):
	}

	a.Update(5.0, channel.NoAlarm)
	select {
	case rd := <-out:
		assert.Equal(t, 4.0, rd.Value)
	case <-time.After(time.Second):
		t.Fatal("no reading after a single source update")
	}
}

func TestConnectWaitsForAllSources(t *testing.T) {
	a := channel.NewSoftChannel("a", channel.WithInitialValue(1.0))
	b := channel.NewSoftChannel("b")
	d := New("derived", newSources(t, a, b))
	defer d.Disconnect()

	err := d.Connect(context.Background(), 30*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, channel.ErrTimeout)

	var te *channel.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, []string{"b"}, te.Names)

	b.Update(2.0, channel.NoAlarm)
	require.NoError(t, d.Connect(context.Background(), time.Second))
	assert.True(t, d.Connected())
}

func TestSetCallbackResendsLatest(t *testing.T) {
	a := channel.NewSoftChannel("a", channel.WithInitialValue(7.0))
	d := New("derived", newSources(t, a))
	require.NoError(t, d.Connect(context.Background(), time.Second))
	defer d.Disconnect()

	require.Eventually(t, func() bool {
		_, ok := d.fanout.Latest()
		return ok
	}, time.Second, 5*time.Millisecond)

	got := make(chan channel.Reading, 4)
	d.SetCallback(func(rd channel.Reading) { got <- rd })

	select {
	case rd := <-got:
		assert.Equal(t, 7.0, rd.Value)
	default:
		t.Fatal("late callback was not sent the cached reading")
	}
}

func TestSendLatestReadingReemits(t *testing.T) {
	a := channel.NewSoftChannel("a", channel.WithInitialValue(1.0))
	d := New("derived", newSources(t, a))
	out := collect(d)
	require.NoError(t, d.Connect(context.Background(), time.Second))
	defer d.Disconnect()

	<-out
	d.SendLatestReading()
	select {
	case rd := <-out:
		assert.Equal(t, 1.0, rd.Value)
	case <-time.After(time.Second):
		t.Fatal("SendLatestReading did not re-emit")
	}
}

func TestDisconnectClearsCache(t *testing.T) {
	a := channel.NewSoftChannel("a", channel.WithInitialValue(1.0))
	d := New("derived", newSources(t, a))
	require.NoError(t, d.Connect(context.Background(), time.Second))

	d.Disconnect()
	assert.False(t, d.Connected())
	assert.Equal(t, 0, a.Subscribers())
	_, ok := d.fanout.Latest()
	assert.False(t, ok)
}

func TestPutTriggersFireSources(t *testing.T) {
	ctx := context.Background()
	sp := channel.NewSoftChannel("setpoint", channel.WithInitialValue(0.0))
	gobtn := channel.NewSoftChannel("go", channel.WithTriggerValue(1))
	d := New("energy", newSources(t, sp, gobtn), WithForward(
		func(_ context.Context, value any, _ *Sources) (Writes, error) {
			return Writes{"setpoint": value, "go": Fire}, nil
		}))

	require.NoError(t, d.Put(ctx, 8333.0, true, time.Second))
	assert.Equal(t, 8333.0, sp.LastPut())
	assert.Equal(t, 1, gobtn.LastPut())
}

func TestTriggerFiresEverySource(t *testing.T) {
	ctx := context.Background()
	a := channel.NewSoftChannel("a")
	b := channel.NewSoftChannel("b", channel.WithTriggerValue("go"))
	d := New("both", newSources(t, a, b))

	require.NoError(t, d.Trigger(ctx, true, time.Second).Wait(ctx))
	assert.Equal(t, 1, a.LastPut())
	assert.Equal(t, "go", b.LastPut())
}

func TestPutRejectsUnknownSource(t *testing.T) {
	a := channel.NewSoftChannel("a")
	d := New("derived", newSources(t, a), WithForward(
		func(context.Context, any, *Sources) (Writes, error) {
			return Writes{"nope": 1}, nil
		}))
	assert.Error(t, d.Put(context.Background(), 1, true, 0))
}

func TestPutNoWaitReturnsOnDispatch(t *testing.T) {
	a := channel.NewSoftChannel("a", channel.WithPutDelay(time.Second))
	d := New("derived", newSources(t, a))

	start := time.Now()
	require.NoError(t, d.Put(context.Background(), 1.0, false, 0))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestPutWaitsForDelayedSources(t *testing.T) {
	ctx := context.Background()
	slow := channel.NewSoftChannel("slow", channel.WithInitialValue(0.0), channel.WithPutDelay(20*time.Millisecond))
	fast := channel.NewSoftChannel("fast", channel.WithInitialValue(0.0))
	d := New("derived", newSources(t, slow, fast))

	require.NoError(t, d.Put(ctx, 5.0, true, time.Second))
	v, err := channel.GetFloat(ctx, slow)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)
	v, err = channel.GetFloat(ctx, fast)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)
}

func TestPutNoWaitLandsAfterDelay(t *testing.T) {
	slow := channel.NewSoftChannel("slow", channel.WithInitialValue(0.0), channel.WithPutDelay(20*time.Millisecond))
	d := New("derived", newSources(t, slow))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Put(ctx, 5.0, false, 0))
	cancel()

	assert.Eventually(t, func() bool {
		v, err := channel.GetFloat(context.Background(), slow)
		return err == nil && v == 5.0
	}, time.Second, 5*time.Millisecond)
}

// goniometer exposes an angle derived from x and y at fixed radius.
func goniometer(t *testing.T, x, y *channel.SoftChannel) *DerivedSignal {
	return New("angle", newSources(t, x, y),
		WithInverse(func(vals Values) (any, error) {
			xv, err := vals.Float("x")
			if err != nil {
				return nil, err
			}
			yv, err := vals.Float("y")
			if err != nil {
				return nil, err
			}
			return math.Atan2(yv, xv) * 180 / math.Pi, nil
		}),
		WithForward(func(ctx context.Context, value any, src *Sources) (Writes, error) {
			xc, _ := src.Lookup("x")
			yc, _ := src.Lookup("y")
			xv, err := channel.GetFloat(ctx, xc)
			if err != nil {
				return nil, err
			}
			yv, err := channel.GetFloat(ctx, yc)
			if err != nil {
				return nil, err
			}
			r := math.Hypot(xv, yv)
			deg, _ := channel.ToFloat(value)
			rad := deg * math.Pi / 180
			return Writes{"x": r * math.Cos(rad), "y": r * math.Sin(rad)}, nil
		}),
	)
}

func TestCustomTransforms(t *testing.T) {
	ctx := context.Background()
	x := channel.NewSoftChannel("x", channel.WithInitialValue(1.0))
	y := channel.NewSoftChannel("y", channel.WithInitialValue(1.0))
	d := goniometer(t, x, y)

	v, err := d.GetValue(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 45.0, v, 1e-9)

	require.NoError(t, d.Put(ctx, 90.0, true, time.Second))
	xv, _ := channel.GetFloat(ctx, x)
	yv, _ := channel.GetFloat(ctx, y)
	assert.InDelta(t, 0.0, xv, 1e-9)
	assert.InDelta(t, math.Sqrt2, yv, 1e-9)
}

func TestSourceDescribesArguments(t *testing.T) {
	d := goniometer(t, channel.NewSoftChannel("x"), channel.NewSoftChannel("y"))
	assert.Equal(t, "soft://angle(x,y)", d.Source())
}

func TestCombinedTimestampFromFakeClock(t *testing.T) {
	clock := clockz.NewFakeClock()
	a := channel.NewSoftChannel("a", channel.WithClock(clock), channel.WithInitialValue(1.0))
	d := New("derived", newSources(t, a), WithClock(clock))

	rd, err := d.GetReading(context.Background())
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), rd.Timestamp)
}
