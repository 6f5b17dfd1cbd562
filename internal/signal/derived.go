// Package signal composes several channels into one logical channel
// through forward and inverse transforms.
package signal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/KevinKickass/OpenBeamlineCore/internal/channel"
)

const defaultBufferSize = 64

type updateKind int

const (
	sourceReading updateKind = iota
	resendLatest
)

type update struct {
	kind    updateKind
	index   int
	reading channel.Reading
}

// DerivedSignal presents N source channels as one channel. Source
// updates are queued and combined by a single goroutine; a combined
// reading is only emitted once every source has reported.
type DerivedSignal struct {
	name     string
	sources  *Sources
	forward  ForwardFunc
	inverse  InverseFunc
	severity SeverityRule
	clock    clockz.Clock
	logger   *zap.Logger
	bufSize  int

	fanout channel.Fanout

	mu       sync.Mutex
	running  bool
	updates  chan update
	stop     chan struct{}
	subIDs   []channel.SubscriptionID
	wg       sync.WaitGroup
	callback channel.SubscriptionID

	cacheMu sync.Mutex
	cache   []channel.Reading
	have    []bool
	missing int
	ready   chan struct{}
}

type Option func(*DerivedSignal)

func WithForward(f ForwardFunc) Option {
	return func(d *DerivedSignal) { d.forward = f }
}

func WithInverse(f InverseFunc) Option {
	return func(d *DerivedSignal) { d.inverse = f }
}

func WithCombineSeverity(rule SeverityRule) Option {
	return func(d *DerivedSignal) { d.severity = rule }
}

func WithClock(clock clockz.Clock) Option {
	return func(d *DerivedSignal) { d.clock = clock }
}

func WithLogger(logger *zap.Logger) Option {
	return func(d *DerivedSignal) { d.logger = logger }
}

// WithBufferSize bounds the source update queue.
func WithBufferSize(n int) Option {
	return func(d *DerivedSignal) {
		if n > 0 {
			d.bufSize = n
		}
	}
}

func New(name string, sources *Sources, opts ...Option) *DerivedSignal {
	d := &DerivedSignal{
		name:     name,
		sources:  sources,
		forward:  BroadcastForward,
		inverse:  MedianInverse,
		severity: MaxSeverity,
		clock:    clockz.RealClock,
		logger:   zap.NewNop(),
		bufSize:  defaultBufferSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.resetCache()
	return d
}

func (d *DerivedSignal) Name() string { return d.name }

func (d *DerivedSignal) Source() string {
	return fmt.Sprintf("soft://%s(%s)", d.name, strings.Join(d.sources.names, ","))
}

func (d *DerivedSignal) Sources() *Sources { return d.sources }

// Start subscribes to every source and begins combining updates. It
// does not wait for the sources to report.
func (d *DerivedSignal) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.updates = make(chan update, d.bufSize)
	d.stop = make(chan struct{})

	d.wg.Add(1)
	go d.run(d.updates, d.stop)

	d.subIDs = make([]channel.SubscriptionID, d.sources.Len())
	for i := 0; i < d.sources.Len(); i++ {
		d.subIDs[i] = d.sources.Channel(i).Subscribe(d.sourceCallback(i, d.updates, d.stop))
	}
	d.logger.Debug("Derived signal started",
		zap.String("signal", d.name),
		zap.Strings("sources", d.sources.Names()))
}

// Connect starts the signal and waits until every source has reported
// at least once. Missing sources are named in the returned TimeoutError.
func (d *DerivedSignal) Connect(ctx context.Context, timeout time.Duration) error {
	d.Start()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = d.clock.WithTimeout(ctx, timeout)
		defer cancel()
	}

	d.cacheMu.Lock()
	ready := d.ready
	d.cacheMu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		missing := d.missingSources()
		if len(missing) == 0 {
			return nil
		}
		return &channel.TimeoutError{Op: "connect " + d.name, Names: missing, Timeout: timeout}
	}
}

// Disconnect releases source subscriptions and clears the cache.
func (d *DerivedSignal) Disconnect() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	for i, id := range d.subIDs {
		d.sources.Channel(i).Unsubscribe(id)
	}
	d.subIDs = nil
	close(d.stop)
	d.running = false
	d.mu.Unlock()

	d.wg.Wait()
	d.resetCache()
	d.fanout.Reset()
	d.logger.Debug("Derived signal disconnected", zap.String("signal", d.name))
}

// Connected reports whether every source has reported.
func (d *DerivedSignal) Connected() bool {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	return d.missing == 0
}

func (d *DerivedSignal) sourceCallback(i int, updates chan<- update, stop <-chan struct{}) channel.Callback {
	return func(rd channel.Reading) {
		select {
		case updates <- update{kind: sourceReading, index: i, reading: rd}:
		case <-stop:
		}
	}
}

func (d *DerivedSignal) run(updates <-chan update, stop <-chan struct{}) {
	defer d.wg.Done()
	for {
		select {
		case <-stop:
			return
		case u := <-updates:
			if u.kind == sourceReading {
				d.cacheReading(u.index, u.reading)
			}
			d.sendLatestReading()
		}
	}
}

func (d *DerivedSignal) cacheReading(i int, rd channel.Reading) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	d.cache[i] = rd
	if !d.have[i] {
		d.have[i] = true
		d.missing--
		if d.missing == 0 {
			close(d.ready)
		}
	}
}

// SendLatestReading asks the combining goroutine to re-emit the
// combined reading. It is a no-op until every source has reported.
func (d *DerivedSignal) SendLatestReading() {
	d.mu.Lock()
	updates, stop, running := d.updates, d.stop, d.running
	d.mu.Unlock()
	if !running {
		return
	}
	select {
	case updates <- update{kind: resendLatest}:
	case <-stop:
	}
}

func (d *DerivedSignal) sendLatestReading() {
	d.cacheMu.Lock()
	if d.missing > 0 {
		d.cacheMu.Unlock()
		return
	}
	readings := make([]channel.Reading, len(d.cache))
	copy(readings, d.cache)
	d.cacheMu.Unlock()

	combined, err := d.combine(readings)
	if err != nil {
		d.logger.Warn("Failed to combine readings",
			zap.String("signal", d.name),
			zap.Error(err))
		return
	}
	d.fanout.Publish(combined)
}

func (d *DerivedSignal) combine(readings []channel.Reading) (channel.Reading, error) {
	var ts time.Time
	sevs := make([]channel.Severity, len(readings))
	vals := make([]any, len(readings))
	for i, rd := range readings {
		if rd.Timestamp.After(ts) {
			ts = rd.Timestamp
		}
		sevs[i] = rd.Severity
		vals[i] = rd.Value
	}
	value, err := d.inverse(NewValues(d.sources, vals))
	if err != nil {
		var te *TransformError
		if errors.As(err, &te) && te.Signal == "" {
			te.Signal = d.name
		}
		return channel.Reading{}, err
	}
	return channel.Reading{Value: value, Timestamp: ts, Severity: d.severity(sevs)}, nil
}

// GetReading reads every source concurrently and combines the results.
func (d *DerivedSignal) GetReading(ctx context.Context) (channel.Reading, error) {
	readings := make([]channel.Reading, d.sources.Len())
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.sources.Len(); i++ {
		g.Go(func() error {
			rd, err := d.sources.Channel(i).GetReading(gctx)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", d.sources.Name(i), err)
			}
			readings[i] = rd
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return channel.Reading{}, err
	}
	return d.combine(readings)
}

func (d *DerivedSignal) GetValue(ctx context.Context) (any, error) {
	rd, err := d.GetReading(ctx)
	if err != nil {
		return nil, err
	}
	return rd.Value, nil
}

// Put runs the forward transform and writes every source concurrently.
// Without wait it returns once the writes are dispatched.
func (d *DerivedSignal) Put(ctx context.Context, value any, wait bool, timeout time.Duration) error {
	writes, err := d.forward(ctx, value, d.sources)
	if err != nil {
		return fmt.Errorf("forward transform for %s failed: %w", d.name, err)
	}

	type target struct {
		ch    channel.Channel
		value any
	}
	targets := make([]target, 0, len(writes))
	for name, v := range writes {
		ch, ok := d.sources.Lookup(name)
		if !ok {
			return fmt.Errorf("forward transform for %s wrote unknown source %q", d.name, name)
		}
		targets = append(targets, target{ch: ch, value: v})
	}

	// Set and Trigger return without blocking, so the writes already run
	// concurrently. Dispatched writes outlive the caller when not waiting.
	writeCtx := ctx
	if !wait {
		writeCtx = context.WithoutCancel(ctx)
	}
	statuses := make([]*channel.Status, len(targets))
	for i, t := range targets {
		if IsFire(t.value) {
			statuses[i] = t.ch.Trigger(writeCtx, wait, timeout)
		} else {
			statuses[i] = t.ch.Set(writeCtx, t.value, wait, timeout)
		}
	}

	if !wait {
		for _, st := range statuses {
			if st.Finished() && st.Err() != nil {
				return st.Err()
			}
		}
		return nil
	}
	return channel.WaitAll(ctx, statuses...)
}

func (d *DerivedSignal) Set(ctx context.Context, value any, wait bool, timeout time.Duration) *channel.Status {
	return channel.Go(func() error {
		return d.Put(ctx, value, wait, timeout)
	})
}

func (d *DerivedSignal) Trigger(ctx context.Context, wait bool, timeout time.Duration) *channel.Status {
	return d.Set(ctx, Fire, wait, timeout)
}

// Subscribe registers cb for combined readings. The latest combined
// reading, if any, is delivered immediately.
func (d *DerivedSignal) Subscribe(cb channel.Callback) channel.SubscriptionID {
	return d.fanout.Subscribe(cb)
}

func (d *DerivedSignal) Unsubscribe(id channel.SubscriptionID) {
	d.fanout.Unsubscribe(id)
}

// SetCallback replaces the primary consumer. A cached combined reading
// is re-sent to the new callback right away. A nil cb only removes the
// previous one.
func (d *DerivedSignal) SetCallback(cb channel.Callback) {
	d.mu.Lock()
	prev := d.callback
	d.callback = 0
	d.mu.Unlock()
	if prev != 0 {
		d.fanout.Unsubscribe(prev)
	}
	if cb == nil {
		return
	}
	id := d.fanout.Subscribe(cb)
	d.mu.Lock()
	d.callback = id
	d.mu.Unlock()
}

func (d *DerivedSignal) missingSources() []string {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	var missing []string
	for i, ok := range d.have {
		if !ok {
			missing = append(missing, d.sources.Name(i))
		}
	}
	return missing
}

func (d *DerivedSignal) resetCache() {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	n := d.sources.Len()
	d.cache = make([]channel.Reading, n)
	d.have = make([]bool, n)
	d.missing = n
	d.ready = make(chan struct{})
}
