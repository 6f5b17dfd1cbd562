package devices

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/KevinKickass/OpenBeamlineCore/internal/channel"
	"github.com/KevinKickass/OpenBeamlineCore/internal/mqtt"
	"github.com/KevinKickass/OpenBeamlineCore/internal/positioner"
	"github.com/KevinKickass/OpenBeamlineCore/internal/storage"
	"github.com/KevinKickass/OpenBeamlineCore/internal/types"
)

var (
	ErrUnknownPositioner = errors.New("unknown positioner")
	ErrUnknownSignal     = errors.New("unknown signal")
)

// UpdateSink receives move progress and state changes for every move
// started through the manager.
type UpdateSink interface {
	PublishWatcherUpdate(u positioner.WatcherUpdate)
	PublishMoveState(st positioner.MoveStatus)
}

type ManagerConfig struct {
	SearchPaths    []string
	Files          []string
	ConnectTimeout time.Duration
	Composer       ComposerConfig
}

// Manager is the registry of every loaded beamline. It starts moves,
// forwards their progress and records their history.
type Manager struct {
	cfg      ManagerConfig
	loader   *Loader
	composer *Composer
	store    storage.Store
	clock    clockz.Clock
	logger   *zap.Logger

	mu          sync.RWMutex
	beamlines   []*Beamline
	positioners map[string]*positioner.Positioner
	channels    map[string]channel.Channel

	sinkMu sync.RWMutex
	sinks  []UpdateSink

	watchMu   sync.Mutex
	watchers  map[string]map[uint64]chan positioner.WatcherUpdate
	nextWatch uint64

	tracking sync.WaitGroup
}

// NewManager builds an empty manager. store may be nil, in which case
// positions and history are unavailable.
func NewManager(cfg ManagerConfig, store storage.Store, transport mqtt.Transport, clock clockz.Clock, logger *zap.Logger) (*Manager, error) {
	if clock == nil {
		clock = clockz.RealClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	loader, err := NewLoader(cfg.SearchPaths)
	if err != nil {
		return nil, fmt.Errorf("failed to create definition loader: %w", err)
	}
	return &Manager{
		cfg:         cfg,
		loader:      loader,
		composer:    NewComposer(cfg.Composer, transport, clock, logger),
		store:       store,
		clock:       clock,
		logger:      logger,
		positioners: make(map[string]*positioner.Positioner),
		channels:    make(map[string]channel.Channel),
		watchers:    make(map[string]map[uint64]chan positioner.WatcherUpdate),
	}, nil
}

// Load composes every configured definition file.
func (m *Manager) Load() error {
	defs, err := m.loader.LoadAll(m.cfg.Files)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := m.Add(def); err != nil {
			return err
		}
	}
	return nil
}

// Add composes def and registers its channels and positioners. Names
// must be unique across all beamlines.
func (m *Manager) Add(def *types.BeamlineDefinition) error {
	bl, err := m.composer.Compose(def)
	if err != nil {
		return fmt.Errorf("beamline %s: %w", def.Beamline, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range bl.channelOrder {
		if _, dup := m.channels[name]; dup {
			return fmt.Errorf("beamline %s: signal %s already defined", def.Beamline, name)
		}
	}
	for _, name := range bl.positionerOrder {
		if _, dup := m.positioners[name]; dup {
			return fmt.Errorf("beamline %s: positioner %s already defined", def.Beamline, name)
		}
	}
	for name, ch := range bl.channels {
		m.channels[name] = ch
	}
	for name, p := range bl.positioners {
		m.positioners[name] = p
	}
	m.beamlines = append(m.beamlines, bl)

	m.logger.Info("Beamline loaded",
		zap.String("beamline", bl.Name),
		zap.Int("signals", len(bl.channelOrder)),
		zap.Int("positioners", len(bl.positionerOrder)))
	return nil
}

func (m *Manager) Connect(ctx context.Context) error {
	m.mu.RLock()
	beamlines := append([]*Beamline(nil), m.beamlines...)
	m.mu.RUnlock()

	for _, bl := range beamlines {
		if err := bl.Connect(ctx, m.cfg.ConnectTimeout); err != nil {
			return fmt.Errorf("beamline %s: %w", bl.Name, err)
		}
	}
	return nil
}

func (m *Manager) AddSink(s UpdateSink) {
	m.sinkMu.Lock()
	m.sinks = append(m.sinks, s)
	m.sinkMu.Unlock()
}

func (m *Manager) Positioner(name string) (*positioner.Positioner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positioners[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownPositioner)
	}
	return p, nil
}

// Positioners returns all positioners sorted by name.
func (m *Manager) Positioners() []*positioner.Positioner {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*positioner.Positioner, 0, len(m.positioners))
	for _, p := range m.positioners {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (m *Manager) Signal(name string) (channel.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownSignal)
	}
	return ch, nil
}

func (m *Manager) SignalNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) Devices() []types.DeviceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var infos []types.DeviceInfo
	for _, bl := range m.beamlines {
		infos = append(infos, bl.DeviceInfo()...)
	}
	return infos
}

// Move starts a move and returns its handle. Progress is delivered to
// the sinks and watchers, so callers must use Wait or Done rather than
// reading Updates.
func (m *Manager) Move(ctx context.Context, name string, target float64, opts ...positioner.SetOption) (*positioner.Move, error) {
	p, err := m.Positioner(name)
	if err != nil {
		return nil, err
	}
	mv, err := p.Set(ctx, target, opts...)
	if err != nil {
		return nil, err
	}
	m.tracking.Add(1)
	go m.track(mv)
	return mv, nil
}

func (m *Manager) track(mv *positioner.Move) {
	defer m.tracking.Done()

	if !mv.Elided {
		m.publishState(mv.Status())
		m.record(mv.Status())
	}
	for u := range mv.Updates() {
		m.publishUpdate(u)
	}
	<-mv.Done()

	st := mv.Status()
	m.publishState(st)
	if !mv.Elided {
		m.record(st)
	}
}

func (m *Manager) record(st positioner.MoveStatus) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := &storage.MoveRecord{
		ID:          st.ID,
		Positioner:  st.Positioner,
		Initial:     st.Initial,
		Target:      st.Target,
		Final:       st.Final,
		Status:      string(st.State),
		Error:       st.Error,
		StartedAt:   st.StartedAt,
		CompletedAt: st.CompletedAt,
	}
	if err := m.store.RecordMove(ctx, rec); err != nil {
		m.logger.Error("Failed to record move",
			zap.String("positioner", st.Positioner),
			zap.String("move_id", st.ID.String()),
			zap.Error(err))
	}
}

func (m *Manager) publishState(st positioner.MoveStatus) {
	m.sinkMu.RLock()
	defer m.sinkMu.RUnlock()
	for _, s := range m.sinks {
		s.PublishMoveState(st)
	}
}

func (m *Manager) publishUpdate(u positioner.WatcherUpdate) {
	m.sinkMu.RLock()
	for _, s := range m.sinks {
		s.PublishWatcherUpdate(u)
	}
	m.sinkMu.RUnlock()

	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	for _, ch := range m.watchers[u.Name] {
		select {
		case ch <- u:
		default:
		}
	}
}

// Watch streams the watcher updates of one positioner until cancel is
// called. Slow readers miss updates.
func (m *Manager) Watch(name string) (<-chan positioner.WatcherUpdate, func(), error) {
	if _, err := m.Positioner(name); err != nil {
		return nil, nil, err
	}
	ch := make(chan positioner.WatcherUpdate, 64)

	m.watchMu.Lock()
	m.nextWatch++
	id := m.nextWatch
	if m.watchers[name] == nil {
		m.watchers[name] = make(map[uint64]chan positioner.WatcherUpdate)
	}
	m.watchers[name][id] = ch
	m.watchMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.watchMu.Lock()
			delete(m.watchers[name], id)
			m.watchMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

func (m *Manager) Stop(ctx context.Context, name string, success bool) error {
	p, err := m.Positioner(name)
	if err != nil {
		return err
	}
	return p.Stop(ctx, success)
}

// StopAll stops every positioner with a move in flight.
func (m *Manager) StopAll(ctx context.Context, success bool) error {
	var errs []error
	for _, p := range m.Positioners() {
		if p.Active() == nil {
			continue
		}
		if err := p.Stop(ctx, success); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) Locate(ctx context.Context, name string) (positioner.Location, error) {
	p, err := m.Positioner(name)
	if err != nil {
		return positioner.Location{}, err
	}
	return p.Locate(ctx)
}

var errNoStore = errors.New("no store configured")

// SavePosition snapshots the named positioners, or all of them when
// names is empty.
func (m *Manager) SavePosition(ctx context.Context, name string, names []string) (*storage.Position, error) {
	if m.store == nil {
		return nil, errNoStore
	}
	if len(names) == 0 {
		for _, p := range m.Positioners() {
			names = append(names, p.Name())
		}
	}

	axes := make([]storage.AxisPosition, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, n := range names {
		g.Go(func() error {
			loc, err := m.Locate(gctx, n)
			if err != nil {
				return err
			}
			axes[i] = storage.AxisPosition{Name: n, Setpoint: loc.Setpoint, Readback: loc.Readback}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to save position %s: %w", name, err)
	}

	pos := &storage.Position{Name: name, Axes: axes, SavedAt: m.clock.Now().UTC()}
	if err := m.store.SavePosition(ctx, pos); err != nil {
		return nil, err
	}
	m.logger.Info("Position saved",
		zap.String("position", name),
		zap.String("id", pos.ID.String()),
		zap.Int("axes", len(axes)))
	return pos, nil
}

func (m *Manager) ListPositions(ctx context.Context) ([]storage.Position, error) {
	if m.store == nil {
		return nil, errNoStore
	}
	return m.store.ListPositions(ctx)
}

func (m *Manager) GetPosition(ctx context.Context, id uuid.UUID) (*storage.Position, error) {
	if m.store == nil {
		return nil, errNoStore
	}
	return m.store.GetPosition(ctx, id)
}

func (m *Manager) DeletePosition(ctx context.Context, id uuid.UUID) error {
	if m.store == nil {
		return errNoStore
	}
	return m.store.DeletePosition(ctx, id)
}

// RecallPosition moves every axis of a saved position to its readback
// concurrently and waits for all of them. Every move runs to its end
// even when another fails; the first error is returned.
func (m *Manager) RecallPosition(ctx context.Context, id uuid.UUID) (*storage.Position, error) {
	pos, err := m.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, axis := range pos.Axes {
		if _, err := m.Positioner(axis.Name); err != nil {
			return nil, fmt.Errorf("position %s: %w", pos.Name, err)
		}
	}

	m.logger.Info("Recalling position",
		zap.String("position", pos.Name),
		zap.String("id", pos.ID.String()))

	var g errgroup.Group
	for _, axis := range pos.Axes {
		g.Go(func() error {
			mv, err := m.Move(ctx, axis.Name, axis.Readback)
			if err != nil {
				return err
			}
			return mv.Wait(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		return pos, fmt.Errorf("failed to recall position %s: %w", pos.Name, err)
	}
	return pos, nil
}

func (m *Manager) MoveHistory(ctx context.Context, name string, limit int) ([]storage.MoveRecord, error) {
	if m.store == nil {
		return nil, errNoStore
	}
	return m.store.ListMoves(ctx, name, limit)
}

// Close stops moves in flight, waits for their bookkeeping and releases
// every beamline.
func (m *Manager) Close(ctx context.Context) error {
	err := m.StopAll(ctx, false)

	done := make(chan struct{})
	go func() {
		m.tracking.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Timed out waiting for moves to finish")
	}

	m.mu.RLock()
	beamlines := append([]*Beamline(nil), m.beamlines...)
	m.mu.RUnlock()
	for _, bl := range beamlines {
		bl.Close()
	}

	m.watchMu.Lock()
	for _, ws := range m.watchers {
		for id, ch := range ws {
			delete(ws, id)
			close(ch)
		}
	}
	m.watchMu.Unlock()
	return err
}
