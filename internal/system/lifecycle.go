package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/KevinKickass/OpenBeamlineCore/internal/api/rest"
	"github.com/KevinKickass/OpenBeamlineCore/internal/api/websocket"
	"github.com/KevinKickass/OpenBeamlineCore/internal/auth"
	"github.com/KevinKickass/OpenBeamlineCore/internal/config"
	"github.com/KevinKickass/OpenBeamlineCore/internal/devices"
	"github.com/KevinKickass/OpenBeamlineCore/internal/interfaces"
	"github.com/KevinKickass/OpenBeamlineCore/internal/mqtt"
	"github.com/KevinKickass/OpenBeamlineCore/internal/storage"
	"github.com/KevinKickass/OpenBeamlineCore/internal/workflow"
	"github.com/KevinKickass/OpenBeamlineCore/internal/workflow/engine"
	"github.com/KevinKickass/OpenBeamlineCore/internal/workflow/executor"
	"github.com/KevinKickass/OpenBeamlineCore/internal/workflow/streaming"
)

var _ interfaces.LifecycleManager = (*LifecycleManager)(nil)

// LifecycleManager owns every long-lived component and starts and
// stops them in dependency order.
type LifecycleManager struct {
	config *config.Config
	logger *zap.Logger
	clock  clockz.Clock

	store         storage.Store
	broker        *mqtt.Broker
	deviceManager *devices.Manager
	eventStreamer *streaming.EventStreamer
	planEngine    *engine.Engine
	authService   *auth.AuthService
	wsHub         *websocket.Hub
	stopHub       context.CancelFunc
	grpcServer    *grpc.Server
	restServer    *rest.Server
	moves         *moveCounters

	stateMu      sync.RWMutex
	currentState SystemState
	lastError    error

	teardownOnce sync.Once
	teardownErr  error
	shutdownOnce sync.Once
	shutdownChan chan struct{}
}

func NewLifecycleManager(cfg *config.Config, logger *zap.Logger) *LifecycleManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LifecycleManager{
		config:       cfg,
		logger:       logger,
		clock:        clockz.RealClock,
		moves:        &moveCounters{},
		currentState: StateInitializing,
		shutdownChan: make(chan struct{}),
	}
}

// Start brings the system up: store, MQTT broker, device manager,
// plan engine, WebSocket hub, gRPC and REST. On failure everything
// already started is torn down again.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting OpenBeamlineCore")

	if err := lm.startup(ctx); err != nil {
		lm.setError(err)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), lm.shutdownTimeout())
		defer cancel()
		lm.teardown(shutdownCtx)
		return err
	}

	lm.setState(StateRunning)
	lm.broadcastStatus()

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Int("positioners", len(lm.deviceManager.Positioners())),
		zap.String("storage", string(lm.config.Storage.Driver)))
	return nil
}

func (lm *LifecycleManager) startup(ctx context.Context) error {
	cfg := lm.config

	store, err := storage.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	lm.store = store
	lm.logger.Info("Storage opened", zap.String("driver", string(cfg.Storage.Driver)))

	var transport mqtt.Transport
	if cfg.MQTT.Broker != "" {
		lm.broker = mqtt.NewBroker(mqtt.BrokerConfig{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			QoS:            byte(cfg.MQTT.QoS),
			ConnectTimeout: cfg.Motion.ConnectTimeout,
		}, lm.logger)
		if err := lm.broker.Connect(); err != nil {
			return fmt.Errorf("failed to connect MQTT broker: %w", err)
		}
		transport = lm.broker
	}

	lm.moves.hook(lm.logger)

	dm, err := devices.NewManager(devices.ManagerConfig{
		SearchPaths:    cfg.Devices.SearchPaths,
		Files:          cfg.Devices.Files,
		ConnectTimeout: cfg.Motion.ConnectTimeout,
		Composer: devices.ComposerConfig{
			ModbusTimeout:  cfg.Modbus.DefaultTimeout,
			PollInterval:   cfg.Modbus.DefaultPollInterval,
			SettleMargin:   cfg.Motion.SettleMargin,
			DefaultMinMove: cfg.Motion.DefaultMinMove,
			UpdateBuffer:   cfg.Motion.UpdateBuffer,
		},
	}, store, transport, lm.clock, lm.logger)
	if err != nil {
		return err
	}
	lm.deviceManager = dm
	if len(cfg.Devices.Files) == 0 {
		lm.logger.Warn("No beamline definitions configured")
	}
	if err := dm.Load(); err != nil {
		return fmt.Errorf("failed to load beamline definitions: %w", err)
	}
	if err := dm.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect beamline: %w", err)
	}

	lm.eventStreamer = streaming.NewEventStreamer()
	lm.planEngine = engine.NewEngine(store,
		workflow.NewValidator(dm, store),
		executor.NewStepExecutor(dm, lm.clock, lm.logger),
		lm.eventStreamer, lm.clock, lm.logger)

	hubCtx, stopHub := context.WithCancel(context.Background())
	lm.wsHub = websocket.NewHub(lm.logger)
	lm.stopHub = stopHub
	go lm.wsHub.Run(hubCtx)
	dm.AddSink(lm.wsHub)
	lm.eventStreamer.OnEvent(lm.wsHub.PublishPlanEvent)

	lm.authService = auth.NewAuthService(cfg.Auth, lm.logger)

	if err := lm.startGRPCServer(); err != nil {
		return fmt.Errorf("failed to start gRPC: %w", err)
	}
	if err := lm.startRESTServer(); err != nil {
		return fmt.Errorf("failed to start REST API: %w", err)
	}
	return nil
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()
	streaming.RegisterMotionServer(lm.grpcServer, streaming.NewMotionService(lm.deviceManager, lm.eventStreamer))
	lm.logger.Info("Motion gRPC service registered")

	srv := lm.grpcServer
	go func() {
		lm.logger.Info("gRPC server listening",
			zap.String("address", lis.Addr().String()),
			zap.String("services", streaming.MotionServiceDesc.ServiceName))
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()
	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger, lm.wsHub, lm.authService)
	return lm.restServer.Start()
}

// Shutdown stops moves, plans and pollers, then the servers, then the
// store. Only the first call has an effect.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		lm.setState(StateStopping)
		lm.broadcastStatus()

		shutdownErr = lm.teardown(ctx)

		lm.setState(StateStopped)
		close(lm.shutdownChan)
	})

	return shutdownErr
}

func (lm *LifecycleManager) shutdownTimeout() time.Duration {
	if d := lm.config.Server.ShutdownTimeout; d > 0 {
		return d
	}
	return 30 * time.Second
}

// Done is closed once Shutdown has finished.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

// teardown runs at most once, whether from a failed Start or Shutdown.
func (lm *LifecycleManager) teardown(ctx context.Context) error {
	lm.teardownOnce.Do(func() {
		lm.teardownErr = lm.stopComponents(ctx)
	})
	return lm.teardownErr
}

func (lm *LifecycleManager) stopComponents(ctx context.Context) error {
	var errs []error

	// 1. Plans first, so no step starts a new move.
	if lm.planEngine != nil {
		if err := lm.planEngine.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("plan engine shutdown failed: %w", err))
		}
	}

	// 2. Moves in flight, pollers and device connections.
	if lm.deviceManager != nil {
		if err := lm.deviceManager.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("device manager stop failed: %w", err))
		}
	}

	// 3. Servers.
	var wg sync.WaitGroup
	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				lm.logger.Warn("REST API shutdown failed", zap.Error(err))
			}
		}()
	}
	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.logger.Info("Stopping gRPC server")
			stopped := make(chan struct{})
			go func() {
				lm.grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-ctx.Done():
				lm.grpcServer.Stop()
			}
		}()
	}
	wg.Wait()

	if lm.stopHub != nil {
		lm.stopHub()
	}
	if lm.broker != nil {
		lm.broker.Close()
	}
	if lm.store != nil {
		if err := lm.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close failed: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		lm.logger.Warn("Shutdown finished with errors", zap.Error(err))
		return err
	}
	lm.logger.Info("Graceful shutdown completed")
	return nil
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected state change", zap.Error(err))
	}
	lm.logger.Info("System state changed",
		zap.Stringer("from", lm.currentState),
		zap.Stringer("to", state))
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))
	lm.setState(StateError)
	lm.stateMu.Lock()
	lm.lastError = err
	lm.stateMu.Unlock()
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	status := interfaces.SystemStatus{
		State:     lm.currentState.String(),
		Moving:    []string{},
		Moves:     lm.moves.snapshot(),
		Timestamp: lm.clock.Now().Unix(),
	}
	if lm.lastError != nil {
		status.Error = lm.lastError.Error()
	}
	lm.stateMu.RUnlock()

	if dm := lm.deviceManager; dm != nil {
		for _, p := range dm.Positioners() {
			status.Positioners++
			if p.Active() != nil {
				status.Moving = append(status.Moving, p.Name())
			}
		}
		status.Signals = len(dm.SignalNames())
		status.Devices = dm.Devices()
	}
	if lm.planEngine != nil {
		for _, x := range lm.planEngine.Executions() {
			if x.Status == engine.StatusRunning || x.Status == engine.StatusPending {
				status.RunningExecutions++
			}
		}
	}
	if lm.wsHub != nil {
		status.WebSocketClients = lm.wsHub.GetClientCount()
	}
	return status
}

func (lm *LifecycleManager) broadcastStatus() {
	if lm.wsHub != nil {
		lm.wsHub.PublishSystemStatus(lm.GetCurrentStatus())
	}
}

func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

func (lm *LifecycleManager) DeviceManager() *devices.Manager {
	return lm.deviceManager
}

func (lm *LifecycleManager) PlanEngine() *engine.Engine {
	return lm.planEngine
}
