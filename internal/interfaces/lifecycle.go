package interfaces

import (
	"github.com/KevinKickass/OpenBeamlineCore/internal/config"
	"github.com/KevinKickass/OpenBeamlineCore/internal/devices"
	"github.com/KevinKickass/OpenBeamlineCore/internal/types"
	"github.com/KevinKickass/OpenBeamlineCore/internal/workflow/engine"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State             string             `json:"state"`
	Error             string             `json:"error,omitempty"`
	Positioners       int                `json:"positioners"`
	Moving            []string           `json:"moving"`
	Signals           int                `json:"signals"`
	Devices           []types.DeviceInfo `json:"devices"`
	RunningExecutions int                `json:"running_executions"`
	Moves             MoveCounters       `json:"moves"`
	WebSocketClients  int                `json:"websocket_clients"`
	Timestamp         int64              `json:"timestamp"`
}

// MoveCounters count move outcomes since startup.
type MoveCounters struct {
	Started   int64 `json:"started"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Stopped   int64 `json:"stopped"`
	Elided    int64 `json:"elided"`
}

// LifecycleManager is what the API layers need from the running system.
type LifecycleManager interface {
	Config() *config.Config
	DeviceManager() *devices.Manager
	PlanEngine() *engine.Engine
	GetCurrentStatus() SystemStatus
}
