package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// AxisPosition is one positioner's saved location.
type AxisPosition struct {
	Name     string  `json:"name"`
	Setpoint float64 `json:"setpoint"`
	Readback float64 `json:"readback"`
}

// Position is a named snapshot of several positioners.
type Position struct {
	ID      uuid.UUID      `json:"id"`
	Name    string         `json:"name"`
	Axes    []AxisPosition `json:"axes"`
	SavedAt time.Time      `json:"saved_at"`
}

// MoveRecord is the history entry of one non-elided move.
type MoveRecord struct {
	ID          uuid.UUID  `json:"id"`
	Positioner  string     `json:"positioner"`
	Initial     float64    `json:"initial"`
	Target      float64    `json:"target"`
	Final       *float64   `json:"final,omitempty"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type Plan struct {
	ID         uuid.UUID       `json:"id"`
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Store persists saved positions, move history and plans.
type Store interface {
	SavePosition(ctx context.Context, pos *Position) error
	GetPosition(ctx context.Context, id uuid.UUID) (*Position, error)
	ListPositions(ctx context.Context) ([]Position, error)
	DeletePosition(ctx context.Context, id uuid.UUID) error

	RecordMove(ctx context.Context, rec *MoveRecord) error
	// ListMoves returns the newest records first. An empty positioner
	// matches all.
	ListMoves(ctx context.Context, positioner string, limit int) ([]MoveRecord, error)

	SavePlan(ctx context.Context, plan *Plan) error
	GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error)
	ListPlans(ctx context.Context) ([]Plan, error)

	Close() error
}
