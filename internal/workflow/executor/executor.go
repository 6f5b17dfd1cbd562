package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenBeamlineCore/internal/positioner"
	"github.com/KevinKickass/OpenBeamlineCore/internal/storage"
	"github.com/KevinKickass/OpenBeamlineCore/internal/workflow/definition"
)

// Motion is the part of the device manager that plan steps drive.
type Motion interface {
	Move(ctx context.Context, name string, target float64, opts ...positioner.SetOption) (*positioner.Move, error)
	Stop(ctx context.Context, name string, success bool) error
	SavePosition(ctx context.Context, name string, names []string) (*storage.Position, error)
	ListPositions(ctx context.Context) ([]storage.Position, error)
	RecallPosition(ctx context.Context, id uuid.UUID) (*storage.Position, error)
}

type StepExecutor struct {
	motion Motion
	clock  clockz.Clock
	logger *zap.Logger
}

func NewStepExecutor(motion Motion, clock clockz.Clock, logger *zap.Logger) *StepExecutor {
	if clock == nil {
		clock = clockz.RealClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StepExecutor{motion: motion, clock: clock, logger: logger}
}

// Execute runs one step and returns its output.
func (e *StepExecutor) Execute(ctx context.Context, step *definition.Step) (map[string]any, error) {
	switch step.Type {
	case definition.StepTypeMove:
		return e.executeMove(ctx, step)
	case definition.StepTypeWait:
		return e.executeWait(ctx, step)
	case definition.StepTypeSavePosition:
		return e.executeSavePosition(ctx, step)
	case definition.StepTypeRecallPosition:
		return e.executeRecallPosition(ctx, step)
	case definition.StepTypeStop:
		return e.executeStop(ctx, step)
	default:
		return nil, fmt.Errorf("unsupported step type: %s", step.Type)
	}
}

func (e *StepExecutor) executeMove(ctx context.Context, step *definition.Step) (map[string]any, error) {
	if step.Target == nil {
		return nil, fmt.Errorf("move step %s has no target", step.Name)
	}

	var opts []positioner.SetOption
	if step.Timeout.Duration > 0 {
		opts = append(opts, positioner.WithTimeout(step.Timeout.Duration))
	}

	mv, err := e.motion.Move(ctx, step.Positioner, *step.Target, opts...)
	if err != nil {
		return nil, fmt.Errorf("move failed: %w", err)
	}

	if err := mv.Wait(ctx); err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			// The plan was cancelled while the axis was moving.
			if stopErr := e.motion.Stop(context.WithoutCancel(ctx), step.Positioner, false); stopErr != nil {
				e.logger.Warn("Failed to stop positioner after cancel",
					zap.String("positioner", step.Positioner),
					zap.Error(stopErr))
			}
		}
		return nil, fmt.Errorf("move failed: %w", err)
	}

	st := mv.Status()
	out := map[string]any{
		"positioner": step.Positioner,
		"move_id":    st.ID.String(),
		"target":     st.Target,
		"state":      string(st.State),
		"elided":     st.Elided,
	}
	if st.Final != nil {
		out["final"] = *st.Final
	}
	return out, nil
}

func (e *StepExecutor) executeWait(ctx context.Context, step *definition.Step) (map[string]any, error) {
	duration := step.Duration.Duration
	if duration == 0 {
		duration = definition.DefaultWait
	}

	timer := e.clock.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C():
		return map[string]any{"waited": duration.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *StepExecutor) executeSavePosition(ctx context.Context, step *definition.Step) (map[string]any, error) {
	pos, err := e.motion.SavePosition(ctx, step.Position, step.Positioners)
	if err != nil {
		return nil, err
	}
	axes := make([]any, 0, len(pos.Axes))
	for _, a := range pos.Axes {
		axes = append(axes, a.Name)
	}
	return map[string]any{
		"position_id": pos.ID.String(),
		"position":    pos.Name,
		"axes":        axes,
	}, nil
}

func (e *StepExecutor) executeRecallPosition(ctx context.Context, step *definition.Step) (map[string]any, error) {
	id, err := e.resolvePosition(ctx, step)
	if err != nil {
		return nil, err
	}
	pos, err := e.motion.RecallPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"position_id": pos.ID.String(),
		"position":    pos.Name,
	}, nil
}

// resolvePosition picks the position by id, or the newest one saved
// under the step's position name.
func (e *StepExecutor) resolvePosition(ctx context.Context, step *definition.Step) (uuid.UUID, error) {
	if step.PositionID != "" {
		id, err := uuid.Parse(step.PositionID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid position_id: %w", err)
		}
		return id, nil
	}

	list, err := e.motion.ListPositions(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	// ListPositions is newest first.
	for _, p := range list {
		if p.Name == step.Position {
			return p.ID, nil
		}
	}
	return uuid.Nil, fmt.Errorf("position %s: %w", step.Position, storage.ErrNotFound)
}

func (e *StepExecutor) executeStop(ctx context.Context, step *definition.Step) (map[string]any, error) {
	if err := e.motion.Stop(ctx, step.Positioner, step.Success); err != nil {
		return nil, err
	}
	return map[string]any{
		"positioner": step.Positioner,
		"success":    step.Success,
	}, nil
}
