package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenBeamlineCore/internal/storage"
	"github.com/KevinKickass/OpenBeamlineCore/internal/workflow"
	"github.com/KevinKickass/OpenBeamlineCore/internal/workflow/definition"
	"github.com/KevinKickass/OpenBeamlineCore/internal/workflow/executor"
	"github.com/KevinKickass/OpenBeamlineCore/internal/workflow/streaming"
)

var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrNotRunning        = errors.New("execution is not running")
	errNoStore           = errors.New("no store configured")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

type StepResult struct {
	Index       int            `json:"index"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Status      Status         `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Execution is the in-memory record of one plan run.
type Execution struct {
	ID          uuid.UUID    `json:"id"`
	PlanID      *uuid.UUID   `json:"plan_id,omitempty"`
	PlanName    string       `json:"plan_name"`
	Status      Status       `json:"status"`
	CurrentStep int          `json:"current_step"`
	Steps       []StepResult `json:"steps"`
	Error       string       `json:"error,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

func (e *Execution) clone() *Execution {
	c := *e
	c.Steps = append([]StepResult(nil), e.Steps...)
	return &c
}

type Engine struct {
	store     storage.Store
	validator *workflow.Validator
	executor  *executor.StepExecutor
	streamer  *streaming.EventStreamer
	clock     clockz.Clock
	logger    *zap.Logger

	mu              sync.RWMutex
	executions      map[uuid.UUID]*Execution
	runningContexts map[uuid.UUID]context.CancelFunc
	wg              sync.WaitGroup
}

// NewEngine builds an engine. store may be nil; stored plans are then
// unavailable and only inline plans run.
func NewEngine(store storage.Store, validator *workflow.Validator, executor *executor.StepExecutor, streamer *streaming.EventStreamer, clock clockz.Clock, logger *zap.Logger) *Engine {
	if clock == nil {
		clock = clockz.RealClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:           store,
		validator:       validator,
		executor:        executor,
		streamer:        streamer,
		clock:           clock,
		logger:          logger,
		executions:      make(map[uuid.UUID]*Execution),
		runningContexts: make(map[uuid.UUID]context.CancelFunc),
	}
}

func (e *Engine) Streamer() *streaming.EventStreamer { return e.streamer }

// SavePlan validates plan and stores it under its name.
func (e *Engine) SavePlan(ctx context.Context, plan *definition.Plan) (*storage.Plan, error) {
	if e.store == nil {
		return nil, errNoStore
	}
	if rep := e.validator.Validate(ctx, plan); !rep.Valid {
		return nil, &workflow.ValidationError{Report: rep}
	}
	data, err := plan.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan: %w", err)
	}
	stored := &storage.Plan{Name: plan.Name, Definition: data}
	if err := e.store.SavePlan(ctx, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

func (e *Engine) ListPlans(ctx context.Context) ([]storage.Plan, error) {
	if e.store == nil {
		return nil, errNoStore
	}
	return e.store.ListPlans(ctx)
}

func (e *Engine) GetPlan(ctx context.Context, planID uuid.UUID) (*storage.Plan, error) {
	if e.store == nil {
		return nil, errNoStore
	}
	return e.store.GetPlan(ctx, planID)
}

// Execute runs a stored plan.
func (e *Engine) Execute(ctx context.Context, planID uuid.UUID) (uuid.UUID, error) {
	stored, err := e.GetPlan(ctx, planID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to load plan: %w", err)
	}

	plan, err := definition.ParsePlan(stored.Definition)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to parse plan definition: %w", err)
	}
	return e.start(ctx, plan, &stored.ID)
}

// ExecutePlan validates and runs an inline plan.
func (e *Engine) ExecutePlan(ctx context.Context, plan *definition.Plan) (uuid.UUID, error) {
	return e.start(ctx, plan, nil)
}

func (e *Engine) start(ctx context.Context, plan *definition.Plan, planID *uuid.UUID) (uuid.UUID, error) {
	if rep := e.validator.Validate(ctx, plan); !rep.Valid {
		return uuid.Nil, &workflow.ValidationError{Report: rep}
	}

	exec := &Execution{
		ID:        uuid.New(),
		PlanID:    planID,
		PlanName:  plan.Name,
		Status:    StatusPending,
		StartedAt: e.clock.Now(),
	}

	// Create cancellable context for this execution
	execCtx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	e.executions[exec.ID] = exec
	e.runningContexts[exec.ID] = cancel
	e.mu.Unlock()

	e.logger.Info("Plan execution started",
		zap.String("plan", plan.Name),
		zap.String("execution_id", exec.ID.String()),
		zap.Int("steps", len(plan.Steps)))

	// Execute asynchronously
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.runningContexts, exec.ID)
			e.mu.Unlock()
		}()
		e.runExecution(execCtx, exec.ID, plan)
	}()

	return exec.ID, nil
}

// Cancel stops a running plan execution
func (e *Engine) Cancel(executionID uuid.UUID) error {
	e.mu.RLock()
	cancel, running := e.runningContexts[executionID]
	_, exists := e.executions[executionID]
	e.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%s: %w", executionID, ErrExecutionNotFound)
	}
	if !running {
		return fmt.Errorf("%s: %w", executionID, ErrNotRunning)
	}
	cancel()
	return nil
}

func (e *Engine) runExecution(ctx context.Context, id uuid.UUID, plan *definition.Plan) {
	e.update(id, func(x *Execution) { x.Status = StatusRunning })
	e.publishEvent(id, streaming.EventExecutionStarted, map[string]any{
		"plan":  plan.Name,
		"steps": len(plan.Steps),
	})

	for i := range plan.Steps {
		step := &plan.Steps[i]
		if ctx.Err() != nil {
			e.finish(id, StatusCancelled, nil)
			return
		}
		e.update(id, func(x *Execution) { x.CurrentStep = i })

		err := e.executeStep(ctx, id, i, step)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			e.finish(id, StatusCancelled, nil)
			return
		}
		if step.OnError == definition.ErrorStrategyContinue {
			e.logger.Warn("Plan step failed, continuing",
				zap.String("execution_id", id.String()),
				zap.String("step", step.Name),
				zap.Error(err))
			continue
		}
		e.finish(id, StatusFailed, fmt.Errorf("step %s: %w", step.Name, err))
		return
	}

	e.finish(id, StatusSuccess, nil)
}

func (e *Engine) executeStep(ctx context.Context, id uuid.UUID, index int, step *definition.Step) error {
	result := StepResult{
		Index:     index,
		Name:      step.Name,
		Type:      string(step.Type),
		Status:    StatusRunning,
		StartedAt: e.clock.Now(),
	}
	e.update(id, func(x *Execution) { x.Steps = append(x.Steps, result) })
	e.publishEvent(id, streaming.EventStepStarted, map[string]any{
		"step_index": index,
		"step_name":  step.Name,
		"step_type":  string(step.Type),
	})

	// Execute step
	output, err := e.executor.Execute(ctx, step)

	now := e.clock.Now()
	result.CompletedAt = &now

	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		e.setStep(id, result)
		e.publishEvent(id, streaming.EventStepFailed, map[string]any{
			"step_index": index,
			"step_name":  step.Name,
			"error":      err.Error(),
		})
		return err
	}

	result.Status = StatusSuccess
	result.Output = output
	e.setStep(id, result)
	e.publishEvent(id, streaming.EventStepCompleted, map[string]any{
		"step_index": index,
		"step_name":  step.Name,
		"output":     output,
	})
	return nil
}

func (e *Engine) finish(id uuid.UUID, status Status, err error) {
	now := e.clock.Now()
	var name string
	e.update(id, func(x *Execution) {
		x.Status = status
		x.CompletedAt = &now
		if err != nil {
			x.Error = err.Error()
		}
		name = x.PlanName
	})

	fields := []zap.Field{
		zap.String("plan", name),
		zap.String("execution_id", id.String()),
		zap.String("status", string(status)),
	}
	switch status {
	case StatusSuccess:
		e.logger.Info("Plan execution completed", fields...)
		e.publishEvent(id, streaming.EventExecutionCompleted, nil)
	case StatusCancelled:
		e.logger.Info("Plan execution cancelled", fields...)
		e.publishEvent(id, streaming.EventExecutionCancelled, nil)
	default:
		e.logger.Warn("Plan execution failed", append(fields, zap.Error(err))...)
		e.publishEvent(id, streaming.EventExecutionFailed, map[string]any{"error": err.Error()})
	}
}

func (e *Engine) update(id uuid.UUID, fn func(*Execution)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if x, ok := e.executions[id]; ok {
		fn(x)
	}
}

func (e *Engine) setStep(id uuid.UUID, r StepResult) {
	e.update(id, func(x *Execution) {
		for i := len(x.Steps) - 1; i >= 0; i-- {
			if x.Steps[i].Index == r.Index {
				x.Steps[i] = r
				return
			}
		}
	})
}

func (e *Engine) publishEvent(id uuid.UUID, eventType string, payload map[string]any) {
	e.streamer.Broadcast(&streaming.Event{
		ID:          uuid.New(),
		ExecutionID: id,
		Type:        eventType,
		Payload:     normalize(payload),
		Timestamp:   e.clock.Now(),
	})
}

// normalize round-trips payload through JSON so every consumer sees
// plain JSON types.
func normalize(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"error": err.Error()}
	}
	return out
}

func (e *Engine) GetExecutionStatus(executionID uuid.UUID) (*Execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	x, ok := e.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", executionID, ErrExecutionNotFound)
	}
	return x.clone(), nil
}

// Executions returns every known execution, newest first.
func (e *Engine) Executions() []*Execution {
	e.mu.RLock()
	out := make([]*Execution, 0, len(e.executions))
	for _, x := range e.executions {
		out = append(out, x.clone())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Shutdown cancels running executions and waits for them to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.RLock()
	for _, cancel := range e.runningContexts {
		cancel()
	}
	e.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) SetLogger(logger *zap.Logger) {
	e.logger = logger
}
