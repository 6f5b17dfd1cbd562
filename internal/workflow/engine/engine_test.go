package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevinKickass/OpenBeamlineCore/internal/devices"
	"github.com/KevinKickass/OpenBeamlineCore/internal/storage"
	"github.com/KevinKickass/OpenBeamlineCore/internal/types"
	"github.com/KevinKickass/OpenBeamlineCore/internal/workflow"
	"github.com/KevinKickass/OpenBeamlineCore/internal/workflow/definition"
	"github.com/KevinKickass/OpenBeamlineCore/internal/workflow/executor"
	"github.com/KevinKickass/OpenBeamlineCore/internal/workflow/streaming"
)

func target(v float64) *float64 { return &v }

func newTestEngine(t *testing.T) (*Engine, *devices.Manager) {
	t.Helper()
	store, err := storage.OpenBoltStore(filepath.Join(t.TempDir(), "plans.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m, err := devices.NewManager(devices.ManagerConfig{ConnectTimeout: time.Second}, store, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, m.Add(&types.BeamlineDefinition{
		Beamline: "bench",
		Signals: []types.SignalDefinition{
			{Name: "x", Kind: types.SignalKindSoft, Initial: 0.0},
			{Name: "slow", Kind: types.SignalKindSoft, Initial: 0.0, PutDelay: time.Hour},
		},
		Positioners: []types.PositionerDefinition{
			{Name: "sx", Setpoint: "x", Readback: "x"},
			{Name: "slow", Setpoint: "slow", Readback: "slow", SettleMargin: time.Hour},
		},
	}))
	require.NoError(t, m.Connect(context.Background()))

	e := NewEngine(store,
		workflow.NewValidator(m, store),
		executor.NewStepExecutor(m, nil, nil),
		streaming.NewEventStreamer(), nil, nil)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.Shutdown(ctx)
		m.Close(ctx)
	})
	return e, m
}

// collect reads events until the execution ends.
func collect(t *testing.T, e *Engine, id uuid.UUID) []*streaming.Event {
	t.Helper()
	ch := e.Streamer().Subscribe(id)
	var out []*streaming.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("execution did not finish")
		}
	}
}

func eventTypes(events []*streaming.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestExecutePlanRunsStepsInOrder(t *testing.T) {
	e, m := newTestEngine(t)
	ctx := context.Background()

	id, err := e.ExecutePlan(ctx, &definition.Plan{
		Name: "align",
		Steps: []definition.Step{
			{Name: "to-2", Type: definition.StepTypeMove, Positioner: "sx", Target: target(2)},
			{Name: "mark", Type: definition.StepTypeSavePosition, Position: "aligned", Positioners: []string{"sx"}},
			{Name: "away", Type: definition.StepTypeMove, Positioner: "sx", Target: target(5)},
			{Name: "settle", Type: definition.StepTypeWait, Duration: definition.Duration{Duration: 10 * time.Millisecond}},
			{Name: "back", Type: definition.StepTypeRecallPosition, Position: "aligned"},
		},
	})
	require.NoError(t, err)

	events := collect(t, e, id)
	kinds := eventTypes(events)
	assert.Equal(t, streaming.EventExecutionStarted, kinds[0])
	assert.Equal(t, streaming.EventExecutionCompleted, kinds[len(kinds)-1])
	assert.NotContains(t, kinds, streaming.EventStepFailed)

	exec, err := e.GetExecutionStatus(id)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, exec.Status)
	require.Len(t, exec.Steps, 5)
	assert.Equal(t, 2.0, exec.Steps[0].Output["final"])
	assert.Equal(t, "aligned", exec.Steps[1].Output["position"])
	assert.NotNil(t, exec.CompletedAt)

	loc, err := m.Locate(ctx, "sx")
	require.NoError(t, err)
	assert.Equal(t, 2.0, loc.Readback)
}

func TestExecutePlanRejectsInvalidPlan(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.ExecutePlan(context.Background(), &definition.Plan{
		Name: "bad",
		Steps: []definition.Step{
			{Name: "a", Type: definition.StepTypeMove, Positioner: "ghost", Target: target(1)},
			{Name: "b", Type: definition.StepTypeMove, Positioner: "sx"},
		},
	})
	var verr *workflow.ValidationError
	require.True(t, errors.As(err, &verr))
	codes := []string{}
	for _, i := range verr.Report.Errors {
		codes = append(codes, i.Code)
	}
	assert.ElementsMatch(t, []string{"MOVE_001", "MOVE_011"}, codes)
	assert.Empty(t, e.Executions())
}

func TestCancelStopsMovingAxis(t *testing.T) {
	e, m := newTestEngine(t)
	ctx := context.Background()

	id, err := e.ExecutePlan(ctx, &definition.Plan{
		Name: "long",
		Steps: []definition.Step{
			{Name: "crawl", Type: definition.StepTypeMove, Positioner: "slow", Target: target(3)},
			{Name: "never", Type: definition.StepTypeWait},
		},
	})
	require.NoError(t, err)

	p, err := m.Positioner("slow")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Active() != nil }, time.Second, time.Millisecond)

	require.NoError(t, e.Cancel(id))
	events := collect(t, e, id)
	kinds := eventTypes(events)
	assert.Equal(t, streaming.EventExecutionCancelled, kinds[len(kinds)-1])
	assert.NotContains(t, kinds, streaming.EventExecutionFailed)

	exec, err := e.GetExecutionStatus(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, exec.Status)
	assert.Len(t, exec.Steps, 1)
	assert.Eventually(t, func() bool { return p.Active() == nil }, time.Second, time.Millisecond)

	assert.ErrorIs(t, e.Cancel(id), ErrNotRunning)
	assert.ErrorIs(t, e.Cancel(uuid.New()), ErrExecutionNotFound)
}

func TestStepFailureHonorsOnError(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	missing := definition.Step{Name: "recall", Type: definition.StepTypeRecallPosition, Position: "nowhere"}
	wait := definition.Step{Name: "pause", Type: definition.StepTypeWait, Duration: definition.Duration{Duration: time.Millisecond}}

	id, err := e.ExecutePlan(ctx, &definition.Plan{Name: "strict", Steps: []definition.Step{missing, wait}})
	require.NoError(t, err)
	kinds := eventTypes(collect(t, e, id))
	assert.Equal(t, streaming.EventExecutionFailed, kinds[len(kinds)-1])
	exec, _ := e.GetExecutionStatus(id)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "step recall")
	assert.Len(t, exec.Steps, 1)

	missing.OnError = definition.ErrorStrategyContinue
	id, err = e.ExecutePlan(ctx, &definition.Plan{Name: "lenient", Steps: []definition.Step{missing, wait}})
	require.NoError(t, err)
	kinds = eventTypes(collect(t, e, id))
	assert.Contains(t, kinds, streaming.EventStepFailed)
	assert.Equal(t, streaming.EventExecutionCompleted, kinds[len(kinds)-1])
	exec, _ = e.GetExecutionStatus(id)
	assert.Equal(t, StatusSuccess, exec.Status)
	require.Len(t, exec.Steps, 2)
	assert.Equal(t, StatusFailed, exec.Steps[0].Status)
	assert.Equal(t, StatusSuccess, exec.Steps[1].Status)
}

func TestStoredPlanExecution(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	stored, err := e.SavePlan(ctx, &definition.Plan{
		Name:  "nudge",
		Steps: []definition.Step{{Name: "go", Type: definition.StepTypeMove, Positioner: "sx", Target: target(1.5)}},
	})
	require.NoError(t, err)

	plans, err := e.ListPlans(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 1)

	id, err := e.Execute(ctx, stored.ID)
	require.NoError(t, err)
	collect(t, e, id)

	exec, err := e.GetExecutionStatus(id)
	require.NoError(t, err)
	require.NotNil(t, exec.PlanID)
	assert.Equal(t, stored.ID, *exec.PlanID)
	assert.Equal(t, StatusSuccess, exec.Status)

	_, err = e.Execute(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
