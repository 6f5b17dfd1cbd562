package workflow

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/KevinKickass/OpenBeamlineCore/internal/positioner"
	"github.com/KevinKickass/OpenBeamlineCore/internal/storage"
	"github.com/KevinKickass/OpenBeamlineCore/internal/workflow/definition"
)

type Severity string

const (
	SevError   Severity = "error"
	SevWarning Severity = "warning"
)

type Issue struct {
	Code     string         `json:"code"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	StepName string         `json:"step_name,omitempty"`
	Field    string         `json:"field,omitempty"`
	Path     string         `json:"path,omitempty"` // JSON Pointer-ish ("/steps/0/positioner")
	Hint     string         `json:"hint,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

type Report struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// ValidationError carries the report of a plan that failed validation.
type ValidationError struct {
	Report Report
}

func (e *ValidationError) Error() string {
	if len(e.Report.Errors) == 0 {
		return "plan is invalid"
	}
	first := e.Report.Errors[0]
	return fmt.Sprintf("plan is invalid: %s (%s at %s)", first.Message, first.Code, first.Path)
}

// PositionerLookup resolves positioner names.
type PositionerLookup interface {
	Positioner(name string) (*positioner.Positioner, error)
}

type Validator struct {
	positioners PositionerLookup
	store       storage.Store
}

// NewValidator builds a validator. store may be nil; recall steps are
// then checked for shape only.
func NewValidator(positioners PositionerLookup, store storage.Store) *Validator {
	return &Validator{positioners: positioners, store: store}
}

// ValidateByID validates a stored plan.
// Load failures return (Report{}, err). Definition/semantic failures are returned in the Report (err == nil).
func (v *Validator) ValidateByID(ctx context.Context, planID uuid.UUID) (Report, error) {
	rep := Report{}
	if v.store == nil {
		return rep, fmt.Errorf("no store configured")
	}

	p, err := v.store.GetPlan(ctx, planID)
	if err != nil {
		return rep, err
	}

	def, err := definition.ParsePlan(p.Definition)
	if err != nil {
		rep.addError(Issue{
			Code:    "PLAN_900",
			Message: fmt.Sprintf("Plan definition JSON invalid: %v", err),
			Field:   "definition",
			Path:    "/definition",
		})
		rep.finalize()
		return rep, nil
	}
	return v.Validate(ctx, def), nil
}

// Validate checks step types, positioner references and move targets.
func (v *Validator) Validate(ctx context.Context, plan *definition.Plan) Report {
	rep := Report{}

	if strings.TrimSpace(plan.Name) == "" {
		rep.addError(Issue{
			Code:    "PLAN_001",
			Message: "Plan name is required",
			Field:   "name",
			Path:    "/name",
		})
	}
	if len(plan.Steps) == 0 {
		rep.addError(Issue{
			Code:    "PLAN_004",
			Message: "Plan has no steps",
			Field:   "steps",
			Path:    "/steps",
		})
		rep.finalize()
		return rep
	}

	seen := make(map[string]int, len(plan.Steps))
	for i := range plan.Steps {
		step := &plan.Steps[i]
		base := fmt.Sprintf("/steps/%d", i)

		if strings.TrimSpace(step.Name) == "" {
			rep.addError(Issue{
				Code:    "STEP_001",
				Message: "Step name is required",
				Field:   "name",
				Path:    base + "/name",
				Meta:    map[string]any{"step_index": i},
			})
		} else if prev, dup := seen[step.Name]; dup {
			rep.addWarning(Issue{
				Code:     "STEP_003",
				Message:  fmt.Sprintf("Step name %q is also used by step %d", step.Name, prev),
				StepName: step.Name,
				Field:    "name",
				Path:     base + "/name",
				Meta:     map[string]any{"step_index": i},
			})
		} else {
			seen[step.Name] = i
		}

		switch step.OnError {
		case "", definition.ErrorStrategyFail, definition.ErrorStrategyContinue:
		default:
			rep.addError(Issue{
				Code:     "STEP_004",
				Message:  fmt.Sprintf("Unsupported on_error strategy: %s", step.OnError),
				StepName: step.Name,
				Field:    "on_error",
				Path:     base + "/on_error",
				Hint:     "Use fail or continue",
				Meta:     map[string]any{"step_index": i},
			})
		}

		switch step.Type {
		case definition.StepTypeMove:
			v.checkPositioner(&rep, step, i, base)
			if step.Target == nil {
				rep.addError(Issue{
					Code:     "MOVE_011",
					Message:  "target is required for move step",
					StepName: step.Name,
					Field:    "target",
					Path:     base + "/target",
					Meta:     map[string]any{"step_index": i},
				})
			} else if math.IsNaN(*step.Target) || math.IsInf(*step.Target, 0) {
				rep.addError(Issue{
					Code:     "MOVE_012",
					Message:  "target must be a finite number",
					StepName: step.Name,
					Field:    "target",
					Path:     base + "/target",
					Meta:     map[string]any{"step_index": i},
				})
			}
		case definition.StepTypeStop:
			v.checkPositioner(&rep, step, i, base)
		case definition.StepTypeWait:
			if step.Duration.Duration < 0 {
				rep.addError(Issue{
					Code:     "WAIT_010",
					Message:  "duration must not be negative",
					StepName: step.Name,
					Field:    "duration",
					Path:     base + "/duration",
					Meta:     map[string]any{"step_index": i},
				})
			} else if step.Duration.Duration == 0 {
				rep.addWarning(Issue{
					Code:     "WAIT_020",
					Message:  fmt.Sprintf("duration is empty, waiting %s", definition.DefaultWait),
					StepName: step.Name,
					Field:    "duration",
					Path:     base + "/duration",
					Meta:     map[string]any{"step_index": i},
				})
			}
		case definition.StepTypeSavePosition:
			if strings.TrimSpace(step.Position) == "" {
				rep.addError(Issue{
					Code:     "POSITION_010",
					Message:  "position name is required for save_position step",
					StepName: step.Name,
					Field:    "position",
					Path:     base + "/position",
					Meta:     map[string]any{"step_index": i},
				})
			}
			for j, name := range step.Positioners {
				if _, err := v.positioners.Positioner(name); err != nil {
					rep.addError(Issue{
						Code:     "POSITION_001",
						Message:  fmt.Sprintf("Positioner not found: %s", name),
						StepName: step.Name,
						Field:    "positioners",
						Path:     fmt.Sprintf("%s/positioners/%d", base, j),
						Meta:     map[string]any{"step_index": i},
					})
				}
			}
		case definition.StepTypeRecallPosition:
			v.checkRecall(ctx, &rep, step, i, base)
		default:
			rep.addError(Issue{
				Code:     "STEP_002",
				Message:  fmt.Sprintf("Unsupported step type: %s", step.Type),
				StepName: step.Name,
				Field:    "type",
				Path:     base + "/type",
				Hint:     "Use move, wait, save_position, recall_position or stop",
				Meta:     map[string]any{"step_index": i},
			})
		}
	}

	rep.finalize()
	return rep
}

func (v *Validator) checkPositioner(rep *Report, step *definition.Step, idx int, base string) {
	if strings.TrimSpace(step.Positioner) == "" {
		rep.addError(Issue{
			Code:     "MOVE_010",
			Message:  fmt.Sprintf("positioner is required for %s step", step.Type),
			StepName: step.Name,
			Field:    "positioner",
			Path:     base + "/positioner",
			Meta:     map[string]any{"step_index": idx},
		})
		return
	}
	if _, err := v.positioners.Positioner(step.Positioner); err != nil {
		rep.addError(Issue{
			Code:     "MOVE_001",
			Message:  fmt.Sprintf("Positioner not found: %s", step.Positioner),
			StepName: step.Name,
			Field:    "positioner",
			Path:     base + "/positioner",
			Meta:     map[string]any{"step_index": idx},
		})
	}
}

func (v *Validator) checkRecall(ctx context.Context, rep *Report, step *definition.Step, idx int, base string) {
	if step.PositionID == "" {
		if strings.TrimSpace(step.Position) == "" {
			rep.addError(Issue{
				Code:     "POSITION_011",
				Message:  "position_id or position is required for recall_position step",
				StepName: step.Name,
				Field:    "position_id",
				Path:     base + "/position_id",
				Meta:     map[string]any{"step_index": idx},
			})
		}
		// Positions recalled by name may be saved by an earlier step.
		return
	}

	id, err := uuid.Parse(step.PositionID)
	if err != nil {
		rep.addError(Issue{
			Code:     "POSITION_012",
			Message:  fmt.Sprintf("Invalid position_id: %v", err),
			StepName: step.Name,
			Field:    "position_id",
			Path:     base + "/position_id",
			Meta:     map[string]any{"step_index": idx},
		})
		return
	}
	if v.store == nil {
		return
	}
	if _, err := v.store.GetPosition(ctx, id); err != nil {
		rep.addError(Issue{
			Code:     "POSITION_003",
			Message:  fmt.Sprintf("Saved position lookup failed: %v", err),
			StepName: step.Name,
			Field:    "position_id",
			Path:     base + "/position_id",
			Meta:     map[string]any{"step_index": idx},
		})
	}
}

func (r *Report) addError(i Issue) {
	if i.Severity == "" {
		i.Severity = SevError
	}
	r.Errors = append(r.Errors, i)
}

func (r *Report) addWarning(i Issue) {
	if i.Severity == "" {
		i.Severity = SevWarning
	}
	r.Warnings = append(r.Warnings, i)
}

func (r *Report) finalize() {
	sortIssues(r.Errors)
	sortIssues(r.Warnings)
	r.Valid = len(r.Errors) == 0
}

func sortIssues(list []Issue) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		return a.Message < b.Message
	})
}
