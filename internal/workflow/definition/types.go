package definition

import (
	"encoding/json"
	"fmt"
	"time"
)

// Plan is a named list of steps run in order against the beamline.
type Plan struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
	Steps       []Step `json:"steps"`
}

type Step struct {
	Name string   `json:"name"`
	Type StepType `json:"type"`

	// move, stop
	Positioner string   `json:"positioner,omitempty"`
	Target     *float64 `json:"target,omitempty"`
	// stop: end the pending move successfully instead of failing it.
	Success bool `json:"success,omitempty"`

	// wait
	Duration Duration `json:"duration,omitempty"`

	// save_position, recall_position
	Position    string   `json:"position,omitempty"`
	Positioners []string `json:"positioners,omitempty"`
	PositionID  string   `json:"position_id,omitempty"`

	OnError ErrorStrategy `json:"on_error,omitempty"`
	Timeout Duration      `json:"timeout,omitempty"`
}

// Duration is a wrapper around time.Duration that supports JSON string parsing
type Duration struct {
	time.Duration
}

// UnmarshalJSON parses duration from string like "2s", "100ms", etc.
// Bare numbers are nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(value)
		if err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("invalid duration type: %T", value)
	}
}

// MarshalJSON serializes duration as string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// DefaultWait is the length of a wait step without a duration.
const DefaultWait = time.Second

type StepType string

const (
	StepTypeMove           StepType = "move"
	StepTypeWait           StepType = "wait"
	StepTypeSavePosition   StepType = "save_position"
	StepTypeRecallPosition StepType = "recall_position"
	StepTypeStop           StepType = "stop"
)

type ErrorStrategy string

const (
	ErrorStrategyFail     ErrorStrategy = "fail"
	ErrorStrategyContinue ErrorStrategy = "continue"
)

func ParsePlan(data []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Plan) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}
