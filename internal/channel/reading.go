package channel

import (
	"fmt"
	"time"
)

// Severity is the alarm severity attached to a reading.
type Severity int

const (
	NoAlarm Severity = iota
	MinorAlarm
	MajorAlarm
	InvalidAlarm
)

func (s Severity) String() string {
	switch s {
	case NoAlarm:
		return "NO_ALARM"
	case MinorAlarm:
		return "MINOR"
	case MajorAlarm:
		return "MAJOR"
	case InvalidAlarm:
		return "INVALID"
	default:
		return fmt.Sprintf("SEVERITY(%d)", int(s))
	}
}

// Reading is the unit of information flowing out of a channel.
type Reading struct {
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Severity  Severity  `json:"alarm_severity"`
}

// Float returns the reading value as float64.
func (r Reading) Float() (float64, error) {
	f, ok := ToFloat(r.Value)
	if !ok {
		return 0, fmt.Errorf("value %v (%T) is not numeric", r.Value, r.Value)
	}
	return f, nil
}

// ToFloat converts any numeric value, including bool, to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
