package signal

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/KevinKickass/OpenBeamlineCore/internal/channel"
)

// fire marks a source that should be triggered rather than written.
type fire struct{}

// Fire, used as a Writes value, triggers the source instead of setting it.
// Setting a derived signal to Fire with the default forward triggers
// every source.
var Fire any = fire{}

// IsFire reports whether v is the Fire marker.
func IsFire(v any) bool {
	_, ok := v.(fire)
	return ok
}

// Writes maps source names to the values a put should send them.
type Writes map[string]any

// ForwardFunc turns a derived value into per-source writes. It may read
// the sources, e.g. to pick up an offset.
type ForwardFunc func(ctx context.Context, value any, src *Sources) (Writes, error)

// InverseFunc turns per-source values into the derived value.
type InverseFunc func(vals Values) (any, error)

// SeverityRule combines per-source severities.
type SeverityRule func(sevs []channel.Severity) channel.Severity

var ErrTransform = errors.New("transform error")

// TransformError is returned when a transform cannot produce a value.
type TransformError struct {
	Signal string
	Values map[string]any
	Reason string
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("cannot determine value for %s from %v: %s", e.Signal, e.Values, e.Reason)
}

func (e *TransformError) Is(target error) bool {
	return target == ErrTransform
}

// BroadcastForward writes the same value to every source.
func BroadcastForward(_ context.Context, value any, src *Sources) (Writes, error) {
	w := make(Writes, src.Len())
	for _, name := range src.names {
		w[name] = value
	}
	return w, nil
}

// MedianInverse returns a single source value as-is and the median of
// several numeric values. Anything else needs an explicit inverse.
func MedianInverse(vals Values) (any, error) {
	if vals.Len() == 1 {
		return vals.At(0), nil
	}
	nums := make([]float64, 0, vals.Len())
	for i := 0; i < vals.Len(); i++ {
		f, ok := channel.ToFloat(vals.At(i))
		if !ok {
			return nil, &TransformError{
				Values: vals.Map(),
				Reason: "provide an explicit inverse transform",
			}
		}
		nums = append(nums, f)
	}
	return median(nums), nil
}

func median(nums []float64) float64 {
	sort.Float64s(nums)
	mid := len(nums) / 2
	if len(nums)%2 == 1 {
		return nums[mid]
	}
	return (nums[mid-1] + nums[mid]) / 2
}

func MaxSeverity(sevs []channel.Severity) channel.Severity {
	out := channel.NoAlarm
	for _, s := range sevs {
		if s > out {
			out = s
		}
	}
	return out
}

// MinSeverity suits enable gates where any healthy source is enough.
func MinSeverity(sevs []channel.Severity) channel.Severity {
	if len(sevs) == 0 {
		return channel.NoAlarm
	}
	out := sevs[0]
	for _, s := range sevs[1:] {
		if s < out {
			out = s
		}
	}
	return out
}
