package profile

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Reason classifies why a requested value was rejected.
type Reason int

const (
	ReasonUnknownParameter Reason = iota
	ReasonBelowMin
	ReasonAboveMax
	ReasonDeltaExceeded
)

func (r Reason) String() string {
	switch r {
	case ReasonUnknownParameter:
		return "unknown parameter"
	case ReasonBelowMin:
		return "below minimum"
	case ReasonAboveMax:
		return "above maximum"
	case ReasonDeltaExceeded:
		return "step too large"
	}
	return "rejected"
}

// Rejection is one refused value with the rule it broke.
type Rejection struct {
	Parameter string
	Value     float64
	// Limit is the bound that was violated: min, max or max step.
	Limit float64
	// Prev is the value the ECU currently holds, set for step rejections.
	Prev   float64
	Reason Reason
}

func (r Rejection) String() string {
	switch r.Reason {
	case ReasonUnknownParameter:
		return fmt.Sprintf("%s: not in profile", r.Parameter)
	case ReasonBelowMin:
		return fmt.Sprintf("%s: %g below minimum %g", r.Parameter, r.Value, r.Limit)
	case ReasonAboveMax:
		return fmt.Sprintf("%s: %g above maximum %g", r.Parameter, r.Value, r.Limit)
	case ReasonDeltaExceeded:
		return fmt.Sprintf("%s: %g steps %g from current %g, max step %g",
			r.Parameter, r.Value, math.Abs(r.Value-r.Prev), r.Prev, r.Limit)
	}
	return fmt.Sprintf("%s: rejected", r.Parameter)
}

// ValidationError carries every rejection in a refused write set.
type ValidationError struct {
	Rejections []Rejection
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Rejections))
	for i, r := range e.Rejections {
		parts[i] = r.String()
	}
	return "write set rejected: " + strings.Join(parts, "; ")
}

// Change is one accepted parameter write, encoded and ready to send.
type Change struct {
	Spec  *ParameterSpec
	Value float64
	Raw   int32
	// Prev is the decoded value the ECU held before the write.
	Prev    float64
	HasPrev bool
}

// Validate checks a requested write set against the profile limits and
// the values the ECU currently holds. Either every value passes and the
// accepted changes come back in profile order, or nothing does and the
// error lists every violation. There is no partial acceptance.
//
// The step check runs in raw units so that a step exactly at the limit
// is not refused over float rounding.
func Validate(p *Profile, requested map[string]float64, lastApplied map[uint16]int32) ([]Change, error) {
	if len(requested) == 0 {
		return nil, fmt.Errorf("empty write set")
	}
	var rejections []Rejection
	changes := make([]Change, 0, len(requested))
	seen := make(map[string]struct{}, len(requested))
	for i := range p.Parameters {
		spec := &p.Parameters[i]
		value, ok := requested[spec.Name]
		if !ok {
			continue
		}
		seen[spec.Name] = struct{}{}
		if value < spec.Min {
			rejections = append(rejections, Rejection{Parameter: spec.Name, Value: value, Limit: spec.Min, Reason: ReasonBelowMin})
			continue
		}
		if value > spec.Max {
			rejections = append(rejections, Rejection{Parameter: spec.Name, Value: value, Limit: spec.Max, Reason: ReasonAboveMax})
			continue
		}
		change := Change{Spec: spec, Value: value, Raw: spec.Encode(value)}
		if prevRaw, ok := lastApplied[spec.ID]; ok {
			change.Prev = spec.Decode(prevRaw)
			change.HasPrev = true
			if spec.MaxDelta > 0 {
				stepRaw := int64(change.Raw) - int64(prevRaw)
				if stepRaw < 0 {
					stepRaw = -stepRaw
				}
				if stepRaw > int64(spec.Encode(spec.MaxDelta)) {
					rejections = append(rejections, Rejection{
						Parameter: spec.Name,
						Value:     value,
						Limit:     spec.MaxDelta,
						Prev:      change.Prev,
						Reason:    ReasonDeltaExceeded,
					})
					continue
				}
			}
		}
		changes = append(changes, change)
	}
	var unknown []string
	for name := range requested {
		if _, ok := seen[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		rejections = append(rejections, Rejection{Parameter: name, Value: requested[name], Reason: ReasonUnknownParameter})
	}
	if len(rejections) > 0 {
		return nil, &ValidationError{Rejections: rejections}
	}
	return changes, nil
}
