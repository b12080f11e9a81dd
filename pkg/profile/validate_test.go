package profile

import (
	"errors"
	"math/rand"
	"testing"
)

func TestValidate(t *testing.T) {
	demo := Demo()
	base := map[uint16]int32{
		0x0101: 1000, // boost_turbo 1.000 bar
		0x0102: 0,    // fuel_trim 0 %
		0x0103: 6500, // rev_limit
		0x0104: 850,  // idle_target
	}

	tests := []struct {
		name        string
		requested   map[string]float64
		lastApplied map[uint16]int32
		wantRaw     map[uint16]int32
		wantReasons []Reason
	}{
		{
			name:        "within limits",
			requested:   map[string]float64{"boost_turbo": 1.05},
			lastApplied: base,
			wantRaw:     map[uint16]int32{0x0101: 1050},
		},
		{
			name:        "above maximum",
			requested:   map[string]float64{"boost_turbo": 1.35},
			lastApplied: base,
			wantReasons: []Reason{ReasonAboveMax},
		},
		{
			name:        "below minimum",
			requested:   map[string]float64{"boost_turbo": 0.5},
			lastApplied: base,
			wantReasons: []Reason{ReasonBelowMin},
		},
		{
			name:        "at maximum boundary",
			requested:   map[string]float64{"boost_turbo": 1.2},
			lastApplied: map[uint16]int32{0x0101: 1150},
			wantRaw:     map[uint16]int32{0x0101: 1200},
		},
		{
			name:        "step too large",
			requested:   map[string]float64{"boost_turbo": 1.15},
			lastApplied: base,
			wantReasons: []Reason{ReasonDeltaExceeded},
		},
		{
			name:        "step exactly at limit",
			requested:   map[string]float64{"boost_turbo": 1.1},
			lastApplied: base,
			wantRaw:     map[uint16]int32{0x0101: 1100},
		},
		{
			name:        "unknown parameter",
			requested:   map[string]float64{"launch_control": 1},
			lastApplied: base,
			wantReasons: []Reason{ReasonUnknownParameter},
		},
		{
			name:        "one bad value rejects the set",
			requested:   map[string]float64{"boost_turbo": 1.05, "rev_limit": 9000},
			lastApplied: base,
			wantReasons: []Reason{ReasonAboveMax},
		},
		{
			name:        "every violation reported",
			requested:   map[string]float64{"boost_turbo": 0.5, "rev_limit": 9000, "launch_control": 1},
			lastApplied: base,
			wantReasons: []Reason{ReasonBelowMin, ReasonAboveMax, ReasonUnknownParameter},
		},
		{
			name:        "no baseline skips step check",
			requested:   map[string]float64{"boost_turbo": 1.15},
			lastApplied: map[uint16]int32{},
			wantRaw:     map[uint16]int32{0x0101: 1150},
		},
		{
			name:        "multiple accepted",
			requested:   map[string]float64{"boost_turbo": 1.05, "idle_target": 900},
			lastApplied: base,
			wantRaw:     map[uint16]int32{0x0101: 1050, 0x0104: 900},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changes, err := Validate(demo, tt.requested, tt.lastApplied)

			if len(tt.wantReasons) > 0 {
				if err == nil {
					t.Fatal("expected rejection, got nil error")
				}
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("error type = %T, want *ValidationError", err)
				}
				if changes != nil {
					t.Errorf("changes = %v, want none on rejection", changes)
				}
				if len(verr.Rejections) != len(tt.wantReasons) {
					t.Fatalf("rejections = %d, want %d: %v", len(verr.Rejections), len(tt.wantReasons), err)
				}
				for i, want := range tt.wantReasons {
					if verr.Rejections[i].Reason != want {
						t.Errorf("rejection[%d] = %v, want %v", i, verr.Rejections[i].Reason, want)
					}
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(changes) != len(tt.wantRaw) {
				t.Fatalf("changes = %d, want %d", len(changes), len(tt.wantRaw))
			}
			for _, ch := range changes {
				want, ok := tt.wantRaw[ch.Spec.ID]
				if !ok {
					t.Errorf("unexpected change for 0x%04X", ch.Spec.ID)
					continue
				}
				if ch.Raw != want {
					t.Errorf("raw for %s = %d, want %d", ch.Spec.Name, ch.Raw, want)
				}
			}
		})
	}
}

func TestValidateProfileOrder(t *testing.T) {
	demo := Demo()
	changes, err := Validate(demo, map[string]float64{
		"idle_target": 900,
		"boost_turbo": 1.05,
		"fuel_trim":   -2.5,
	}, map[uint16]int32{0x0101: 1000, 0x0102: 0, 0x0104: 850})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"boost_turbo", "fuel_trim", "idle_target"}
	if len(changes) != len(want) {
		t.Fatalf("changes = %d, want %d", len(changes), len(want))
	}
	for i, name := range want {
		if changes[i].Spec.Name != name {
			t.Errorf("changes[%d] = %s, want %s", i, changes[i].Spec.Name, name)
		}
	}

	if !changes[0].HasPrev {
		t.Error("boost_turbo change has no baseline")
	}
	if changes[0].Prev != 1.0 {
		t.Errorf("boost_turbo prev = %g, want 1", changes[0].Prev)
	}
}

// TestValidateRandomBoundary sprays random values around the bounds and
// the step limit. Nothing outside either may ever come back approved,
// and in raw units the acceptance boundary is exact.
func TestValidateRandomBoundary(t *testing.T) {
	demo := Demo()
	spec := &demo.Parameters[0] // boost_turbo [0.8, 1.2], step 0.1
	prevRaw := spec.Encode(1.0)
	maxStep := spec.Encode(spec.MaxDelta)
	base := map[uint16]int32{spec.ID: prevRaw}

	rng := rand.New(rand.NewSource(20))
	for i := 0; i < 2000; i++ {
		span := spec.Max - spec.Min
		value := spec.Min - span/2 + rng.Float64()*2*span

		changes, err := Validate(demo, map[string]float64{spec.Name: value}, base)
		inBounds := value >= spec.Min && value <= spec.Max
		step := int64(spec.Encode(value)) - int64(prevRaw)
		if step < 0 {
			step = -step
		}

		if err == nil {
			if !inBounds {
				t.Fatalf("approved %g outside [%g, %g]", value, spec.Min, spec.Max)
			}
			if step > int64(maxStep) {
				t.Fatalf("approved %g, %d raw steps from baseline (limit %d)", value, step, maxStep)
			}
			if changes[0].Raw != spec.Encode(value) {
				t.Fatalf("approved value %g mangled: raw %d", value, changes[0].Raw)
			}
			continue
		}
		if inBounds && step <= int64(maxStep) {
			t.Fatalf("rejected %g, in bounds and %d raw steps from baseline: %v", value, step, err)
		}
	}
}

func TestValidateEmptySet(t *testing.T) {
	_, err := Validate(Demo(), nil, nil)
	if err == nil {
		t.Fatal("expected error for empty write set, got nil")
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		t.Errorf("error type = %T, want plain error for empty set", err)
	}
}

func TestRejectionString(t *testing.T) {
	tests := []struct {
		name string
		r    Rejection
		want string
	}{
		{
			name: "above maximum",
			r:    Rejection{Parameter: "boost_turbo", Value: 1.35, Limit: 1.2, Reason: ReasonAboveMax},
			want: "boost_turbo: 1.35 above maximum 1.2",
		},
		{
			name: "step too large",
			r:    Rejection{Parameter: "boost_turbo", Value: 1.5, Limit: 0.25, Prev: 1, Reason: ReasonDeltaExceeded},
			want: "boost_turbo: 1.5 steps 0.5 from current 1, max step 0.25",
		},
		{
			name: "unknown",
			r:    Rejection{Parameter: "launch_control", Value: 1, Reason: ReasonUnknownParameter},
			want: "launch_control: not in profile",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}
