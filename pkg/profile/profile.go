// Package profile defines tuning profiles: the writable parameters of
// an ECU with their scaling and safety limits, and the live sensor
// channels worth polling. Profiles are loaded from YAML and validated
// before first use.
package profile

import (
	"errors"
	"fmt"
	"math"
)

// ParameterSpec describes one writable ECU parameter.
type ParameterSpec struct {
	Name string `yaml:"name"`
	ID   uint16 `yaml:"id"`
	Unit string `yaml:"unit"`
	// Scale converts raw fixed-point to engineering units.
	Scale float64 `yaml:"scale"`
	Min   float64 `yaml:"min"`
	Max   float64 `yaml:"max"`
	// MaxDelta caps the change per write relative to the value the ECU
	// currently holds. Zero or negative disables the rate check.
	MaxDelta float64 `yaml:"max_delta"`
	Default  float64 `yaml:"default"`
}

// Encode converts an engineering value to the raw fixed-point value.
func (p *ParameterSpec) Encode(value float64) int32 {
	return int32(math.Round(value / p.Scale))
}

// Decode converts a raw fixed-point value to engineering units.
func (p *ParameterSpec) Decode(raw int32) float64 {
	return float64(raw) * p.Scale
}

func (p *ParameterSpec) validate() error {
	if p.Name == "" {
		return fmt.Errorf("parameter 0x%04X: name is required", p.ID)
	}
	if p.Scale <= 0 {
		return fmt.Errorf("parameter %s: scale must be positive, got %g", p.Name, p.Scale)
	}
	if p.Min > p.Max {
		return fmt.Errorf("parameter %s: min %g above max %g", p.Name, p.Min, p.Max)
	}
	if p.Default < p.Min || p.Default > p.Max {
		return fmt.Errorf("parameter %s: default %g outside [%g, %g]", p.Name, p.Default, p.Min, p.Max)
	}
	return nil
}

// PIDSpec describes one live sensor channel.
type PIDSpec struct {
	Name string `yaml:"name"`
	PID  uint16 `yaml:"pid"`
	Unit string `yaml:"unit"`
	// Scale and Offset convert raw to engineering units.
	Scale  float64 `yaml:"scale"`
	Offset float64 `yaml:"offset"`
}

// Decode converts a raw sensor value to engineering units.
func (p *PIDSpec) Decode(raw int32) float64 {
	return float64(raw)*p.Scale + p.Offset
}

func (p *PIDSpec) validate() error {
	if p.Name == "" {
		return fmt.Errorf("pid 0x%04X: name is required", p.PID)
	}
	if p.Scale <= 0 {
		return fmt.Errorf("pid %s: scale must be positive, got %g", p.Name, p.Scale)
	}
	return nil
}

// Profile is one named tune target: which parameters may be written,
// within which limits, and which sensors to watch while doing it.
type Profile struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// ECU labels the control unit family this profile targets.
	ECU string `yaml:"ecu,omitempty"`
	// Firmware pins the profile to one firmware checksum. Zero accepts
	// any firmware.
	Firmware   uint32          `yaml:"firmware,omitempty"`
	Parameters []ParameterSpec `yaml:"parameters"`
	PIDs       []PIDSpec       `yaml:"pids"`
}

// ErrFirmwareMismatch is returned by MatchFirmware when the connected
// ECU reports a firmware the profile was not written for.
var ErrFirmwareMismatch = errors.New("profile firmware mismatch")

// MatchFirmware checks the handshake firmware checksum against the one
// the profile is pinned to, if any.
func (p *Profile) MatchFirmware(fw uint32) error {
	if p.Firmware != 0 && p.Firmware != fw {
		return fmt.Errorf("%w: profile %s expects 0x%08X, ECU reports 0x%08X", ErrFirmwareMismatch, p.Name, p.Firmware, fw)
	}
	return nil
}

// Validate checks the profile for internal consistency. A profile that
// fails here must not be used.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	if len(p.Parameters) == 0 {
		return fmt.Errorf("profile %s: no parameters", p.Name)
	}
	names := make(map[string]struct{}, len(p.Parameters))
	ids := make(map[uint16]struct{}, len(p.Parameters))
	for i := range p.Parameters {
		spec := &p.Parameters[i]
		if err := spec.validate(); err != nil {
			return fmt.Errorf("profile %s: %w", p.Name, err)
		}
		if _, dup := names[spec.Name]; dup {
			return fmt.Errorf("profile %s: duplicate parameter name %s", p.Name, spec.Name)
		}
		if _, dup := ids[spec.ID]; dup {
			return fmt.Errorf("profile %s: duplicate parameter id 0x%04X", p.Name, spec.ID)
		}
		names[spec.Name] = struct{}{}
		ids[spec.ID] = struct{}{}
	}
	pidNames := make(map[string]struct{}, len(p.PIDs))
	pidIDs := make(map[uint16]struct{}, len(p.PIDs))
	for i := range p.PIDs {
		spec := &p.PIDs[i]
		if err := spec.validate(); err != nil {
			return fmt.Errorf("profile %s: %w", p.Name, err)
		}
		if _, dup := pidNames[spec.Name]; dup {
			return fmt.Errorf("profile %s: duplicate pid name %s", p.Name, spec.Name)
		}
		if _, dup := pidIDs[spec.PID]; dup {
			return fmt.Errorf("profile %s: duplicate pid 0x%04X", p.Name, spec.PID)
		}
		pidNames[spec.Name] = struct{}{}
		pidIDs[spec.PID] = struct{}{}
	}
	return nil
}

// Parameter looks up a writable parameter by name.
func (p *Profile) Parameter(name string) (*ParameterSpec, bool) {
	for i := range p.Parameters {
		if p.Parameters[i].Name == name {
			return &p.Parameters[i], true
		}
	}
	return nil, false
}

// ParameterByID looks up a writable parameter by its wire id.
func (p *Profile) ParameterByID(id uint16) (*ParameterSpec, bool) {
	for i := range p.Parameters {
		if p.Parameters[i].ID == id {
			return &p.Parameters[i], true
		}
	}
	return nil, false
}

// PIDByID looks up a sensor channel by its wire pid.
func (p *Profile) PIDByID(pid uint16) (*PIDSpec, bool) {
	for i := range p.PIDs {
		if p.PIDs[i].PID == pid {
			return &p.PIDs[i], true
		}
	}
	return nil, false
}

// ParameterIDs returns the wire ids of all writable parameters in
// profile order.
func (p *Profile) ParameterIDs() []uint16 {
	ids := make([]uint16, len(p.Parameters))
	for i := range p.Parameters {
		ids[i] = p.Parameters[i].ID
	}
	return ids
}

// PIDIDs returns the wire pids of all sensor channels in profile order.
func (p *Profile) PIDIDs() []uint16 {
	ids := make([]uint16, len(p.PIDs))
	for i := range p.PIDs {
		ids[i] = p.PIDs[i].PID
	}
	return ids
}

// Demo returns the built-in profile used when no profile directory is
// configured. It matches the simulated ECU.
func Demo() *Profile {
	return &Profile{
		Name:        "demo",
		Description: "Built-in profile matching the simulated ECU",
		ECU:         "sim",
		Firmware:    0x010A0004,
		Parameters: []ParameterSpec{
			{Name: "boost_turbo", ID: 0x0101, Unit: "bar", Scale: 0.001, Min: 0.8, Max: 1.2, MaxDelta: 0.1, Default: 1.0},
			{Name: "fuel_trim", ID: 0x0102, Unit: "%", Scale: 0.1, Min: -10, Max: 10, MaxDelta: 5, Default: 0},
			{Name: "rev_limit", ID: 0x0103, Unit: "rpm", Scale: 1, Min: 5000, Max: 7500, MaxDelta: 500, Default: 6500},
			{Name: "idle_target", ID: 0x0104, Unit: "rpm", Scale: 1, Min: 650, Max: 1100, MaxDelta: 100, Default: 850},
		},
		PIDs: []PIDSpec{
			{Name: "engine_rpm", PID: 0x010C, Unit: "rpm", Scale: 0.25},
			{Name: "coolant_temp", PID: 0x0105, Unit: "°C", Scale: 1, Offset: -40},
			{Name: "vehicle_speed", PID: 0x010D, Unit: "km/h", Scale: 1},
			{Name: "intake_pressure", PID: 0x010B, Unit: "kPa", Scale: 1},
		},
	}
}
