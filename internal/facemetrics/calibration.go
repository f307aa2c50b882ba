package facemetrics

import "fmt"

// Affine maps a raw geometric ratio into the output range: (raw - Offset) * Gain
type Affine struct {
	Offset float64 `yaml:"offset" json:"offset"`
	Gain   float64 `yaml:"gain" json:"gain"`
}

// Apply returns (raw - Offset) * Gain
func (a Affine) Apply(raw float64) float64 {
	return (raw - a.Offset) * a.Gain
}

// Calibration holds the tunable constants of the metric calculator.
// None of them are structural; they only move raw ratios into stable ranges.
type Calibration struct {
	Mouth Affine `yaml:"mouth" json:"mouth"`
	Eye   Affine `yaml:"eye" json:"eye"`
	Brow  Affine `yaml:"brow" json:"brow"`

	// HeadPose enables the coarse pitch/yaw/roll estimate
	HeadPose bool `yaml:"head_pose" json:"head_pose"`
	// DegreesPerUnit scales nose offsets (in eye distances) to degrees
	DegreesPerUnit float64 `yaml:"degrees_per_unit" json:"degrees_per_unit"`
	// MaxHeadAngle bounds pitch and yaw to [-MaxHeadAngle, MaxHeadAngle] degrees.
	// Zero or less uses DefaultMaxHeadAngle.
	MaxHeadAngle float64 `yaml:"max_head_angle" json:"max_head_angle"`
	// IncludeMeta adds meta.eye_dist to every message
	IncludeMeta bool `yaml:"include_meta" json:"include_meta"`
}

// DefaultMaxHeadAngle is the pitch/yaw limit in degrees
const DefaultMaxHeadAngle = 90

// Preset names
const (
	PresetExpressive = "expressive"
	PresetNeutral    = "neutral"
)

// Preset returns a named calibration.
//
// expressive: head pose on, mouth/eye/brow gains of 2.0/2.5/1.5, as streamed to the
// avatar client historically. neutral: head pose off, offsets subtract the resting-face
// ratios so a relaxed face sits near zero.
func Preset(name string) (Calibration, error) {
	switch name {
	case "", PresetExpressive:
		return Calibration{
			Mouth:          Affine{Offset: 0.05, Gain: 2.0},
			Eye:            Affine{Offset: 0.0, Gain: 2.5},
			Brow:           Affine{Offset: 0.0, Gain: 1.5},
			HeadPose:       true,
			DegreesPerUnit: 60,
			MaxHeadAngle:   DefaultMaxHeadAngle,
			IncludeMeta:    true,
		}, nil
	case PresetNeutral:
		return Calibration{
			Mouth:          Affine{Offset: 0.1, Gain: 1.6},
			Eye:            Affine{Offset: 0.15, Gain: 3.0},
			Brow:           Affine{Offset: 0.3, Gain: 2.0},
			HeadPose:       false,
			DegreesPerUnit: 60,
			MaxHeadAngle:   DefaultMaxHeadAngle,
		}, nil
	default:
		return Calibration{}, fmt.Errorf("facemetrics: unknown calibration preset %q", name)
	}
}

// DefaultCalibration returns the expressive preset
func DefaultCalibration() Calibration {
	c, _ := Preset(PresetExpressive)
	return c
}
