package rcboard

import (
	"fmt"
	"math"
)

// AxisCalibration maps a scene angle onto the device frame of one axis.
// Scene angles are inverted, offset and then clamped to [MinDeg, MaxDeg].
// A zero range disables clamping.
type AxisCalibration struct {
	Invert    bool    `json:"invert,omitempty" yaml:"invert,omitempty"`
	OffsetDeg float64 `json:"offset_deg,omitempty" yaml:"offset_deg,omitempty"`
	MinDeg    float64 `json:"min_deg,omitempty" yaml:"min_deg,omitempty"`
	MaxDeg    float64 `json:"max_deg,omitempty" yaml:"max_deg,omitempty"`
}

// Validate checks the limits.
func (c *AxisCalibration) Validate() error {
	if c.MinDeg == 0 && c.MaxDeg == 0 {
		return nil
	}
	if c.MinDeg >= c.MaxDeg {
		return fmt.Errorf("invalid range: min (%.2f) must be less than max (%.2f)", c.MinDeg, c.MaxDeg)
	}
	return nil
}

// Apply converts a scene angle in degrees to a device target.
func (c *AxisCalibration) Apply(deg float64) float64 {
	if c == nil {
		return deg
	}
	if c.Invert {
		deg = -deg
	}
	deg += c.OffsetDeg
	if c.MinDeg != 0 || c.MaxDeg != 0 {
		deg = math.Max(c.MinDeg, math.Min(c.MaxDeg, deg))
	}
	return deg
}
