// Package driver defines the contract between the control board client and a
// remote motor controller. A Device is one open session; it exposes up to four
// capability facets, each of which may be missing.
package driver

import (
	"context"
	"fmt"
	"time"
)

// ControlMode is the per-axis control mode understood by a control board.
type ControlMode int

const (
	// ModePosition is point-to-point motion with a reference speed.
	ModePosition ControlMode = iota + 1
	// ModePositionDirect streams position targets with no trajectory generation.
	ModePositionDirect
)

func (m ControlMode) String() string {
	switch m {
	case ModePosition:
		return "position"
	case ModePositionDirect:
		return "position_direct"
	default:
		return fmt.Sprintf("control_mode(%d)", int(m))
	}
}

// Carriers known to the registry by default.
const (
	CarrierTCP    = "tcp"
	CarrierSerial = "serial"
	CarrierSim    = "sim"
)

// Options describes how to reach a control board.
type Options struct {
	// Remote is the controller's endpoint path, e.g. "/robot/left_arm".
	Remote string
	// Local is the client endpoint path, derived from Remote.
	Local string
	// Carrier selects the transport.
	Carrier string
	// Address is the host:port of the board server for the tcp carrier.
	Address string
	// SerialPort and Baudrate are used by the serial carrier.
	SerialPort string
	Baudrate   int
	// Timeout bounds every request round trip. Zero means no deadline.
	Timeout time.Duration
}

// AxisInfo reports the device topology.
type AxisInfo interface {
	Axes(ctx context.Context) (int, error)
	AxisName(ctx context.Context, axis int) (string, error)
}

// ControlModes switches axes between control modes.
type ControlModes interface {
	// SetControlModes sets one mode per axis; len(modes) must equal the axis count.
	SetControlModes(ctx context.Context, modes []ControlMode) error
}

// PositionControl issues bounded-speed point-to-point moves.
type PositionControl interface {
	SetRefSpeeds(ctx context.Context, degsPerSec []float64) error
	PositionMove(ctx context.Context, targets []float64) error
}

// PositionDirect streams position targets.
type PositionDirect interface {
	Axes(ctx context.Context) (int, error)
	SetPositions(ctx context.Context, targets []float64) error
	// RefPositions returns the board's current reference position per axis.
	RefPositions(ctx context.Context) ([]float64, error)
}

// Device is one open session with a control board.
type Device interface {
	AxisInfo() (AxisInfo, bool)
	ControlModes() (ControlModes, bool)
	PositionControl() (PositionControl, bool)
	PositionDirect() (PositionDirect, bool)
	Close() error
}

// Opener opens a session with a control board.
type Opener func(ctx context.Context, opts Options) (Device, error)

// UniformModes returns n copies of mode, the shape SetControlModes expects.
func UniformModes(mode ControlMode, n int) []ControlMode {
	modes := make([]ControlMode, n)
	for i := range modes {
		modes[i] = mode
	}
	return modes
}
