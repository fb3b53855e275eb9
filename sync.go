package rcboard

import (
	"context"
	"math"

	"go.viam.com/rdk/logging"
)

// TargetBuffer holds the last target of every axis, in degrees.
type TargetBuffer struct {
	values []float64
}

// Len returns the number of axes.
func (b *TargetBuffer) Len() int { return len(b.values) }

// Values returns a copy of the targets.
func (b *TargetBuffer) Values() []float64 {
	return append([]float64(nil), b.values...)
}

// At returns the target of one axis.
func (b *TargetBuffer) At(i int) float64 { return b.values[i] }

// Set copies values into the buffer. Lengths must match.
func (b *TargetBuffer) Set(values []float64) {
	copy(b.values, values)
}

// resize keeps the leading targets and zeroes new slots. Only the controller
// resizes, together with the axis table.
func (b *TargetBuffer) resize(n int) {
	if n <= len(b.values) {
		b.values = b.values[:n:n]
		return
	}
	grown := make([]float64, n)
	copy(grown, b.values)
	b.values = grown
}

// TickResult says what one synchronizer tick did.
type TickResult int

// Tick outcomes.
const (
	TickIdle TickResult = iota
	TickSent
	TickFailover
	TickSendFailed
)

func (r TickResult) String() string {
	switch r {
	case TickIdle:
		return "idle"
	case TickSent:
		return "sent"
	case TickFailover:
		return "failover"
	case TickSendFailed:
		return "send_failed"
	default:
		return "unknown"
	}
}

// FrameSynchronizer streams scene angles to the device once per scene
// evaluation while in Continuous mode, and fails over to Discrete when the
// scene jumps further than the divergence threshold.
type FrameSynchronizer struct {
	link      *DeviceLink
	axes      *AxisBinding
	modes     *ModeMachine
	targets   *TargetBuffer
	threshold float64
	logger    logging.Logger
}

// NewFrameSynchronizer wires a synchronizer to the session components.
func NewFrameSynchronizer(
	link *DeviceLink,
	axes *AxisBinding,
	modes *ModeMachine,
	targets *TargetBuffer,
	thresholdDeg float64,
	logger logging.Logger,
) *FrameSynchronizer {
	return &FrameSynchronizer{
		link:      link,
		axes:      axes,
		modes:     modes,
		targets:   targets,
		threshold: thresholdDeg,
		logger:    logger,
	}
}

// Threshold returns the divergence threshold in degrees.
func (s *FrameSynchronizer) Threshold() float64 { return s.threshold }

// Tick runs one synchronization step. A send failure is returned but does not
// change the mode; only divergence does.
func (s *FrameSynchronizer) Tick(ctx context.Context) (TickResult, error) {
	if s.modes.Mode() != ModeContinuous || s.targets.Len() == 0 || !s.link.IsOpen() {
		return TickIdle, nil
	}

	angles := s.axes.CurrentAngles(s.targets)
	for i, a := range angles {
		last := s.targets.At(i)
		// A NaN angle compares false and fails over too.
		if !(math.Abs(a-last) <= s.threshold) {
			s.logger.Infof("axis %d diverged: last target %.2f, scene %.2f (threshold %.2f), failing over to %s",
				i, last, a, s.threshold, ModeDiscrete)
			s.modes.Failover(ctx)
			return TickFailover, nil
		}
	}

	s.targets.Set(angles)
	if err := s.link.SendContinuousTargets(ctx, s.targets.Values()); err != nil {
		s.logger.Warnf("continuous send failed: %v", err)
		return TickSendFailed, err
	}
	return TickSent, nil
}
