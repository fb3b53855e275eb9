package rcboard

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"rcboard/driver"
)

// Mode is the control strategy of a session.
type Mode int

const (
	// ModeDiscrete issues one bounded-speed move per explicit command.
	ModeDiscrete Mode = iota
	// ModeContinuous streams a fresh target every tick.
	ModeContinuous
)

func (m Mode) String() string {
	switch m {
	case ModeDiscrete:
		return ModeNamePosition
	case ModeContinuous:
		return ModeNamePositionDirect
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// DeviceMode is the device control mode that implements m.
func (m Mode) DeviceMode() driver.ControlMode {
	if m == ModeContinuous {
		return driver.ModePositionDirect
	}
	return driver.ModePosition
}

// ParseMode accepts the configuration names and their aliases.
func ParseMode(s string) (Mode, error) {
	switch s {
	case ModeNamePosition, "discrete":
		return ModeDiscrete, nil
	case ModeNamePositionDirect, "continuous":
		return ModeContinuous, nil
	default:
		return ModeDiscrete, fmt.Errorf("unknown control mode %q, expected %q or %q", s, ModeNamePosition, ModeNamePositionDirect)
	}
}

// ModeMachine is the single source of truth for the session mode. Every
// transition goes through it so that the device control mode is reconciled
// before any send in the new mode.
type ModeMachine struct {
	link    *DeviceLink
	targets *TargetBuffer
	logger  logging.Logger

	mode             Mode
	reconcilePending bool

	// changed runs after a transition the UI must reflect.
	changed func()
}

// NewModeMachine returns a machine in Discrete mode.
func NewModeMachine(link *DeviceLink, targets *TargetBuffer, logger logging.Logger) *ModeMachine {
	return &ModeMachine{link: link, targets: targets, logger: logger}
}

// Mode returns the current mode.
func (m *ModeMachine) Mode() Mode { return m.mode }

// ReconcilePending reports whether the machine mode must be pushed to the UI.
func (m *ModeMachine) ReconcilePending() bool { return m.reconcilePending }

func (m *ModeMachine) notify() {
	if m.changed != nil {
		m.changed()
	}
}

// reseed refreshes the target buffer from the device reference after a mode
// switch, since the switch may reset the device reference.
func (m *ModeMachine) reseed(ctx context.Context) error {
	refs, err := m.link.RefPositions(ctx)
	if err != nil {
		return err
	}
	if len(refs) != m.targets.Len() {
		return errors.Wrapf(ErrTopologyMismatch, "%d reference positions for %d axes", len(refs), m.targets.Len())
	}
	m.targets.Set(refs)
	return nil
}

// RequestContinuous switches to Continuous. The device must accept the
// direct mode and report its reference position, which seeds the target
// buffer before any streaming begins. On failure the mode stays Discrete.
func (m *ModeMachine) RequestContinuous(ctx context.Context) error {
	if m.mode == ModeContinuous {
		return nil
	}
	if !m.link.IsOpen() {
		return errors.Wrap(ErrPrecondition, "continuous mode requires an open link")
	}
	n := m.targets.Len()
	if n == 0 {
		return errors.Wrap(ErrPrecondition, "continuous mode requires at least one axis")
	}

	if err := m.link.SetControlMode(ctx, driver.ModePositionDirect, n); err != nil {
		return err
	}
	if err := m.reseed(ctx); err != nil {
		if rerr := m.link.SetControlMode(ctx, driver.ModePosition, n); rerr != nil {
			m.logger.Warnf("failed to restore position mode: %v", rerr)
		}
		return err
	}
	m.mode = ModeContinuous
	m.logger.Infof("continuous mode from %v", m.targets.Values())
	return nil
}

// RequestDiscrete switches to Discrete. The mode changes even if the device
// rejects position mode, in which case the error is returned.
func (m *ModeMachine) RequestDiscrete(ctx context.Context) error {
	if m.mode == ModeDiscrete {
		return nil
	}
	m.mode = ModeDiscrete
	m.logger.Info("discrete mode")
	return m.applyDiscrete(ctx)
}

func (m *ModeMachine) applyDiscrete(ctx context.Context) error {
	if !m.link.IsOpen() {
		return nil
	}
	if err := m.link.SetControlMode(ctx, driver.ModePosition, m.targets.Len()); err != nil {
		return err
	}
	if err := m.reseed(ctx); err != nil {
		m.logger.Debugf("keeping last targets after discrete switch: %v", err)
	}
	return nil
}

// Request moves to mode through the matching transition.
func (m *ModeMachine) Request(ctx context.Context, mode Mode) error {
	if mode == ModeContinuous {
		return m.RequestContinuous(ctx)
	}
	return m.RequestDiscrete(ctx)
}

// Failover forces Discrete after a divergence. The device call is best
// effort; no move is issued, so the axes park at the last sent target.
func (m *ModeMachine) Failover(ctx context.Context) {
	m.mode = ModeDiscrete
	m.reconcilePending = true
	if err := m.applyDiscrete(ctx); err != nil {
		m.logger.Warnf("failover could not set position mode: %v", err)
	}
	m.notify()
}

// OnLinkDown resets Continuous to Discrete when the link closes.
func (m *ModeMachine) OnLinkDown() {
	if m.mode == ModeContinuous {
		m.mode = ModeDiscrete
		m.reconcilePending = true
	}
}

// Reset returns to Discrete without touching the device and drops any
// pending reconciliation. Used on connect.
func (m *ModeMachine) Reset() {
	m.mode = ModeDiscrete
	m.reconcilePending = false
}

// Reconcile runs once per description refresh. A pending machine change is
// pushed to the UI field; otherwise a disagreeing UI field is a user request.
// Exactly one direction runs. A failed request leaves the machine change
// pending so the next refresh restores the UI field.
func (m *ModeMachine) Reconcile(ctx context.Context, ui *Mode) error {
	if m.reconcilePending {
		*ui = m.mode
		m.reconcilePending = false
		return nil
	}
	if *ui == m.mode {
		return nil
	}
	if err := m.Request(ctx, *ui); err != nil {
		m.reconcilePending = true
		return err
	}
	return nil
}
