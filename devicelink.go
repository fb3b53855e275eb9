package rcboard

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"rcboard/driver"
)

// DeviceLink owns the session with one remote controller and its four facets.
// It is not safe for concurrent use; the host serializes access.
type DeviceLink struct {
	opener        driver.Opener
	openTimeout   time.Duration
	discreteSpeed float64
	logger        logging.Logger

	dev    driver.Device
	info   driver.AxisInfo
	modes  driver.ControlModes
	pos    driver.PositionControl
	direct driver.PositionDirect

	session uuid.UUID
	remote  string
	local   string
	axes    int

	observers []func()
}

// NewDeviceLink returns a closed link that opens devices with opener.
func NewDeviceLink(opener driver.Opener, openTimeout time.Duration, discreteSpeed float64, logger logging.Logger) *DeviceLink {
	return &DeviceLink{
		opener:        opener,
		openTimeout:   openTimeout,
		discreteSpeed: discreteSpeed,
		logger:        logger,
	}
}

// OnDown registers fn to run every time an open link is closed.
func (l *DeviceLink) OnDown(fn func()) {
	l.observers = append(l.observers, fn)
}

// IsOpen reports whether a session is live.
func (l *DeviceLink) IsOpen() bool { return l.dev != nil }

// Session returns the id of the live session, or uuid.Nil.
func (l *DeviceLink) Session() uuid.UUID { return l.session }

// Endpoints returns the remote and local endpoint names of the live session.
func (l *DeviceLink) Endpoints() (remote, local string) { return l.remote, l.local }

// DiscreteSpeed is the reference speed of discrete moves in degrees per second.
func (l *DeviceLink) DiscreteSpeed() float64 { return l.discreteSpeed }

// SetDiscreteSpeed changes the reference speed of subsequent discrete moves.
func (l *DeviceLink) SetDiscreteSpeed(degsPerSec float64) { l.discreteSpeed = degsPerSec }

// Open establishes a session with opts.Remote and acquires every facet. The
// local endpoint is derived from the remote when opts.Local is empty. Any
// failure leaves the link closed.
func (l *DeviceLink) Open(ctx context.Context, opts driver.Options) error {
	if l.IsOpen() {
		return errors.Wrapf(ErrPrecondition, "link to %s already open", l.remote)
	}
	if opts.Local == "" {
		opts.Local = LocalEndpoint(opts.Remote)
	}

	dev, err := l.openWithTimeout(ctx, opts)
	if err != nil {
		l.logger.Warnf("failed to open %s: %v", opts.Remote, err)
		return err
	}

	info, ok1 := dev.AxisInfo()
	modes, ok2 := dev.ControlModes()
	pos, ok3 := dev.PositionControl()
	direct, ok4 := dev.PositionDirect()
	for _, facet := range []struct {
		name string
		ok   bool
	}{
		{"axis info", ok1},
		{"control mode", ok2},
		{"position", ok3},
		{"position direct", ok4},
	} {
		if !facet.ok {
			utils.UncheckedError(dev.Close())
			l.logger.Warnf("%s does not provide the %s facet", opts.Remote, facet.name)
			return errors.Wrapf(ErrConnection, "%s: %s facet unavailable", opts.Remote, facet.name)
		}
	}

	l.dev = dev
	l.info, l.modes, l.pos, l.direct = info, modes, pos, direct
	l.session = uuid.New()
	l.remote, l.local = opts.Remote, opts.Local
	l.axes = 0
	l.logger.Infof("opened session %s: %s -> %s", l.session, l.local, l.remote)
	return nil
}

type openResult struct {
	dev driver.Device
	err error
}

// openWithTimeout bounds the opener by the open timeout even when the opener
// itself ignores its context. A device that opens after the deadline is closed.
func (l *DeviceLink) openWithTimeout(ctx context.Context, opts driver.Options) (driver.Device, error) {
	if l.openTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.openTimeout)
		defer cancel()
	}

	done := make(chan openResult, 1)
	go func() {
		dev, err := l.opener(ctx, opts)
		done <- openResult{dev, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, errors.Wrapf(ErrOpenTimeout, "%s: %v", opts.Remote, res.err)
			}
			return nil, errors.Wrapf(ErrConnection, "%s: %v", opts.Remote, res.err)
		}
		return res.dev, nil
	case <-ctx.Done():
		go func() {
			if res := <-done; res.dev != nil {
				utils.UncheckedError(res.dev.Close())
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.Wrapf(ErrOpenTimeout, "%s after %s", opts.Remote, l.openTimeout)
		}
		return nil, errors.Wrapf(ErrConnection, "%s: %v", opts.Remote, ctx.Err())
	}
}

// Close drops the facets, releases the session and notifies observers. It is
// a no-op on a closed link.
func (l *DeviceLink) Close() error {
	if l.dev == nil {
		return nil
	}
	l.info, l.modes, l.pos, l.direct = nil, nil, nil, nil

	dev := l.dev
	l.dev = nil
	err := dev.Close()
	l.logger.Infof("closed session %s to %s", l.session, l.remote)
	l.session = uuid.Nil
	l.remote, l.local = "", ""
	l.axes = 0

	for _, fn := range l.observers {
		fn()
	}
	if err != nil {
		return errors.Wrap(err, "device close failed")
	}
	return nil
}

// QueryAxisCount asks the device for its number of axes.
func (l *DeviceLink) QueryAxisCount(ctx context.Context) (int, error) {
	if !l.IsOpen() {
		return 0, ErrNotConnected
	}
	n, err := l.info.Axes(ctx)
	if err != nil {
		l.logger.Warnf("failed to query axis count of %s: %v", l.remote, err)
		return 0, errors.Wrapf(ErrConnection, "axis count: %v", err)
	}
	l.axes = n
	return n, nil
}

// QueryAxisNames asks the device for the name of every axis. On error the
// caller keeps its placeholders.
func (l *DeviceLink) QueryAxisNames(ctx context.Context) ([]string, error) {
	n, err := l.QueryAxisCount(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, n)
	for i := range names {
		name, err := l.info.AxisName(ctx, i)
		if err != nil {
			l.logger.Warnf("failed to query name of axis %d on %s: %v", i, l.remote, err)
			return nil, errors.Wrapf(ErrConnection, "axis %d name: %v", i, err)
		}
		names[i] = name
	}
	return names, nil
}

// SetControlMode sets the same device control mode on n axes. On error the
// device keeps its previous mode.
func (l *DeviceLink) SetControlMode(ctx context.Context, mode driver.ControlMode, n int) error {
	if !l.IsOpen() {
		return ErrNotConnected
	}
	if err := l.modes.SetControlModes(ctx, driver.UniformModes(mode, n)); err != nil {
		l.logger.Warnf("failed to set %s mode on %s: %v", mode, l.remote, err)
		return errors.Wrapf(ErrConnection, "set %s mode: %v", mode, err)
	}
	l.logger.Debugf("%s now in %s mode", l.remote, mode)
	return nil
}

// RefPositions reads the device's reference position of every axis.
func (l *DeviceLink) RefPositions(ctx context.Context) ([]float64, error) {
	if !l.IsOpen() {
		return nil, ErrNotConnected
	}
	refs, err := l.direct.RefPositions(ctx)
	if err != nil {
		l.logger.Warnf("failed to read reference positions of %s: %v", l.remote, err)
		return nil, errors.Wrapf(ErrConnection, "reference positions: %v", err)
	}
	return refs, nil
}

func (l *DeviceLink) checkTargets(targets []float64) error {
	if !l.IsOpen() {
		return errors.Wrap(ErrPrecondition, "link closed")
	}
	if len(targets) == 0 || len(targets) != l.axes {
		return errors.Wrapf(ErrPrecondition, "%d targets for %d axes", len(targets), l.axes)
	}
	return nil
}

// SendDiscreteTargets issues one point-to-point move at the discrete speed.
// It is a no-op failure unless the link is open, mode is Discrete and there is
// one target per device axis.
func (l *DeviceLink) SendDiscreteTargets(ctx context.Context, mode Mode, targets []float64) error {
	if mode != ModeDiscrete {
		return errors.Wrapf(ErrPrecondition, "discrete send in %s mode", mode)
	}
	if err := l.checkTargets(targets); err != nil {
		return err
	}

	speeds := make([]float64, len(targets))
	for i := range speeds {
		speeds[i] = l.discreteSpeed
	}
	if err := l.pos.SetRefSpeeds(ctx, speeds); err != nil {
		l.logger.Warnf("failed to set reference speeds on %s: %v", l.remote, err)
		return errors.Wrapf(ErrTransientSend, "reference speeds: %v", err)
	}
	if err := l.pos.PositionMove(ctx, targets); err != nil {
		l.logger.Warnf("discrete move on %s failed: %v", l.remote, err)
		return errors.Wrapf(ErrTransientSend, "position move: %v", err)
	}
	l.logger.Debugf("discrete move on %s to %v at %.1f deg/s", l.remote, targets, l.discreteSpeed)
	return nil
}

// SendContinuousTargets streams one set of direct targets.
func (l *DeviceLink) SendContinuousTargets(ctx context.Context, targets []float64) error {
	if err := l.checkTargets(targets); err != nil {
		return err
	}
	if err := l.direct.SetPositions(ctx, targets); err != nil {
		return errors.Wrapf(ErrTransientSend, "set positions: %v", err)
	}
	return nil
}
