package rcboard

import (
	"context"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"rcboard/driver"
	"rcboard/scene"
)

// Controller is one controller session: the link, the axis table, the mode
// machine, the target buffer and the synchronizer that ties them together.
// It holds no locks; the host must never run a tick and a command at the
// same time.
type Controller struct {
	cfg      *Config
	resolver scene.Resolver
	logger   logging.Logger

	link    *DeviceLink
	axes    *AxisBinding
	modes   *ModeMachine
	targets *TargetBuffer
	sync    *FrameSynchronizer

	initialMode Mode
	uiMode      Mode
	generation  int

	refreshRequested bool
	refresh          func(Description)
}

// NewController builds a disconnected session from a validated config. Axes
// are sized to cfg.JointCount and bound to the scene entities listed in
// cfg.Joints. opener opens devices for the link.
func NewController(cfg *Config, resolver scene.Resolver, opener driver.Opener, logger logging.Logger) (*Controller, error) {
	mode, err := ParseMode(cfg.ControlMode)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:         cfg,
		resolver:    resolver,
		logger:      logger,
		targets:     &TargetBuffer{},
		initialMode: mode,
	}
	c.link = NewDeviceLink(opener, cfg.OpenTimeout, cfg.DiscreteSpeed, logger.Sublogger("link"))
	c.axes = NewAxisBinding(cfg.Calibration, logger.Sublogger("axes"))
	c.modes = NewModeMachine(c.link, c.targets, logger.Sublogger("mode"))
	c.sync = NewFrameSynchronizer(c.link, c.axes, c.modes, c.targets, cfg.DivergenceThresholdDeg, logger.Sublogger("sync"))

	c.modes.changed = c.requestRefresh
	c.link.OnDown(func() {
		c.modes.OnLinkDown()
		c.requestRefresh()
	})

	c.resize(cfg.JointCount)
	for i, name := range cfg.Joints {
		if name == "" || resolver == nil {
			continue
		}
		e, ok := resolver.Lookup(name)
		if !ok {
			logger.Warnf("joint %d: no scene entity named %s", i, name)
			continue
		}
		if err := c.axes.Bind(i, e); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// OnRefresh sets the hook that receives the description after every state
// change the UI must reflect.
func (c *Controller) OnRefresh(fn func(Description)) {
	c.refresh = fn
}

func (c *Controller) requestRefresh() {
	c.refreshRequested = true
}

// resize changes the axis count of the table and the target buffer together.
func (c *Controller) resize(n int) {
	if n == c.axes.Len() {
		return
	}
	if dropped := c.axes.resize(n); dropped > 0 {
		c.logger.Warnf("axis count now %d, %d bound axes were dropped", n, dropped)
	}
	c.targets.resize(n)
	c.cfg.JointCount = n
	c.generation++
	c.requestRefresh()
}

// AxisCount returns the configured number of axes.
func (c *Controller) AxisCount() int { return c.axes.Len() }

// Mode returns the current mode.
func (c *Controller) Mode() Mode { return c.modes.Mode() }

// Connected reports whether the link is open.
func (c *Controller) Connected() bool { return c.link.IsOpen() }

// Targets returns a copy of the target buffer.
func (c *Controller) Targets() []float64 { return c.targets.Values() }

// Connect opens the link and prepares it for discrete moves: the device axis
// count must match the configured count, the device is put in position mode,
// targets are seeded from its reference and axis names are fetched. Any
// failure leaves the link closed. A configured direct mode is requested last
// and does not fail the connect.
func (c *Controller) Connect(ctx context.Context) error {
	if c.link.IsOpen() {
		return errors.Wrap(ErrPrecondition, "already connected")
	}
	opts := c.cfg.Options()
	if err := c.link.Open(ctx, opts); err != nil {
		c.requestRefresh()
		return err
	}
	if err := c.prepare(ctx); err != nil {
		c.logger.Warnf("connect to %s failed: %v", opts.Remote, err)
		if cerr := c.link.Close(); cerr != nil {
			c.logger.Debugf("close after failed connect: %v", cerr)
		}
		return err
	}

	c.uiMode = ModeDiscrete
	if c.initialMode == ModeContinuous {
		c.uiMode = ModeContinuous
		if err := c.modes.Reconcile(ctx, &c.uiMode); err != nil {
			c.logger.Warnf("staying in %s mode: %v", ModeDiscrete, err)
		}
	}
	c.requestRefresh()
	return nil
}

func (c *Controller) prepare(ctx context.Context) error {
	n, err := c.link.QueryAxisCount(ctx)
	if err != nil {
		return err
	}
	if n != c.axes.Len() {
		return errors.Wrapf(ErrTopologyMismatch, "device has %d axes, configured %d", n, c.axes.Len())
	}

	c.modes.Reset()
	if err := c.link.SetControlMode(ctx, ModeDiscrete.DeviceMode(), n); err != nil {
		return err
	}
	if err := c.modes.reseed(ctx); err != nil {
		return err
	}

	names, err := c.link.QueryAxisNames(ctx)
	if err != nil {
		return err
	}
	c.axes.SetNames(names)
	c.generation++
	return nil
}

// Disconnect closes the link. Continuous mode falls back to Discrete.
func (c *Controller) Disconnect(ctx context.Context) error {
	if !c.link.IsOpen() {
		return errors.Wrap(ErrPrecondition, "not connected")
	}
	return c.link.Close()
}

// Close releases the session. It is safe on a disconnected controller.
func (c *Controller) Close() error {
	return c.link.Close()
}

// AutoConfigure learns the device topology through a transient session and
// binds axes to scene entities with the same names. It requires a closed link.
func (c *Controller) AutoConfigure(ctx context.Context) (Topology, error) {
	if c.link.IsOpen() {
		return Topology{}, errors.Wrap(ErrPrecondition, "configure requires a closed link")
	}
	topo, err := c.axes.AutoConfigure(ctx, c.link, c.cfg.Options(), c.resolver, c.resize)
	c.generation++
	c.requestRefresh()
	return topo, err
}

// SendPosition moves the device to the current scene angles at the discrete speed.
func (c *Controller) SendPosition(ctx context.Context) error {
	if c.modes.Mode() != ModeDiscrete || !c.link.IsOpen() {
		return errors.Wrapf(ErrPrecondition, "send requires a connected link in %s mode", ModeDiscrete)
	}
	angles := c.axes.CurrentAngles(c.targets)
	if err := c.link.SendDiscreteTargets(ctx, c.modes.Mode(), angles); err != nil {
		return err
	}
	c.targets.Set(angles)
	return nil
}

// SetMode writes the UI mode field and reconciles it with the machine.
func (c *Controller) SetMode(ctx context.Context, mode Mode) error {
	c.uiMode = mode
	err := c.modes.Reconcile(ctx, &c.uiMode)
	c.requestRefresh()
	return err
}

// SetJointCount resizes the axis table. It requires a closed link, since the
// device topology is fixed while connected.
func (c *Controller) SetJointCount(n int) error {
	if c.link.IsOpen() {
		return errors.Wrap(ErrPrecondition, "joint count is fixed while connected")
	}
	if n < 0 {
		return errors.Errorf("joint count must not be negative, got %d", n)
	}
	c.resize(n)
	return nil
}

// Bind attaches the named scene entity to an axis.
func (c *Controller) Bind(axis int, entity string) error {
	if c.resolver == nil {
		return errors.New("no scene to bind from")
	}
	e, ok := c.resolver.Lookup(entity)
	if !ok {
		return errors.Errorf("no scene entity named %s", entity)
	}
	if err := c.axes.Bind(axis, e); err != nil {
		return err
	}
	c.requestRefresh()
	return nil
}

// Unbind detaches the entity of an axis.
func (c *Controller) Unbind(axis int) error {
	if err := c.axes.Unbind(axis); err != nil {
		return err
	}
	c.requestRefresh()
	return nil
}

// Tick runs one synchronizer step and delivers a pending refresh.
func (c *Controller) Tick(ctx context.Context) (TickResult, error) {
	res, err := c.sync.Tick(ctx)
	c.FlushRefresh(ctx)
	return res, err
}

// FlushRefresh delivers the description to the refresh hook if a refresh was requested.
func (c *Controller) FlushRefresh(ctx context.Context) {
	if !c.refreshRequested {
		return
	}
	c.refreshRequested = false
	d := c.Describe(ctx)
	if c.refresh != nil {
		c.refresh(d)
	}
}
