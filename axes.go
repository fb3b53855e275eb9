package rcboard

import (
	"context"
	"fmt"
	"math"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"rcboard/driver"
	"rcboard/scene"
)

// Axis is one device axis and its optional scene entity.
type Axis struct {
	Index  int
	Name   string
	Entity scene.Entity
}

// placeholderName names an axis before the device reports its real name.
func placeholderName(i int) string {
	return fmt.Sprintf("joint%d", i)
}

// AxisBinding is the ordered axis table.
type AxisBinding struct {
	axes        []Axis
	calibration []AxisCalibration
	logger      logging.Logger
}

// NewAxisBinding returns an empty table. calibration[i] applies to axis i.
func NewAxisBinding(calibration []AxisCalibration, logger logging.Logger) *AxisBinding {
	return &AxisBinding{calibration: calibration, logger: logger}
}

// Len returns the number of axes.
func (b *AxisBinding) Len() int { return len(b.axes) }

// Axes returns a copy of the table.
func (b *AxisBinding) Axes() []Axis {
	return append([]Axis(nil), b.axes...)
}

// resize grows the table with placeholder axes or truncates it, dropping any
// binding past the new count. It returns how many bound axes were dropped.
// Only the controller resizes, together with the target buffer.
func (b *AxisBinding) resize(n int) int {
	if n <= len(b.axes) {
		dropped := 0
		for _, a := range b.axes[n:] {
			if a.Entity != nil {
				dropped++
			}
		}
		b.axes = b.axes[:n:n]
		return dropped
	}
	for i := len(b.axes); i < n; i++ {
		b.axes = append(b.axes, Axis{Index: i, Name: placeholderName(i)})
	}
	return 0
}

// SetNames replaces axis names. Extra names are ignored.
func (b *AxisBinding) SetNames(names []string) {
	for i := range b.axes {
		if i < len(names) && names[i] != "" {
			b.axes[i].Name = names[i]
		}
	}
}

// Bind attaches entity to an axis.
func (b *AxisBinding) Bind(axis int, entity scene.Entity) error {
	if axis < 0 || axis >= len(b.axes) {
		return errors.Wrapf(ErrPrecondition, "axis %d out of range [0,%d)", axis, len(b.axes))
	}
	b.axes[axis].Entity = entity
	b.logger.Debugf("axis %d (%s) bound to %s", axis, b.axes[axis].Name, entity.Name())
	return nil
}

// Unbind detaches the entity of an axis.
func (b *AxisBinding) Unbind(axis int) error {
	if axis < 0 || axis >= len(b.axes) {
		return errors.Wrapf(ErrPrecondition, "axis %d out of range [0,%d)", axis, len(b.axes))
	}
	b.axes[axis].Entity = nil
	return nil
}

// BindByName binds every axis whose name resolves to a scene entity and
// returns how many were bound. Unmatched axes are left as they are.
func (b *AxisBinding) BindByName(resolver scene.Resolver) int {
	bound := 0
	for i, a := range b.axes {
		e, ok := resolver.Lookup(a.Name)
		if !ok {
			b.logger.Debugf("no scene entity named %s", a.Name)
			continue
		}
		b.axes[i].Entity = e
		bound++
	}
	return bound
}

// CurrentAngles reads the scene angle of every bound axis in degrees, with
// calibration applied. Unbound axes hold their last target from held, so
// they never diverge and are streamed unchanged.
func (b *AxisBinding) CurrentAngles(held *TargetBuffer) []float64 {
	out := make([]float64, len(b.axes))
	for i, a := range b.axes {
		if a.Entity == nil {
			if i < held.Len() {
				out[i] = held.At(i)
			}
			continue
		}
		deg := a.Entity.PrimaryRotation() * 180 / math.Pi
		if i < len(b.calibration) {
			deg = b.calibration[i].Apply(deg)
		}
		out[i] = deg
	}
	return out
}

// Topology is what autoconfiguration learned from the device.
type Topology struct {
	Names []string
	Bound int
}

// AutoConfigure opens a transient session to learn the device topology. The
// axis count is published before it is read again, since the device may
// derive its topology from it. Names must be readable; binding is best
// effort and happens after the session is closed.
func (b *AxisBinding) AutoConfigure(
	ctx context.Context,
	link *DeviceLink,
	opts driver.Options,
	resolver scene.Resolver,
	publish func(n int),
) (Topology, error) {
	if err := link.Open(ctx, opts); err != nil {
		return Topology{}, err
	}
	names, err := b.discover(ctx, link, publish)
	if cerr := link.Close(); cerr != nil {
		b.logger.Warnf("closing configuration session: %v", cerr)
	}
	if err != nil {
		return Topology{}, err
	}

	topo := Topology{Names: names}
	if resolver != nil {
		topo.Bound = b.BindByName(resolver)
	}
	b.logger.Infof("configured %d axes from %s, %d bound to scene entities", len(names), opts.Remote, topo.Bound)
	return topo, nil
}

func (b *AxisBinding) discover(ctx context.Context, link *DeviceLink, publish func(n int)) ([]string, error) {
	n, err := link.QueryAxisCount(ctx)
	if err != nil {
		return nil, err
	}
	publish(n)

	names, err := link.QueryAxisNames(ctx)
	if err != nil {
		return nil, err
	}
	if len(names) != len(b.axes) {
		publish(len(names))
	}
	b.SetNames(names)
	return names, nil
}
