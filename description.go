package rcboard

import (
	"context"
)

// Button identifiers of the description.
const (
	ButtonConnect    = "connect"
	ButtonDisconnect = "disconnect"
	ButtonConfigure  = "configure"
	ButtonSend       = "send_position"
)

// LinkField is the UI field of one axis.
type LinkField struct {
	Axis   int    `json:"axis"`
	Name   string `json:"name"`
	Entity string `json:"entity,omitempty"`
}

// Description is what the UI shows for a session.
type Description struct {
	JointCount int             `json:"joint_count"`
	Links      []LinkField     `json:"links"`
	Mode       string          `json:"mode"`
	Connected  bool            `json:"connected"`
	Buttons    map[string]bool `json:"buttons"`
	// Generation changes whenever the link field set must be regenerated.
	Generation int `json:"generation"`
}

// Enabled reports whether a button is enabled in the current state.
func (c *Controller) Enabled(button string) bool {
	connected := c.link.IsOpen()
	switch button {
	case ButtonConnect:
		return !connected
	case ButtonDisconnect:
		return connected
	case ButtonConfigure:
		return !connected
	case ButtonSend:
		return connected && c.modes.Mode() == ModeDiscrete
	default:
		return true
	}
}

// Describe reconciles the UI mode field with the mode machine and returns
// the description of the current state.
func (c *Controller) Describe(ctx context.Context) Description {
	if err := c.modes.Reconcile(ctx, &c.uiMode); err != nil {
		c.logger.Warnf("mode change to %s failed: %v", c.uiMode, err)
	}

	axes := c.axes.Axes()
	d := Description{
		JointCount: len(axes),
		Links:      make([]LinkField, len(axes)),
		Mode:       c.uiMode.String(),
		Connected:  c.link.IsOpen(),
		Buttons:    make(map[string]bool, 4),
		Generation: c.generation,
	}
	for i, a := range axes {
		d.Links[i] = LinkField{Axis: a.Index, Name: a.Name}
		if a.Entity != nil {
			d.Links[i].Entity = a.Entity.Name()
		}
	}
	for _, b := range []string{ButtonConnect, ButtonDisconnect, ButtonConfigure, ButtonSend} {
		d.Buttons[b] = c.Enabled(b)
	}
	return d
}
