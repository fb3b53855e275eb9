package rcboard

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// Command identifiers.
const (
	CmdConnect       = "connect"
	CmdDisconnect    = "disconnect"
	CmdConfigure     = "configure"
	CmdSendPosition  = "send_position"
	CmdSetMode       = "set_mode"
	CmdSetJointCount = "set_joint_count"
	CmdBind          = "bind"
	CmdUnbind        = "unbind"
	CmdDescribe      = "describe"
	CmdStatus        = "status"
	CmdTick          = "tick"
)

// Result is the outcome of one command.
type Result struct {
	OK      bool
	Message string
	// Refresh asks the host to redraw the description.
	Refresh bool
	Data    map[string]interface{}
}

// Map renders the result for DoCommand.
func (r Result) Map() map[string]interface{} {
	out := map[string]interface{}{
		"success": r.OK,
		"refresh": r.Refresh,
	}
	if r.Message != "" {
		out["message"] = r.Message
	}
	for k, v := range r.Data {
		out[k] = v
	}
	return out
}

// Handler runs one command against a session.
type Handler func(ctx context.Context, c *Controller, payload map[string]interface{}) (Result, error)

var handlers = map[string]Handler{
	CmdConnect: func(ctx context.Context, c *Controller, _ map[string]interface{}) (Result, error) {
		if err := c.Connect(ctx); err != nil {
			return Result{}, err
		}
		remote, local := c.link.Endpoints()
		return Result{OK: true, Message: fmt.Sprintf("connected %s -> %s", local, remote)}, nil
	},
	CmdDisconnect: func(ctx context.Context, c *Controller, _ map[string]interface{}) (Result, error) {
		if err := c.Disconnect(ctx); err != nil {
			return Result{}, err
		}
		return Result{OK: true, Message: "disconnected"}, nil
	},
	CmdConfigure: func(ctx context.Context, c *Controller, _ map[string]interface{}) (Result, error) {
		topo, err := c.AutoConfigure(ctx)
		if err != nil {
			return Result{}, err
		}
		return Result{
			OK:      true,
			Message: fmt.Sprintf("%d axes, %d bound", len(topo.Names), topo.Bound),
			Data:    map[string]interface{}{"names": topo.Names, "bound": topo.Bound},
		}, nil
	},
	CmdSendPosition: func(ctx context.Context, c *Controller, _ map[string]interface{}) (Result, error) {
		if err := c.SendPosition(ctx); err != nil {
			return Result{}, err
		}
		return Result{OK: true, Data: map[string]interface{}{"targets": c.Targets()}}, nil
	},
	CmdSetMode: func(ctx context.Context, c *Controller, payload map[string]interface{}) (Result, error) {
		name, err := stringArg(payload, "mode")
		if err != nil {
			return Result{}, err
		}
		mode, err := ParseMode(name)
		if err != nil {
			return Result{}, err
		}
		if err := c.SetMode(ctx, mode); err != nil {
			return Result{}, err
		}
		return Result{OK: true, Message: "mode " + c.Mode().String()}, nil
	},
	CmdSetJointCount: func(ctx context.Context, c *Controller, payload map[string]interface{}) (Result, error) {
		n, err := intArg(payload, "count")
		if err != nil {
			return Result{}, err
		}
		if err := c.SetJointCount(n); err != nil {
			return Result{}, err
		}
		return Result{OK: true}, nil
	},
	CmdBind: func(ctx context.Context, c *Controller, payload map[string]interface{}) (Result, error) {
		axis, err := intArg(payload, "axis")
		if err != nil {
			return Result{}, err
		}
		entity, err := stringArg(payload, "entity")
		if err != nil {
			return Result{}, err
		}
		if err := c.Bind(axis, entity); err != nil {
			return Result{}, err
		}
		return Result{OK: true}, nil
	},
	CmdUnbind: func(ctx context.Context, c *Controller, payload map[string]interface{}) (Result, error) {
		axis, err := intArg(payload, "axis")
		if err != nil {
			return Result{}, err
		}
		if err := c.Unbind(axis); err != nil {
			return Result{}, err
		}
		return Result{OK: true}, nil
	},
	CmdDescribe: func(ctx context.Context, c *Controller, _ map[string]interface{}) (Result, error) {
		d := c.Describe(ctx)
		links := make([]interface{}, len(d.Links))
		for i, l := range d.Links {
			links[i] = map[string]interface{}{"axis": l.Axis, "name": l.Name, "entity": l.Entity}
		}
		return Result{OK: true, Data: map[string]interface{}{
			"joint_count": d.JointCount,
			"links":       links,
			"mode":        d.Mode,
			"connected":   d.Connected,
			"buttons":     d.Buttons,
			"generation":  d.Generation,
		}}, nil
	},
	CmdStatus: func(ctx context.Context, c *Controller, _ map[string]interface{}) (Result, error) {
		return Result{OK: true, Data: c.Status()}, nil
	},
	CmdTick: func(ctx context.Context, c *Controller, _ map[string]interface{}) (Result, error) {
		res, err := c.sync.Tick(ctx)
		if err != nil {
			return Result{}, err
		}
		return Result{OK: true, Message: res.String(), Refresh: res == TickFailover}, nil
	},
}

// gates maps commands to the button that must be enabled to run them.
var gates = map[string]string{
	CmdConnect:      ButtonConnect,
	CmdDisconnect:   ButtonDisconnect,
	CmdConfigure:    ButtonConfigure,
	CmdSendPosition: ButtonSend,
}

// Commands lists the command identifiers.
func Commands() []string {
	out := make([]string, 0, len(handlers))
	for name := range handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs a command. Failures become a logged diagnostic and a failed
// Result; only an unknown command or a malformed payload is returned as an
// error. A gated command or precondition failure is a silent no-op.
func (c *Controller) Dispatch(ctx context.Context, name string, payload map[string]interface{}) (Result, error) {
	h, ok := handlers[name]
	if !ok {
		return Result{}, errors.Errorf("unknown command %q", name)
	}
	if button, gated := gates[name]; gated && !c.Enabled(button) {
		c.logger.Debugf("%s is disabled in the current state", name)
		return Result{Message: name + " is disabled"}, nil
	}

	c.refreshRequested = false
	res, err := h(ctx, c, payload)
	res.Refresh = res.Refresh || c.refreshRequested
	defer c.FlushRefresh(ctx)

	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, errBadPayload):
		return Result{}, err
	case errors.Is(err, ErrPrecondition):
		c.logger.Debugf("%s: %v", name, err)
	default:
		c.logger.Warnf("%s failed: %v", name, err)
	}
	res.OK = false
	res.Message = err.Error()
	return res, nil
}

var errBadPayload = errors.New("bad payload")

func stringArg(payload map[string]interface{}, key string) (string, error) {
	v, ok := payload[key].(string)
	if !ok || v == "" {
		return "", errors.Wrapf(errBadPayload, "%s must be a non-empty string", key)
	}
	return v, nil
}

func intArg(payload map[string]interface{}, key string) (int, error) {
	switch v := payload[key].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, errors.Wrapf(errBadPayload, "%s must be an integer, got %v", key, v)
		}
		return int(v), nil
	default:
		return 0, errors.Wrapf(errBadPayload, "%s must be a number", key)
	}
}

// Status reports the session state.
func (c *Controller) Status() map[string]interface{} {
	remote, local := c.link.Endpoints()
	axes := c.axes.Axes()
	names := make([]string, len(axes))
	bound := make([]string, len(axes))
	for i, a := range axes {
		names[i] = a.Name
		if a.Entity != nil {
			bound[i] = a.Entity.Name()
		}
	}
	status := map[string]interface{}{
		"connected":         c.link.IsOpen(),
		"remote":            remote,
		"local":             local,
		"mode":              c.modes.Mode().String(),
		"reconcile_pending": c.modes.ReconcilePending(),
		"joint_count":       len(axes),
		"axis_names":        names,
		"bound_entities":    bound,
		"targets":           c.targets.Values(),
		"discrete_speed":    c.link.DiscreteSpeed(),
	}
	if c.link.IsOpen() {
		status["session"] = c.link.Session().String()
	}
	for b := range gates {
		status[b+"_enabled"] = c.Enabled(gates[b])
	}
	return status
}
