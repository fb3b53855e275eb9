package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"go.viam.com/rdk/logging"

	"rcboard"
	"rcboard/scene"
)

// defaultPlayFrames is used when the scene has no keyframes.
const defaultPlayFrames = 250

// console drives a Controller from an interactive prompt.
type console struct {
	ctrl   *rcboard.Controller
	doc    *scene.Document
	cfg    *rcboard.Config
	logger logging.Logger
	rl     *readline.Instance
	frame  float64
}

func newConsole(ctrl *rcboard.Controller, doc *scene.Document, cfg *rcboard.Config, logger logging.Logger) (*console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "rcboard> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("connect"),
			readline.PcItem("disconnect"),
			readline.PcItem("configure"),
			readline.PcItem("send"),
			readline.PcItem("mode",
				readline.PcItem(rcboard.ModeNamePosition),
				readline.PcItem(rcboard.ModeNamePositionDirect),
			),
			readline.PcItem("play"),
			readline.PcItem("seek"),
			readline.PcItem("rot"),
			readline.PcItem("bind"),
			readline.PcItem("unbind"),
			readline.PcItem("joints"),
			readline.PcItem("ports"),
			readline.PcItem("status"),
			readline.PcItem("help"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	c := &console{ctrl: ctrl, doc: doc, cfg: cfg, logger: logger, rl: rl}
	ctrl.OnRefresh(func(d rcboard.Description) {
		fmt.Fprintf(c.out(), "[%s] connected=%v joints=%d\n", d.Mode, d.Connected, d.JointCount)
	})
	return c, nil
}

func (c *console) out() io.Writer {
	return c.rl.Stdout()
}

// Run reads commands until quit, EOF or ctx is done.
func (c *console) Run(ctx context.Context) error {
	defer func() {
		if err := c.rl.Close(); err != nil {
			c.logger.Debugf("readline close: %v", err)
		}
	}()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.out(), "Exiting...")
			return nil
		}

		parts := strings.Fields(strings.TrimSpace(line))
		if len(parts) == 0 {
			continue
		}
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			c.printHelp()
		case "quit", "exit", "q":
			return nil
		case "connect":
			c.dispatch(ctx, rcboard.CmdConnect, nil)
		case "disconnect":
			c.dispatch(ctx, rcboard.CmdDisconnect, nil)
		case "configure":
			c.dispatch(ctx, rcboard.CmdConfigure, nil)
		case "send":
			c.dispatch(ctx, rcboard.CmdSendPosition, nil)
		case "mode", "m":
			c.cmdMode(ctx, args)
		case "play", "p":
			c.cmdPlay(ctx, args)
		case "seek":
			c.cmdSeek(args)
		case "rot", "r":
			c.cmdRotate(args)
		case "bind":
			c.cmdBind(ctx, args)
		case "unbind":
			c.cmdUnbind(ctx, args)
		case "joints":
			c.cmdJoints(ctx, args)
		case "ports":
			c.cmdPorts()
		case "status", "s":
			c.cmdStatus(ctx)
		default:
			fmt.Fprintf(c.out(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (c *console) printHelp() {
	fmt.Fprint(c.out(), `
Commands:
  connect                  Open the board and enter position mode
  disconnect               Release the board
  configure                Discover axis names and bind them to scene nodes
  send                     Send the current pose (position mode only)
  mode <name>              position | position_direct
  play [frames]            Animate the scene, streaming in position_direct mode
  seek <frame>             Evaluate the scene at a frame
  rot <node> <deg>         Set a node's rotation
  bind <axis> <node>       Bind an axis to a scene node
  unbind <axis>            Clear an axis binding
  joints <n>               Set the joint count (disconnected only)
  ports                    List candidate serial ports
  status                   Show session state
  quit                     Exit
`)
}

func (c *console) dispatch(ctx context.Context, name string, payload map[string]interface{}) rcboard.Result {
	res, err := c.ctrl.Dispatch(ctx, name, payload)
	if err != nil {
		fmt.Fprintf(c.out(), "Error: %v\n", err)
		return res
	}
	switch {
	case res.Message != "":
		fmt.Fprintln(c.out(), res.Message)
	case !res.OK:
		fmt.Fprintf(c.out(), "%s failed\n", name)
	}
	return res
}

func (c *console) cmdMode(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintf(c.out(), "Mode: %s\n", c.ctrl.Mode())
		return
	}
	c.dispatch(ctx, rcboard.CmdSetMode, map[string]interface{}{"mode": args[0]})
}

// cmdPlay advances the scene at the configured frame rate, ticking the
// controller after each frame. It stops early if the session fails over.
func (c *console) cmdPlay(ctx context.Context, args []string) {
	frames := defaultPlayFrames
	first, last, ok := c.doc.FrameRange()
	if ok {
		frames = last - first + 1
	}
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			fmt.Fprintln(c.out(), "Usage: play [frames]")
			return
		}
		frames = n
	}

	ticker := time.NewTicker(time.Duration(float64(time.Second) / c.cfg.FrameRate))
	defer ticker.Stop()

	step := c.doc.FPS() / c.cfg.FrameRate
	counts := map[rcboard.TickResult]int{}
	for i := 0; i < frames; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.doc.Evaluate(c.frame)
		c.frame += step
		if ok && c.frame > float64(last) {
			c.frame = float64(first)
		}

		res, err := c.ctrl.Tick(ctx)
		counts[res]++
		if res == rcboard.TickFailover {
			fmt.Fprintf(c.out(), "Failover at frame %.1f, back in %s mode\n", c.frame, c.ctrl.Mode())
			break
		}
		if err != nil {
			c.logger.Debugf("tick: %v", err)
		}
	}
	fmt.Fprintf(c.out(), "Played to frame %.1f: sent=%d failed=%d idle=%d\n",
		c.frame, counts[rcboard.TickSent], counts[rcboard.TickSendFailed], counts[rcboard.TickIdle])
}

func (c *console) cmdSeek(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out(), "Usage: seek <frame>")
		return
	}
	frame, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		fmt.Fprintf(c.out(), "Invalid frame: %v\n", err)
		return
	}
	c.frame = frame
	c.doc.Evaluate(frame)
}

func (c *console) cmdRotate(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(c.out(), "Usage: rot <node> <deg>")
		return
	}
	node, ok := c.doc.Node(args[0])
	if !ok {
		fmt.Fprintf(c.out(), "No scene node named %q\n", args[0])
		return
	}
	deg, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		fmt.Fprintf(c.out(), "Invalid angle: %v\n", err)
		return
	}
	node.SetRotation(deg * math.Pi / 180)
}

func (c *console) cmdBind(ctx context.Context, args []string) {
	if len(args) != 2 {
		fmt.Fprintln(c.out(), "Usage: bind <axis> <node>")
		return
	}
	axis, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(c.out(), "Invalid axis: %v\n", err)
		return
	}
	c.dispatch(ctx, rcboard.CmdBind, map[string]interface{}{"axis": axis, "entity": args[1]})
}

func (c *console) cmdUnbind(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out(), "Usage: unbind <axis>")
		return
	}
	axis, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(c.out(), "Invalid axis: %v\n", err)
		return
	}
	c.dispatch(ctx, rcboard.CmdUnbind, map[string]interface{}{"axis": axis})
}

func (c *console) cmdJoints(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintf(c.out(), "Joints: %d\n", c.ctrl.AxisCount())
		return
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(c.out(), "Invalid count: %v\n", err)
		return
	}
	c.dispatch(ctx, rcboard.CmdSetJointCount, map[string]interface{}{"count": n})
}

func (c *console) cmdPorts() {
	ports, err := rcboard.CandidatePorts()
	if err != nil {
		fmt.Fprintf(c.out(), "Error: %v\n", err)
		return
	}
	if len(ports) == 0 {
		fmt.Fprintln(c.out(), "No candidate serial ports found")
		return
	}
	for _, p := range ports {
		fmt.Fprintf(c.out(), "  %s\n", p)
	}
}

func (c *console) cmdStatus(ctx context.Context) {
	res := c.dispatch(ctx, rcboard.CmdStatus, nil)
	keys := make([]string, 0, len(res.Data))
	for k := range res.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(c.out(), "  %-20s %v\n", k, res.Data[k])
	}
}
