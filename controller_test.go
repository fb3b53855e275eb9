package rcboard

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"

	"rcboard/driver"
	"rcboard/driver/sim"
	"rcboard/scene"
)

// fixture is a controller on a simulated board with a scene of its own.
type fixture struct {
	ctrl  *Controller
	board *sim.Board
	doc   *scene.Document
	cfg   *Config
}

func newFixture(t *testing.T, boardAxes []string, jointCount int, joints ...string) *fixture {
	t.Helper()
	cfg := &Config{
		Remote:     "/sim/arm",
		Carrier:    driver.CarrierSim,
		JointCount: jointCount,
		Joints:     joints,
	}
	_, _, err := cfg.Validate("test")
	require.NoError(t, err)

	doc := scene.NewDocument()
	for _, name := range joints {
		doc.AddNode(name)
	}
	board := sim.NewBoard(boardAxes...)
	ctrl, err := NewController(cfg, doc, board.Open, logging.NewTestLogger(t))
	require.NoError(t, err)
	return &fixture{ctrl: ctrl, board: board, doc: doc, cfg: cfg}
}

// setDeg sets the primary rotation of a scene node in degrees.
func (f *fixture) setDeg(t *testing.T, name string, deg float64) {
	t.Helper()
	n, ok := f.doc.Node(name)
	require.True(t, ok)
	n.SetRotation(deg * math.Pi / 180)
}

func (f *fixture) assertSized(t *testing.T) {
	t.Helper()
	assert.Equal(t, f.ctrl.AxisCount(), f.ctrl.targets.Len())
	assert.Equal(t, f.ctrl.AxisCount(), f.cfg.JointCount)
}

// continuous connects and switches to Continuous with the board reference at refs.
func (f *fixture) continuous(t *testing.T, refs ...float64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.ctrl.Connect(ctx))
	for i, r := range refs {
		f.board.SetPosition(i, r)
	}
	require.NoError(t, f.ctrl.SetMode(ctx, ModeContinuous))
	require.Equal(t, ModeContinuous, f.ctrl.Mode())
	f.board.ResetCalls()
}

func TestConnect(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		f := newFixture(t, []string{"shoulder", "elbow"}, 2, "a", "b")
		f.board.SetPosition(1, 12)

		require.NoError(t, f.ctrl.Connect(ctx))
		assert.True(t, f.ctrl.Connected())
		assert.Equal(t, ModeDiscrete, f.ctrl.Mode())
		assert.Equal(t, []driver.ControlMode{driver.ModePosition, driver.ModePosition}, f.board.Modes())
		assert.Equal(t, []float64{0, 12}, f.ctrl.Targets())
		assert.Equal(t, "/rcboard/arm", f.board.LastOptions().Local)

		axes := f.ctrl.axes.Axes()
		assert.Equal(t, "shoulder", axes[0].Name)
		assert.Equal(t, "elbow", axes[1].Name)
		assert.Equal(t, "a", axes[0].Entity.Name())

		err := f.ctrl.Connect(ctx)
		assert.ErrorIs(t, err, ErrPrecondition)
		assert.Equal(t, 1, f.board.Opened())
	})

	t.Run("axis count mismatch leaves the link closed", func(t *testing.T) {
		f := newFixture(t, []string{"j0", "j1"}, 3)

		err := f.ctrl.Connect(ctx)
		assert.ErrorIs(t, err, ErrTopologyMismatch)
		assert.False(t, f.ctrl.Connected())
		assert.Equal(t, 0, f.board.LiveSessions())
		assert.Nil(t, f.ctrl.link.info)
		assert.Nil(t, f.ctrl.link.direct)
		f.assertSized(t)
	})

	t.Run("names unavailable", func(t *testing.T) {
		f := newFixture(t, []string{"j0"}, 1)
		f.board.Fail(sim.OpAxisName, assert.AnError)

		err := f.ctrl.Connect(ctx)
		assert.ErrorIs(t, err, ErrConnection)
		assert.False(t, f.ctrl.Connected())
		assert.Equal(t, 0, f.board.LiveSessions())
		assert.Equal(t, "joint0", f.ctrl.axes.Axes()[0].Name)
	})

	t.Run("control mode rejected", func(t *testing.T) {
		f := newFixture(t, []string{"j0"}, 1)
		f.board.Fail(sim.OpSetControlModes, assert.AnError)

		assert.ErrorIs(t, f.ctrl.Connect(ctx), ErrConnection)
		assert.Equal(t, 0, f.board.LiveSessions())
	})

	t.Run("configured direct mode", func(t *testing.T) {
		f := newFixture(t, []string{"j0"}, 1)
		f.ctrl.initialMode = ModeContinuous

		require.NoError(t, f.ctrl.Connect(ctx))
		assert.Equal(t, ModeContinuous, f.ctrl.Mode())
		assert.Equal(t, []driver.ControlMode{driver.ModePositionDirect}, f.board.Modes())
	})
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture(t, []string{"j0", "j1"}, 2)
	require.NoError(t, f.ctrl.Connect(context.Background()))

	require.NoError(t, f.ctrl.Close())
	first := f.ctrl.Status()
	require.NoError(t, f.ctrl.Close())
	assert.Equal(t, first, f.ctrl.Status())

	assert.False(t, f.ctrl.Connected())
	assert.Equal(t, 0, f.board.LiveSessions())

	never := newFixture(t, []string{"j0"}, 1)
	assert.NoError(t, never.ctrl.Close())
}

func TestAutoConfigure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"j0", "j1", "j2"}, 0)
	f.doc.AddNode("j0")
	f.doc.AddNode("j2")

	topo, err := f.ctrl.AutoConfigure(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"j0", "j1", "j2"}, topo.Names)
	assert.Equal(t, 2, topo.Bound)

	axes := f.ctrl.axes.Axes()
	require.Len(t, axes, 3)
	assert.Equal(t, "j0", axes[0].Entity.Name())
	assert.Nil(t, axes[1].Entity)
	assert.Equal(t, "j2", axes[2].Entity.Name())
	assert.Equal(t, "j1", axes[1].Name)
	f.assertSized(t)

	assert.False(t, f.ctrl.Connected())
	assert.Equal(t, 0, f.board.LiveSessions())

	t.Run("connect after configure", func(t *testing.T) {
		require.NoError(t, f.ctrl.Connect(ctx))
		_, err := f.ctrl.AutoConfigure(ctx)
		assert.ErrorIs(t, err, ErrPrecondition)
		require.NoError(t, f.ctrl.Disconnect(ctx))
	})

	t.Run("zero matches still succeed", func(t *testing.T) {
		g := newFixture(t, []string{"x", "y"}, 0)
		topo, err := g.ctrl.AutoConfigure(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, topo.Bound)
		assert.Equal(t, 2, g.ctrl.AxisCount())
	})

	t.Run("names unavailable", func(t *testing.T) {
		g := newFixture(t, []string{"x", "y"}, 0)
		g.board.Fail(sim.OpAxisName, assert.AnError)
		_, err := g.ctrl.AutoConfigure(ctx)
		assert.Error(t, err)
		assert.Equal(t, 0, g.board.LiveSessions())
		g.assertSized(t)
	})

	t.Run("shrinking drops bindings", func(t *testing.T) {
		require.Equal(t, "j2", f.ctrl.axes.Axes()[2].Entity.Name())

		f.board.SetNames("j0")
		_, err := f.ctrl.AutoConfigure(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, f.ctrl.AxisCount())
		f.assertSized(t)
		assert.Equal(t, "j0", f.ctrl.axes.Axes()[0].Entity.Name())

		// Growing again yields fresh placeholder axes, not the old bindings.
		f.ctrl.resize(3)
		axes := f.ctrl.axes.Axes()
		require.Len(t, axes, 3)
		assert.Nil(t, axes[1].Entity)
		assert.Nil(t, axes[2].Entity)
		assert.Equal(t, "joint2", axes[2].Name)
		f.assertSized(t)
	})
}

func TestAxisBindingResize(t *testing.T) {
	doc := scene.NewDocument()
	b := NewAxisBinding(nil, logging.NewTestLogger(t))
	assert.Equal(t, 0, b.resize(4))
	require.NoError(t, b.Bind(1, doc.AddNode("a")))
	require.NoError(t, b.Bind(3, doc.AddNode("b")))

	assert.Equal(t, 1, b.resize(2), "only the binding on axis 3 is past the new count")
	require.Equal(t, 2, b.Len())
	assert.Equal(t, "a", b.Axes()[1].Entity.Name())

	assert.Equal(t, 1, b.resize(0))
	assert.Equal(t, 0, b.Len())
}

func TestSafetyFailover(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"j0", "j1"}, 2, "j0", "j1")
	f.setDeg(t, "j0", 10)
	f.setDeg(t, "j1", 20)
	f.continuous(t, 10, 20)
	require.Equal(t, []float64{10, 20}, f.ctrl.Targets())

	f.setDeg(t, "j1", 26)
	res, err := f.ctrl.Tick(ctx)
	require.NoError(t, err)

	assert.Equal(t, TickFailover, res)
	assert.Equal(t, ModeDiscrete, f.ctrl.Mode())
	assert.Empty(t, f.board.CallsOf(sim.OpSetPositions))
	assert.Empty(t, f.board.CallsOf(sim.OpPositionMove))
	assert.Equal(t, []float64{10, 20}, f.ctrl.Targets())
	assert.Equal(t, []driver.ControlMode{driver.ModePosition, driver.ModePosition}, f.board.Modes())

	// The refresh that follows the failover pushes the machine mode to the UI.
	assert.False(t, f.ctrl.modes.ReconcilePending())
	assert.Equal(t, ModeDiscrete, f.ctrl.uiMode)
}

func TestSafetyFailoverPending(t *testing.T) {
	f := newFixture(t, []string{"j0", "j1"}, 2, "j0", "j1")
	f.setDeg(t, "j0", 10)
	f.setDeg(t, "j1", 20)
	f.continuous(t, 10, 20)

	f.setDeg(t, "j1", 26)
	res, err := f.ctrl.sync.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickFailover, res)
	assert.True(t, f.ctrl.modes.ReconcilePending())
	assert.Equal(t, ModeContinuous, f.ctrl.uiMode)
}

func TestSafetyFailoverOnNaN(t *testing.T) {
	f := newFixture(t, []string{"j0", "j1"}, 2, "j0", "j1")
	f.continuous(t, 0, 0)

	f.setDeg(t, "j1", math.NaN())
	res, err := f.ctrl.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickFailover, res)
	assert.Equal(t, ModeDiscrete, f.ctrl.Mode())
	assert.Empty(t, f.board.CallsOf(sim.OpSetPositions))
	assert.Equal(t, []float64{0, 0}, f.ctrl.Targets())
}

func TestContinuousSend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"j0", "j1"}, 2, "j0", "j1")
	f.setDeg(t, "j0", 10)
	f.setDeg(t, "j1", 20)
	f.continuous(t, 10, 20)

	f.setDeg(t, "j1", 23)
	res, err := f.ctrl.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickSent, res)
	assert.Equal(t, ModeContinuous, f.ctrl.Mode())

	targets := f.ctrl.Targets()
	assert.InDelta(t, 10, targets[0], 1e-9)
	assert.InDelta(t, 23, targets[1], 1e-9)

	sent := f.board.CallsOf(sim.OpSetPositions)
	require.Len(t, sent, 1)
	assert.InDeltaSlice(t, []float64{10, 23}, sent[0].Values, 1e-9)

	t.Run("send failure keeps the mode", func(t *testing.T) {
		f.board.Fail(sim.OpSetPositions, assert.AnError)
		defer f.board.Recover(sim.OpSetPositions)

		f.setDeg(t, "j0", 12)
		res, err := f.ctrl.Tick(ctx)
		assert.ErrorIs(t, err, ErrTransientSend)
		assert.Equal(t, TickSendFailed, res)
		assert.Equal(t, ModeContinuous, f.ctrl.Mode())
		assert.True(t, f.ctrl.Connected())
	})
}

func TestContinuousStreamsPastHalfTurn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"j0"}, 1, "j0")
	f.setDeg(t, "j0", 178)
	f.continuous(t, 178)

	for _, deg := range []float64{179, 181, 183} {
		f.setDeg(t, "j0", deg)
		res, err := f.ctrl.Tick(ctx)
		require.NoError(t, err)
		require.Equal(t, TickSent, res, "tick at %v", deg)
	}
	assert.Equal(t, ModeContinuous, f.ctrl.Mode())

	sent := f.board.CallsOf(sim.OpSetPositions)
	require.Len(t, sent, 3)
	assert.InDelta(t, 181, sent[1].Values[0], 1e-9)
	assert.InDelta(t, 183, sent[2].Values[0], 1e-9)

	t.Run("discrete move past half a turn", func(t *testing.T) {
		require.NoError(t, f.ctrl.SetMode(ctx, ModeDiscrete))
		f.setDeg(t, "j0", 200)
		require.NoError(t, f.ctrl.SendPosition(ctx))
		assert.InDelta(t, 200, f.board.Positions()[0], 1e-9)
	})
}

func TestUnboundAxesHoldTheirTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"j0", "j1"}, 2, "j0")
	f.setDeg(t, "j0", 1)
	f.continuous(t, 1, 50)

	f.setDeg(t, "j0", 2)
	res, err := f.ctrl.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickSent, res)
	assert.InDeltaSlice(t, []float64{2, 50}, f.ctrl.Targets(), 1e-9)
}

func TestContinuousRequiresOpenLink(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"j0"}, 1, "j0")

	assert.ErrorIs(t, f.ctrl.modes.RequestContinuous(ctx), ErrPrecondition)
	assert.Equal(t, ModeDiscrete, f.ctrl.Mode())

	f.continuous(t, 0)
	require.NoError(t, f.ctrl.Disconnect(ctx))
	assert.Equal(t, ModeDiscrete, f.ctrl.Mode())
	assert.False(t, f.ctrl.Connected())

	res, err := f.ctrl.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickIdle, res)
	assert.Equal(t, ModeDiscrete, f.ctrl.uiMode)
}

func TestContinuousSeedFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"j0"}, 1)
	require.NoError(t, f.ctrl.Connect(ctx))

	f.board.Fail(sim.OpRefPositions, assert.AnError)
	err := f.ctrl.modes.RequestContinuous(ctx)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, ModeDiscrete, f.ctrl.Mode())
	assert.Equal(t, []driver.ControlMode{driver.ModePosition}, f.board.Modes())
}

func TestSendPosition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"j0", "j1"}, 2, "j0", "j1")

	assert.ErrorIs(t, f.ctrl.SendPosition(ctx), ErrPrecondition)

	require.NoError(t, f.ctrl.Connect(ctx))
	f.ctrl.link.SetDiscreteSpeed(7)
	f.setDeg(t, "j0", 30)
	f.setDeg(t, "j1", -45)

	require.NoError(t, f.ctrl.SendPosition(ctx))
	assert.Equal(t, []float64{7, 7}, f.board.Speeds())
	assert.InDeltaSlice(t, []float64{30, -45}, f.board.Positions(), 1e-9)
	assert.InDeltaSlice(t, []float64{30, -45}, f.ctrl.Targets(), 1e-9)

	calls := f.board.Calls()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, sim.OpSetRefSpeeds, calls[len(calls)-2].Op)
	assert.Equal(t, sim.OpPositionMove, calls[len(calls)-1].Op)
}

func TestSendDiscreteInContinuousModeIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"j0", "j1"}, 2, "j0", "j1")
	f.continuous(t, 1, 2)

	before := f.ctrl.Status()
	err := f.ctrl.link.SendDiscreteTargets(ctx, f.ctrl.Mode(), []float64{5, 5})
	assert.ErrorIs(t, err, ErrPrecondition)
	assert.ErrorIs(t, f.ctrl.SendPosition(ctx), ErrPrecondition)

	assert.Empty(t, f.board.Calls())
	assert.Equal(t, before, f.ctrl.Status())
}

func TestCalibrationApplied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"j0"}, 1, "j0")
	f.ctrl.axes.calibration = []AxisCalibration{{Invert: true, OffsetDeg: 90, MinDeg: 0, MaxDeg: 100}}
	require.NoError(t, f.ctrl.Connect(ctx))

	f.setDeg(t, "j0", 30)
	require.NoError(t, f.ctrl.SendPosition(ctx))
	assert.InDeltaSlice(t, []float64{60}, f.board.Positions(), 1e-9)

	f.setDeg(t, "j0", -40)
	require.NoError(t, f.ctrl.SendPosition(ctx))
	assert.InDeltaSlice(t, []float64{100}, f.board.Positions(), 1e-9)
}

func TestBuffersStaySized(t *testing.T) {
	f := newFixture(t, []string{"j0", "j1", "j2"}, 1)
	f.assertSized(t)

	require.NoError(t, f.ctrl.SetJointCount(4))
	f.assertSized(t)
	require.NoError(t, f.ctrl.SetJointCount(3))
	f.assertSized(t)

	require.NoError(t, f.ctrl.Connect(context.Background()))
	assert.ErrorIs(t, f.ctrl.SetJointCount(5), ErrPrecondition)
	f.assertSized(t)
	assert.Equal(t, 3, f.ctrl.AxisCount())
}

func TestRefreshHook(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"j0"}, 1, "j0")

	var got []Description
	f.ctrl.OnRefresh(func(d Description) { got = append(got, d) })

	_, err := f.ctrl.Dispatch(ctx, CmdConnect, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Connected)
	assert.False(t, got[0].Buttons[ButtonConnect])
	assert.True(t, got[0].Buttons[ButtonSend])

	_, err = f.ctrl.Dispatch(ctx, CmdDisconnect, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.False(t, got[1].Connected)
	assert.True(t, got[1].Buttons[ButtonConnect])
	assert.False(t, got[1].Buttons[ButtonDisconnect])

	res, err := f.ctrl.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickIdle, res)
	assert.Len(t, got, 2)
}
