// Package sim provides an in-memory control board. It backs the simboard
// binary and the tests of every layer above the driver contract.
package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"rcboard/driver"
)

// Operation names used for failure injection and call recording.
const (
	OpOpen            = "open"
	OpAxes            = "axes"
	OpAxisName        = "axis_name"
	OpSetControlModes = "set_control_modes"
	OpSetRefSpeeds    = "set_ref_speeds"
	OpPositionMove    = "position_move"
	OpSetPositions    = "set_positions"
	OpRefPositions    = "ref_positions"
)

// ErrClosed is returned by facet calls on a closed session.
var ErrClosed = errors.New("sim: session closed")

// Facet selects one capability of the board.
type Facet int

// Board facets.
const (
	FacetAxisInfo Facet = iota
	FacetControlModes
	FacetPositionControl
	FacetPositionDirect
)

// Call records one facet invocation.
type Call struct {
	Op     string
	Axis   int
	Values []float64
	Modes  []driver.ControlMode
}

// Board is a simulated control board. Moves complete instantly.
type Board struct {
	mu        sync.Mutex
	names     []string
	modes     []driver.ControlMode
	positions []float64
	speeds    []float64
	missing   map[Facet]bool
	failures  map[string]error
	calls     []Call
	lastOpts  driver.Options
	opened    int
	live      int
}

// NewBoard returns a board with one axis per name, all in position mode at 0°.
func NewBoard(names ...string) *Board {
	b := &Board{
		missing:  make(map[Facet]bool),
		failures: make(map[string]error),
	}
	b.setNamesLocked(names)
	return b
}

func (b *Board) setNamesLocked(names []string) {
	b.names = append([]string(nil), names...)
	b.modes = driver.UniformModes(driver.ModePosition, len(names))
	b.positions = make([]float64, len(names))
	b.speeds = make([]float64, len(names))
}

// SetNames replaces the board topology.
func (b *Board) SetNames(names ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setNamesLocked(names)
}

// DisableFacet makes the facet unavailable to sessions opened afterwards.
func (b *Board) DisableFacet(f Facet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.missing[f] = true
}

// Fail makes every subsequent op fail with err until Recover is called.
func (b *Board) Fail(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = err
}

// Recover clears an injected failure.
func (b *Board) Recover(op string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, op)
}

// SetPosition moves one axis reference, as if driven externally.
func (b *Board) SetPosition(axis int, deg float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[axis] = deg
}

// Positions returns a copy of the reference positions.
func (b *Board) Positions() []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]float64(nil), b.positions...)
}

// Speeds returns a copy of the reference speeds.
func (b *Board) Speeds() []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]float64(nil), b.speeds...)
}

// Modes returns a copy of the per-axis control modes.
func (b *Board) Modes() []driver.ControlMode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]driver.ControlMode(nil), b.modes...)
}

// Calls returns every recorded call.
func (b *Board) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// CallsOf returns the recorded calls of one operation.
func (b *Board) CallsOf(op string) []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Call
	for _, c := range b.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls forgets recorded calls.
func (b *Board) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
}

// LiveSessions reports how many sessions are open.
func (b *Board) LiveSessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live
}

// Opened reports how many sessions were ever opened.
func (b *Board) Opened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened
}

// LastOptions returns the options of the most recent Open.
func (b *Board) LastOptions() driver.Options {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastOpts
}

// Open implements driver.Opener.
func (b *Board) Open(ctx context.Context, opts driver.Options) (driver.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastOpts = opts
	if err := b.failures[OpOpen]; err != nil {
		return nil, err
	}
	b.opened++
	b.live++
	return &session{
		board:   b,
		missing: copyMissing(b.missing),
	}, nil
}

func copyMissing(in map[Facet]bool) map[Facet]bool {
	out := make(map[Facet]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// enter takes the board lock and checks for injected failures. On success the
// caller owns the lock and must release it.
func (b *Board) enter(s *session, c Call) error {
	b.mu.Lock()
	if s.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.calls = append(b.calls, c)
	if err := b.failures[c.Op]; err != nil {
		b.mu.Unlock()
		return err
	}
	return nil
}

type session struct {
	board   *Board
	missing map[Facet]bool
	closed  bool
}

func (s *session) AxisInfo() (driver.AxisInfo, bool) {
	return s, !s.missing[FacetAxisInfo]
}

func (s *session) ControlModes() (driver.ControlModes, bool) {
	return s, !s.missing[FacetControlModes]
}

func (s *session) PositionControl() (driver.PositionControl, bool) {
	return s, !s.missing[FacetPositionControl]
}

func (s *session) PositionDirect() (driver.PositionDirect, bool) {
	return s, !s.missing[FacetPositionDirect]
}

func (s *session) Close() error {
	s.board.mu.Lock()
	defer s.board.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.board.live--
	return nil
}

func (s *session) Axes(ctx context.Context) (int, error) {
	if err := s.board.enter(s, Call{Op: OpAxes}); err != nil {
		return 0, err
	}
	defer s.board.mu.Unlock()
	return len(s.board.names), nil
}

func (s *session) AxisName(ctx context.Context, axis int) (string, error) {
	if err := s.board.enter(s, Call{Op: OpAxisName, Axis: axis}); err != nil {
		return "", err
	}
	defer s.board.mu.Unlock()
	if axis < 0 || axis >= len(s.board.names) {
		return "", fmt.Errorf("sim: axis %d out of range [0,%d)", axis, len(s.board.names))
	}
	return s.board.names[axis], nil
}

func (s *session) SetControlModes(ctx context.Context, modes []driver.ControlMode) error {
	c := Call{Op: OpSetControlModes, Modes: append([]driver.ControlMode(nil), modes...)}
	if err := s.board.enter(s, c); err != nil {
		return err
	}
	defer s.board.mu.Unlock()
	if len(modes) != len(s.board.names) {
		return fmt.Errorf("sim: expected %d control modes, got %d", len(s.board.names), len(modes))
	}
	copy(s.board.modes, modes)
	return nil
}

func (s *session) SetRefSpeeds(ctx context.Context, degsPerSec []float64) error {
	if err := s.board.enter(s, Call{Op: OpSetRefSpeeds, Values: append([]float64(nil), degsPerSec...)}); err != nil {
		return err
	}
	defer s.board.mu.Unlock()
	if len(degsPerSec) != len(s.board.names) {
		return fmt.Errorf("sim: expected %d speeds, got %d", len(s.board.names), len(degsPerSec))
	}
	copy(s.board.speeds, degsPerSec)
	return nil
}

func (s *session) PositionMove(ctx context.Context, targets []float64) error {
	return s.move(OpPositionMove, driver.ModePosition, targets)
}

func (s *session) SetPositions(ctx context.Context, targets []float64) error {
	return s.move(OpSetPositions, driver.ModePositionDirect, targets)
}

func (s *session) move(op string, want driver.ControlMode, targets []float64) error {
	if err := s.board.enter(s, Call{Op: op, Values: append([]float64(nil), targets...)}); err != nil {
		return err
	}
	defer s.board.mu.Unlock()
	if len(targets) != len(s.board.names) {
		return fmt.Errorf("sim: expected %d targets, got %d", len(s.board.names), len(targets))
	}
	for i, m := range s.board.modes {
		if m != want {
			return fmt.Errorf("sim: axis %d is in %s mode, %s requires %s", i, m, op, want)
		}
	}
	copy(s.board.positions, targets)
	return nil
}

func (s *session) RefPositions(ctx context.Context) ([]float64, error) {
	if err := s.board.enter(s, Call{Op: OpRefPositions}); err != nil {
		return nil, err
	}
	defer s.board.mu.Unlock()
	return append([]float64(nil), s.board.positions...), nil
}
