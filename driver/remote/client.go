package remote

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"rcboard/driver"
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("remote: client closed")

const byeTimeout = 250 * time.Millisecond

// BoardError is a failure reported by the board itself.
type BoardError struct {
	Op      Op
	Message string
}

func (e *BoardError) Error() string {
	return fmt.Sprintf("board rejected %s: %s", e.Op, e.Message)
}

func init() {
	driver.Register(driver.CarrierTCP, Dial)
	driver.Register(driver.CarrierSerial, DialSerial)
}

// Dial opens a TCP session with the board server at opts.Address.
func Dial(ctx context.Context, opts driver.Options) (driver.Device, error) {
	if opts.Address == "" {
		return nil, errors.New("tcp carrier requires an address")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", opts.Address)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", opts.Address)
	}
	client, err := NewClient(ctx, conn, opts)
	if err != nil {
		utils.UncheckedError(conn.Close())
		return nil, err
	}
	return client, nil
}

// Client is one session with a remote board. Calls are serialized; each one
// is a single request/response round trip.
type Client struct {
	conn    io.ReadWriteCloser
	framer  *framer
	timeout time.Duration

	mu     sync.Mutex
	nextID uint32
	facets map[string]bool
	closed bool
	// lost is the stream failure that closed the client, if any.
	lost error
}

// NewClient performs the hello handshake on conn. If it returns an error the
// caller still closes conn, which may already be closed.
func NewClient(ctx context.Context, conn io.ReadWriteCloser, opts driver.Options) (*Client, error) {
	c := &Client{
		conn:    conn,
		framer:  newFramer(conn),
		timeout: opts.Timeout,
		facets:  make(map[string]bool),
	}

	resp, err := c.call(ctx, &Request{Op: OpHello, Remote: opts.Remote, Local: opts.Local})
	if err != nil {
		return nil, errors.Wrapf(err, "handshake with %s failed", opts.Remote)
	}
	for _, f := range resp.Facets {
		c.facets[f] = true
	}
	return c, nil
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

func (c *Client) applyDeadline(ctx context.Context) {
	d, ok := c.conn.(deadliner)
	if !ok {
		return
	}
	var deadline time.Time
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}
	utils.UncheckedError(d.SetDeadline(deadline))
}

// isTimeout reports whether err is an expired deadline. The stream is still
// in sync after one: the framer keeps partial frames and late responses are
// skipped by id.
func isTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// fail closes a client whose stream can no longer be trusted.
func (c *Client) fail(err error) {
	c.closed = true
	c.lost = err
	utils.UncheckedError(c.conn.Close())
}

func (c *Client) call(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		if c.lost != nil {
			return nil, errors.Wrapf(ErrClosed, "session lost: %v", c.lost)
		}
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.nextID++
	req.ID = c.nextID
	c.applyDeadline(ctx)

	data, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	if err := c.framer.WriteFrame(data); err != nil {
		// A partial write leaves the board reading garbage.
		c.fail(err)
		return nil, errors.Wrapf(err, "%s request failed", req.Op)
	}

	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			if !isTimeout(err) {
				c.fail(err)
			}
			return nil, errors.Wrapf(err, "%s response failed", req.Op)
		}
		resp, err := DecodeResponse(frame)
		if err != nil {
			return nil, err
		}
		if resp.ID < req.ID {
			// Answer to an earlier request that timed out.
			continue
		}
		if resp.ID != req.ID {
			err := errors.Errorf("%s: response id %d does not match request id %d", req.Op, resp.ID, req.ID)
			c.fail(err)
			return nil, err
		}
		if !resp.OK {
			return nil, &BoardError{Op: req.Op, Message: resp.Error}
		}
		return resp, nil
	}
}

// Facets lists the facets the board advertised.
func (c *Client) Facets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.facets))
	for _, f := range []string{FacetAxisInfo, FacetControlModes, FacetPositionControl, FacetPositionDirect} {
		if c.facets[f] {
			out = append(out, f)
		}
	}
	return out
}

func (c *Client) has(facet string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.facets[facet]
}

// AxisInfo implements driver.Device.
func (c *Client) AxisInfo() (driver.AxisInfo, bool) { return c, c.has(FacetAxisInfo) }

// ControlModes implements driver.Device.
func (c *Client) ControlModes() (driver.ControlModes, bool) { return c, c.has(FacetControlModes) }

// PositionControl implements driver.Device.
func (c *Client) PositionControl() (driver.PositionControl, bool) {
	return c, c.has(FacetPositionControl)
}

// PositionDirect implements driver.Device.
func (c *Client) PositionDirect() (driver.PositionDirect, bool) {
	return c, c.has(FacetPositionDirect)
}

// Close says goodbye and closes the stream. It is safe to call twice.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if d, ok := c.conn.(deadliner); ok {
		utils.UncheckedError(d.SetDeadline(time.Now().Add(byeTimeout)))
	}
	if data, err := EncodeRequest(&Request{ID: c.nextID + 1, Op: OpBye}); err == nil {
		utils.UncheckedError(c.framer.WriteFrame(data))
	}
	return c.conn.Close()
}

// Axes returns the number of axes.
func (c *Client) Axes(ctx context.Context) (int, error) {
	resp, err := c.call(ctx, &Request{Op: OpAxes})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// AxisName returns the name of one axis.
func (c *Client) AxisName(ctx context.Context, axis int) (string, error) {
	resp, err := c.call(ctx, &Request{Op: OpAxisName, Axis: axis})
	if err != nil {
		return "", err
	}
	return resp.Name, nil
}

// SetControlModes sets one control mode per axis.
func (c *Client) SetControlModes(ctx context.Context, modes []driver.ControlMode) error {
	wire := make([]int, len(modes))
	for i, m := range modes {
		wire[i] = int(m)
	}
	_, err := c.call(ctx, &Request{Op: OpSetControlModes, Modes: wire})
	return err
}

// SetRefSpeeds sets the reference speed of every axis in degrees per second.
func (c *Client) SetRefSpeeds(ctx context.Context, degsPerSec []float64) error {
	_, err := c.call(ctx, &Request{Op: OpSetRefSpeeds, Values: degsPerSec})
	return err
}

// PositionMove starts a point-to-point move.
func (c *Client) PositionMove(ctx context.Context, targets []float64) error {
	_, err := c.call(ctx, &Request{Op: OpPositionMove, Values: targets})
	return err
}

// SetPositions streams one set of direct position targets.
func (c *Client) SetPositions(ctx context.Context, targets []float64) error {
	_, err := c.call(ctx, &Request{Op: OpSetPositions, Values: targets})
	return err
}

// RefPositions reads the reference positions.
func (c *Client) RefPositions(ctx context.Context) ([]float64, error) {
	resp, err := c.call(ctx, &Request{Op: OpRefPositions})
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}
