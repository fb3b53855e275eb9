package remote

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"rcboard/driver"
)

// Server exposes local devices to remote clients. Every connection gets its
// own device session, opened on hello and closed on bye or disconnect.
type Server struct {
	opener driver.Opener
	logger logging.Logger
	wg     sync.WaitGroup
}

// NewServer returns a server that opens devices with opener.
func NewServer(opener driver.Opener, logger logging.Logger) *Server {
	return &Server{opener: opener, logger: logger}
}

// Serve accepts connections until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		utils.UncheckedError(ln.Close())
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return errors.Wrap(err, "accept failed")
		}
		s.logger.Debugf("accepted connection from %s", conn.RemoteAddr())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ServeConn(ctx, conn); err != nil {
				s.logger.Warnf("connection from %s ended: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// ServeConn serves one client on conn and closes it on return.
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriteCloser) error {
	stop := context.AfterFunc(ctx, func() {
		utils.UncheckedError(conn.Close())
	})
	defer stop()
	defer utils.UncheckedErrorFunc(conn.Close)

	f := newFramer(conn)
	var dev driver.Device
	defer func() {
		if dev != nil {
			utils.UncheckedError(dev.Close())
		}
	}()

	for {
		frame, err := f.ReadFrame()
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return err
		}
		req, err := DecodeRequest(frame)
		if err != nil {
			return err
		}
		if req.Op == OpBye {
			return nil
		}

		resp := s.handle(ctx, &dev, req)
		data, err := EncodeResponse(resp)
		if err != nil {
			return err
		}
		if err := f.WriteFrame(data); err != nil {
			return err
		}
	}
}

func fail(req *Request, err error) *Response {
	return &Response{ID: req.ID, Error: err.Error()}
}

func (s *Server) handle(ctx context.Context, dev *driver.Device, req *Request) *Response {
	if req.Op == OpHello {
		if *dev != nil {
			return fail(req, errors.New("session already open"))
		}
		d, err := s.opener(ctx, driver.Options{Remote: req.Remote, Local: req.Local})
		if err != nil {
			return fail(req, err)
		}
		*dev = d
		s.logger.Infof("opened session %s -> %s", req.Local, req.Remote)
		return &Response{ID: req.ID, OK: true, Facets: facetsOf(d)}
	}
	if *dev == nil {
		return fail(req, errors.New("no session, send hello first"))
	}

	resp := &Response{ID: req.ID}
	var err error
	switch req.Op {
	case OpAxes:
		ai, ok := (*dev).AxisInfo()
		if !ok {
			return fail(req, errNoFacet(FacetAxisInfo))
		}
		resp.Count, err = ai.Axes(ctx)
	case OpAxisName:
		ai, ok := (*dev).AxisInfo()
		if !ok {
			return fail(req, errNoFacet(FacetAxisInfo))
		}
		resp.Name, err = ai.AxisName(ctx, req.Axis)
	case OpSetControlModes:
		cm, ok := (*dev).ControlModes()
		if !ok {
			return fail(req, errNoFacet(FacetControlModes))
		}
		modes := make([]driver.ControlMode, len(req.Modes))
		for i, m := range req.Modes {
			modes[i] = driver.ControlMode(m)
		}
		err = cm.SetControlModes(ctx, modes)
	case OpSetRefSpeeds:
		pc, ok := (*dev).PositionControl()
		if !ok {
			return fail(req, errNoFacet(FacetPositionControl))
		}
		err = pc.SetRefSpeeds(ctx, req.Values)
	case OpPositionMove:
		pc, ok := (*dev).PositionControl()
		if !ok {
			return fail(req, errNoFacet(FacetPositionControl))
		}
		err = pc.PositionMove(ctx, req.Values)
	case OpSetPositions:
		pd, ok := (*dev).PositionDirect()
		if !ok {
			return fail(req, errNoFacet(FacetPositionDirect))
		}
		err = pd.SetPositions(ctx, req.Values)
	case OpRefPositions:
		pd, ok := (*dev).PositionDirect()
		if !ok {
			return fail(req, errNoFacet(FacetPositionDirect))
		}
		resp.Values, err = pd.RefPositions(ctx)
	default:
		err = errors.Errorf("unsupported op %s", req.Op)
	}
	if err != nil {
		return fail(req, err)
	}
	resp.OK = true
	return resp
}

func errNoFacet(name string) error {
	return errors.Errorf("facet %s unavailable", name)
}

func facetsOf(d driver.Device) []string {
	var out []string
	if _, ok := d.AxisInfo(); ok {
		out = append(out, FacetAxisInfo)
	}
	if _, ok := d.ControlModes(); ok {
		out = append(out, FacetControlModes)
	}
	if _, ok := d.PositionControl(); ok {
		out = append(out, FacetPositionControl)
	}
	if _, ok := d.PositionDirect(); ok {
		out = append(out, FacetPositionDirect)
	}
	return out
}
