package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"

	"rcboard/driver"
	"rcboard/driver/sim"
)

// pipeClient connects a client to a server backed by board over net.Pipe.
func pipeClient(t *testing.T, board *sim.Board) (*Client, <-chan error) {
	t.Helper()
	logger := logging.NewTestLogger(t)

	clientConn, serverConn := net.Pipe()
	srv := NewServer(board.Open, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() {
		done <- srv.ServeConn(ctx, serverConn)
	}()

	client, err := NewClient(ctx, clientConn, driver.Options{
		Remote:  "/sim/arm",
		Local:   "/rcboard/arm",
		Timeout: time.Second,
	})
	require.NoError(t, err)
	return client, done
}

func TestClientRoundTrips(t *testing.T) {
	ctx := context.Background()
	board := sim.NewBoard("shoulder", "elbow", "wrist")
	client, done := pipeClient(t, board)

	assert.Equal(t, "/rcboard/arm", board.LastOptions().Local)
	assert.Equal(t, []string{FacetAxisInfo, FacetControlModes, FacetPositionControl, FacetPositionDirect}, client.Facets())

	n, err := client.Axes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	name, err := client.AxisName(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "wrist", name)

	require.NoError(t, client.SetRefSpeeds(ctx, []float64{10, 10, 10}))
	require.NoError(t, client.PositionMove(ctx, []float64{1, 2, 3}))
	assert.Equal(t, []float64{10, 10, 10}, board.Speeds())

	require.NoError(t, client.SetControlModes(ctx, driver.UniformModes(driver.ModePositionDirect, 3)))
	refs, err := client.RefPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, refs)

	require.NoError(t, client.SetPositions(ctx, []float64{4, 5, 6}))
	assert.Equal(t, []float64{4, 5, 6}, board.Positions())

	t.Run("board errors are reported", func(t *testing.T) {
		err := client.PositionMove(ctx, []float64{0, 0, 0})
		var be *BoardError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, OpPositionMove, be.Op)
	})

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	require.NoError(t, <-done)
	assert.Equal(t, 0, board.LiveSessions())

	_, err = client.Axes(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClientMissingFacet(t *testing.T) {
	board := sim.NewBoard("a")
	board.DisableFacet(sim.FacetPositionDirect)
	client, _ := pipeClient(t, board)
	defer client.Close()

	_, ok := client.PositionDirect()
	assert.False(t, ok)
	_, ok = client.AxisInfo()
	assert.True(t, ok)

	_, err := client.RefPositions(context.Background())
	assert.Error(t, err)
}

func TestClientHandshakeFailure(t *testing.T) {
	board := sim.NewBoard("a")
	board.Fail(sim.OpOpen, errors.New("no such port"))

	clientConn, serverConn := net.Pipe()
	srv := NewServer(board.Open, logging.NewTestLogger(t))
	go srv.ServeConn(context.Background(), serverConn)
	defer clientConn.Close()

	_, err := NewClient(context.Background(), clientConn, driver.Options{Remote: "/nowhere"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such port")
}

func TestClientDeadline(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	// Nobody answers on serverConn; drain the request so the write completes.
	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := serverConn.Read(buf); err != nil {
				return
			}
		}
	}()

	start := time.Now()
	_, err := NewClient(context.Background(), clientConn, driver.Options{Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

// slowBoard answers every request on one connection, holding back the reply to
// the first request of op slow by delay. replied is closed once that reply is written.
func slowBoard(t *testing.T, ln net.Listener, slow Op, delay time.Duration, replied chan<- struct{}) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	f := newFramer(conn)
	delayed := false
	for {
		frame, err := f.ReadFrame()
		if err != nil {
			return
		}
		req, err := DecodeRequest(frame)
		if err != nil || req.Op == OpBye {
			return
		}
		resp := &Response{
			ID:     req.ID,
			OK:     true,
			Count:  1,
			Values: []float64{0},
			Facets: []string{FacetAxisInfo, FacetControlModes, FacetPositionControl, FacetPositionDirect},
		}
		if req.Op == slow && !delayed {
			delayed = true
			time.Sleep(delay)
		}
		data, err := EncodeResponse(resp)
		if err != nil {
			return
		}
		if err := f.WriteFrame(data); err != nil {
			return
		}
		if delayed && replied != nil {
			close(replied)
			replied = nil
		}
	}
}

func TestClientRecoversFromLateReply(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	replied := make(chan struct{})
	go slowBoard(t, ln, OpSetPositions, 300*time.Millisecond, replied)

	ctx := context.Background()
	dev, err := Dial(ctx, driver.Options{Address: ln.Addr().String(), Remote: "/slow", Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	client := dev.(*Client)
	defer client.Close()

	err = client.SetPositions(ctx, []float64{1})
	require.Error(t, err)
	assert.True(t, isTimeout(err), "got %v", err)

	select {
	case <-replied:
	case <-time.After(2 * time.Second):
		t.Fatal("late reply never sent")
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, client.SetPositions(ctx, []float64{2}), "call %d after the timeout", i)
	}
	n, err := client.Axes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClientLostStream(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	board := sim.NewBoard("a")
	srv := NewServer(board.Open, logging.NewTestLogger(t))
	go srv.ServeConn(context.Background(), serverConn)

	client, err := NewClient(context.Background(), clientConn, driver.Options{Remote: "/r", Timeout: time.Second})
	require.NoError(t, err)

	require.NoError(t, serverConn.Close())
	_, err = client.Axes(context.Background())
	require.Error(t, err)

	_, err = client.Axes(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, client.Close())
}

// chunkReader hands out one chunk per Read, with an error after each chunk
// from errs at the same index.
type chunkReader struct {
	chunks [][]byte
	errs   []error
	i      int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.i >= len(r.chunks) {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[r.i])
	err := r.errs[r.i]
	r.i++
	return n, err
}

func (r *chunkReader) Write(p []byte) (int, error) { return len(p), nil }

func TestFraming(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		buf := new(bytes.Buffer)
		f := newFramer(buf)
		require.NoError(t, f.WriteFrame([]byte("hello")))
		assert.Equal(t, LengthPrefixSize+5, buf.Len())

		got, err := f.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), got)
	})

	t.Run("empty frame", func(t *testing.T) {
		f := newFramer(new(bytes.Buffer))
		assert.ErrorIs(t, f.WriteFrame(nil), ErrFrameEmpty)
	})

	t.Run("oversized frame", func(t *testing.T) {
		f := newFramer(new(bytes.Buffer))
		assert.ErrorIs(t, f.WriteFrame(make([]byte, MaxFrameSize+1)), ErrFrameTooLarge)
	})

	t.Run("resumes after a timeout", func(t *testing.T) {
		r := &chunkReader{
			chunks: [][]byte{{0, 0}, {0, 3}, {'a'}, {'b', 'c'}},
			errs:   []error{os.ErrDeadlineExceeded, nil, os.ErrDeadlineExceeded, nil},
		}
		f := newFramer(r)

		_, err := f.ReadFrame()
		assert.True(t, isTimeout(err))
		_, err = f.ReadFrame()
		assert.True(t, isTimeout(err))

		got, err := f.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), got)

		_, err = f.ReadFrame()
		assert.Equal(t, io.EOF, err)
	})

	t.Run("truncated payload", func(t *testing.T) {
		buf := bytes.NewBuffer([]byte{0, 0, 0, 10, 'a', 'b'})
		_, err := newFramer(buf).ReadFrame()
		assert.ErrorIs(t, err, ErrFrameTruncated)
	})
}

func TestCodec(t *testing.T) {
	data, err := EncodeRequest(&Request{ID: 7, Op: OpSetPositions, Values: []float64{1.5, -2}})
	require.NoError(t, err)
	req, err := DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), req.ID)
	assert.Equal(t, OpSetPositions, req.Op)
	assert.Equal(t, []float64{1.5, -2}, req.Values)

	_, err = EncodeRequest(&Request{ID: 1})
	assert.Error(t, err)
}
