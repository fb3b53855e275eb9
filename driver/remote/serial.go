package remote

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.viam.com/utils"

	"rcboard/driver"
)

// DefaultBaudrate is used when the serial carrier is configured without one.
const DefaultBaudrate = 115200

// serialConn adapts a serial port to the deadline handling of the client.
// Serial ports only support a read timeout, so the write side is unbounded.
type serialConn struct {
	serial.Port
}

// Read reports an expired read timeout as an error; the port itself returns
// (0, nil), which would make the framer spin.
func (s serialConn) Read(p []byte) (int, error) {
	n, err := s.Port.Read(p)
	if n == 0 && err == nil && len(p) > 0 {
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}

func (s serialConn) SetDeadline(t time.Time) error {
	if t.IsZero() {
		return s.SetReadTimeout(serial.NoTimeout)
	}
	d := time.Until(t)
	if d <= 0 {
		d = time.Millisecond
	}
	return s.SetReadTimeout(d)
}

// DialSerial opens a session with a board attached to a serial line.
func DialSerial(ctx context.Context, opts driver.Options) (driver.Device, error) {
	if opts.SerialPort == "" {
		return nil, errors.New("serial carrier requires a serial port")
	}
	baud := opts.Baudrate
	if baud == 0 {
		baud = DefaultBaudrate
	}

	port, err := serial.Open(opts.SerialPort, &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open serial port %s", opts.SerialPort)
	}

	client, err := NewClient(ctx, serialConn{port}, opts)
	if err != nil {
		utils.UncheckedError(port.Close())
		return nil, err
	}
	return client, nil
}
