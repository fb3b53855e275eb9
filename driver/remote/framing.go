package remote

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
)

const (
	// LengthPrefixSize is the size of the big-endian length prefix.
	LengthPrefixSize = 4

	// MaxFrameSize bounds a single message. Position vectors are small; anything
	// larger is a corrupt stream.
	MaxFrameSize = 16 * 1024
)

// Framing errors.
var (
	ErrFrameEmpty     = errors.New("frame is empty")
	ErrFrameTooLarge  = errors.New("frame too large")
	ErrFrameTruncated = errors.New("frame truncated")
)

// framer reads and writes length-prefixed frames on a byte stream. A read
// that fails part way through a frame keeps what it got, so the next
// ReadFrame resumes the same frame after a timeout.
type framer struct {
	rw      io.ReadWriter
	wmu     sync.Mutex
	maxSize uint32

	lenBuf  [LengthPrefixSize]byte
	lenN    int
	payload []byte
	payN    int
}

func newFramer(rw io.ReadWriter) *framer {
	return &framer{rw: rw, maxSize: MaxFrameSize}
}

// WriteFrame writes prefix and payload in a single Write so that serial
// carriers never see a split frame.
func (f *framer) WriteFrame(data []byte) error {
	if len(data) == 0 {
		return ErrFrameEmpty
	}
	if uint32(len(data)) > f.maxSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(data), f.maxSize)
	}

	buf := make([]byte, LengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[LengthPrefixSize:], data)

	f.wmu.Lock()
	defer f.wmu.Unlock()
	if _, err := f.rw.Write(buf); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	return nil
}

// ReadFrame reads one frame and returns its payload.
func (f *framer) ReadFrame() ([]byte, error) {
	for f.lenN < LengthPrefixSize {
		n, err := f.rw.Read(f.lenBuf[f.lenN:])
		f.lenN += n
		if err != nil && f.lenN < LengthPrefixSize {
			if err == io.EOF {
				if f.lenN == 0 {
					return nil, io.EOF
				}
				f.reset()
				return nil, ErrFrameTruncated
			}
			return nil, errors.Wrap(err, "failed to read length prefix")
		}
	}

	if f.payload == nil {
		length := binary.BigEndian.Uint32(f.lenBuf[:])
		if length == 0 {
			f.reset()
			return nil, ErrFrameEmpty
		}
		if length > f.maxSize {
			f.reset()
			return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, f.maxSize)
		}
		f.payload = make([]byte, length)
	}

	for f.payN < len(f.payload) {
		n, err := f.rw.Read(f.payload[f.payN:])
		f.payN += n
		if err != nil && f.payN < len(f.payload) {
			if err == io.EOF {
				f.reset()
				return nil, ErrFrameTruncated
			}
			return nil, errors.Wrap(err, "failed to read payload")
		}
	}

	payload := f.payload
	f.reset()
	return payload, nil
}

func (f *framer) reset() {
	f.lenN = 0
	f.payload = nil
	f.payN = 0
}
