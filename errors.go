package rcboard

import "github.com/pkg/errors"

// Failure classes. Operations wrap one of these so callers can classify with errors.Is.
var (
	// ErrConnection means open or facet acquisition failed. The user may retry.
	ErrConnection = errors.New("connection failure")
	// ErrTopologyMismatch means the device axis count disagrees with the configured one.
	ErrTopologyMismatch = errors.New("topology mismatch")
	// ErrTransientSend means a single send failed while the session stays open.
	ErrTransientSend = errors.New("transient send failure")
	// ErrPrecondition means an operation was invoked in the wrong state. It is a no-op.
	ErrPrecondition = errors.New("precondition not met")
	// ErrOpenTimeout means the device did not open within the configured timeout.
	ErrOpenTimeout = errors.New("open timed out")
	// ErrNotConnected is returned by device queries on a closed link.
	ErrNotConnected = errors.New("not connected")
)
