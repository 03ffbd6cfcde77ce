package core

import "errors"

// Admission errors, surfaced synchronously to the caller at submission time.
// The core never retries on the caller's behalf.
var (
	// ErrDraining is returned by Submit once shutdown has begun.
	ErrDraining = errors.New("core is draining, not accepting jobs")

	// ErrBacklogFull is returned by Submit when the FIFO backlog is at capacity.
	ErrBacklogFull = errors.New("job backlog is full")
)

// IsAdmissionError reports whether err is one of the synchronous admission
// failures, as opposed to a bookkeeping failure.
func IsAdmissionError(err error) bool {
	return errors.Is(err, ErrDraining) || errors.Is(err, ErrBacklogFull)
}
