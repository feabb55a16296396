package speech_lock

import (
	"context"
	"errors"
	"time"
)

// ErrLockTimeout is returned when the lock stayed held for the whole timeout.
var ErrLockTimeout = errors.New("speech lock timeout")

// ErrNotHeld is returned when releasing a lease that no longer owns the lock.
var ErrNotHeld = errors.New("speech lock not held by this lease")

type Interface interface {
	// TryAcquire waits up to timeout for the lock. A zero timeout probes once.
	// Negative timeouts are rejected: every wait on the lock must be bounded.
	TryAcquire(ctx context.Context, timeout time.Duration) (*Lease, error)
	// Holder returns the current lease record, or nil when the lock is free.
	Holder() (*State, error)
	// Preempt probes the lock without waiting. When someone else holds it,
	// the holder is terminated and Preempt waits settle before returning true.
	Preempt(ctx context.Context, term Terminator, settle time.Duration) (bool, error)
}

// Terminator stops the playback processes that may be holding the lock.
type Terminator interface {
	Terminate(holderPID int)
}
