package listener

import "context"

type Interface interface {
	// ListenLoop scores microphone frames until ctx is cancelled. Stream and
	// detector errors fail a single iteration only.
	ListenLoop(ctx context.Context) error
	State() ListenState
}
