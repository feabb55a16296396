package microphone

import "errors"

// ErrStreamFailure wraps every device read or control error.
var ErrStreamFailure = errors.New("audio stream failure")

// Source is a blocking frame source over a single input device. It has one
// legitimate reader at a time: the wake loop owns it and lends it to the
// recorder while a command is captured.
type Source interface {
	// Read blocks for one frame of FrameSize samples.
	Read() ([]int16, error)
	// Pause stops delivery until Resume is called.
	Pause() error
	Resume() error
	FrameSize() int
	SampleRate() int
	Close() error
}
