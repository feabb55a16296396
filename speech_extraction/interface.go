package speech_extraction

import (
	"errors"

	"assistant-voice-command/microphone"
)

// ErrCaptureFailure means no usable recording was produced.
var ErrCaptureFailure = errors.New("capture failure")

type Interface interface {
	// Record occupies src exclusively until silence or the frame cap ends
	// the capture, then writes the buffer as a mono 16-bit WAV file.
	Record(src microphone.Source) (*Recording, error)
}
