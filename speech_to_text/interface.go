package speech_to_text

import (
	"context"
	"errors"
)

// ErrTranscriptionFailure wraps every engine error.
var ErrTranscriptionFailure = errors.New("transcription failure")

type Interface interface {
	// Transcribe reads a mono 16-bit WAV artifact and returns its text.
	Transcribe(ctx context.Context, path string) (string, error)
	// TranscribeSamples transcribes raw 16 kHz mono samples.
	TranscribeSamples(ctx context.Context, samples []int16) (string, error)
}
