package wake_word

import "context"

// Detector scores microphone frames against a wake word. A frame is a
// detection when its score reaches the configured threshold.
type Detector interface {
	// Score returns a confidence in [0,1] for the audio heard so far.
	Score(ctx context.Context, frame []int16) (float64, error)
	// Reset forgets buffered audio, e.g. after the stream was lent out.
	Reset()
	Name() string
}
