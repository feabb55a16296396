package wake_word

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/afero"

	"assistant-voice-command/speech_to_text"
)

const (
	KindPhrase      = "phrase"
	KindCorrelation = "correlation"
)

type Config struct {
	Kind       string
	SampleRate int

	// phrase detector
	STTEngine speech_to_text.Interface
	Phrases   []string
	Window    time.Duration

	// correlation detector
	FileSys       afero.Fs
	ReferencePath string

	Logger *slog.Logger
}

// New builds the detector selected by cfg.Kind.
func New(cfg *Config) (Detector, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	switch cfg.Kind {
	case KindPhrase:
		return NewPhraseDetector(cfg)
	case KindCorrelation:
		return NewCorrelationDetector(cfg)
	default:
		return nil, fmt.Errorf("unknown wake word detector %q", cfg.Kind)
	}
}
