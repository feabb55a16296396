package wake_word

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"assistant-voice-command/logging"
	"assistant-voice-command/speech_to_text"
)

// PhraseDetector is a single-shot keyword spotter: it transcribes each window
// of audio and fires when the text contains one of the wake phrases.
type PhraseDetector struct {
	sttEngine     speech_to_text.Interface
	phrases       []string
	windowSamples int
	pending       []int16
	logger        *slog.Logger
}

func NewPhraseDetector(cfg *Config) (*PhraseDetector, error) {
	if cfg.STTEngine == nil {
		return nil, fmt.Errorf("sttEngine is nil")
	}

	if len(cfg.Phrases) == 0 {
		return nil, fmt.Errorf("no wake phrases configured")
	}

	windowSamples := int(cfg.Window.Seconds() * float64(cfg.SampleRate))
	if windowSamples <= 0 {
		return nil, fmt.Errorf("window must cover at least one sample")
	}

	phrases := make([]string, 0, len(cfg.Phrases))

	for _, p := range cfg.Phrases {
		if n := normalize(p); n != "" {
			phrases = append(phrases, n)
		}
	}

	if len(phrases) == 0 {
		return nil, fmt.Errorf("wake phrases are empty after normalization")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Component("wake_word")
	}

	return &PhraseDetector{
		sttEngine:     cfg.STTEngine,
		phrases:       phrases,
		windowSamples: windowSamples,
		pending:       make([]int16, 0, windowSamples),
		logger:        logger,
	}, nil
}

func (d *PhraseDetector) Name() string {
	return KindPhrase
}

func (d *PhraseDetector) Reset() {
	d.pending = d.pending[:0]
}

func (d *PhraseDetector) Score(ctx context.Context, frame []int16) (float64, error) {
	d.pending = append(d.pending, frame...)

	if len(d.pending) < d.windowSamples {
		return 0, nil
	}

	window := d.pending
	d.pending = make([]int16, 0, d.windowSamples)

	text, err := d.sttEngine.TranscribeSamples(ctx, window)
	if err != nil {
		return 0, err
	}

	// extract only alphanumeric characters from the text
	// this is to avoid false positives when the wake word is detected in a sentence
	detected := normalize(text)

	for _, phrase := range d.phrases {
		if strings.Contains(" "+detected+" ", " "+phrase+" ") {
			d.logger.Info("wake phrase heard", "text", text)

			return 1, nil
		}
	}

	if detected != "" {
		d.logger.Debug("heard", "text", text)
	}

	return 0, nil
}

// normalize lowercases, keeps letters and digits, and collapses everything
// else into single spaces.
func normalize(s string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}

		return ' '
	}, s)

	return strings.Join(strings.Fields(mapped), " ")
}
