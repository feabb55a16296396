package speech_to_text

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"

	"assistant-voice-command/logging"
	"assistant-voice-command/metrics"
)

// whisper only accepts 16 kHz input
const modelSampleRate = 16000

type sttImpl struct {
	model    whisper.Model
	fileSys  afero.Fs
	language string
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Config struct {
	Model    whisper.Model
	FileSys  afero.Fs
	Language string
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

func New(cfg *Config) (Interface, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	if cfg.Model == nil {
		return nil, fmt.Errorf("model is nil")
	}

	if cfg.FileSys == nil {
		return nil, fmt.Errorf("fileSys is nil")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Component("speech_to_text")
	}

	return &sttImpl{
		model:    cfg.Model,
		fileSys:  cfg.FileSys,
		language: cfg.Language,
		logger:   logger,
		metrics:  cfg.Metrics,
	}, nil
}

func (stt *sttImpl) Transcribe(ctx context.Context, path string) (string, error) {
	data, err := stt.loadWave(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTranscriptionFailure, err)
	}

	return stt.process(ctx, data)
}

func (stt *sttImpl) TranscribeSamples(ctx context.Context, samples []int16) (string, error) {
	data := make([]float32, len(samples))
	for i, s := range samples {
		data[i] = float32(s) / 32768.0
	}

	return stt.process(ctx, data)
}

func (stt *sttImpl) process(ctx context.Context, data []float32) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrTranscriptionFailure, err)
	}

	start := time.Now()

	defer func() {
		stt.metrics.Transcribed(time.Since(start))
	}()

	// Create processing context
	context, err := stt.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("%w: creating context: %w", ErrTranscriptionFailure, err)
	}

	if stt.language != "" {
		if err = context.SetLanguage(stt.language); err != nil {
			stt.logger.Warn("failed to set language, using default", "language", stt.language, "error", err)
		}
	}

	if err = context.Process(data, nil, nil, nil); err != nil {
		return "", fmt.Errorf("%w: processing audio: %w", ErrTranscriptionFailure, err)
	}

	segments, err := outputSegments(context)
	if err != nil {
		return "", fmt.Errorf("%w: reading segments: %w", ErrTranscriptionFailure, err)
	}

	parts := make([]string, 0, len(segments))

	for _, segment := range segments {
		stt.logger.Debug("segment",
			"start", segment.Start.Truncate(time.Millisecond),
			"end", segment.End.Truncate(time.Millisecond),
			"text", segment.Text)

		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}

func (stt *sttImpl) loadWave(path string) ([]float32, error) {
	f, err := stt.fileSys.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid wav file", path)
	}

	if decoder.SampleRate != modelSampleRate || decoder.NumChans != 1 || decoder.BitDepth != 16 {
		return nil, fmt.Errorf("%s: unsupported format %d Hz, %d channels, %d bit",
			path, decoder.SampleRate, decoder.NumChans, decoder.BitDepth)
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, err
	}

	data := make([]float32, len(buf.Data))
	for i, s := range buf.Data {
		data[i] = float32(s) / 32768.0
	}

	return data, nil
}

// outputSegments drops non-speech annotations like "[music]" or "(laughs)"
// and segments whisper repeats.
func outputSegments(context whisper.Context) ([]whisper.Segment, error) {
	seenText := make(map[string]bool)

	segments := make([]whisper.Segment, 0)

	for {
		segment, err := context.NextSegment()
		if errors.Is(err, io.EOF) {
			return segments, nil
		} else if err != nil {
			return nil, err
		}

		text := strings.TrimSpace(segment.Text)

		// if segment text starts or ends with a parenthesis or a bracket, then ignore it
		if len(text) > 0 && (text[0] == '(' || text[0] == '[' ||
			text[len(text)-1] == ')' || text[len(text)-1] == ']') {
			continue
		}

		// if we've already seen this text, then ignore it
		if seenText[text] {
			continue
		}

		seenText[text] = true

		segments = append(segments, segment)
	}
}
