package microphone

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"assistant-voice-command/logging"
)

type portaudioSource struct {
	mu         sync.Mutex
	stream     *portaudio.Stream
	in         []int16
	running    bool
	sampleRate int
	logger     *slog.Logger
}

type Config struct {
	SampleRate int
	FrameSize  int
	Logger     *slog.Logger
}

// New initializes portaudio and opens the default input device as a mono
// 16-bit stream. The stream starts running.
func New(cfg *Config) (Source, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	if cfg.SampleRate <= 0 || cfg.FrameSize <= 0 {
		return nil, fmt.Errorf("sample rate and frame size must be positive")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Component("microphone")
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialize: %v", ErrStreamFailure, err)
	}

	in := make([]int16, cfg.FrameSize)

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(cfg.SampleRate), len(in), in)
	if err != nil {
		_ = portaudio.Terminate()

		return nil, fmt.Errorf("%w: open default stream: %v", ErrStreamFailure, err)
	}

	if err = stream.Start(); err != nil {
		stream.Close()
		_ = portaudio.Terminate()

		return nil, fmt.Errorf("%w: start: %v", ErrStreamFailure, err)
	}

	logger.Info("microphone opened", "sample_rate", cfg.SampleRate, "frame_size", cfg.FrameSize)

	return &portaudioSource{
		stream:     stream,
		in:         in,
		running:    true,
		sampleRate: cfg.SampleRate,
		logger:     logger,
	}, nil
}

func (s *portaudioSource) Read() ([]int16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil, fmt.Errorf("%w: read on paused stream", ErrStreamFailure)
	}

	err := s.stream.Read()
	if err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return nil, fmt.Errorf("%w: %v", ErrStreamFailure, err)
	}

	if err != nil {
		s.logger.Debug("input overflowed, frame kept")
	}

	frame := make([]int16, len(s.in))
	copy(frame, s.in)

	return frame, nil
}

func (s *portaudioSource) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	if err := s.stream.Stop(); err != nil {
		return fmt.Errorf("%w: stop: %v", ErrStreamFailure, err)
	}

	s.running = false

	return nil
}

func (s *portaudioSource) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("%w: start: %v", ErrStreamFailure, err)
	}

	s.running = true

	return nil
}

func (s *portaudioSource) FrameSize() int {
	return len(s.in)
}

func (s *portaudioSource) SampleRate() int {
	return s.sampleRate
}

func (s *portaudioSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		_ = s.stream.Stop()
		s.running = false
	}

	err := s.stream.Close()

	if termErr := portaudio.Terminate(); termErr != nil {
		s.logger.Warn("error while freeing audio", "error", termErr)
	}

	return err
}
