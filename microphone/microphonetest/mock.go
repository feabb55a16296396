// Package microphonetest provides a scripted microphone.Source for tests.
package microphonetest

import (
	"fmt"
	"sync"

	"assistant-voice-command/microphone"
)

// MockSource replays synthetic frames. Frame i is produced by the generator;
// the generator returning nil ends the stream with microphone.ErrStreamFailure.
type MockSource struct {
	mu         sync.Mutex
	frameSize  int
	sampleRate int
	generate   func(i int) []int16
	failAt     int
	reads      int
	paused     bool
	pauses     int
	resumes    int
	closed     bool
}

// MockOption configures a MockSource.
type MockOption func(*MockSource)

// WithFailureAt makes the n-th read (zero based) fail.
func WithFailureAt(n int) MockOption {
	return func(m *MockSource) { m.failAt = n }
}

// NewMockSource creates a source whose frames come from generate.
func NewMockSource(frameSize int, generate func(i int) []int16, opts ...MockOption) *MockSource {
	m := &MockSource{
		frameSize:  frameSize,
		sampleRate: 16000,
		generate:   generate,
		failAt:     -1,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// ConstantFrames returns a generator of frames filled with amplitude,
// alternating sign so the mean absolute value equals amplitude.
func ConstantFrames(frameSize int, amplitude int16) func(int) []int16 {
	return func(int) []int16 {
		return Frame(frameSize, amplitude)
	}
}

// Frame builds a single frame with mean absolute amplitude.
func Frame(frameSize int, amplitude int16) []int16 {
	frame := make([]int16, frameSize)
	for i := range frame {
		if i%2 == 0 {
			frame[i] = amplitude
		} else {
			frame[i] = -amplitude
		}
	}

	return frame
}

func (m *MockSource) Read() ([]int16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("%w: source closed", microphone.ErrStreamFailure)
	}

	if m.paused {
		return nil, fmt.Errorf("%w: read on paused stream", microphone.ErrStreamFailure)
	}

	i := m.reads
	m.reads++

	if i == m.failAt {
		return nil, fmt.Errorf("%w: injected failure at frame %d", microphone.ErrStreamFailure, i)
	}

	frame := m.generate(i)
	if frame == nil {
		return nil, fmt.Errorf("%w: end of mock stream", microphone.ErrStreamFailure)
	}

	return frame, nil
}

func (m *MockSource) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.paused = true
	m.pauses++

	return nil
}

func (m *MockSource) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.paused = false
	m.resumes++

	return nil
}

func (m *MockSource) FrameSize() int {
	return m.frameSize
}

func (m *MockSource) SampleRate() int {
	return m.sampleRate
}

var _ microphone.Source = (*MockSource)(nil)

func (m *MockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	return nil
}

// Reads reports how many frames were requested.
func (m *MockSource) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.reads
}

// Paused reports whether the source is currently paused.
func (m *MockSource) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.paused
}

// PauseCount and ResumeCount report how often the stream was lent out.
func (m *MockSource) PauseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pauses
}

func (m *MockSource) ResumeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.resumes
}
