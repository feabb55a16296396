package noise_profile

import (
	"fmt"
	"log/slog"

	"assistant-voice-command/logging"
)

// Profile is the ambient noise measured at the start of a recording session.
// Threshold always lies within the configured [MinThreshold, MaxThreshold].
type Profile struct {
	AverageAmplitude float64
	PeakAmplitude    float64
	Threshold        float64
}

type profilerImpl struct {
	discardFrames int
	measureFrames int
	averageWeight float64
	peakWeight    float64
	minThreshold  float64
	maxThreshold  float64
	logger        *slog.Logger
}

type Config struct {
	DiscardFrames int
	MeasureFrames int
	AverageWeight float64
	PeakWeight    float64
	MinThreshold  float64
	MaxThreshold  float64
	Logger        *slog.Logger
}

func New(cfg *Config) (Interface, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	if cfg.MeasureFrames < 1 {
		return nil, fmt.Errorf("measureFrames must be at least 1, got %d", cfg.MeasureFrames)
	}

	if cfg.DiscardFrames < 0 {
		return nil, fmt.Errorf("discardFrames cannot be negative, got %d", cfg.DiscardFrames)
	}

	if cfg.MaxThreshold < cfg.MinThreshold {
		return nil, fmt.Errorf("maxThreshold (%v) is below minThreshold (%v)", cfg.MaxThreshold, cfg.MinThreshold)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Component("noise_profile")
	}

	return &profilerImpl{
		discardFrames: cfg.DiscardFrames,
		measureFrames: cfg.MeasureFrames,
		averageWeight: cfg.AverageWeight,
		peakWeight:    cfg.PeakWeight,
		minThreshold:  cfg.MinThreshold,
		maxThreshold:  cfg.MaxThreshold,
		logger:        logger,
	}, nil
}

func (p *profilerImpl) Measure(src FrameSource) (Profile, error) {
	// let trailing playback (the confirmation cue) decay first
	for i := 0; i < p.discardFrames; i++ {
		if _, err := src.Read(); err != nil {
			return Profile{}, fmt.Errorf("discarding warm-up frame %d: %w", i, err)
		}
	}

	amplitudes := make([]float64, 0, p.measureFrames)

	for i := 0; i < p.measureFrames; i++ {
		frame, err := src.Read()
		if err != nil {
			return Profile{}, fmt.Errorf("measuring noise frame %d: %w", i, err)
		}

		amplitudes = append(amplitudes, MeanAbsolute(frame))
	}

	profile := p.Derive(amplitudes)

	p.logger.Info("noise calibrated",
		"avg_noise", int(profile.AverageAmplitude),
		"max_noise", int(profile.PeakAmplitude),
		"silence_threshold", int(profile.Threshold))

	return profile, nil
}

func (p *profilerImpl) Derive(frameAmplitudes []float64) Profile {
	var (
		sum  float64
		peak float64
	)

	for _, a := range frameAmplitudes {
		sum += a
		peak = max(peak, a)
	}

	var avg float64
	if len(frameAmplitudes) > 0 {
		avg = sum / float64(len(frameAmplitudes))
	}

	return Profile{
		AverageAmplitude: avg,
		PeakAmplitude:    peak,
		Threshold:        clamp(avg*p.averageWeight+peak*p.peakWeight, p.minThreshold, p.maxThreshold),
	}
}

// MeanAbsolute is the per-frame energy measure used for both calibration and endpointing.
func MeanAbsolute(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}

	var sum int64

	for _, s := range frame {
		v := int64(s)
		if v < 0 {
			v = -v
		}

		sum += v
	}

	return float64(sum) / float64(len(frame))
}

func clamp(v, lo, hi float64) float64 {
	// NaN compares false everywhere, pin it to the floor
	if v != v || v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}
