package speech_extraction

import (
	"fmt"
	"log/slog"

	"github.com/spf13/afero"
	"github.com/zenwerk/go-wave"

	"assistant-voice-command/logging"
	"assistant-voice-command/metrics"
	"assistant-voice-command/microphone"
	"assistant-voice-command/noise_profile"
)

// StopReason tells why a capture ended.
type StopReason string

const (
	StopSilence   StopReason = "silence"
	StopMaxFrames StopReason = "max_frames"
)

const (
	bitsPerSample = 16

	// log the amplitude roughly once per second of 64ms frames
	amplitudeLogEvery = 16
)

// Recording is a finished capture written to Path.
type Recording struct {
	Path    string
	Frames  int
	Samples int
	Profile noise_profile.Profile
	Reason  StopReason
}

type recorderImpl struct {
	fileSys       afero.Fs
	profiler      noise_profile.Interface
	silenceFrames int
	minFrames     int
	maxFrames     int
	dir           string
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	FileSys  afero.Fs
	Profiler noise_profile.Interface
	// consecutive frames below the threshold needed to stop
	SilenceFrames int
	// frames that must be captured before silence may stop the recording
	MinFrames int
	// hard cap on captured frames
	MaxFrames int
	// directory for the temporary WAV files, empty for the system default
	Dir     string
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func New(cfg *Config) (Interface, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	if cfg.FileSys == nil {
		return nil, fmt.Errorf("fileSys is nil")
	}

	if cfg.Profiler == nil {
		return nil, fmt.Errorf("profiler is nil")
	}

	if cfg.MaxFrames < 1 {
		return nil, fmt.Errorf("maxFrames must be at least 1, got %d", cfg.MaxFrames)
	}

	if cfg.SilenceFrames < 1 {
		return nil, fmt.Errorf("silenceFrames must be at least 1, got %d", cfg.SilenceFrames)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Component("recorder")
	}

	return &recorderImpl{
		fileSys:       cfg.FileSys,
		profiler:      cfg.Profiler,
		silenceFrames: cfg.SilenceFrames,
		minFrames:     cfg.MinFrames,
		maxFrames:     cfg.MaxFrames,
		dir:           cfg.Dir,
		logger:        logger,
		metrics:       cfg.Metrics,
	}, nil
}

func (r *recorderImpl) Record(src microphone.Source) (*Recording, error) {
	r.logger.Info("recording command, speak now")

	profile, err := r.profiler.Measure(src)
	if err != nil {
		return nil, fmt.Errorf("%w: calibrating noise: %w", ErrCaptureFailure, err)
	}

	samples, frames, reason, err := r.captureUntilSilence(src, profile.Threshold)
	if err != nil {
		// partial buffers are dropped
		return nil, fmt.Errorf("%w: %w", ErrCaptureFailure, err)
	}

	path, err := r.writeWave(samples, src.SampleRate())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCaptureFailure, err)
	}

	r.metrics.Recording(frames, profile.Threshold)

	r.logger.Info("recording finished", "frames", frames, "reason", reason, "path", path)

	return &Recording{
		Path:    path,
		Frames:  frames,
		Samples: len(samples),
		Profile: profile,
		Reason:  reason,
	}, nil
}

func (r *recorderImpl) captureUntilSilence(src microphone.Source, threshold float64) ([]int16, int, StopReason, error) {
	var (
		samples       = make([]int16, 0, src.FrameSize()*r.maxFrames)
		silenceFrames int
	)

	for i := 0; i < r.maxFrames; i++ {
		in, err := src.Read()
		if err != nil {
			return nil, 0, "", err
		}

		samples = append(samples, in...)
		captured := i + 1

		amplitude := noise_profile.MeanAbsolute(in)

		if i%amplitudeLogEvery == 0 {
			r.logger.Debug("amplitude", "value", int(amplitude), "threshold", int(threshold))
		}

		if amplitude >= threshold {
			silenceFrames = 0
			continue
		}

		silenceFrames++

		if silenceFrames > r.silenceFrames && captured >= r.minFrames {
			r.logger.Info("silence detected, stopping recording",
				"amplitude", int(amplitude), "threshold", int(threshold))

			return samples, captured, StopSilence, nil
		}
	}

	r.logger.Warn("recording hit the frame cap", "max_frames", r.maxFrames)

	return samples, r.maxFrames, StopMaxFrames, nil
}

func (r *recorderImpl) writeWave(samples []int16, sampleRate int) (string, error) {
	if r.dir != "" {
		if err := r.fileSys.MkdirAll(r.dir, 0o755); err != nil {
			return "", fmt.Errorf("creating recording dir: %w", err)
		}
	}

	waveFile, err := afero.TempFile(r.fileSys, r.dir, "command-*.wav")
	if err != nil {
		return "", fmt.Errorf("creating wav file: %w", err)
	}

	waveFilename := waveFile.Name()

	param := wave.WriterParam{
		Out:           waveFile,
		Channel:       1,
		SampleRate:    sampleRate,
		BitsPerSample: bitsPerSample,
	}

	waveWriter, err := wave.NewWriter(param)
	if err != nil {
		waveFile.Close()
		_ = r.fileSys.Remove(waveFilename)

		return "", fmt.Errorf("creating wav writer: %w", err)
	}

	if _, err = waveWriter.WriteSample16(samples); err != nil {
		waveWriter.Close()
		_ = r.fileSys.Remove(waveFilename)

		return "", fmt.Errorf("writing samples: %w", err)
	}

	// the writer emits the RIFF header and closes the file
	if err = waveWriter.Close(); err != nil {
		_ = r.fileSys.Remove(waveFilename)

		return "", fmt.Errorf("finalizing wav file: %w", err)
	}

	return waveFilename, nil
}
