package wake_word

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/cmplx"

	"github.com/go-audio/wav"
	"github.com/mjibson/go-dsp/fft"
	"github.com/spf13/afero"

	"assistant-voice-command/logging"
	"assistant-voice-command/ring_buffer"
)

// silentEnergy is the window energy below which a lag is not scored.
const silentEnergy = 1e-9

// CorrelationDetector gives a continuous score: the best normalized
// cross-correlation between a recorded sample of the wake word and the most
// recent audio.
type CorrelationDetector struct {
	reference []float64
	refNorm   float64
	refFFT    []complex128
	fftSize   int
	window    ring_buffer.Interface
	logger    *slog.Logger
}

func NewCorrelationDetector(cfg *Config) (*CorrelationDetector, error) {
	if cfg.FileSys == nil {
		return nil, fmt.Errorf("fileSys is nil")
	}

	reference, err := loadReference(cfg.FileSys, cfg.ReferencePath, cfg.SampleRate)
	if err != nil {
		return nil, err
	}

	return newCorrelationDetector(reference, cfg.Logger)
}

func newCorrelationDetector(ref []float64, logger *slog.Logger) (*CorrelationDetector, error) {
	if len(ref) == 0 {
		return nil, fmt.Errorf("reference sample is empty")
	}

	if logger == nil {
		logger = logging.Component("wake_word")
	}

	var energy float64
	for _, v := range ref {
		energy += v * v
	}

	if energy < silentEnergy {
		return nil, fmt.Errorf("reference sample is silent")
	}

	// keep twice the reference so the whole word fits at any alignment
	windowLen := 2 * len(ref)
	fftSize := nextPow2(windowLen + len(ref) - 1)

	return &CorrelationDetector{
		reference: ref,
		refNorm:   math.Sqrt(energy),
		refFFT:    fft.FFTReal(padded(ref, fftSize)),
		fftSize:   fftSize,
		window:    ring_buffer.New(windowLen),
		logger:    logger,
	}, nil
}

func (d *CorrelationDetector) Name() string {
	return KindCorrelation
}

func (d *CorrelationDetector) Reset() {
	d.window.Clear()
}

func (d *CorrelationDetector) Score(_ context.Context, frame []int16) (float64, error) {
	d.window.Add(frame)

	if d.window.Len() < len(d.reference) {
		return 0, nil
	}

	return d.correlate(toFloat(d.window.Read())), nil
}

// correlate returns max over lags of |<x[k:k+m], ref>| / (|x[k:k+m]| |ref|).
func (d *CorrelationDetector) correlate(x []float64) float64 {
	m := len(d.reference)

	spectrum := fft.FFTReal(padded(x, d.fftSize))
	for i := range spectrum {
		spectrum[i] *= cmplx.Conj(d.refFFT[i])
	}

	corr := fft.IFFT(spectrum)

	prefix := make([]float64, len(x)+1)
	for i, v := range x {
		prefix[i+1] = prefix[i] + v*v
	}

	var best float64

	for k := 0; k+m <= len(x); k++ {
		energy := prefix[k+m] - prefix[k]
		if energy < silentEnergy {
			continue
		}

		score := math.Abs(real(corr[k])) / (math.Sqrt(energy) * d.refNorm)
		best = max(best, score)
	}

	return min(best, 1)
}

func loadReference(fs afero.Fs, path string, sampleRate int) ([]float64, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening wake word reference: %w", err)
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid wav file", path)
	}

	if int(decoder.SampleRate) != sampleRate {
		return nil, fmt.Errorf("%s: reference is %d Hz, stream is %d Hz", path, decoder.SampleRate, sampleRate)
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	channels := max(int(decoder.NumChans), 1)
	bitDepth := int(decoder.BitDepth)

	// 8-bit wav is unsigned
	var offset float64
	if bitDepth == 8 {
		offset = 128
	}

	scale := float64(int(1) << (max(bitDepth, 8) - 1))

	// first channel only
	samples := make([]float64, 0, len(buf.Data)/channels)
	for i := 0; i < len(buf.Data); i += channels {
		samples = append(samples, (float64(buf.Data[i])-offset)/scale)
	}

	return samples, nil
}

func toFloat(samples []int16) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = float64(s) / 32768.0
	}

	return out
}

func padded(x []float64, n int) []float64 {
	out := make([]float64, n)
	copy(out, x)

	return out
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}

	return p
}
