package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the voice command listener.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Wake loop metrics
	WakeDetections *prometheus.CounterVec
	IgnoredWakes   prometheus.Counter

	// Speech lock metrics
	LockAcquisitions *prometheus.CounterVec
	Preemptions      prometheus.Counter

	// Recording metrics
	RecordedFrames    prometheus.Histogram
	SilenceThresholds prometheus.Histogram

	// Pipeline metrics
	Attempts              *prometheus.CounterVec
	PipelineRuns          *prometheus.CounterVec
	TranscriptionDuration prometheus.Histogram

	// Dispatch metrics
	Dispatches *prometheus.CounterVec
}

// NewMetrics creates all metrics on a private registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		WakeDetections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_wake_detections_total",
			Help: "Total number of dispatches started, by source (wake_word or auto_listen)",
		}, []string{"source"}),
		IgnoredWakes: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_wake_ignored_total",
			Help: "Detections dropped because a dispatch was in flight or cooldown was active",
		}),

		LockAcquisitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_speech_lock_acquisitions_total",
			Help: "Speech lock acquisition attempts, by outcome (acquired, timeout, error)",
		}, []string{"outcome"}),
		Preemptions: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_preemptions_total",
			Help: "Number of times ongoing playback was terminated for a wake word",
		}),

		RecordedFrames: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_recording_frames",
			Help:    "Number of frames captured per recording",
			Buckets: []float64{10, 25, 50, 100, 200, 300, 469},
		}),
		SilenceThresholds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_silence_threshold",
			Help:    "Derived silence threshold per recording",
			Buckets: prometheus.LinearBuckets(200, 200, 8),
		}),

		Attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_attempts_total",
			Help: "Recording and transcription attempts, by outcome",
		}, []string{"outcome"}),
		PipelineRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_pipeline_runs_total",
			Help: "Retry pipeline runs, by final state (success or exhausted)",
		}, []string{"state"}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_transcription_duration_seconds",
			Help:    "Time spent in the speech-to-text engine",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8),
		}),

		Dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_dispatches_total",
			Help: "Commands handed to the downstream target, by outcome",
		}, []string{"outcome"}),
	}
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}

	return m.registry
}

// Wake records a dispatch start
func (m *Metrics) Wake(source string) {
	if m == nil {
		return
	}

	m.WakeDetections.WithLabelValues(source).Inc()
}

// Ignored records a suppressed detection
func (m *Metrics) Ignored() {
	if m == nil {
		return
	}

	m.IgnoredWakes.Inc()
}

// Lock records a speech lock acquisition outcome
func (m *Metrics) Lock(outcome string) {
	if m == nil {
		return
	}

	m.LockAcquisitions.WithLabelValues(outcome).Inc()
}

// Preempted records a playback termination
func (m *Metrics) Preempted() {
	if m == nil {
		return
	}

	m.Preemptions.Inc()
}

// Recording records the size and threshold of a finished recording
func (m *Metrics) Recording(frames int, threshold float64) {
	if m == nil {
		return
	}

	m.RecordedFrames.Observe(float64(frames))
	m.SilenceThresholds.Observe(threshold)
}

// Attempt records the outcome of one pipeline attempt
func (m *Metrics) Attempt(outcome string) {
	if m == nil {
		return
	}

	m.Attempts.WithLabelValues(outcome).Inc()
}

// Run records the final state of a pipeline run
func (m *Metrics) Run(state string) {
	if m == nil {
		return
	}

	m.PipelineRuns.WithLabelValues(state).Inc()
}

// Transcribed records a speech-to-text call duration
func (m *Metrics) Transcribed(d time.Duration) {
	if m == nil {
		return
	}

	m.TranscriptionDuration.Observe(d.Seconds())
}

// Dispatched records a downstream delivery outcome
func (m *Metrics) Dispatched(outcome string) {
	if m == nil {
		return
	}

	m.Dispatches.WithLabelValues(outcome).Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
