package listener

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"assistant-voice-command/dispatcher"
	"assistant-voice-command/logging"
	"assistant-voice-command/metrics"
	"assistant-voice-command/microphone"
	"assistant-voice-command/speech_lock"
	"assistant-voice-command/transcription_pipeline"
	"assistant-voice-command/trigger"
	"assistant-voice-command/wake_word"
)

const (
	// pause after a failed read so a dead device doesn't spin the loop
	readErrorBackoff = 100 * time.Millisecond
)

type ListenState string

const (
	ListenStateListening           ListenState = "listening"
	ListenStateTriggered           ListenState = "triggered"
	ListenStateAutoListenTriggered ListenState = "auto_listen_triggered"
	ListenStateDispatching         ListenState = "dispatching"
)

const (
	sourceWakeWord   = "wake_word"
	sourceAutoListen = "auto_listen"
)

type listenerImpl struct {
	source         microphone.Source
	detector       wake_word.Detector
	threshold      float64
	cooldown       time.Duration
	trigger        trigger.Interface
	lock           speech_lock.Interface
	terminator     speech_lock.Terminator
	settleInterval time.Duration
	pipeline       transcription_pipeline.Interface
	maxAttempts    int
	dispatcher     dispatcher.Interface
	now            func() time.Time

	mu            sync.Mutex
	state         ListenState
	cooldownUntil time.Time

	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Config struct {
	Source    microphone.Source
	Detector  wake_word.Detector
	Threshold float64
	// detections within Cooldown of the previous dispatch are dropped
	Cooldown time.Duration
	Trigger  trigger.Interface
	Lock     speech_lock.Interface
	// stops ongoing playback when the wake word interrupts it
	Terminator     speech_lock.Terminator
	SettleInterval time.Duration
	Pipeline       transcription_pipeline.Interface
	MaxAttempts    int
	Dispatcher     dispatcher.Interface
	Now            func() time.Time
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

func New(cfg *Config) (Interface, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	if cfg.Source == nil {
		return nil, fmt.Errorf("source is nil")
	}

	if cfg.Detector == nil {
		return nil, fmt.Errorf("detector is nil")
	}

	if cfg.Trigger == nil {
		return nil, fmt.Errorf("trigger is nil")
	}

	if cfg.Lock == nil {
		return nil, fmt.Errorf("lock is nil")
	}

	if cfg.Terminator == nil {
		return nil, fmt.Errorf("terminator is nil")
	}

	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is nil")
	}

	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is nil")
	}

	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("maxAttempts must be at least 1, got %d", cfg.MaxAttempts)
	}

	l := &listenerImpl{
		source:         cfg.Source,
		detector:       cfg.Detector,
		threshold:      cfg.Threshold,
		cooldown:       cfg.Cooldown,
		trigger:        cfg.Trigger,
		lock:           cfg.Lock,
		terminator:     cfg.Terminator,
		settleInterval: cfg.SettleInterval,
		pipeline:       cfg.Pipeline,
		maxAttempts:    cfg.MaxAttempts,
		dispatcher:     cfg.Dispatcher,
		now:            cfg.Now,
		state:          ListenStateListening,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
	}

	if l.now == nil {
		l.now = time.Now
	}

	if l.logger == nil {
		l.logger = logging.Component("listener")
	}

	return l, nil
}

func (l *listenerImpl) State() ListenState {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.state
}

func (l *listenerImpl) setState(s ListenState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()

	l.logger.Debug("listener state", "state", string(s))
}

func (l *listenerImpl) ListenLoop(ctx context.Context) error {
	l.logger.Info("waiting for wake word",
		"detector", l.detector.Name(), "threshold", l.threshold, "cooldown", l.cooldown)

	for {
		if ctx.Err() != nil {
			l.logger.Info("exiting gracefully")

			return nil
		}

		raised, err := l.trigger.Consume()
		if err != nil {
			l.logger.Warn("checking auto-listen trigger", "error", err)
		}

		if raised {
			l.logger.Info("auto-listen trigger detected")
			l.handle(ctx, sourceAutoListen)

			continue
		}

		l.listenOnce(ctx)
	}
}

// listenOnce reads and scores a single frame.
func (l *listenerImpl) listenOnce(ctx context.Context) {
	frame, err := l.source.Read()
	if err != nil {
		l.logger.Warn("reading microphone", "error", err)

		// a stream left paused by a failed capture is restarted here
		if resumeErr := l.source.Resume(); resumeErr != nil {
			l.logger.Debug("resuming microphone", "error", resumeErr)
		}

		sleep(ctx, readErrorBackoff)

		return
	}

	score, err := l.detector.Score(ctx, frame)
	if err != nil {
		l.logger.Warn("scoring frame", "detector", l.detector.Name(), "error", err)

		return
	}

	if score < l.threshold {
		return
	}

	l.logger.Info("wake word detected", "detector", l.detector.Name(), "score", score)

	l.handle(ctx, sourceWakeWord)
}

// handle runs one dispatch to completion. It is only called from the loop
// goroutine, so frames are not scored while a dispatch is in flight; the
// stream is paused and the detector reset instead of queueing detections.
// Acoustic detections during cooldown are dropped.
func (l *listenerImpl) handle(ctx context.Context, source string) {
	acoustic := source == sourceWakeWord

	l.mu.Lock()
	cooling := acoustic && l.now().Before(l.cooldownUntil)
	l.mu.Unlock()

	if cooling {
		l.logger.Debug("ignoring detection during cooldown", "source", source)
		l.metrics.Ignored()

		return
	}

	if acoustic {
		l.setState(ListenStateTriggered)
	} else {
		l.setState(ListenStateAutoListenTriggered)
	}

	l.metrics.Wake(source)

	defer func() {
		l.detector.Reset()

		l.mu.Lock()
		l.cooldownUntil = l.now().Add(l.cooldown)
		l.mu.Unlock()

		l.setState(ListenStateListening)
		l.logger.Info("waiting for wake word")
	}()

	if acoustic {
		preempted, err := l.lock.Preempt(ctx, l.terminator, l.settleInterval)
		if err != nil {
			l.logger.Warn("preemption probe failed", "error", err)
		}

		if preempted {
			l.logger.Info("interrupted ongoing speech")
		}
	}

	l.setState(ListenStateDispatching)

	result, err := l.pipeline.Run(ctx, l.maxAttempts, acoustic)
	if err != nil {
		l.logger.Warn("pipeline stopped", "error", err)

		return
	}

	if !result.OK() {
		l.logger.Warn("no command heard", "attempts", result.Attempts)

		return
	}

	cmd := dispatcher.Command{
		Transcript: result.Transcript,
		Timestamp:  l.now(),
	}

	if err := l.dispatcher.Dispatch(ctx, cmd); err != nil {
		l.logger.Error("dispatching command", "transcript", cmd.Transcript, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
