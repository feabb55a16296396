package transcription_pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/afero"

	"assistant-voice-command/logging"
	"assistant-voice-command/metrics"
	"assistant-voice-command/microphone"
	"assistant-voice-command/playback"
	"assistant-voice-command/speech_extraction"
	"assistant-voice-command/speech_lock"
	"assistant-voice-command/speech_to_text"
)

type pipelineImpl struct {
	fileSys             afero.Fs
	source              microphone.Source
	lock                speech_lock.Interface
	lockTimeout         time.Duration
	refreshInterval     time.Duration
	player              playback.Interface
	recorder            speech_extraction.Interface
	stt                 speech_to_text.Interface
	minTranscriptLength int
	onState             func(State)
	logger              *slog.Logger
	metrics             *metrics.Metrics
}

type Config struct {
	FileSys afero.Fs
	// the wake loop's stream, paused around cues and lent to the recorder
	Source      microphone.Source
	Lock        speech_lock.Interface
	LockTimeout time.Duration
	// how often a held lease is refreshed, keep it well under the lease period
	RefreshInterval time.Duration
	Player          playback.Interface
	Recorder        speech_extraction.Interface
	STT             speech_to_text.Interface
	// shorter transcripts are treated as noise
	MinTranscriptLength int
	// OnState observes every transition, may be nil
	OnState func(State)
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

	if cfg.Source == nil {
		return nil, fmt.Errorf("source is nil")
	}

	if cfg.Lock == nil {
		return nil, fmt.Errorf("lock is nil")
	}

	if cfg.Player == nil {
		return nil, fmt.Errorf("player is nil")
	}

	if cfg.Recorder == nil {
		return nil, fmt.Errorf("recorder is nil")
	}

	if cfg.STT == nil {
		return nil, fmt.Errorf("stt is nil")
	}

	if cfg.LockTimeout <= 0 {
		return nil, fmt.Errorf("lockTimeout must be positive, got %v", cfg.LockTimeout)
	}

	p := &pipelineImpl{
		fileSys:             cfg.FileSys,
		source:              cfg.Source,
		lock:                cfg.Lock,
		lockTimeout:         cfg.LockTimeout,
		refreshInterval:     cfg.RefreshInterval,
		player:              cfg.Player,
		recorder:            cfg.Recorder,
		stt:                 cfg.STT,
		minTranscriptLength: cfg.MinTranscriptLength,
		onState:             cfg.OnState,
		logger:              cfg.Logger,
		metrics:             cfg.Metrics,
	}

	if p.refreshInterval <= 0 {
		p.refreshInterval = defaultRefreshInterval
	}

	if p.logger == nil {
		p.logger = logging.Component("pipeline")
	}

	return p, nil
}

func (p *pipelineImpl) Run(ctx context.Context, maxAttempts int, playInitialConfirmation bool) (Result, error) {
	if maxAttempts < 1 {
		return Result{State: Idle}, fmt.Errorf("maxAttempts must be at least 1, got %d", maxAttempts)
	}

	p.transition(Idle)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{State: Idle, Attempts: attempt - 1}, err
		}

		p.logger.Info("recording attempt", "attempt", attempt, "max_attempts", maxAttempts)

		transcript, err := p.attempt(ctx, attempt, playInitialConfirmation)
		if err == nil {
			p.transition(Success)
			p.metrics.Attempt("success")
			p.metrics.Run(Success.String())

			p.logger.Info("transcription succeeded", "attempt", attempt, "transcript", transcript)

			return Result{State: Success, Transcript: transcript, Attempts: attempt}, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{State: Idle, Attempts: attempt}, ctxErr
		}

		p.metrics.Attempt(outcome(err))
		p.logger.Warn("attempt failed", "attempt", attempt, "error", err)

		if attempt < maxAttempts {
			p.transition(RetryPending)
		}
	}

	p.transition(Exhausted)
	p.metrics.Run(Exhausted.String())

	p.logger.Error("all attempts failed", "attempts", maxAttempts)

	return Result{State: Exhausted, Attempts: maxAttempts}, nil
}

const defaultRefreshInterval = time.Second

var errTooShort = errors.New("transcript too short")

func (p *pipelineImpl) attempt(ctx context.Context, attempt int, playInitialConfirmation bool) (string, error) {
	// keep the cue and the lock wait out of the wake stream
	if err := p.source.Pause(); err != nil {
		p.logger.Warn("could not pause microphone", "error", err)
	}

	switch {
	case attempt == 1 && playInitialConfirmation:
		p.cue(ctx, p.player.Confirm)
	case attempt > 1:
		p.cue(ctx, p.player.RetryPrompt)
	}

	recording, err := p.record(ctx)
	if err != nil {
		return "", err
	}

	defer p.removeArtifact(recording.Path)

	p.transition(Transcribing)

	transcript, err := p.stt.Transcribe(ctx, recording.Path)
	if err != nil {
		return "", err
	}

	transcript = strings.TrimSpace(transcript)
	if utf8.RuneCountInString(transcript) < p.minTranscriptLength {
		return "", fmt.Errorf("%w: %q", errTooShort, transcript)
	}

	return transcript, nil
}

// cue plays audible feedback under the speech lock. A lock timeout skips the
// cue; the attempt goes on without it.
func (p *pipelineImpl) cue(ctx context.Context, play func(context.Context) error) {
	lease, err := p.lock.TryAcquire(ctx, p.lockTimeout)
	if err != nil {
		p.logger.Warn("speech lock unavailable, skipping cue", "error", err)

		return
	}

	defer p.release(lease)

	stop := lease.KeepAlive(p.refreshInterval)
	defer stop()

	if err := play(ctx); err != nil {
		p.logger.Warn("cue playback failed", "error", err)

		return
	}

	p.transition(ConfirmationPlayed)
}

func (p *pipelineImpl) record(ctx context.Context) (*speech_extraction.Recording, error) {
	// the stream is running again whatever happens below
	defer func() {
		if err := p.source.Resume(); err != nil {
			p.logger.Warn("could not resume microphone", "error", err)
		}
	}()

	lease, err := p.lock.TryAcquire(ctx, p.lockTimeout)
	if err != nil {
		return nil, err
	}

	defer p.release(lease)

	if err := p.source.Resume(); err != nil {
		return nil, err
	}

	p.transition(Recording)

	// a capture may run longer than one lease period
	stop := lease.KeepAlive(p.refreshInterval)
	defer stop()

	return p.recorder.Record(p.source)
}

func (p *pipelineImpl) release(lease *speech_lock.Lease) {
	if err := lease.Release(); err != nil {
		p.logger.Warn("releasing speech lock", "error", err)
	}
}

func (p *pipelineImpl) removeArtifact(path string) {
	if err := p.fileSys.Remove(path); err != nil {
		p.logger.Warn("could not delete recording", "path", path, "error", err)
	}
}

func (p *pipelineImpl) transition(s State) {
	p.logger.Debug("pipeline state", "state", s.String())

	if p.onState != nil {
		p.onState(s)
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, speech_lock.ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, speech_extraction.ErrCaptureFailure), errors.Is(err, microphone.ErrStreamFailure):
		return "capture_failure"
	case errors.Is(err, speech_to_text.ErrTranscriptionFailure):
		return "transcription_failure"
	case errors.Is(err, errTooShort):
		return "too_short"
	default:
		return "error"
	}
}
