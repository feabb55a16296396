package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"assistant-voice-command/clients/ai_bot"
	"assistant-voice-command/config"
	"assistant-voice-command/dispatcher"
	"assistant-voice-command/listener"
	"assistant-voice-command/logging"
	"assistant-voice-command/metrics"
	"assistant-voice-command/microphone"
	"assistant-voice-command/noise_profile"
	"assistant-voice-command/playback"
	"assistant-voice-command/speech_extraction"
	"assistant-voice-command/speech_lock"
	"assistant-voice-command/speech_to_text"
	"assistant-voice-command/transcription_pipeline"
	"assistant-voice-command/trigger"
	"assistant-voice-command/wake_word"
)

const usage = `usage: assistant-voice-command [flags] <command> [args]

commands:
  listen        wait for the wake word and dispatch spoken commands (default)
  say <text>    speak text while holding the speech lock
  play <file>   play an audio file while holding the speech lock
  trigger       make a running listener record a command without confirmation

flags:
`

func main() {
	configFlag := flag.String("config", "", "path to a YAML config file")
	modelFlag := flag.String("m", "", "model file for whisper, overrides stt.model_path")

	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}

	flag.Parse()

	fs := afero.NewOsFs()

	cfg, err := config.Load(fs, *configFlag, func(c *config.Config) {
		if *modelFlag != "" {
			c.STT.ModelPath = *modelFlag
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logging.Init(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command := flag.Arg(0)
	if command == "" {
		command = "listen"
	}

	args := flag.Args()
	if len(args) > 0 {
		args = args[1:]
	}

	switch command {
	case "listen":
		err = runListen(ctx, fs, cfg)
	case "say":
		err = runSpeaking(ctx, fs, cfg, func(ctx context.Context, p playback.Interface) error {
			return p.Say(ctx, strings.Join(args, " "))
		})
	case "play":
		if len(args) != 1 {
			flag.Usage()
			os.Exit(2)
		}

		err = runSpeaking(ctx, fs, cfg, func(ctx context.Context, p playback.Interface) error {
			return p.PlayFile(ctx, args[0])
		})
	case "trigger":
		err = runTrigger(fs, cfg)
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		logging.Error("exiting", "command", command, "error", err)
		os.Exit(1)
	}
}

func runListen(ctx context.Context, fs afero.Fs, cfg *config.Config) error {
	if err := cfg.ValidateListen(); err != nil {
		return err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Address != "" {
		m = metrics.NewMetrics()
	}

	// Load model
	model, err := whisper.New(cfg.STT.ModelPath)
	if err != nil {
		return fmt.Errorf("loading model: %w", err)
	}

	defer model.Close()

	sttEngine, err := speech_to_text.New(&speech_to_text.Config{
		Model:    model,
		FileSys:  fs,
		Language: cfg.STT.Language,
		Metrics:  m,
	})
	if err != nil {
		return fmt.Errorf("speech_to_text.New: %w", err)
	}

	detector, err := wake_word.New(&wake_word.Config{
		Kind:          cfg.Wake.Detector,
		SampleRate:    cfg.Audio.SampleRate,
		STTEngine:     sttEngine,
		Phrases:       cfg.Wake.Phrases,
		Window:        cfg.Wake.Window,
		FileSys:       fs,
		ReferencePath: cfg.Wake.ReferencePath,
	})
	if err != nil {
		return fmt.Errorf("wake_word.New: %w", err)
	}

	lock, err := newLock(fs, cfg, m)
	if err != nil {
		return err
	}

	player, err := newPlayer(fs, cfg)
	if err != nil {
		return err
	}

	profiler, err := noise_profile.New(&noise_profile.Config{
		DiscardFrames: cfg.Noise.DiscardFrames,
		MeasureFrames: cfg.Noise.MeasureFrames,
		AverageWeight: cfg.Noise.AverageWeight,
		PeakWeight:    cfg.Noise.PeakWeight,
		MinThreshold:  cfg.Noise.MinThreshold,
		MaxThreshold:  cfg.Noise.MaxThreshold,
	})
	if err != nil {
		return fmt.Errorf("noise_profile.New: %w", err)
	}

	recorder, err := speech_extraction.New(&speech_extraction.Config{
		FileSys:       fs,
		Profiler:      profiler,
		SilenceFrames: cfg.Recording.SilenceFrames,
		MinFrames:     cfg.Recording.MinFrames,
		MaxFrames:     cfg.Recording.MaxFrames,
		Dir:           cfg.Recording.Dir,
		Metrics:       m,
	})
	if err != nil {
		return fmt.Errorf("speech_extraction.New: %w", err)
	}

	target, err := newDispatcher(fs, cfg, m)
	if err != nil {
		return err
	}

	autoListen, err := trigger.New(&trigger.Config{FileSys: fs, Path: cfg.Trigger.Path})
	if err != nil {
		return fmt.Errorf("trigger.New: %w", err)
	}

	source, err := microphone.New(&microphone.Config{
		SampleRate: cfg.Audio.SampleRate,
		FrameSize:  cfg.Audio.FrameSize,
	})
	if err != nil {
		return fmt.Errorf("microphone.New: %w", err)
	}

	defer source.Close()

	pipeline, err := transcription_pipeline.New(&transcription_pipeline.Config{
		FileSys:             fs,
		Source:              source,
		Lock:                lock,
		LockTimeout:         cfg.Lock.Timeout,
		RefreshInterval:     cfg.Lock.Lease / 3,
		Player:              player,
		Recorder:            recorder,
		STT:                 sttEngine,
		MinTranscriptLength: cfg.Pipeline.MinTranscriptLength,
		Metrics:             m,
	})
	if err != nil {
		return fmt.Errorf("transcription_pipeline.New: %w", err)
	}

	loop, err := listener.New(&listener.Config{
		Source:    source,
		Detector:  detector,
		Threshold: cfg.Wake.Threshold,
		Cooldown:  cfg.Wake.Cooldown,
		Trigger:   autoListen,
		Lock:      lock,
		Terminator: playback.NewTerminator(&playback.TerminatorConfig{
			Processes: cfg.Playback.KillProcesses,
		}),
		SettleInterval: cfg.Lock.SettleInterval,
		Pipeline:       pipeline,
		MaxAttempts:    cfg.Pipeline.MaxAttempts,
		Dispatcher:     target,
		Metrics:        m,
	})
	if err != nil {
		return fmt.Errorf("listener.New: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	if m != nil {
		g.Go(func() error {
			logging.Info("serving metrics", "address", cfg.Metrics.Address)

			return m.Serve(ctx, cfg.Metrics.Address)
		})
	}

	g.Go(func() error {
		return loop.ListenLoop(ctx)
	})

	return g.Wait()
}

// runSpeaking holds the speech lock while speak runs, so a listener can
// preempt it with SIGTERM.
func runSpeaking(ctx context.Context, fs afero.Fs, cfg *config.Config, speak func(context.Context, playback.Interface) error) error {
	lock, err := newLock(fs, cfg, nil)
	if err != nil {
		return err
	}

	player, err := newPlayer(fs, cfg)
	if err != nil {
		return err
	}

	lease, err := lock.TryAcquire(ctx, cfg.Lock.Timeout)
	if err != nil {
		return err
	}

	defer func() {
		if err := lease.Release(); err != nil {
			logging.Warn("releasing speech lock", "error", err)
		}
	}()

	stop := lease.KeepAlive(cfg.Lock.Lease / 3)
	defer stop()

	err = speak(ctx, player)
	if ctx.Err() != nil {
		logging.Info("playback interrupted")

		return nil
	}

	return err
}

func runTrigger(fs afero.Fs, cfg *config.Config) error {
	t, err := trigger.New(&trigger.Config{FileSys: fs, Path: cfg.Trigger.Path})
	if err != nil {
		return err
	}

	if err := t.Signal(); err != nil {
		return err
	}

	logging.Info("auto-listen trigger raised", "path", cfg.Trigger.Path)

	return nil
}

func newLock(fs afero.Fs, cfg *config.Config, m *metrics.Metrics) (speech_lock.Interface, error) {
	lock, err := speech_lock.New(&speech_lock.Config{
		FileSys:      fs,
		Path:         cfg.Lock.Path,
		Lease:        cfg.Lock.Lease,
		PollInterval: cfg.Lock.PollInterval,
		Metrics:      m,
	})
	if err != nil {
		return nil, fmt.Errorf("speech_lock.New: %w", err)
	}

	return lock, nil
}

func newPlayer(fs afero.Fs, cfg *config.Config) (playback.Interface, error) {
	player, err := playback.New(&playback.Config{
		FileSys:          fs,
		PlayerCommand:    cfg.Playback.PlayerCommand,
		TTSCommand:       cfg.Playback.TTSCommand,
		ConfirmationFile: cfg.Playback.ConfirmationFile,
		ConfirmationText: cfg.Playback.ConfirmationText,
		RetryPrompts:     cfg.Playback.RetryPrompts,
	})
	if err != nil {
		return nil, fmt.Errorf("playback.New: %w", err)
	}

	return player, nil
}

func newDispatcher(fs afero.Fs, cfg *config.Config, m *metrics.Metrics) (dispatcher.Interface, error) {
	var (
		next dispatcher.Interface
		err  error
	)

	switch cfg.Dispatch.Kind {
	case "kitty":
		next, err = dispatcher.NewKitty(&dispatcher.KittyConfig{
			FileSys:       fs,
			SocketFile:    cfg.Dispatch.SocketFile,
			SocketGlob:    cfg.Dispatch.SocketGlob,
			WindowIDFile:  cfg.Dispatch.WindowIDFile,
			KittenCommand: cfg.Dispatch.KittenCommand,
		})
	case "http":
		var client ai_bot.AIBotAPI

		client, err = ai_bot.NewClient(&ai_bot.Config{ApiHost: cfg.Dispatch.HTTPHost})
		if err == nil {
			next, err = dispatcher.NewHTTP(client, nil)
		}
	default:
		err = errors.New("unknown dispatch kind " + cfg.Dispatch.Kind)
	}

	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}

	return dispatcher.NewNotifying(&dispatcher.NotifyConfig{
		Next:    next,
		Notify:  cfg.Dispatch.Notify,
		Metrics: m,
	}), nil
}
