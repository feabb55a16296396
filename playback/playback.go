package playback

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os/exec"
	"sync"

	"github.com/spf13/afero"

	"assistant-voice-command/logging"
)

type playerImpl struct {
	fileSys          afero.Fs
	playerCommand    []string
	ttsCommand       []string
	confirmationFile string
	confirmationText string
	retryPrompts     []string
	run              CommandRunner
	pick             func(n int) int

	mu         sync.Mutex
	lastPrompt int

	logger *slog.Logger
}

type Config struct {
	FileSys afero.Fs
	// program and leading args, the file path is appended
	PlayerCommand []string
	// program and leading args, the text is appended
	TTSCommand       []string
	ConfirmationFile string
	ConfirmationText string
	RetryPrompts     []string
	Runner           CommandRunner
	// Pick returns an index in [0,n), defaults to math/rand
	Pick   func(n int) int
	Logger *slog.Logger
}

func New(cfg *Config) (Interface, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	if cfg.FileSys == nil {
		return nil, fmt.Errorf("fileSys is nil")
	}

	if len(cfg.PlayerCommand) == 0 {
		return nil, fmt.Errorf("playerCommand is empty")
	}

	if len(cfg.TTSCommand) == 0 {
		return nil, fmt.Errorf("ttsCommand is empty")
	}

	if len(cfg.RetryPrompts) == 0 {
		return nil, fmt.Errorf("retryPrompts is empty")
	}

	p := &playerImpl{
		fileSys:          cfg.FileSys,
		playerCommand:    cfg.PlayerCommand,
		ttsCommand:       cfg.TTSCommand,
		confirmationFile: cfg.ConfirmationFile,
		confirmationText: cfg.ConfirmationText,
		retryPrompts:     cfg.RetryPrompts,
		run:              cfg.Runner,
		pick:             cfg.Pick,
		lastPrompt:       -1,
		logger:           cfg.Logger,
	}

	if p.run == nil {
		p.run = RunQuiet
	}

	if p.pick == nil {
		p.pick = rand.IntN
	}

	if p.logger == nil {
		p.logger = logging.Component("playback")
	}

	return p, nil
}

func (p *playerImpl) PlayFile(ctx context.Context, path string) error {
	args := append(append([]string{}, p.playerCommand[1:]...), path)

	if err := p.run(ctx, p.playerCommand[0], args...); err != nil {
		return fmt.Errorf("playing %s: %w", path, err)
	}

	return nil
}

func (p *playerImpl) Say(ctx context.Context, text string) error {
	args := append(append([]string{}, p.ttsCommand[1:]...), text)

	if err := p.run(ctx, p.ttsCommand[0], args...); err != nil {
		return fmt.Errorf("speaking %q: %w", text, err)
	}

	return nil
}

func (p *playerImpl) Confirm(ctx context.Context) error {
	if p.confirmationFile != "" {
		exists, err := afero.Exists(p.fileSys, p.confirmationFile)
		if err == nil && exists {
			return p.PlayFile(ctx, p.confirmationFile)
		}
	}

	// fallback: use TTS
	return p.Say(ctx, p.confirmationText)
}

func (p *playerImpl) RetryPrompt(ctx context.Context) error {
	message := p.retryPrompts[p.nextPrompt()]

	p.logger.Info("playing 'not understood' notification", "message", message)

	return p.Say(ctx, message)
}

// nextPrompt picks a prompt index different from the previous one when possible.
func (p *playerImpl) nextPrompt() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.retryPrompts)
	if n == 1 {
		return 0
	}

	i := p.pick(n)
	if i == p.lastPrompt {
		i = (i + 1 + p.pick(n-1)) % n
	}

	p.lastPrompt = i

	return i
}

// RunQuiet runs a program with its output discarded.
func RunQuiet(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}
