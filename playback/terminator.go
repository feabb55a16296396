package playback

import (
	"context"
	"log/slog"
	"os"
	"syscall"
	"time"

	"assistant-voice-command/logging"
)

const killTimeout = 2 * time.Second

// Terminator stops whatever is currently speaking: the process holding the
// speech lock and any known audio players.
type Terminator struct {
	processes []string
	run       CommandRunner
	signal    func(pid int, sig syscall.Signal) error
	selfPID   int
	logger    *slog.Logger
}

type TerminatorConfig struct {
	// player process names killed by name
	Processes []string
	Runner    CommandRunner
	Signal    func(pid int, sig syscall.Signal) error
	Logger    *slog.Logger
}

func NewTerminator(cfg *TerminatorConfig) *Terminator {
	t := &Terminator{
		processes: cfg.Processes,
		run:       cfg.Runner,
		signal:    cfg.Signal,
		selfPID:   os.Getpid(),
		logger:    cfg.Logger,
	}

	if t.run == nil {
		t.run = RunQuiet
	}

	if t.signal == nil {
		t.signal = syscall.Kill
	}

	if t.logger == nil {
		t.logger = logging.Component("playback")
	}

	return t
}

// Terminate is best-effort; failures are logged and otherwise ignored.
func (t *Terminator) Terminate(holderPID int) {
	if holderPID > 0 && holderPID != t.selfPID {
		if err := t.signal(holderPID, syscall.SIGTERM); err != nil {
			t.logger.Debug("could not signal lock holder", "pid", holderPID, "error", err)
		} else {
			t.logger.Info("sent SIGTERM to lock holder", "pid", holderPID)
		}
	}

	for _, name := range t.processes {
		ctx, cancel := context.WithTimeout(context.Background(), killTimeout)

		// killall exits non-zero when nothing matched
		if err := t.run(ctx, "killall", "-9", name); err != nil {
			t.logger.Debug("killall", "process", name, "error", err)
		}

		cancel()
	}
}
