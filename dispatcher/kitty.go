package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/spf13/afero"

	"assistant-voice-command/logging"
)

// KittyDispatcher types the command into a kitty window over its remote
// control socket and presses enter.
type KittyDispatcher struct {
	fileSys       afero.Fs
	socketFile    string
	socketGlob    string
	windowIDFile  string
	kittenCommand string
	run           CommandRunner
	logger        *slog.Logger
}

type KittyConfig struct {
	FileSys afero.Fs
	// file holding the socket address, usually "unix:/tmp/kitty-socket-N"
	SocketFile string
	// used when SocketFile is missing
	SocketGlob    string
	WindowIDFile  string
	KittenCommand string
	Runner        CommandRunner
	Logger        *slog.Logger
}

func NewKitty(cfg *KittyConfig) (*KittyDispatcher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	if cfg.FileSys == nil {
		return nil, fmt.Errorf("fileSys is nil")
	}

	if cfg.WindowIDFile == "" {
		return nil, fmt.Errorf("windowIDFile is empty")
	}

	d := &KittyDispatcher{
		fileSys:       cfg.FileSys,
		socketFile:    cfg.SocketFile,
		socketGlob:    cfg.SocketGlob,
		windowIDFile:  cfg.WindowIDFile,
		kittenCommand: cfg.KittenCommand,
		run:           cfg.Runner,
		logger:        cfg.Logger,
	}

	if d.kittenCommand == "" {
		d.kittenCommand = "kitten"
	}

	if d.run == nil {
		d.run = runCaptured
	}

	if d.logger == nil {
		d.logger = logging.Component("dispatcher")
	}

	return d, nil
}

func (d *KittyDispatcher) Dispatch(ctx context.Context, cmd Command) error {
	socket, err := d.findSocket()
	if err != nil {
		return err
	}

	windowID, err := d.windowID()
	if err != nil {
		return err
	}

	to := "unix:" + socket
	match := "id:" + windowID

	d.logger.Info("sending command to kitty window", "window_id", windowID, "socket", socket)

	if err := d.run(ctx, d.kittenCommand, "@", "--to", to, "send-text", "--match", match, cmd.Transcript); err != nil {
		return fmt.Errorf("%w: send-text: %w", ErrDispatchFailure, err)
	}

	if err := d.run(ctx, d.kittenCommand, "@", "--to", to, "send-key", "--match", match, "enter"); err != nil {
		return fmt.Errorf("%w: send-key: %w", ErrDispatchFailure, err)
	}

	return nil
}

func (d *KittyDispatcher) findSocket() (string, error) {
	if d.socketFile != "" {
		data, err := afero.ReadFile(d.fileSys, d.socketFile)
		if err == nil {
			listenOn := strings.TrimSpace(string(data))
			if socket, ok := strings.CutPrefix(listenOn, "unix:"); ok && socket != "" {
				return socket, nil
			}
		}
	}

	if d.socketGlob != "" {
		matches, err := afero.Glob(d.fileSys, d.socketGlob)
		if err == nil && len(matches) > 0 {
			d.logger.Warn("socket file not found, using fallback", "socket", matches[0])

			return matches[0], nil
		}
	}

	return "", fmt.Errorf("%w: no kitty socket found", ErrDispatchFailure)
}

func (d *KittyDispatcher) windowID() (string, error) {
	data, err := afero.ReadFile(d.fileSys, d.windowIDFile)
	if err != nil {
		return "", fmt.Errorf("%w: reading window id: %w", ErrDispatchFailure, err)
	}

	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", fmt.Errorf("%w: window id file %s is empty", ErrDispatchFailure, d.windowIDFile)
	}

	return id, nil
}

// runCaptured keeps the program's output for the error message.
func runCaptured(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}

	return nil
}
