package dispatcher

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"assistant-voice-command/logging"
	"assistant-voice-command/metrics"
)

const (
	notifyTimeout = 2 * time.Second
	previewLength = 50
)

// NotifyingDispatcher wraps another dispatcher, records the outcome and
// optionally pops up a desktop notification.
type NotifyingDispatcher struct {
	next    Interface
	notify  bool
	run     CommandRunner
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type NotifyConfig struct {
	Next    Interface
	Notify  bool
	Runner  CommandRunner
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func NewNotifying(cfg *NotifyConfig) *NotifyingDispatcher {
	d := &NotifyingDispatcher{
		next:    cfg.Next,
		notify:  cfg.Notify,
		run:     cfg.Runner,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}

	if d.run == nil {
		d.run = runCaptured
	}

	if d.logger == nil {
		d.logger = logging.Component("dispatcher")
	}

	return d
}

func (d *NotifyingDispatcher) Dispatch(ctx context.Context, cmd Command) error {
	if err := d.next.Dispatch(ctx, cmd); err != nil {
		d.metrics.Dispatched("error")
		d.show("Voice command failed", "Could not deliver the command")

		return err
	}

	d.metrics.Dispatched("ok")
	d.logger.Info("command delivered", "transcript", cmd.Transcript, "at", cmd.Timestamp)
	d.show("Voice command", preview(cmd.Transcript))

	return nil
}

func (d *NotifyingDispatcher) show(title, message string) {
	if !d.notify {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	if err := d.run(ctx, "notify-send", "-u", "normal", "-t", "2000", title, message); err != nil {
		d.logger.Warn("notification failed", "error", err)
	}
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= previewLength {
		return text
	}

	return string([]rune(text)[:previewLength]) + "..."
}
