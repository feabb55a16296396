package dispatcher

import (
	"context"
	"fmt"
	"log/slog"

	"assistant-voice-command/clients/ai_bot"
	"assistant-voice-command/logging"
)

// HTTPDispatcher forwards commands to the assistant bot API.
type HTTPDispatcher struct {
	client ai_bot.AIBotAPI
	logger *slog.Logger
}

func NewHTTP(client ai_bot.AIBotAPI, logger *slog.Logger) (*HTTPDispatcher, error) {
	if client == nil {
		return nil, fmt.Errorf("client is nil")
	}

	if logger == nil {
		logger = logging.Component("dispatcher")
	}

	return &HTTPDispatcher{client: client, logger: logger}, nil
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, cmd Command) error {
	reply, err := d.client.SendPrompt(ctx, cmd.Transcript)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDispatchFailure, err)
	}

	d.logger.Info("assistant replied", "reply", reply)

	return nil
}
