package ai_bot

import (
	"context"
	"errors"
)

// ErrBadStatus is returned when the assistant answers with a non-2xx status.
var ErrBadStatus = errors.New("assistant returned an error status")

type AIBotAPI interface {
	// SendPrompt hands a transcribed command to the assistant and returns its reply.
	SendPrompt(ctx context.Context, prompt string) (string, error)
}
