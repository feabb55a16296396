package dispatcher

import (
	"context"
	"errors"
	"time"
)

// ErrDispatchFailure is returned when a command could not be delivered.
var ErrDispatchFailure = errors.New("command dispatch failed")

// Command is a transcribed utterance ready for delivery.
type Command struct {
	Transcript string
	Timestamp  time.Time
}

type Interface interface {
	Dispatch(ctx context.Context, cmd Command) error
}

// CommandRunner runs an external program to completion.
type CommandRunner func(ctx context.Context, name string, args ...string) error
