package playback

import "context"

// Interface plays the short audible cues of the capture flow. Callers hold the
// speech lock around every call.
type Interface interface {
	PlayFile(ctx context.Context, path string) error
	Say(ctx context.Context, text string) error
	// Confirm plays the "I'm listening" cue.
	Confirm(ctx context.Context) error
	// RetryPrompt asks the user to repeat, varying the wording between calls.
	RetryPrompt(ctx context.Context) error
}

// CommandRunner runs an external program to completion.
type CommandRunner func(ctx context.Context, name string, args ...string) error
