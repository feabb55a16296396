package transcription_pipeline

import "context"

// State is a step of a single pipeline run.
type State int

const (
	Idle State = iota
	ConfirmationPlayed
	Recording
	Transcribing
	Success
	RetryPending
	Exhausted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ConfirmationPlayed:
		return "confirmation_played"
	case Recording:
		return "recording"
	case Transcribing:
		return "transcribing"
	case Success:
		return "success"
	case RetryPending:
		return "retry_pending"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Result is the outcome of Run. Transcript is only set in the Success state;
// an Exhausted result with an empty transcript means every attempt failed.
type Result struct {
	State      State
	Transcript string
	Attempts   int
}

// OK reports whether a transcript was captured.
func (r Result) OK() bool {
	return r.State == Success
}

type Interface interface {
	// Run records and transcribes up to maxAttempts times and stops at the
	// first usable transcript. Per-attempt failures are absorbed; the error
	// is only set when ctx ends the run or the arguments are invalid.
	Run(ctx context.Context, maxAttempts int, playInitialConfirmation bool) (Result, error)
}
