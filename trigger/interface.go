package trigger

// Interface is the auto-listen flag file. Any process may raise it; the wake
// loop consumes it at most once per Signal.
type Interface interface {
	Signal() error
	// Consume reports whether the flag was raised and clears it.
	Consume() (bool, error)
}
