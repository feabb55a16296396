package noise_profile

// FrameSource is the part of the microphone the profiler needs.
type FrameSource interface {
	Read() ([]int16, error)
}

type Interface interface {
	// Measure discards the warm-up frames, then measures ambient energy.
	Measure(src FrameSource) (Profile, error)
	// Derive computes a profile from already measured per-frame amplitudes.
	Derive(frameAmplitudes []float64) Profile
}
