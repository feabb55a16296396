package ring_buffer

type bufImpl struct {
	buffer []int16
	head   int
	count  int
}

func New(size int) Interface {
	if size < 1 {
		size = 1
	}

	return &bufImpl{
		buffer: make([]int16, size),
	}
}

func (r *bufImpl) Add(samples []int16) {
	// only the tail can survive when more samples arrive than fit
	if len(samples) > len(r.buffer) {
		samples = samples[len(samples)-len(r.buffer):]
	}

	for _, s := range samples {
		r.buffer[r.head] = s
		r.head = (r.head + 1) % len(r.buffer)
	}

	r.count = min(r.count+len(samples), len(r.buffer))
}

// Read returns the stored samples, oldest first.
func (r *bufImpl) Read() []int16 {
	samples := make([]int16, r.count)
	start := (r.head - r.count + len(r.buffer)) % len(r.buffer)

	for i := 0; i < r.count; i++ {
		samples[i] = r.buffer[(start+i)%len(r.buffer)]
	}

	return samples
}

func (r *bufImpl) Len() int {
	return r.count
}

func (r *bufImpl) Clear() {
	for i := 0; i < len(r.buffer); i++ {
		r.buffer[i] = 0
	}

	r.head = 0
	r.count = 0
}
