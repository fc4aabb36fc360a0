package audio

import "sync"

// CircularBuffer is a fixed-capacity ring of float32 samples.
//
// Writes never grow the buffer and never block: when the producer outruns the
// consumer the oldest unread samples are overwritten. Reads are all-or-nothing.
type CircularBuffer struct {
	mu       sync.Mutex
	buf      []float32
	read     int
	write    int
	size     int
	overflow int64
}

func NewCircularBuffer(capacity int) *CircularBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &CircularBuffer{buf: make([]float32, capacity)}
}

func (b *CircularBuffer) Capacity() int {
	return len(b.buf)
}

func (b *CircularBuffer) Write(samples []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.buf)
	for _, v := range samples {
		b.buf[b.write] = v
		b.write = (b.write + 1) % capacity
		if b.size == capacity {
			// Full: the write cursor just passed the read cursor.
			b.read = b.write
			b.overflow++
			continue
		}
		b.size++
	}
}

// Read returns exactly n samples, or false when fewer than n are available.
func (b *CircularBuffer) Read(n int) ([]float32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n < 0 || n > b.size {
		return nil, false
	}
	out := make([]float32, n)
	capacity := len(b.buf)
	for i := 0; i < n; i++ {
		out[i] = b.buf[b.read]
		b.read = (b.read + 1) % capacity
	}
	b.size -= n
	return out, true
}

// Available reports the forward distance from the read cursor to the write cursor.
func (b *CircularBuffer) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Dropped reports how many unread samples were overwritten so far.
func (b *CircularBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflow
}

func (b *CircularBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.read = 0
	b.write = 0
	b.size = 0
	for i := range b.buf {
		b.buf[i] = 0
	}
}
