package utils

import "sync"

// RingBuffer keeps the most recent Cap() bytes written to it.
// It implements io.Writer and never returns an error.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []byte
	start int
	n     int
}

// NewRingBuffer creates a ring buffer holding at most size bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 256 * 1024
	}
	return &RingBuffer{buf: make([]byte, size)}
}

func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	written := len(p)
	size := len(rb.buf)
	if len(p) >= size {
		copy(rb.buf, p[len(p)-size:])
		rb.start, rb.n = 0, size
		return written, nil
	}
	for len(p) > 0 {
		end := (rb.start + rb.n) % size
		chunk := copy(rb.buf[end:], p)
		if end < rb.start {
			chunk = copy(rb.buf[end:rb.start], p)
		}
		p = p[chunk:]
		rb.n += chunk
		if rb.n > size {
			rb.start = (rb.start + rb.n - size) % size
			rb.n = size
		}
	}
	return written, nil
}

// Bytes returns a copy of the buffered data in write order.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	out := make([]byte, rb.n)
	first := copy(out, rb.buf[rb.start:min(rb.start+rb.n, len(rb.buf))])
	copy(out[first:], rb.buf[:rb.n-first])
	return out
}

// Len returns the number of buffered bytes.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.n
}

// Cap returns the buffer capacity.
func (rb *RingBuffer) Cap() int {
	return len(rb.buf)
}

// Reset discards all buffered data.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	rb.start, rb.n = 0, 0
	rb.mu.Unlock()
}
