package util

import "sync"

// TailBuffer is an io.Writer that keeps only the last Limit bytes written.
// It is safe for concurrent use.
type TailBuffer struct {
	mu      sync.Mutex
	limit   int
	buf     []byte
	dropped int64
}

// NewTailBuffer returns a TailBuffer keeping at most limit bytes. A limit
// of zero or less keeps everything.
func NewTailBuffer(limit int) *TailBuffer {
	return &TailBuffer{limit: limit}
}

// Write implements io.Writer. It never fails.
func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if b.limit > 0 && len(b.buf) > b.limit {
		excess := len(b.buf) - b.limit
		b.dropped += int64(excess)
		// compact so the backing array does not grow without bound
		b.buf = append(b.buf[:0], b.buf[excess:]...)
	}
	return len(p), nil
}

// String returns the retained bytes.
func (b *TailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Truncated reports whether any bytes were dropped.
func (b *TailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped > 0
}

// Dropped returns how many leading bytes were discarded.
func (b *TailBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
