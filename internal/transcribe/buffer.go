package transcribe

import (
	"strings"
	"sync"
)

// Buffer accumulates finalized speech segments until the next Drain.
// Append and Drain linearize: a segment lands wholly before or wholly after
// a drain boundary and is never returned by two drains.
type Buffer struct {
	mu       sync.Mutex
	segments []string
}

// NewBuffer creates an empty transcript buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append adds one finalized segment. Blank segments are ignored.
func (b *Buffer) Append(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.segments = append(b.segments, text)
}

// Drain returns the accumulated text, space separated, and resets the buffer.
// Returns "" if nothing was appended since the last drain.
func (b *Buffer) Drain() string {
	b.mu.Lock()
	segments := b.segments
	b.segments = nil
	b.mu.Unlock()

	return strings.Join(segments, " ")
}

// Len returns the number of segments currently pending.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.segments)
}
