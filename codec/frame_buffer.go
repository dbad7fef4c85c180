package codec

import (
	"bytes"
	"sync"
)

// FrameBuffer accumulates stream bytes until complete frames can be cut out.
// One buffer serves one connection's receive path. All methods are safe for
// concurrent use; the buffer carries its own lock so the framing layer never
// holds a connection lock while scanning.
type FrameBuffer struct {
	mu  sync.Mutex
	buf []byte
}

// NewFrameBuffer creates an empty frame buffer.
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{}
}

// Append adds received bytes to the buffer.
func (b *FrameBuffer) Append(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, data...)
}

// Extract cuts out every complete frame delimited by sep, in stream order,
// and removes the consumed spans including their terminators. Each returned
// frame is a copy. After Extract returns, the buffer holds at most one
// partial frame.
func (b *FrameBuffer) Extract(sep []byte) [][]byte {
	if len(sep) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var frames [][]byte

	off := 0
	for {
		idx := bytes.Index(b.buf[off:], sep)
		if idx < 0 {
			break
		}

		end := off + idx
		frames = append(frames, bytes.Clone(b.buf[off:end]))
		off = end + len(sep)
	}

	if off > 0 {
		n := copy(b.buf, b.buf[off:])
		b.buf = b.buf[:n]
	}

	return frames
}

// Len returns the number of buffered bytes not yet cut into a frame.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.buf)
}

// Reset drops all buffered bytes.
func (b *FrameBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = b.buf[:0]
}
