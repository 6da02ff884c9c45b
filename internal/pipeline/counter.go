package pipeline

import (
	"io"
	"sync/atomic"
)

// CountingWriter wraps an io.Writer and tracks bytes written. The
// count is readable concurrently, so progress reporting can observe it
// from outside the writing goroutine.
type CountingWriter struct {
	w io.Writer
	n atomic.Int64
}

// NewCountingWriter wraps w.
func NewCountingWriter(w io.Writer) *CountingWriter {
	return &CountingWriter{w: w}
}

func (c *CountingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}

// Count returns the bytes written so far.
func (c *CountingWriter) Count() int64 {
	return c.n.Load()
}
