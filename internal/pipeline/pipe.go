// Package pipeline provides the bounded in-memory pipe that decouples
// a producer (native dump, row serializer) from a consumer (storage
// upload) within one job. The channel capacity is the backpressure
// bound: a fast producer blocks once the buffer fills, so memory use
// stays fixed no matter how throughput differs between the two sides.
package pipeline

import (
	"errors"
	"io"
	"sync"
)

// ErrReadSideClosed is returned to writers after the reader abandons
// the pipe.
var ErrReadSideClosed = errors.New("pipeline: read side closed")

// Pipe is an io.WriteCloser / io.ReadCloser pair connected by a
// bounded channel of byte chunks.
type Pipe struct {
	ch chan []byte

	mu       sync.Mutex
	werr     error // error to hand the reader after the last chunk
	wclosed  bool
	rclosed  bool
	dead     chan struct{} // closed when the reader gives up
	pending  []byte        // partially consumed chunk on the read side
	readErr  error
	readDone bool
}

// New creates a Pipe buffering up to buffers chunks. Each Write copies
// its input into one chunk, so the worst-case buffered memory is
// buffers * the producer's write size.
func New(buffers int) *Pipe {
	if buffers <= 0 {
		buffers = 4
	}
	return &Pipe{
		ch:   make(chan []byte, buffers),
		dead: make(chan struct{}),
	}
}

// Write queues a copy of p for the reader, blocking while the buffer
// is full.
func (p *Pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.wclosed {
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	p.mu.Unlock()

	if len(b) == 0 {
		return 0, nil
	}
	chunk := make([]byte, len(b))
	copy(chunk, b)

	select {
	case p.ch <- chunk:
		return len(b), nil
	case <-p.dead:
		return 0, ErrReadSideClosed
	}
}

// Close marks the write side finished; the reader drains the buffer
// and then sees io.EOF.
func (p *Pipe) Close() error {
	return p.CloseWithError(nil)
}

// CloseWithError marks the write side finished; the reader drains the
// buffer and then sees err (or io.EOF when err is nil).
func (p *Pipe) CloseWithError(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.wclosed {
		return nil
	}
	p.wclosed = true
	p.werr = err
	close(p.ch)
	return nil
}

// Read returns buffered chunks in write order.
func (p *Pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.readDone {
		err := p.readErr
		p.mu.Unlock()
		return 0, err
	}
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()

	chunk, ok := <-p.ch
	if !ok {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.readDone = true
		if p.werr != nil {
			p.readErr = p.werr
		} else {
			p.readErr = io.EOF
		}
		return 0, p.readErr
	}

	n := copy(b, chunk)
	if n < len(chunk) {
		p.mu.Lock()
		p.pending = chunk[n:]
		p.mu.Unlock()
	}
	return n, nil
}

// CloseRead abandons the read side; blocked and future writes fail
// with ErrReadSideClosed. Safe to call after EOF.
func (p *Pipe) CloseRead() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.rclosed {
		p.rclosed = true
		close(p.dead)
	}
	return nil
}
