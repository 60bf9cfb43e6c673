package xv6fs

import (
	"context"
	"sync"
)

// pipeSize is the capacity of a pipe's ring buffer, matching the
// original's PIPESIZE.
const pipeSize = 512

// Pipe is the in-memory, unidirectional byte channel backing the PIPE
// variant of OpenFile, a condition-variable ring buffer translating
// pipealloc/piperead/pipewrite from the original's pipe.c.
type Pipe struct {
	mu         sync.Mutex
	notEmpty   *sync.Cond
	notFull    *sync.Cond
	data       [pipeSize]byte
	nwrite     uint32
	nread      uint32
	readOpen   bool
	writeOpen  bool
}

// NewPipe returns a pipe with both ends open.
func NewPipe() *Pipe {
	p := &Pipe{readOpen: true, writeOpen: true}
	p.notEmpty = sync.NewCond(&p.mu)
	p.notFull = sync.NewCond(&p.mu)
	return p
}

// CloseRead marks the read end closed, waking any blocked writer so it
// observes EOF-of-reader (further Write calls fail).
func (p *Pipe) CloseRead() {
	p.mu.Lock()
	p.readOpen = false
	p.notFull.Broadcast()
	p.mu.Unlock()
}

// CloseWrite marks the write end closed, waking any blocked reader so it
// observes end of stream once buffered data drains.
func (p *Pipe) CloseWrite() {
	p.mu.Lock()
	p.writeOpen = false
	p.notEmpty.Broadcast()
	p.mu.Unlock()
}

// Write copies src into the ring buffer, blocking while it is full and
// the read end is still open. Returns ErrClosedPipe if the reader has
// gone away, short write included.
func (p *Pipe) Write(ctx context.Context, src []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.notFull.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()

	n := 0
	for n < len(src) {
		if !p.readOpen {
			return n, ErrClosedPipe
		}
		if p.nwrite-p.nread == pipeSize {
			// Wake any reader blocked on notEmpty before sleeping, the same
			// order pipewrite() wakes readers before waiting on a full
			// buffer: otherwise a write larger than pipeSize deadlocks
			// against a reader that is already asleep.
			p.notEmpty.Broadcast()
			p.notFull.Wait()
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			continue
		}
		p.data[p.nwrite%pipeSize] = src[n]
		p.nwrite++
		n++
	}
	p.notEmpty.Broadcast()
	return n, nil
}

// Read copies up to len(dst) bytes out of the ring buffer into dst,
// blocking while empty and the write end is still open; returns (0, nil)
// at end of stream once the writer has closed and the buffer has
// drained, matching a read() of 0 signalling EOF.
func (p *Pipe) Read(ctx context.Context, dst []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.notEmpty.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()

	for p.nread == p.nwrite && p.writeOpen {
		p.notEmpty.Wait()
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
	}
	n := 0
	for n < len(dst) && p.nread < p.nwrite {
		dst[n] = p.data[p.nread%pipeSize]
		p.nread++
		n++
	}
	p.notFull.Broadcast()
	return n, nil
}
