// internal/ringbuf/ringbuf.go
package ringbuf

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"rtu-gateway/internal/rtuerr"
)

// RingBuffer is a fixed-capacity byte ring for one writer and one reader.
//
// Only the writer advances tail and only the reader advances head. Cursors are
// unbounded counters; the slot index is cursor & mask. The atomic store of a
// cursor happens after the data copy, so the other side never observes a
// cursor advance before the bytes behind it.
type RingBuffer struct {
	head atomic.Uint64
	_    [56]byte
	tail atomic.Uint64
	_    [56]byte

	buf  []byte
	mask uint64

	space    chan struct{}
	readable chan struct{}
}

// New creates a ring buffer. capacity must be a power of two.
func New(capacity int) (*RingBuffer, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("ring capacity %d is not a power of two", capacity)
	}

	return &RingBuffer{
		buf:      make([]byte, capacity),
		mask:     uint64(capacity - 1),
		space:    make(chan struct{}, 1),
		readable: make(chan struct{}, 1),
	}, nil
}

// Cap returns the fixed capacity.
func (r *RingBuffer) Cap() int {
	return len(r.buf)
}

// Count returns the number of unread bytes. It is safe from any goroutine;
// outside the reader and writer the result is a snapshot.
func (r *RingBuffer) Count() int {
	// head first: tail only grows, so tail >= head holds for the pair
	head := r.head.Load()
	tail := r.tail.Load()
	if n := tail - head; n < uint64(len(r.buf)) {
		return int(n)
	}
	return len(r.buf)
}

// Free returns the number of bytes that can be written without blocking.
func (r *RingBuffer) Free() int {
	return len(r.buf) - r.Count()
}

// Readable returns a channel that receives a signal after the writer publishes
// new bytes. It holds at most one pending signal.
func (r *RingBuffer) Readable() <-chan struct{} {
	return r.readable
}

// TryWrite appends one byte. It returns false when the buffer is full.
func (r *RingBuffer) TryWrite(b byte) bool {
	tail := r.tail.Load()
	if tail-r.head.Load() == uint64(len(r.buf)) {
		return false
	}

	r.buf[tail&r.mask] = b
	r.tail.Store(tail + 1)
	notify(r.readable)
	return true
}

// Write copies as many bytes as fit and returns how many were written.
func (r *RingBuffer) Write(data []byte) int {
	tail := r.tail.Load()
	free := uint64(len(r.buf)) - (tail - r.head.Load())

	n := uint64(len(data))
	if n > free {
		n = free
	}
	if n == 0 {
		return 0
	}

	start := tail & r.mask
	first := copy(r.buf[start:], data[:n])
	copy(r.buf, data[first:n])

	r.tail.Store(tail + n)
	notify(r.readable)
	return int(n)
}

// WriteBlocking writes all of data, waiting for the reader to free space.
// A non-positive timeout means no deadline other than ctx.
func (r *RingBuffer) WriteBlocking(ctx context.Context, data []byte, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	written := 0
	for {
		written += r.Write(data[written:])
		if written == len(data) {
			return nil
		}

		select {
		case <-r.space:
		case <-deadline:
			return fmt.Errorf("ring write of %d bytes stalled after %d: %w", len(data), written, rtuerr.ErrTimeout)
		case <-ctx.Done():
			return fmt.Errorf("ring write interrupted after %d bytes: %w", written, rtuerr.ErrCancelled)
		}
	}
}

// TryRead removes one byte. ok is false when the buffer is empty.
func (r *RingBuffer) TryRead() (ok bool, b byte) {
	head := r.head.Load()
	if r.tail.Load() == head {
		return false, 0
	}

	b = r.buf[head&r.mask]
	r.head.Store(head + 1)
	notify(r.space)
	return true, b
}

// Read removes and returns up to n bytes.
func (r *RingBuffer) Read(n int) []byte {
	out := r.copyOut(n)
	if len(out) > 0 {
		r.head.Add(uint64(len(out)))
		notify(r.space)
	}
	return out
}

// Peek returns up to n bytes without consuming them.
func (r *RingBuffer) Peek(n int) []byte {
	return r.copyOut(n)
}

// Discard drops up to n unread bytes and returns how many were dropped.
func (r *RingBuffer) Discard(n int) int {
	head := r.head.Load()
	avail := int(r.tail.Load() - head)
	if n > avail {
		n = avail
	}
	if n <= 0 {
		return 0
	}

	r.head.Store(head + uint64(n))
	notify(r.space)
	return n
}

func (r *RingBuffer) copyOut(n int) []byte {
	head := r.head.Load()
	avail := int(r.tail.Load() - head)
	if n > avail {
		n = avail
	}
	if n <= 0 {
		return []byte{}
	}

	out := make([]byte, n)
	start := head & r.mask
	first := copy(out, r.buf[start:])
	copy(out[first:], r.buf)
	return out
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
