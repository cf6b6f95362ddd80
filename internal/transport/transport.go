// internal/transport/transport.go
//
// Package transport bridges a byte stream to a ring buffer and a framer and
// delivers decoded frames to a single handler.
package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"rtu-gateway/internal/frame"
	"rtu-gateway/internal/ringbuf"
	"rtu-gateway/internal/rtuerr"
	"rtu-gateway/internal/stream"
)

// EventKind identifies a transport event
type EventKind int

const (
	FrameReceived EventKind = iota
	CorruptFrame
	StreamError
)

func (k EventKind) String() string {
	switch k {
	case FrameReceived:
		return "frame_received"
	case CorruptFrame:
		return "corrupt_frame"
	case StreamError:
		return "stream_error"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is delivered to the Handler. Frame is set for FrameReceived, Reason
// for CorruptFrame and Err for StreamError.
type Event struct {
	Kind   EventKind
	Frame  []byte
	Reason string
	Err    error
}

// Handler receives events from a single goroutine, in stream order. It
// should return quickly; the decode loop waits for it.
type Handler func(Event)

// Options configure a Transport
type Options struct {
	RingCapacity int
	ReadChunk    int
}

// DefaultOptions are used for zero fields
var DefaultOptions = Options{
	RingCapacity: 4096,
	ReadChunk:    512,
}

// Stats are transport counters
type Stats struct {
	FramesSent     int64 `json:"frames_sent"`
	FramesReceived int64 `json:"frames_received"`
	CorruptFrames  int64 `json:"corrupt_frames"`
	BytesIn        int64 `json:"bytes_in"`
	BytesOut       int64 `json:"bytes_out"`
	BytesDiscarded int64 `json:"bytes_discarded"`
}

// Transport owns the inbound loop for one stream. The pump goroutine is the
// only ring writer and the decode goroutine the only ring reader.
type Transport struct {
	stream  stream.Stream
	framer  frame.Framer
	ring    *ringbuf.RingBuffer
	handler Handler
	logger  *zap.Logger
	opts    Options

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	pumpDone  chan struct{}
	done      chan struct{}

	errMu sync.Mutex
	err   error

	framesSent     atomic.Int64
	framesReceived atomic.Int64
	corruptFrames  atomic.Int64
	bytesIn        atomic.Int64
	bytesOut       atomic.Int64
	bytesDiscarded atomic.Int64
}

// New creates a transport over an open stream
func New(s stream.Stream, framer frame.Framer, handler Handler, opts Options, logger *zap.Logger) (*Transport, error) {
	if opts.RingCapacity == 0 {
		opts.RingCapacity = DefaultOptions.RingCapacity
	}
	if opts.ReadChunk == 0 {
		opts.ReadChunk = DefaultOptions.ReadChunk
	}
	ring, err := ringbuf.New(opts.RingCapacity)
	if err != nil {
		return nil, err
	}
	if limit := framer.MaxFrameSize(); limit > ring.Cap() {
		return nil, fmt.Errorf("%s frames of up to %d bytes do not fit a %d byte ring: %w",
			framer.Name(), limit, ring.Cap(), rtuerr.ErrInvalidLength)
	}
	if handler == nil {
		handler = func(Event) {}
	}

	return &Transport{
		stream:  s,
		framer:  framer,
		ring:    ring,
		handler: handler,
		opts:    opts,
		logger: logger.With(
			zap.String("component", "transport"),
			zap.String("framer", framer.Name()),
			zap.String("remote", s.RemoteAddr()),
		),
		pumpDone: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the inbound loop. It runs until ctx is cancelled, Close is
// called or the stream fails.
func (t *Transport) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		ctx, t.cancel = context.WithCancel(ctx)
		go t.pump(ctx)
		go t.decode(ctx)
	})
}

// Send writes one encoded frame to the stream
func (t *Transport) Send(ctx context.Context, data []byte) error {
	select {
	case <-t.done:
		return fmt.Errorf("send on stopped transport: %w", rtuerr.ErrClosed)
	default:
	}

	if err := t.stream.Write(ctx, data); err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return fmt.Errorf("send: %w", rtuerr.ErrCancelled)
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
			return fmt.Errorf("send: %w", rtuerr.ErrTimeout)
		default:
			return fmt.Errorf("send: %w: %w", rtuerr.ErrStream, err)
		}
	}

	t.framesSent.Add(1)
	t.bytesOut.Add(int64(len(data)))
	t.logger.Debug("Frame sent", zap.Binary("frame", data))
	return nil
}

// Close stops the inbound loop and closes the stream
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		// a transport that never started has no loop to stop
		t.startOnce.Do(func() {
			close(t.pumpDone)
			close(t.done)
		})
		if t.cancel != nil {
			t.cancel()
		}
		err = t.stream.Close()
		<-t.done
		<-t.pumpDone
	})
	return err
}

// Done is closed when the inbound loop has exited
func (t *Transport) Done() <-chan struct{} { return t.done }

// Err returns the stream error that stopped the loop, if any
func (t *Transport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *Transport) Stats() Stats {
	return Stats{
		FramesSent:     t.framesSent.Load(),
		FramesReceived: t.framesReceived.Load(),
		CorruptFrames:  t.corruptFrames.Load(),
		BytesIn:        t.bytesIn.Load(),
		BytesOut:       t.bytesOut.Load(),
		BytesDiscarded: t.bytesDiscarded.Load(),
	}
}

// Framer returns the framer splitting the inbound stream
func (t *Transport) Framer() frame.Framer { return t.framer }

// pump moves bytes from the stream into the ring
func (t *Transport) pump(ctx context.Context) {
	defer close(t.pumpDone)

	for {
		data, err := t.stream.Read(ctx, t.opts.ReadChunk)
		if err != nil {
			if ctx.Err() == nil {
				t.setErr(fmt.Errorf("%w: %w", rtuerr.ErrStream, err))
			}
			return
		}
		if len(data) == 0 {
			continue
		}
		t.bytesIn.Add(int64(len(data)))
		if err := t.ring.WriteBlocking(ctx, data, 0); err != nil {
			return
		}
	}
}

// decode splits buffered bytes into frames and emits events
func (t *Transport) decode(ctx context.Context) {
	defer close(t.done)

	for {
		t.drain()
		select {
		case <-t.ring.Readable():
		case <-t.pumpDone:
			t.drain()
			if err := t.Err(); err != nil {
				t.logger.Warn("Stream failed", zap.Error(err))
				t.handler(Event{Kind: StreamError, Err: err})
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) drain() {
	for {
		count := t.ring.Count()
		if count == 0 {
			return
		}
		buf := t.ring.Peek(count)

		n, err := t.framer.Decode(buf)
		switch {
		case err == nil:
			f := t.ring.Read(n)
			t.framesReceived.Add(1)
			t.logger.Debug("Frame received", zap.Binary("frame", f))
			t.handler(Event{Kind: FrameReceived, Frame: f})
		case errors.Is(err, rtuerr.ErrTruncatedFrame):
			if count < t.ring.Cap() {
				return
			}
			t.corrupt(buf, fmt.Sprintf("frame exceeds ring capacity %d: %v", t.ring.Cap(), err))
		default:
			t.corrupt(buf, err.Error())
		}
	}
}

func (t *Transport) corrupt(buf []byte, reason string) {
	skip := t.framer.Resync(buf)
	dropped := t.ring.Discard(skip)
	t.corruptFrames.Add(1)
	t.bytesDiscarded.Add(int64(dropped))
	t.logger.Debug("Corrupt frame", zap.String("reason", reason), zap.Int("discarded", dropped))
	t.handler(Event{Kind: CorruptFrame, Reason: reason})
}

func (t *Transport) setErr(err error) {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.err == nil {
		t.err = err
	}
}
