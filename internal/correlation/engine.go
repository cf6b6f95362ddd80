// internal/correlation/engine.go
//
// Package correlation matches inbound replies to outstanding requests keyed
// by invoke id and peer.
package correlation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"rtu-gateway/internal/rtuerr"
)

// Sender transmits request bytes. *transport.Transport satisfies it.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// EventKind identifies an upward correlation event
type EventKind int

const (
	Acknowledged EventKind = iota
	SegmentContinuation
	Failed
)

func (k EventKind) String() string {
	switch k {
	case Acknowledged:
		return "acknowledged"
	case SegmentContinuation:
		return "segment_continuation"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event reports a request transition
type Event struct {
	Kind     EventKind
	InvokeID uint8
	Peer     string
	Payload  []byte
	Err      error
}

// Options configure an Engine
type Options struct {
	// DefaultTimeout applies when Register is given a non-positive timeout.
	DefaultTimeout time.Duration
	// OnEvent, when set, receives every transition. It is called without
	// the engine lock held.
	OnEvent func(Event)
}

// Engine tracks outstanding requests. All table mutations happen under mu.
type Engine struct {
	sender Sender
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	pending  map[Key]*Request
	nextID   map[string]uint8
	late     atomic.Int64
	resends  atomic.Int64
	timeouts atomic.Int64
}

// NewEngine creates an engine that resends through sender
func NewEngine(sender Sender, opts Options, logger *zap.Logger) *Engine {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 3 * time.Second
	}
	return &Engine{
		sender:  sender,
		opts:    opts,
		logger:  logger.With(zap.String("component", "correlation")),
		pending: make(map[Key]*Request),
		nextID:  make(map[string]uint8),
	}
}

// Register creates a pending request. It fails with ErrDuplicateRequest when
// an unexpired request already holds (invokeID, peer); an expired one is
// failed with a timeout and replaced.
func (e *Engine) Register(invokeID uint8, peer string, frame []byte, timeout time.Duration) (*Request, error) {
	var events []Event
	defer func() { e.emit(events) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	events = e.sweepLocked(time.Now())

	key := Key{InvokeID: invokeID, Peer: peer}
	if ev, err := e.evictLocked(key); err != nil {
		return nil, err
	} else if ev != nil {
		events = append(events, *ev)
	}
	return e.insertLocked(key, frame, timeout), nil
}

// RegisterNext allocates the next free invoke id for peer, builds the frame
// with it and registers the request in one step.
func (e *Engine) RegisterNext(peer string, timeout time.Duration, build func(invokeID uint8) ([]byte, error)) (*Request, error) {
	var events []Event
	defer func() { e.emit(events) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	events = e.sweepLocked(time.Now())

	start := e.nextID[peer]
	for i := 0; i < 256; i++ {
		id := start + uint8(i)
		key := Key{InvokeID: id, Peer: peer}
		ev, err := e.evictLocked(key)
		if err != nil {
			continue
		}
		if ev != nil {
			events = append(events, *ev)
		}

		frame, err := build(id)
		if err != nil {
			return nil, err
		}
		e.nextID[peer] = id + 1
		return e.insertLocked(key, frame, timeout), nil
	}
	return nil, fmt.Errorf("peer %s has 256 requests outstanding: %w", peer, rtuerr.ErrInvokeIDExhausted)
}

// maxIdlePeers bounds how many peers without outstanding requests keep
// their invoke id cursor.
const maxIdlePeers = 256

// sweepLocked fails every request past its deadline, so requests nobody
// waits on do not pile up, and forgets invoke id cursors of idle peers once
// there are too many.
func (e *Engine) sweepLocked(now time.Time) []Event {
	var events []Event
	active := make(map[string]bool)
	for key, r := range e.pending {
		if now.Before(r.deadline) {
			active[key.Peer] = true
			continue
		}
		e.timeouts.Add(1)
		if ev := e.finishLocked(r, nil, fmt.Errorf("request %s expired: %w", key, rtuerr.ErrTimeout)); ev != nil {
			events = append(events, *ev)
		}
	}
	if len(e.nextID)-len(active) > maxIdlePeers {
		for peer := range e.nextID {
			if !active[peer] {
				delete(e.nextID, peer)
			}
		}
	}
	return events
}

// evictLocked clears key for reuse. An expired holder is failed; a live one
// makes the key unavailable.
func (e *Engine) evictLocked(key Key) (*Event, error) {
	old, ok := e.pending[key]
	if !ok {
		return nil, nil
	}
	if time.Now().Before(old.deadline) {
		return nil, fmt.Errorf("request %s already outstanding: %w", key, rtuerr.ErrDuplicateRequest)
	}
	e.timeouts.Add(1)
	ev := e.finishLocked(old, nil, fmt.Errorf("request %s expired: %w", key, rtuerr.ErrTimeout))
	return ev, nil
}

func (e *Engine) insertLocked(key Key, frame []byte, timeout time.Duration) *Request {
	if timeout <= 0 {
		timeout = e.opts.DefaultTimeout
	}
	r := &Request{
		key:      key,
		frame:    frame,
		timeout:  timeout,
		deadline: time.Now().Add(timeout),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		state:    StatePending,
	}
	e.pending[key] = r
	e.logger.Debug("Request registered", zap.Stringer("key", key), zap.Duration("timeout", timeout))
	return r
}

// finishLocked moves r to a terminal state and deregisters it. It returns
// nil when r already finished.
func (e *Engine) finishLocked(r *Request, result []byte, err error) *Event {
	if r.state == StateCompleted || r.state == StateFailed {
		return nil
	}
	if e.pending[r.key] == r {
		delete(e.pending, r.key)
	}

	ev := &Event{InvokeID: r.key.InvokeID, Peer: r.key.Peer}
	if err != nil {
		r.state = StateFailed
		r.err = err
		ev.Kind, ev.Err = Failed, err
	} else {
		r.state = StateCompleted
		r.result = result
		ev.Kind, ev.Payload = Acknowledged, result
	}
	close(r.done)
	return ev
}

// lookupLocked returns the live request for key or counts a late event
func (e *Engine) lookupLocked(key Key, what string) *Request {
	r, ok := e.pending[key]
	if !ok {
		e.late.Add(1)
		e.logger.Debug("Ignoring event for unknown request", zap.String("event", what), zap.Stringer("key", key))
		return nil
	}
	return r
}

func (e *Engine) complete(key Key, what string, payload []byte, err error) bool {
	e.mu.Lock()
	r := e.lookupLocked(key, what)
	if r == nil {
		e.mu.Unlock()
		return false
	}
	if err == nil && len(r.segments) > 0 {
		payload = append(r.segments, payload...)
	}
	ev := e.finishLocked(r, payload, err)
	e.mu.Unlock()

	if ev != nil {
		e.emit([]Event{*ev})
	}
	return ev != nil
}

// OnAck completes the matching request with payload, preceded by any
// accumulated segment payloads. It reports whether a request matched.
func (e *Engine) OnAck(invokeID uint8, peer string, payload []byte) bool {
	return e.complete(Key{invokeID, peer}, "ack", payload, nil)
}

// OnSegment records a continuation. The waiter keeps waiting within its
// original deadline.
func (e *Engine) OnSegment(invokeID uint8, peer string, chunk []byte) bool {
	key := Key{invokeID, peer}

	e.mu.Lock()
	r := e.lookupLocked(key, "segment")
	if r == nil {
		e.mu.Unlock()
		return false
	}
	r.state = StateAwaitingMoreSegments
	r.segments = append(r.segments, chunk...)
	select {
	case r.signal <- struct{}{}:
	default:
	}
	e.mu.Unlock()

	e.emit([]Event{{Kind: SegmentContinuation, InvokeID: invokeID, Peer: peer}})
	return true
}

// SegmentResult classifies a sequenced segment
type SegmentResult int

const (
	SegmentAccepted SegmentResult = iota
	SegmentDuplicate
	SegmentOutOfOrder
	SegmentUnknown
)

func (r SegmentResult) String() string {
	switch r {
	case SegmentAccepted:
		return "accepted"
	case SegmentDuplicate:
		return "duplicate"
	case SegmentOutOfOrder:
		return "out_of_order"
	case SegmentUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("segment(%d)", int(r))
	}
}

// OnSequencedSegment records segment seq of a segmented reply. Only the next
// expected sequence number is accumulated; a retransmitted or skipped-ahead
// segment is dropped. last marks the final segment, which completes the
// request. The returned sequence number is the last one taken in order, the
// value a segment ack for this reply must carry.
func (e *Engine) OnSequencedSegment(invokeID uint8, peer string, seq uint8, chunk []byte, last bool) (SegmentResult, uint8) {
	key := Key{invokeID, peer}

	e.mu.Lock()
	r := e.lookupLocked(key, "segment")
	if r == nil {
		e.mu.Unlock()
		return SegmentUnknown, seq
	}
	if seq != r.nextSeq {
		result := SegmentOutOfOrder
		// sequence numbers wrap at 256, so distance is taken modulo
		if behind := int(r.nextSeq - seq); r.accepted > 0 && behind <= r.accepted && behind <= 128 {
			result = SegmentDuplicate
		}
		inOrder := r.nextSeq - 1
		e.mu.Unlock()

		e.logger.Debug("Dropping segment",
			zap.Stringer("key", key),
			zap.Uint8("sequence", seq),
			zap.Uint8("expected", inOrder+1),
			zap.Stringer("result", result),
		)
		return result, inOrder
	}

	r.nextSeq++
	r.accepted++
	var events []Event
	if last {
		payload := append(r.segments, chunk...)
		if ev := e.finishLocked(r, payload, nil); ev != nil {
			events = append(events, *ev)
		}
	} else {
		r.state = StateAwaitingMoreSegments
		r.segments = append(r.segments, chunk...)
		select {
		case r.signal <- struct{}{}:
		default:
		}
		events = append(events, Event{Kind: SegmentContinuation, InvokeID: invokeID, Peer: peer})
	}
	e.mu.Unlock()

	e.emit(events)
	return SegmentAccepted, seq
}

// OnError fails the matching request with a protocol error
func (e *Engine) OnError(invokeID uint8, peer string, class, code uint32) bool {
	return e.complete(Key{invokeID, peer}, "error", nil, &rtuerr.ProtocolError{Class: class, Code: code})
}

// OnAbort fails the matching request with an abort reason
func (e *Engine) OnAbort(invokeID uint8, peer string, reason uint8, server bool) bool {
	return e.complete(Key{invokeID, peer}, "abort", nil, &rtuerr.AbortError{Reason: reason, Server: server})
}

// OnReject fails the matching request with a reject reason
func (e *Engine) OnReject(invokeID uint8, peer string, reason uint8) bool {
	return e.complete(Key{invokeID, peer}, "reject", nil, &rtuerr.RejectError{Reason: reason})
}

// Resend retransmits the original bytes of a still pending request
func (e *Engine) Resend(ctx context.Context, r *Request) error {
	e.mu.Lock()
	if e.pending[r.key] != r {
		e.mu.Unlock()
		return fmt.Errorf("resend %s: %w", r.key, rtuerr.ErrUnknownRequest)
	}
	r.resends++
	attempt := r.resends
	e.mu.Unlock()

	e.resends.Add(1)
	e.logger.Debug("Resending request", zap.Stringer("key", r.key), zap.Int("attempt", attempt))
	return e.sender.Send(ctx, r.frame)
}

// Wait blocks until r reaches a terminal state, timeout elapses or ctx is
// done. Segment continuations do not end the wait. A non-positive timeout
// uses the request's own timeout. On timeout or cancellation the request is
// deregistered.
func (e *Engine) Wait(ctx context.Context, r *Request, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = r.timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-r.done:
			return r.result, r.err
		case <-r.signal:
			e.mu.Lock()
			if r.state == StateAwaitingMoreSegments {
				r.state = StatePending
			}
			e.mu.Unlock()
		case <-timer.C:
			e.timeouts.Add(1)
			e.Fail(r, fmt.Errorf("request %s after %s: %w", r.key, timeout, rtuerr.ErrTimeout))
			<-r.done
			return r.result, r.err
		case <-ctx.Done():
			e.Fail(r, fmt.Errorf("request %s: %w: %w", r.key, rtuerr.ErrCancelled, ctx.Err()))
			<-r.done
			return r.result, r.err
		}
	}
}

// Cancel deregisters r and releases its waiter. A reply that arrives later
// is counted as late and ignored.
func (e *Engine) Cancel(r *Request) bool {
	return e.Fail(r, fmt.Errorf("request %s: %w", r.key, rtuerr.ErrCancelled))
}

// Fail moves r to Failed with err. It reports false when r already finished.
func (e *Engine) Fail(r *Request, err error) bool {
	e.mu.Lock()
	ev := e.finishLocked(r, nil, err)
	e.mu.Unlock()

	if ev != nil {
		e.emit([]Event{*ev})
	}
	return ev != nil
}

// FailAll fails every outstanding request, typically because the stream died
func (e *Engine) FailAll(err error) int {
	e.mu.Lock()
	events := make([]Event, 0, len(e.pending))
	for _, r := range e.pending {
		if ev := e.finishLocked(r, nil, err); ev != nil {
			events = append(events, *ev)
		}
	}
	e.mu.Unlock()

	if len(events) > 0 {
		e.logger.Warn("Failed all pending requests", zap.Int("count", len(events)), zap.Error(err))
	}
	e.emit(events)
	return len(events)
}

// Len returns the number of outstanding requests
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Pending reports whether (invokeID, peer) is outstanding
func (e *Engine) Pending(invokeID uint8, peer string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[Key{invokeID, peer}]
	return ok
}

// State returns the current state of r
func (e *Engine) State(r *Request) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.state
}

// Stats are engine counters
type Stats struct {
	Pending    int   `json:"pending"`
	LateEvents int64 `json:"late_events"`
	Resends    int64 `json:"resends"`
	Timeouts   int64 `json:"timeouts"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		Pending:    e.Len(),
		LateEvents: e.late.Load(),
		Resends:    e.resends.Load(),
		Timeouts:   e.timeouts.Load(),
	}
}

func (e *Engine) emit(events []Event) {
	if e.opts.OnEvent == nil {
		return
	}
	for _, ev := range events {
		e.opts.OnEvent(ev)
	}
}
