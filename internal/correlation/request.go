// internal/correlation/request.go
package correlation

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a pending request
type State int

const (
	StatePending State = iota
	StateAwaitingMoreSegments
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAwaitingMoreSegments:
		return "awaiting_more_segments"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Key identifies a request. Invoke ids are only unique per peer.
type Key struct {
	InvokeID uint8
	Peer     string
}

func (k Key) String() string {
	return fmt.Sprintf("%s#%d", k.Peer, k.InvokeID)
}

// Request is the caller's handle to one outstanding correlated request.
// Mutable fields are guarded by the owning Engine.
type Request struct {
	key      Key
	frame    []byte
	timeout  time.Duration
	deadline time.Time

	// signal carries segment continuations to the waiter
	signal chan struct{}
	// done is closed once the request reaches a terminal state
	done chan struct{}

	state    State
	segments []byte
	// nextSeq is the segment sequence number accepted next; accepted
	// counts segments taken in order
	nextSeq  uint8
	accepted int
	result   []byte
	err      error
	resends  int
}

func (r *Request) InvokeID() uint8 { return r.key.InvokeID }

func (r *Request) Peer() string { return r.key.Peer }

func (r *Request) Key() Key { return r.key }

// Frame returns the transmitted bytes retained for resend
func (r *Request) Frame() []byte { return r.frame }

func (r *Request) Timeout() time.Duration { return r.timeout }

// Done is closed when the request completes, fails or is cancelled
func (r *Request) Done() <-chan struct{} { return r.done }

// Result returns the outcome once Done is closed
func (r *Request) Result() ([]byte, error) {
	select {
	case <-r.done:
		return r.result, r.err
	default:
		return nil, fmt.Errorf("request %s still pending", r.key)
	}
}
