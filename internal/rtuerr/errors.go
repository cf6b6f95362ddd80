// internal/rtuerr/errors.go
package rtuerr

import (
	"errors"
	"fmt"
)

// Error kinds shared by the buffer, codec, transport and correlation layers.
// Callers compare with errors.Is; producers wrap them with fmt.Errorf("...: %w").
var (
	ErrBufferFull = errors.New("buffer full")
	ErrTimeout    = errors.New("timeout")
	ErrCancelled  = errors.New("cancelled")

	// ErrTruncatedFrame is also the "need more bytes" signal for stream decoding.
	ErrTruncatedFrame   = errors.New("truncated frame")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrInvalidMarker    = errors.New("invalid marker")
	ErrInvalidLength    = errors.New("invalid length")

	ErrStream = errors.New("stream error")
	ErrClosed = errors.New("closed")

	ErrDuplicateRequest  = errors.New("duplicate request")
	ErrUnknownRequest    = errors.New("unknown request")
	ErrInvokeIDExhausted = errors.New("no free invoke id")

	ErrProtocol = errors.New("protocol error")
	ErrAborted  = errors.New("aborted")
	ErrRejected = errors.New("rejected")
)

// IsDecodeError reports whether err is a structural decode failure that the
// inbound loop recovers from by resynchronizing.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrChecksumMismatch) ||
		errors.Is(err, ErrInvalidMarker) ||
		errors.Is(err, ErrInvalidLength)
}

// ProtocolError is a peer-reported error carrying class and code.
type ProtocolError struct {
	Class uint32
	Code  uint32
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: class=%d code=%d", e.Class, e.Code)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// AbortError is a peer-reported abort.
type AbortError struct {
	Reason uint8
	Server bool
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("aborted: reason=%d server=%t", e.Reason, e.Server)
}

func (e *AbortError) Is(target error) bool { return target == ErrAborted }

// RejectError is a peer-reported reject.
type RejectError struct {
	Reason uint8
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("rejected: reason=%d", e.Reason)
}

func (e *RejectError) Is(target error) bool { return target == ErrRejected }
