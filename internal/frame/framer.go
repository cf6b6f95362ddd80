// internal/frame/framer.go
package frame

import (
	"encoding/binary"
	"fmt"

	"rtu-gateway/internal/rtuerr"
)

// Framer splits a byte stream into frames for the transport decode loop.
type Framer interface {
	// Decode validates the frame at the start of buf and returns its length.
	// ErrTruncatedFrame asks for more input; other errors mark buf[0] as the
	// start of a corrupt frame.
	Decode(buf []byte) (int, error)

	// Resync returns how many leading bytes to drop to reach the next
	// candidate frame start. It always returns at least 1 for non-empty buf.
	Resync(buf []byte) int

	// Name identifies the wire format in logs and stats.
	Name() string

	// MaxFrameSize is the largest frame Decode accepts. Longer declared
	// lengths are reported as ErrInvalidLength before the bytes arrive.
	MaxFrameSize() int
}

// HeaderFramer frames the fixed 16-byte header variant.
type HeaderFramer struct {
	Order binary.ByteOrder
	// Version, when non-zero, must match every frame and anchors resync.
	Version uint16
	// MaxSize caps totalLength. Zero means MaxHeaderFrameSize.
	MaxSize int
}

// NewHeaderFramer creates a header framer accepting frames up to maxSize
// bytes, or MaxHeaderFrameSize when maxSize is zero.
func NewHeaderFramer(order binary.ByteOrder, version uint16, maxSize int) *HeaderFramer {
	return &HeaderFramer{Order: order, Version: version, MaxSize: maxSize}
}

func (h *HeaderFramer) Name() string { return "header" }

func (h *HeaderFramer) MaxFrameSize() int {
	if h.MaxSize <= 0 || h.MaxSize > MaxHeaderFrameSize {
		return MaxHeaderFrameSize
	}
	return h.MaxSize
}

func (h *HeaderFramer) Decode(buf []byte) (int, error) {
	if h.Version != 0 && len(buf) >= 2 {
		if v := h.Order.Uint16(buf[0:2]); v != h.Version {
			return 0, fmt.Errorf("header version %d, want %d: %w", v, h.Version, rtuerr.ErrInvalidMarker)
		}
	}
	if len(buf) >= 8 {
		if total := h.Order.Uint32(buf[4:8]); total > uint32(h.MaxFrameSize()) {
			return 0, fmt.Errorf("total length %d exceeds %d: %w", total, h.MaxFrameSize(), rtuerr.ErrInvalidLength)
		}
	}
	_, n, err := DecodeHeader(buf, h.Order)
	return n, err
}

func (h *HeaderFramer) Resync(buf []byte) int {
	if h.Version == 0 {
		return minSkip(buf, 1)
	}
	for i := 1; i+1 < len(buf); i++ {
		if h.Order.Uint16(buf[i:i+2]) == h.Version {
			return i
		}
	}
	// keep a trailing byte that may be half of the next version field
	return minSkip(buf, len(buf)-1)
}

// MeterFramer frames the checksummed meter variant.
type MeterFramer struct{}

// NewMeterFramer creates a meter framer.
func NewMeterFramer() *MeterFramer { return &MeterFramer{} }

func (m *MeterFramer) Name() string { return "meter" }

func (m *MeterFramer) MaxFrameSize() int { return MaxMeterFrameSize }

func (m *MeterFramer) Decode(buf []byte) (int, error) {
	_, n, err := DecodeMeter(buf)
	return n, err
}

func (m *MeterFramer) Resync(buf []byte) int {
	for i := 1; i < len(buf); i++ {
		if buf[i] == MeterStart || buf[i] == MeterPreamble {
			return i
		}
	}
	return len(buf)
}

func minSkip(buf []byte, n int) int {
	if n < 1 {
		n = 1
	}
	if n > len(buf) {
		n = len(buf)
	}
	return n
}
