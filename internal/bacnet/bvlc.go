// internal/bacnet/bvlc.go
//
// Package bacnet implements the BACnet/IP envelope used for request/response
// correlation: BVLC framing, NPDU addressing and APDU headers. Service
// payloads are carried as opaque bytes.
package bacnet

import (
	"encoding/binary"
	"fmt"

	"rtu-gateway/internal/rtuerr"
)

// BVLCTypeIP marks every BACnet/IP virtual link frame.
const BVLCTypeIP byte = 0x81

// BVLCHeaderSize is type, function and a two byte length.
const BVLCHeaderSize = 4

// MaxBVLCLength is the largest BVLC frame accepted from a stream.
const MaxBVLCLength = 1497

// BVLC functions.
const (
	BVLCResult                byte = 0x00
	BVLCForwardedNPDU         byte = 0x04
	BVLCRegisterForeignDevice byte = 0x05
	BVLCDistributeBroadcast   byte = 0x09
	BVLCOriginalUnicastNPDU   byte = 0x0A
	BVLCOriginalBroadcastNPDU byte = 0x0B
)

// EncodeBVLC wraps an NPDU in a BVLC header.
func EncodeBVLC(function byte, npdu []byte) ([]byte, error) {
	total := BVLCHeaderSize + len(npdu)
	if total > MaxBVLCLength {
		return nil, fmt.Errorf("bvlc frame of %d bytes exceeds %d: %w", total, MaxBVLCLength, rtuerr.ErrInvalidLength)
	}

	out := make([]byte, total)
	out[0] = BVLCTypeIP
	out[1] = function
	binary.BigEndian.PutUint16(out[2:4], uint16(total))
	copy(out[BVLCHeaderSize:], npdu)
	return out, nil
}

// DecodeBVLC parses the BVLC frame at the start of buf. It returns the
// function, the enclosed bytes and the frame length.
func DecodeBVLC(buf []byte) (byte, []byte, int, error) {
	if len(buf) >= 1 && buf[0] != BVLCTypeIP {
		return 0, nil, 0, fmt.Errorf("bvlc type %#02x: %w", buf[0], rtuerr.ErrInvalidMarker)
	}
	if len(buf) < BVLCHeaderSize {
		return 0, nil, 0, fmt.Errorf("have %d of %d bvlc header bytes: %w", len(buf), BVLCHeaderSize, rtuerr.ErrTruncatedFrame)
	}

	total := int(binary.BigEndian.Uint16(buf[2:4]))
	if total < BVLCHeaderSize || total > MaxBVLCLength {
		return 0, nil, 0, fmt.Errorf("bvlc length %d: %w", total, rtuerr.ErrInvalidLength)
	}
	if len(buf) < total {
		return 0, nil, 0, fmt.Errorf("have %d of %d bvlc bytes: %w", len(buf), total, rtuerr.ErrTruncatedFrame)
	}

	body := make([]byte, total-BVLCHeaderSize)
	copy(body, buf[BVLCHeaderSize:total])
	return buf[1], body, total, nil
}

// Framer splits a stream into BVLC frames.
type Framer struct{}

// NewFramer creates a BVLC stream framer.
func NewFramer() *Framer { return &Framer{} }

func (f *Framer) Name() string { return "bacnet" }

func (f *Framer) MaxFrameSize() int { return MaxBVLCLength }

func (f *Framer) Decode(buf []byte) (int, error) {
	_, _, n, err := DecodeBVLC(buf)
	return n, err
}

func (f *Framer) Resync(buf []byte) int {
	for i := 1; i < len(buf); i++ {
		if buf[i] == BVLCTypeIP {
			return i
		}
	}
	return len(buf)
}
