// internal/frame/header.go
package frame

import (
	"encoding/binary"
	"fmt"

	"rtu-gateway/internal/rtuerr"
)

// HeaderSize is the fixed length of the generic TCP frame header.
const HeaderSize = 16

// MaxHeaderFrameSize bounds totalLength so a corrupt length field cannot
// stall a stream waiting for gigabytes that never arrive.
const MaxHeaderFrameSize = 1 << 20

// HeaderFrame is the fixed-header wire variant:
//
//	[0:2)   version
//	[2:4)   reserved
//	[4:8)   totalLength (header + payload)
//	[8:10)  commandId
//	[10:12) sequenceId
//	[12:16) reserved
type HeaderFrame struct {
	Version    uint16
	Reserved   uint16
	CommandID  uint16
	SequenceID uint16
	Payload    []byte
}

// TotalLength returns the value written into the length field.
func (f HeaderFrame) TotalLength() int {
	return HeaderSize + len(f.Payload)
}

// EncodeHeader serializes f using the given byte order.
func EncodeHeader(f HeaderFrame, order binary.ByteOrder) ([]byte, error) {
	total := f.TotalLength()
	if total > MaxHeaderFrameSize {
		return nil, fmt.Errorf("header frame of %d bytes exceeds %d: %w", total, MaxHeaderFrameSize, rtuerr.ErrInvalidLength)
	}

	out := make([]byte, total)
	order.PutUint16(out[0:2], f.Version)
	order.PutUint16(out[2:4], f.Reserved)
	order.PutUint32(out[4:8], uint32(total))
	order.PutUint16(out[8:10], f.CommandID)
	order.PutUint16(out[10:12], f.SequenceID)
	copy(out[HeaderSize:], f.Payload)
	return out, nil
}

// DecodeHeader parses one frame from the start of buf and returns the number
// of bytes it occupies. ErrTruncatedFrame means buf holds only part of it.
func DecodeHeader(buf []byte, order binary.ByteOrder) (HeaderFrame, int, error) {
	if len(buf) < HeaderSize {
		return HeaderFrame{}, 0, fmt.Errorf("have %d of %d header bytes: %w", len(buf), HeaderSize, rtuerr.ErrTruncatedFrame)
	}

	total := order.Uint32(buf[4:8])
	if total < HeaderSize || total > MaxHeaderFrameSize {
		return HeaderFrame{}, 0, fmt.Errorf("total length %d out of range: %w", total, rtuerr.ErrInvalidLength)
	}
	if uint32(len(buf)) < total {
		return HeaderFrame{}, 0, fmt.Errorf("have %d of %d frame bytes: %w", len(buf), total, rtuerr.ErrTruncatedFrame)
	}

	payload := make([]byte, total-HeaderSize)
	copy(payload, buf[HeaderSize:total])

	return HeaderFrame{
		Version:    order.Uint16(buf[0:2]),
		Reserved:   order.Uint16(buf[2:4]),
		CommandID:  order.Uint16(buf[8:10]),
		SequenceID: order.Uint16(buf[10:12]),
		Payload:    payload,
	}, int(total), nil
}

// ParseByteOrder maps a config value to a byte order. "native" and "" select
// the host order.
func ParseByteOrder(name string) (binary.ByteOrder, error) {
	switch name {
	case "", "native":
		return binary.NativeEndian, nil
	case "little", "le":
		return binary.LittleEndian, nil
	case "big", "be":
		return binary.BigEndian, nil
	default:
		return nil, fmt.Errorf("unknown byte order %q", name)
	}
}
