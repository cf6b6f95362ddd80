// internal/frame/meter.go
package frame

import (
	"encoding/hex"
	"fmt"
	"strings"

	"rtu-gateway/internal/rtuerr"
)

// Meter frame markers.
const (
	MeterStart    byte = 0x68
	MeterEnd      byte = 0x16
	MeterPreamble byte = 0xFE

	// meterOverhead is everything except preamble and data:
	// start, address, start, control, length, checksum, end.
	meterOverhead = 1 + AddressSize + 1 + 1 + 1 + 1 + 1

	// MaxMeterData is the largest data field the one-byte length can declare.
	MaxMeterData = 0xFF

	// MaxMeterFrameSize is a four byte preamble plus the largest frame.
	MaxMeterFrameSize = 4 + meterOverhead + MaxMeterData
)

// Control code bits.
const (
	ControlDirection byte = 0x80 // set on slave replies
	ControlAbnormal  byte = 0x40 // set on error replies
	ControlFollowUp  byte = 0x20 // more frames follow
	ControlFuncMask  byte = 0x1F
)

// AddressSize is the length of a meter address in bytes.
const AddressSize = 6

// Address is a meter address in wire order.
type Address [AddressSize]byte

// BroadcastAddress addresses every meter on the bus.
var BroadcastAddress = Address{0x99, 0x99, 0x99, 0x99, 0x99, 0x99}

// WildcardAddress is accepted by a meter regardless of its own address.
var WildcardAddress = Address{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}

// ParseAddress parses "11-11-00-00-00-00" or "111100000000" into wire order.
func ParseAddress(s string) (Address, error) {
	var a Address
	raw, err := hex.DecodeString(strings.NewReplacer("-", "", ":", "", " ", "").Replace(s))
	if err != nil {
		return a, fmt.Errorf("invalid meter address %q: %w", s, err)
	}
	if len(raw) != AddressSize {
		return a, fmt.Errorf("meter address %q has %d bytes, want %d", s, len(raw), AddressSize)
	}
	copy(a[:], raw)
	return a, nil
}

func (a Address) String() string {
	parts := make([]string, AddressSize)
	for i, b := range a {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, "-")
}

// MeterFrame is the checksummed variant:
//
//	[FE..]? 68 A0..A5 68 C L D0..DL-1 CS 16
type MeterFrame struct {
	Preamble int // 0, 2 or 4 leading 0xFE bytes
	Address  Address
	Control  byte
	Data     []byte
}

// IsReply reports whether the frame travels from meter to host.
func (f MeterFrame) IsReply() bool { return f.Control&ControlDirection != 0 }

// IsAbnormal reports whether the meter answered with an error.
func (f MeterFrame) IsAbnormal() bool { return f.Control&ControlAbnormal != 0 }

// HasFollowUp reports whether more frames follow this one.
func (f MeterFrame) HasFollowUp() bool { return f.Control&ControlFollowUp != 0 }

// Function returns the function code bits of the control byte.
func (f MeterFrame) Function() byte { return f.Control & ControlFuncMask }

// Checksum returns the low byte of the sum of span.
func Checksum(span []byte) byte {
	var sum byte
	for _, b := range span {
		sum += b
	}
	return sum
}

// EncodeMeter serializes f. The checksum is always computed here.
func EncodeMeter(f MeterFrame) ([]byte, error) {
	switch f.Preamble {
	case 0, 2, 4:
	default:
		return nil, fmt.Errorf("preamble of %d bytes: %w", f.Preamble, rtuerr.ErrInvalidLength)
	}
	if len(f.Data) > MaxMeterData {
		return nil, fmt.Errorf("meter data of %d bytes exceeds %d: %w", len(f.Data), MaxMeterData, rtuerr.ErrInvalidLength)
	}

	out := make([]byte, 0, f.Preamble+meterOverhead+len(f.Data))
	for i := 0; i < f.Preamble; i++ {
		out = append(out, MeterPreamble)
	}

	body := len(out)
	out = append(out, MeterStart)
	out = append(out, f.Address[:]...)
	out = append(out, MeterStart, f.Control, byte(len(f.Data)))
	out = append(out, f.Data...)
	out = append(out, Checksum(out[body:]), MeterEnd)
	return out, nil
}

// DecodeMeter parses one meter frame from the start of buf and returns the
// number of bytes consumed including the preamble. ErrTruncatedFrame means
// more input is needed.
func DecodeMeter(buf []byte) (MeterFrame, int, error) {
	pre := preambleLen(buf)
	if pre == len(buf) {
		return MeterFrame{}, 0, fmt.Errorf("only preamble available: %w", rtuerr.ErrTruncatedFrame)
	}
	if pre != 0 && pre != 2 && pre != 4 {
		return MeterFrame{}, 0, fmt.Errorf("preamble of %d bytes: %w", pre, rtuerr.ErrInvalidMarker)
	}

	body := buf[pre:]
	if body[0] != MeterStart {
		return MeterFrame{}, 0, fmt.Errorf("start code %#02x: %w", body[0], rtuerr.ErrInvalidMarker)
	}
	if len(body) < 1+AddressSize+1 {
		return MeterFrame{}, 0, fmt.Errorf("have %d bytes before second start code: %w", len(body), rtuerr.ErrTruncatedFrame)
	}
	if body[1+AddressSize] != MeterStart {
		return MeterFrame{}, 0, fmt.Errorf("second start code %#02x: %w", body[1+AddressSize], rtuerr.ErrInvalidMarker)
	}
	if len(body) < 1+AddressSize+1+2 {
		return MeterFrame{}, 0, fmt.Errorf("missing control or length: %w", rtuerr.ErrTruncatedFrame)
	}

	dataLen := int(body[1+AddressSize+2])
	size := meterOverhead + dataLen
	if len(body) < size {
		return MeterFrame{}, 0, fmt.Errorf("have %d of %d frame bytes: %w", len(body), size, rtuerr.ErrTruncatedFrame)
	}
	if body[size-1] != MeterEnd {
		return MeterFrame{}, 0, fmt.Errorf("end code %#02x: %w", body[size-1], rtuerr.ErrInvalidMarker)
	}
	if want, got := Checksum(body[:size-2]), body[size-2]; want != got {
		return MeterFrame{}, 0, fmt.Errorf("checksum %#02x, computed %#02x: %w", got, want, rtuerr.ErrChecksumMismatch)
	}

	f := MeterFrame{
		Preamble: pre,
		Control:  body[1+AddressSize+1],
		Data:     make([]byte, dataLen),
	}
	copy(f.Address[:], body[1:1+AddressSize])
	copy(f.Data, body[meterOverhead-2:size-2])
	return f, pre + size, nil
}

// preambleLen counts leading 0xFE bytes. Zero when the first byte is anything
// else; the preamble is never assumed.
func preambleLen(buf []byte) int {
	n := 0
	for n < len(buf) && buf[n] == MeterPreamble {
		n++
	}
	return n
}
