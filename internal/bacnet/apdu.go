// internal/bacnet/apdu.go
package bacnet

import (
	"fmt"

	"rtu-gateway/internal/rtuerr"
)

// PDUType is the high nibble of the first APDU byte.
type PDUType byte

const (
	PDUConfirmedRequest   PDUType = 0x00
	PDUUnconfirmedRequest PDUType = 0x10
	PDUSimpleAck          PDUType = 0x20
	PDUComplexAck         PDUType = 0x30
	PDUSegmentAck         PDUType = 0x40
	PDUError              PDUType = 0x50
	PDUReject             PDUType = 0x60
	PDUAbort              PDUType = 0x70
)

func (t PDUType) String() string {
	switch t {
	case PDUConfirmedRequest:
		return "confirmed-request"
	case PDUUnconfirmedRequest:
		return "unconfirmed-request"
	case PDUSimpleAck:
		return "simple-ack"
	case PDUComplexAck:
		return "complex-ack"
	case PDUSegmentAck:
		return "segment-ack"
	case PDUError:
		return "error"
	case PDUReject:
		return "reject"
	case PDUAbort:
		return "abort"
	default:
		return fmt.Sprintf("pdu(%#02x)", byte(t))
	}
}

// Header flag bits in the low nibble of the first APDU byte.
const (
	flagSegmented         byte = 0x08
	flagMoreFollows       byte = 0x04
	flagSegmentedAccepted byte = 0x02
	flagNAK               byte = 0x02
	flagServer            byte = 0x01
)

// Abort reasons used by this gateway.
const (
	AbortOther                    uint8 = 0
	AbortBufferOverflow           uint8 = 1
	AbortInvalidAPDUInThisState   uint8 = 2
	AbortSegmentationNotSupported uint8 = 4
	AbortWindowSizeOutOfRange     uint8 = 7
	AbortApplicationExceededReply uint8 = 8
)

// APDU is the application layer header of a BACnet message. Which fields are
// meaningful depends on Type.
type APDU struct {
	Type PDUType

	Segmented         bool // confirmed request, complex ack
	MoreFollows       bool // confirmed request, complex ack
	SegmentedAccepted bool // confirmed request
	NAK               bool // segment ack
	Server            bool // segment ack, abort

	MaxSegments byte // confirmed request, encoded 3-bit value
	MaxAPDU     byte // confirmed request, encoded 4-bit value

	InvokeID uint8
	Sequence uint8 // segmented messages, segment ack
	Window   uint8 // segmented messages, segment ack

	Service uint8

	ErrorClass uint32 // error
	ErrorCode  uint32 // error
	Reason     uint8  // reject, abort

	Payload []byte
}

// EncodeAPDU serializes a.
func EncodeAPDU(a APDU) ([]byte, error) {
	first := byte(a.Type)
	var out []byte

	switch a.Type {
	case PDUConfirmedRequest:
		if a.Segmented {
			first |= flagSegmented
		}
		if a.MoreFollows {
			first |= flagMoreFollows
		}
		if a.SegmentedAccepted {
			first |= flagSegmentedAccepted
		}
		out = []byte{first, (a.MaxSegments&0x07)<<4 | a.MaxAPDU&0x0F, a.InvokeID}
		if a.Segmented {
			out = append(out, a.Sequence, a.Window)
		}
		out = append(out, a.Service)
		out = append(out, a.Payload...)
	case PDUUnconfirmedRequest:
		out = append([]byte{first, a.Service}, a.Payload...)
	case PDUSimpleAck:
		out = []byte{first, a.InvokeID, a.Service}
	case PDUComplexAck:
		if a.Segmented {
			first |= flagSegmented
		}
		if a.MoreFollows {
			first |= flagMoreFollows
		}
		out = []byte{first, a.InvokeID}
		if a.Segmented {
			out = append(out, a.Sequence, a.Window)
		}
		out = append(out, a.Service)
		out = append(out, a.Payload...)
	case PDUSegmentAck:
		if a.NAK {
			first |= flagNAK
		}
		if a.Server {
			first |= flagServer
		}
		out = []byte{first, a.InvokeID, a.Sequence, a.Window}
	case PDUError:
		out = []byte{first, a.InvokeID, a.Service}
		out = appendEnumerated(out, a.ErrorClass)
		out = appendEnumerated(out, a.ErrorCode)
	case PDUReject:
		out = []byte{first, a.InvokeID, a.Reason}
	case PDUAbort:
		if a.Server {
			first |= flagServer
		}
		out = []byte{first, a.InvokeID, a.Reason}
	default:
		return nil, fmt.Errorf("unknown pdu type %#02x: %w", byte(a.Type), rtuerr.ErrInvalidMarker)
	}
	return out, nil
}

// DecodeAPDU parses an APDU header and keeps the service bytes as Payload.
func DecodeAPDU(buf []byte) (APDU, error) {
	var a APDU
	if len(buf) < 1 {
		return a, fmt.Errorf("empty apdu: %w", rtuerr.ErrTruncatedFrame)
	}
	a.Type = PDUType(buf[0] & 0xF0)
	flags := buf[0] & 0x0F

	need := func(n int) error {
		if len(buf) < n {
			return fmt.Errorf("%s apdu needs %d bytes, have %d: %w", a.Type, n, len(buf), rtuerr.ErrTruncatedFrame)
		}
		return nil
	}

	switch a.Type {
	case PDUConfirmedRequest:
		a.Segmented = flags&flagSegmented != 0
		a.MoreFollows = flags&flagMoreFollows != 0
		a.SegmentedAccepted = flags&flagSegmentedAccepted != 0
		if err := need(4); err != nil {
			return a, err
		}
		a.MaxSegments = (buf[1] >> 4) & 0x07
		a.MaxAPDU = buf[1] & 0x0F
		a.InvokeID = buf[2]
		pos := 3
		if a.Segmented {
			if err := need(6); err != nil {
				return a, err
			}
			a.Sequence, a.Window = buf[3], buf[4]
			pos = 5
		}
		a.Service = buf[pos]
		a.Payload = append([]byte(nil), buf[pos+1:]...)
	case PDUUnconfirmedRequest:
		if err := need(2); err != nil {
			return a, err
		}
		a.Service = buf[1]
		a.Payload = append([]byte(nil), buf[2:]...)
	case PDUSimpleAck:
		if err := need(3); err != nil {
			return a, err
		}
		a.InvokeID, a.Service = buf[1], buf[2]
	case PDUComplexAck:
		a.Segmented = flags&flagSegmented != 0
		a.MoreFollows = flags&flagMoreFollows != 0
		if err := need(3); err != nil {
			return a, err
		}
		a.InvokeID = buf[1]
		pos := 2
		if a.Segmented {
			if err := need(5); err != nil {
				return a, err
			}
			a.Sequence, a.Window = buf[2], buf[3]
			pos = 4
		}
		a.Service = buf[pos]
		a.Payload = append([]byte(nil), buf[pos+1:]...)
	case PDUSegmentAck:
		a.NAK = flags&flagNAK != 0
		a.Server = flags&flagServer != 0
		if err := need(4); err != nil {
			return a, err
		}
		a.InvokeID, a.Sequence, a.Window = buf[1], buf[2], buf[3]
	case PDUError:
		if err := need(3); err != nil {
			return a, err
		}
		a.InvokeID, a.Service = buf[1], buf[2]
		rest := buf[3:]
		// some services wrap the error in context tag 0
		if len(rest) > 0 && rest[0] == 0x0E {
			rest = rest[1:]
		}
		var err error
		if a.ErrorClass, rest, err = readEnumerated(rest); err != nil {
			return a, fmt.Errorf("error class: %w", err)
		}
		if a.ErrorCode, _, err = readEnumerated(rest); err != nil {
			return a, fmt.Errorf("error code: %w", err)
		}
	case PDUReject:
		if err := need(3); err != nil {
			return a, err
		}
		a.InvokeID, a.Reason = buf[1], buf[2]
	case PDUAbort:
		a.Server = flags&flagServer != 0
		if err := need(3); err != nil {
			return a, err
		}
		a.InvokeID, a.Reason = buf[1], buf[2]
	default:
		return a, fmt.Errorf("unknown pdu type %#02x: %w", buf[0], rtuerr.ErrInvalidMarker)
	}
	return a, nil
}

// application tag number for enumerated values
const tagEnumerated = 9

func appendEnumerated(out []byte, v uint32) []byte {
	switch {
	case v <= 0xFF:
		return append(out, tagEnumerated<<4|1, byte(v))
	case v <= 0xFFFF:
		return append(out, tagEnumerated<<4|2, byte(v>>8), byte(v))
	case v <= 0xFFFFFF:
		return append(out, tagEnumerated<<4|3, byte(v>>16), byte(v>>8), byte(v))
	default:
		return append(out, tagEnumerated<<4|4, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
}

func readEnumerated(buf []byte) (uint32, []byte, error) {
	if len(buf) < 1 {
		return 0, nil, fmt.Errorf("missing enumerated tag: %w", rtuerr.ErrTruncatedFrame)
	}
	if buf[0]>>4 != tagEnumerated || buf[0]&0x08 != 0 {
		return 0, nil, fmt.Errorf("tag %#02x is not an application enumerated: %w", buf[0], rtuerr.ErrInvalidMarker)
	}
	size := int(buf[0] & 0x07)
	if size < 1 || size > 4 {
		return 0, nil, fmt.Errorf("enumerated of %d bytes: %w", size, rtuerr.ErrInvalidLength)
	}
	if len(buf) < 1+size {
		return 0, nil, fmt.Errorf("enumerated value: %w", rtuerr.ErrTruncatedFrame)
	}
	var v uint32
	for _, b := range buf[1 : 1+size] {
		v = v<<8 | uint32(b)
	}
	return v, buf[1+size:], nil
}
