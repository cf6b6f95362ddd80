// internal/bacnet/npdu.go
package bacnet

import (
	"encoding/binary"
	"fmt"

	"rtu-gateway/internal/rtuerr"
)

// NPDUVersion is the only protocol version defined.
const NPDUVersion byte = 0x01

// NPDU control bits.
const (
	NPDUNetworkMessage byte = 0x80
	NPDUDestination    byte = 0x20
	NPDUSource         byte = 0x08
	NPDUExpectingReply byte = 0x04
	NPDUPriorityMask   byte = 0x03
)

// NPDU is the network layer header plus the enclosed APDU or network message.
type NPDU struct {
	Control     byte
	DNET        uint16
	DADR        []byte
	SNET        uint16
	SADR        []byte
	HopCount    byte
	MessageType byte // valid when Control has NPDUNetworkMessage
	Body        []byte
}

// IsNetworkMessage reports whether Body is a network layer message rather
// than an APDU.
func (n NPDU) IsNetworkMessage() bool { return n.Control&NPDUNetworkMessage != 0 }

// ExpectingReply reports the data-expecting-reply bit.
func (n NPDU) ExpectingReply() bool { return n.Control&NPDUExpectingReply != 0 }

// EncodeNPDU serializes n. Destination and source fields are written when the
// matching control bits are set.
func EncodeNPDU(n NPDU) []byte {
	out := []byte{NPDUVersion, n.Control}
	if n.Control&NPDUDestination != 0 {
		out = binary.BigEndian.AppendUint16(out, n.DNET)
		out = append(out, byte(len(n.DADR)))
		out = append(out, n.DADR...)
	}
	if n.Control&NPDUSource != 0 {
		out = binary.BigEndian.AppendUint16(out, n.SNET)
		out = append(out, byte(len(n.SADR)))
		out = append(out, n.SADR...)
	}
	if n.Control&NPDUDestination != 0 {
		out = append(out, n.HopCount)
	}
	if n.IsNetworkMessage() {
		out = append(out, n.MessageType)
	}
	return append(out, n.Body...)
}

// DecodeNPDU parses an NPDU.
func DecodeNPDU(buf []byte) (NPDU, error) {
	var n NPDU
	if len(buf) < 2 {
		return n, fmt.Errorf("npdu of %d bytes: %w", len(buf), rtuerr.ErrTruncatedFrame)
	}
	if buf[0] != NPDUVersion {
		return n, fmt.Errorf("npdu version %#02x: %w", buf[0], rtuerr.ErrInvalidMarker)
	}
	n.Control = buf[1]
	pos := 2

	readAddr := func() (uint16, []byte, error) {
		if len(buf) < pos+3 {
			return 0, nil, fmt.Errorf("npdu address: %w", rtuerr.ErrTruncatedFrame)
		}
		net := binary.BigEndian.Uint16(buf[pos:])
		alen := int(buf[pos+2])
		pos += 3
		if len(buf) < pos+alen {
			return 0, nil, fmt.Errorf("npdu address of %d bytes: %w", alen, rtuerr.ErrTruncatedFrame)
		}
		addr := append([]byte(nil), buf[pos:pos+alen]...)
		pos += alen
		return net, addr, nil
	}

	var err error
	if n.Control&NPDUDestination != 0 {
		if n.DNET, n.DADR, err = readAddr(); err != nil {
			return n, err
		}
	}
	if n.Control&NPDUSource != 0 {
		if n.SNET, n.SADR, err = readAddr(); err != nil {
			return n, err
		}
	}
	if n.Control&NPDUDestination != 0 {
		if len(buf) <= pos {
			return n, fmt.Errorf("npdu hop count: %w", rtuerr.ErrTruncatedFrame)
		}
		n.HopCount = buf[pos]
		pos++
	}
	if n.IsNetworkMessage() {
		if len(buf) <= pos {
			return n, fmt.Errorf("npdu message type: %w", rtuerr.ErrTruncatedFrame)
		}
		n.MessageType = buf[pos]
		pos++
	}

	n.Body = append([]byte(nil), buf[pos:]...)
	return n, nil
}
