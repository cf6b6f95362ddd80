// internal/bacnet/message.go
package bacnet

import "fmt"

// Message is a decoded BVLC frame.
type Message struct {
	Function byte
	NPDU     NPDU
	// APDU is nil for network layer messages and BVLC control functions.
	APDU *APDU
}

// EncodeMessage wraps an APDU in an NPDU and an original-unicast BVLC frame.
func EncodeMessage(a APDU) ([]byte, error) {
	body, err := EncodeAPDU(a)
	if err != nil {
		return nil, err
	}

	control := byte(0)
	if a.Type == PDUConfirmedRequest {
		control |= NPDUExpectingReply
	}
	return EncodeBVLC(BVLCOriginalUnicastNPDU, EncodeNPDU(NPDU{Control: control, Body: body}))
}

// DecodeMessage parses a complete BVLC frame as produced by Framer.
func DecodeMessage(frame []byte) (Message, error) {
	var m Message
	function, body, _, err := DecodeBVLC(frame)
	if err != nil {
		return m, err
	}
	m.Function = function

	switch function {
	case BVLCOriginalUnicastNPDU, BVLCOriginalBroadcastNPDU, BVLCDistributeBroadcast:
	case BVLCForwardedNPDU:
		// forwarded frames carry the original source B/IP address first
		if len(body) < 6 {
			return m, fmt.Errorf("forwarded npdu without source address")
		}
		body = body[6:]
	default:
		return m, nil
	}

	if m.NPDU, err = DecodeNPDU(body); err != nil {
		return m, fmt.Errorf("decode npdu: %w", err)
	}
	if m.NPDU.IsNetworkMessage() {
		return m, nil
	}

	apdu, err := DecodeAPDU(m.NPDU.Body)
	if err != nil {
		return m, fmt.Errorf("decode apdu: %w", err)
	}
	m.APDU = &apdu
	return m, nil
}
