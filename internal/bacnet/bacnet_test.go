package bacnet

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"rtu-gateway/internal/rtuerr"
)

func TestAPDURoundTrip(t *testing.T) {
	cases := []APDU{
		{Type: PDUConfirmedRequest, MaxSegments: 5, MaxAPDU: 5, InvokeID: 5, Service: 12, Payload: []byte{0x0C, 0x02, 0x00, 0x00, 0x01, 0x19, 0x55}},
		{Type: PDUConfirmedRequest, Segmented: true, MoreFollows: true, SegmentedAccepted: true, MaxSegments: 7, MaxAPDU: 3, InvokeID: 200, Sequence: 3, Window: 4, Service: 14, Payload: []byte{1}},
		{Type: PDUUnconfirmedRequest, Service: 8, Payload: []byte{}},
		{Type: PDUSimpleAck, InvokeID: 9, Service: 15},
		{Type: PDUComplexAck, InvokeID: 10, Service: 12, Payload: []byte{0xAA}},
		{Type: PDUComplexAck, Segmented: true, MoreFollows: true, InvokeID: 11, Sequence: 0, Window: 2, Service: 12, Payload: []byte{0xBB, 0xCC}},
		{Type: PDUSegmentAck, NAK: true, Server: false, InvokeID: 12, Sequence: 1, Window: 2},
		{Type: PDUError, InvokeID: 13, Service: 12, ErrorClass: 2, ErrorCode: 32},
		{Type: PDUError, InvokeID: 14, Service: 12, ErrorClass: 300, ErrorCode: 70000},
		{Type: PDUReject, InvokeID: 15, Reason: 4},
		{Type: PDUAbort, Server: true, InvokeID: 16, Reason: AbortSegmentationNotSupported},
	}
	for _, in := range cases {
		t.Run(in.Type.String(), func(t *testing.T) {
			wire, err := EncodeAPDU(in)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			out, err := DecodeAPDU(wire)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if in.Payload == nil {
				in.Payload = out.Payload
			}
			if len(in.Payload) == 0 && len(out.Payload) == 0 {
				in.Payload, out.Payload = nil, nil
			}
			if !reflect.DeepEqual(in, out) {
				t.Fatalf("round trip mismatch:\n got=%+v\nwant=%+v", out, in)
			}
		})
	}
}

func TestDecodeAPDUTruncated(t *testing.T) {
	for _, wire := range [][]byte{
		{},
		{0x00, 0x05},
		{0x08, 0x05, 0x01, 0x00},
		{0x20, 0x01},
		{0x3C, 0x01, 0x00},
		{0x40, 0x01, 0x00},
		{0x50, 0x01, 0x0C, 0x91},
	} {
		if _, err := DecodeAPDU(wire); !errors.Is(err, rtuerr.ErrTruncatedFrame) {
			t.Errorf("DecodeAPDU(%x) err = %v, want ErrTruncatedFrame", wire, err)
		}
	}
}

func TestDecodeAPDUUnknownType(t *testing.T) {
	if _, err := DecodeAPDU([]byte{0x80, 0x00}); !errors.Is(err, rtuerr.ErrInvalidMarker) {
		t.Fatalf("err = %v, want ErrInvalidMarker", err)
	}
}

func TestErrorPDUWithContextWrapper(t *testing.T) {
	wire := []byte{0x50, 0x07, 0x1A, 0x0E, 0x91, 0x02, 0x91, 0x1F, 0x0F}
	a, err := DecodeAPDU(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.InvokeID != 7 || a.ErrorClass != 2 || a.ErrorCode != 31 {
		t.Fatalf("decoded %+v", a)
	}
}

func TestNPDUWithRouting(t *testing.T) {
	in := NPDU{
		Control:  NPDUDestination | NPDUSource | NPDUExpectingReply,
		DNET:     100,
		DADR:     []byte{0x01},
		SNET:     200,
		SADR:     []byte{0x0A, 0x0B},
		HopCount: 255,
		Body:     []byte{0x20, 0x01, 0x0F},
	}
	out, err := DecodeNPDU(EncodeNPDU(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("got %+v, want %+v", out, in)
	}
	if !out.ExpectingReply() {
		t.Fatal("expecting-reply bit lost")
	}
}

func TestNPDUNetworkMessage(t *testing.T) {
	in := NPDU{Control: NPDUNetworkMessage, MessageType: 0x01, Body: []byte{0x00, 0x64}}
	out, err := DecodeNPDU(EncodeNPDU(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.IsNetworkMessage() || out.MessageType != 0x01 || !bytes.Equal(out.Body, in.Body) {
		t.Fatalf("got %+v", out)
	}
}

func TestNPDUBadVersion(t *testing.T) {
	if _, err := DecodeNPDU([]byte{0x02, 0x00}); !errors.Is(err, rtuerr.ErrInvalidMarker) {
		t.Fatalf("err = %v", err)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	in := APDU{Type: PDUConfirmedRequest, MaxAPDU: 5, InvokeID: 42, Service: 12, Payload: []byte{0x0C, 0x00}}
	wire, err := EncodeMessage(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if wire[0] != BVLCTypeIP || wire[1] != BVLCOriginalUnicastNPDU {
		t.Fatalf("bvlc header %x", wire[:2])
	}
	m, err := DecodeMessage(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.APDU == nil || m.APDU.InvokeID != 42 || m.APDU.Service != 12 || !bytes.Equal(m.APDU.Payload, in.Payload) {
		t.Fatalf("decoded %+v", m.APDU)
	}
	if !m.NPDU.ExpectingReply() {
		t.Fatal("confirmed request should expect a reply")
	}
}

func TestForwardedMessage(t *testing.T) {
	npdu := EncodeNPDU(NPDU{Body: []byte{0x20, 0x03, 0x0F}})
	body := append([]byte{192, 168, 1, 10, 0xBA, 0xC0}, npdu...)
	wire, err := EncodeBVLC(BVLCForwardedNPDU, body)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	m, err := DecodeMessage(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.APDU == nil || m.APDU.Type != PDUSimpleAck || m.APDU.InvokeID != 3 {
		t.Fatalf("decoded %+v", m.APDU)
	}
}

func TestFramerSplitsStream(t *testing.T) {
	a, _ := EncodeMessage(APDU{Type: PDUSimpleAck, InvokeID: 1, Service: 15})
	b, _ := EncodeMessage(APDU{Type: PDUReject, InvokeID: 2, Reason: 9})
	stream := append(append([]byte{}, a...), b...)

	f := NewFramer()
	n, err := f.Decode(stream)
	if err != nil || n != len(a) {
		t.Fatalf("first frame: n=%d err=%v", n, err)
	}
	n, err = f.Decode(stream[len(a):])
	if err != nil || n != len(b) {
		t.Fatalf("second frame: n=%d err=%v", n, err)
	}
	if _, err := f.Decode(b[:len(b)-1]); !errors.Is(err, rtuerr.ErrTruncatedFrame) {
		t.Fatalf("partial frame: err = %v", err)
	}
	if _, err := f.Decode([]byte{0x00, 0x81}); !errors.Is(err, rtuerr.ErrInvalidMarker) {
		t.Fatalf("garbage: err = %v", err)
	}
	if skip := f.Resync([]byte{0x00, 0x81}); skip != 1 {
		t.Fatalf("Resync = %d, want 1", skip)
	}
}

func TestDecodeBVLCBadLength(t *testing.T) {
	if _, _, _, err := DecodeBVLC([]byte{0x81, 0x0A, 0x00, 0x02}); !errors.Is(err, rtuerr.ErrInvalidLength) {
		t.Fatalf("err = %v", err)
	}
}
