package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"rtu-gateway/internal/frame"
	"rtu-gateway/internal/rtuerr"
	"rtu-gateway/internal/stream"
)

type harness struct {
	tr     *Transport
	remote net.Conn
	events chan Event
}

func newHarness(t *testing.T, framer frame.Framer, opts Options) *harness {
	t.Helper()
	local, remote := net.Pipe()
	logger := zaptest.NewLogger(t)
	s := stream.NewTCPStreamFromConn(local, &stream.TCPConfig{ReadTimeout: 20 * time.Millisecond, WriteTimeout: time.Second}, logger)

	h := &harness{remote: remote, events: make(chan Event, 256)}
	tr, err := New(s, framer, func(ev Event) {
		select {
		case h.events <- ev:
		default:
		}
	}, opts, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.tr = tr
	tr.Start(context.Background())
	t.Cleanup(func() {
		tr.Close()
		remote.Close()
	})
	return h
}

func (h *harness) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a transport event")
		return Event{}
	}
}

func meterFrame(t *testing.T, data ...byte) []byte {
	t.Helper()
	addr, _ := frame.ParseAddress("11-11-00-00-00-00")
	wire, err := frame.EncodeMeter(frame.MeterFrame{Address: addr, Control: 0x11, Data: data})
	if err != nil {
		t.Fatalf("EncodeMeter: %v", err)
	}
	return wire
}

func TestFramesAcrossChunks(t *testing.T) {
	h := newHarness(t, frame.NewMeterFramer(), Options{})
	a := meterFrame(t, 0xAA, 0xBB)
	b := meterFrame(t, 0x01)
	wire := append(append([]byte{}, a...), b...)

	go func() {
		h.remote.Write(wire[:5])
		time.Sleep(10 * time.Millisecond)
		h.remote.Write(wire[5:])
	}()

	for i, want := range [][]byte{a, b} {
		ev := h.next(t)
		if ev.Kind != FrameReceived || !bytes.Equal(ev.Frame, want) {
			t.Fatalf("event %d = %v %x, want frame %x", i, ev.Kind, ev.Frame, want)
		}
	}
	if st := h.tr.Stats(); st.FramesReceived != 2 || st.BytesIn != int64(len(wire)) {
		t.Fatalf("stats = %+v", st)
	}
}

func TestGarbageIsResynced(t *testing.T) {
	h := newHarness(t, frame.NewMeterFramer(), Options{})
	good := meterFrame(t, 0x33)

	go h.remote.Write(append([]byte{0x00, 0x11}, good...))

	ev := h.next(t)
	if ev.Kind != CorruptFrame || ev.Reason == "" {
		t.Fatalf("first event = %+v, want corrupt frame", ev)
	}
	ev = h.next(t)
	if ev.Kind != FrameReceived || !bytes.Equal(ev.Frame, good) {
		t.Fatalf("second event = %+v, want the valid frame", ev)
	}
	if st := h.tr.Stats(); st.CorruptFrames != 1 || st.BytesDiscarded != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestChecksumErrorDoesNotStopLoop(t *testing.T) {
	h := newHarness(t, frame.NewMeterFramer(), Options{})
	bad := meterFrame(t, 0x10, 0x20)
	bad[len(bad)-2] ^= 0x01
	addr, _ := frame.ParseAddress("11-11-00-00-00-00")
	good, err := frame.EncodeMeter(frame.MeterFrame{Preamble: 4, Address: addr, Control: 0x91, Data: []byte{0x30}})
	if err != nil {
		t.Fatalf("EncodeMeter: %v", err)
	}

	go h.remote.Write(append(bad, good...))

	if ev := h.next(t); ev.Kind != CorruptFrame {
		t.Fatalf("first event = %v, want corrupt frame", ev.Kind)
	}
	for {
		ev := h.next(t)
		if ev.Kind == FrameReceived {
			if !bytes.Equal(ev.Frame, good) {
				t.Fatalf("frame = %x, want %x", ev.Frame, good)
			}
			return
		}
		if ev.Kind != CorruptFrame {
			t.Fatalf("unexpected event %v", ev.Kind)
		}
	}
}

func TestOversizedLengthResyncsWithoutFillingRing(t *testing.T) {
	h := newHarness(t, frame.NewHeaderFramer(binary.LittleEndian, 7, 64), Options{RingCapacity: 64})

	bad := make([]byte, frame.HeaderSize)
	binary.LittleEndian.PutUint16(bad[0:2], 7)
	binary.LittleEndian.PutUint32(bad[4:8], 100)
	good, err := frame.EncodeHeader(frame.HeaderFrame{Version: 7, CommandID: 3}, binary.LittleEndian)
	if err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}

	// 32 bytes in a 64 byte ring: nothing forces the ring full
	go h.remote.Write(append(bad, good...))

	corrupt := 0
	for {
		ev := h.next(t)
		switch ev.Kind {
		case CorruptFrame:
			corrupt++
			continue
		case FrameReceived:
			if corrupt == 0 {
				t.Fatal("oversized header was not reported")
			}
			if !bytes.Equal(ev.Frame, good) {
				t.Fatalf("frame = %x, want %x", ev.Frame, good)
			}
			return
		default:
			t.Fatalf("unexpected event %+v", ev)
		}
	}
}

func TestNewRejectsFramerLargerThanRing(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	s := stream.NewTCPStreamFromConn(local, nil, zaptest.NewLogger(t))
	defer s.Close()

	_, err := New(s, frame.NewHeaderFramer(binary.LittleEndian, 0, 0), nil, Options{RingCapacity: 4096}, zaptest.NewLogger(t))
	if !errors.Is(err, rtuerr.ErrInvalidLength) {
		t.Fatalf("err = %v, want ErrInvalidLength", err)
	}
	tr, err := New(s, frame.NewHeaderFramer(binary.LittleEndian, 0, 4096), nil, Options{RingCapacity: 4096}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New with fitting framer: %v", err)
	}
	tr.Close()
}

func TestSend(t *testing.T) {
	h := newHarness(t, frame.NewMeterFramer(), Options{})
	out := meterFrame(t, 0x01, 0x02)

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := h.remote.Read(buf)
		got <- buf[:n]
	}()

	if err := h.tr.Send(context.Background(), out); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if b := <-got; !bytes.Equal(b, out) {
		t.Fatalf("remote got %x, want %x", b, out)
	}
	if st := h.tr.Stats(); st.FramesSent != 1 || st.BytesOut != int64(len(out)) {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSendTimeout(t *testing.T) {
	h := newHarness(t, frame.NewMeterFramer(), Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// nobody reads the remote end, so the pipe write blocks
	if err := h.tr.Send(ctx, []byte{0x68}); !errors.Is(err, rtuerr.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestStreamErrorReportedOnce(t *testing.T) {
	h := newHarness(t, frame.NewMeterFramer(), Options{})
	h.remote.Close()

	ev := h.next(t)
	if ev.Kind != StreamError || !errors.Is(ev.Err, rtuerr.ErrStream) {
		t.Fatalf("event = %+v, want stream error", ev)
	}
	select {
	case <-h.tr.Done():
	case <-time.After(time.Second):
		t.Fatal("inbound loop still running after stream error")
	}
	select {
	case ev := <-h.events:
		t.Fatalf("unexpected extra event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	if !errors.Is(h.tr.Err(), rtuerr.ErrStream) {
		t.Fatalf("Err() = %v", h.tr.Err())
	}
	if err := h.tr.Send(context.Background(), []byte{1}); !errors.Is(err, rtuerr.ErrClosed) {
		t.Fatalf("Send after failure = %v, want ErrClosed", err)
	}
}

func TestCloseIsQuiet(t *testing.T) {
	h := newHarness(t, frame.NewMeterFramer(), Options{})
	if err := h.tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if h.tr.Err() != nil {
		t.Fatalf("Err() after Close = %v", h.tr.Err())
	}
	select {
	case ev := <-h.events:
		t.Fatalf("unexpected event after Close: %+v", ev)
	default:
	}
}

func TestNewRejectsBadCapacity(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	s := stream.NewTCPStreamFromConn(local, nil, zaptest.NewLogger(t))
	defer s.Close()
	if _, err := New(s, frame.NewMeterFramer(), nil, Options{RingCapacity: 100}, zaptest.NewLogger(t)); err == nil {
		t.Fatal("non power of two capacity accepted")
	}
}
