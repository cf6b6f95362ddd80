package correlation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"rtu-gateway/internal/rtuerr"
)

const peer = "10.0.0.5:47808"

type recordingSender struct {
	mu    sync.Mutex
	sent  [][]byte
	fails int
}

func (s *recordingSender) Send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return rtuerr.ErrStream
	}
	s.sent = append(s.sent, append([]byte(nil), data...))
	return nil
}

func newEngine(t *testing.T, onEvent func(Event)) (*Engine, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	return NewEngine(sender, Options{OnEvent: onEvent}, zaptest.NewLogger(t)), sender
}

func TestSegmentThenAck(t *testing.T) {
	var mu sync.Mutex
	var kinds []EventKind
	e, _ := newEngine(t, func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})

	r, err := e.Register(5, peer, []byte{0x01}, time.Second)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		e.OnSegment(5, peer, nil)
		time.Sleep(10 * time.Millisecond)
		e.OnAck(5, peer, []byte("payload"))
	}()

	got, err := e.Wait(context.Background(), r, 0)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("Wait = %q, want payload", got)
	}
	if e.Len() != 0 {
		t.Fatalf("engine still holds %d requests", e.Len())
	}
	if e.State(r) != StateCompleted {
		t.Fatalf("state = %s", e.State(r))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 2 || kinds[0] != SegmentContinuation || kinds[1] != Acknowledged {
		t.Fatalf("events = %v", kinds)
	}
}

func TestSegmentPayloadsAccumulate(t *testing.T) {
	e, _ := newEngine(t, nil)
	r, _ := e.Register(9, peer, nil, time.Second)

	e.OnSegment(9, peer, []byte("ab"))
	e.OnSegment(9, peer, []byte("cd"))
	if e.State(r) != StateAwaitingMoreSegments {
		t.Fatalf("state = %s", e.State(r))
	}
	e.OnAck(9, peer, []byte("ef"))

	got, err := e.Wait(context.Background(), r, 0)
	if err != nil || string(got) != "abcdef" {
		t.Fatalf("Wait = %q, %v", got, err)
	}
}

func TestSequencedSegments(t *testing.T) {
	e, _ := newEngine(t, nil)
	r, _ := e.Register(4, peer, nil, time.Second)

	steps := []struct {
		seq     uint8
		chunk   string
		last    bool
		want    SegmentResult
		inOrder uint8
	}{
		{1, "x", false, SegmentOutOfOrder, 255},
		{0, "ab", false, SegmentAccepted, 0},
		{0, "ab", false, SegmentDuplicate, 0},
		{2, "zz", false, SegmentOutOfOrder, 0},
		{1, "cd", false, SegmentAccepted, 1},
		{0, "ab", false, SegmentDuplicate, 1},
		{2, "ef", true, SegmentAccepted, 2},
	}
	for i, st := range steps {
		got, inOrder := e.OnSequencedSegment(4, peer, st.seq, []byte(st.chunk), st.last)
		if got != st.want || inOrder != st.inOrder {
			t.Fatalf("step %d: seq %d = %s/%d, want %s/%d", i, st.seq, got, inOrder, st.want, st.inOrder)
		}
	}

	payload, err := e.Wait(context.Background(), r, 0)
	if err != nil || string(payload) != "abcdef" {
		t.Fatalf("Wait = %q, %v", payload, err)
	}
	if got, _ := e.OnSequencedSegment(4, peer, 3, nil, true); got != SegmentUnknown {
		t.Fatalf("segment after completion = %s", got)
	}
}

func TestSequencedSegmentsWrap(t *testing.T) {
	e, _ := newEngine(t, nil)
	r, _ := e.Register(6, peer, nil, time.Second)

	for i := 0; i < 300; i++ {
		if got, _ := e.OnSequencedSegment(6, peer, uint8(i), []byte{byte(i)}, false); got != SegmentAccepted {
			t.Fatalf("segment %d = %s", i, got)
		}
	}
	// 299 wraps to 43; a retransmission of it is a duplicate
	if got, inOrder := e.OnSequencedSegment(6, peer, 43, nil, false); got != SegmentDuplicate || inOrder != 43 {
		t.Fatalf("retransmission after wrap = %s/%d", got, inOrder)
	}
	e.OnSequencedSegment(6, peer, 44, nil, true)

	payload, err := e.Wait(context.Background(), r, 0)
	if err != nil || len(payload) != 300 {
		t.Fatalf("Wait = %d bytes, %v", len(payload), err)
	}
}

func TestManySegmentsWithinBudget(t *testing.T) {
	e, _ := newEngine(t, nil)
	r, _ := e.Register(1, peer, nil, 500*time.Millisecond)

	go func() {
		for i := 0; i < 20; i++ {
			e.OnSegment(1, peer, []byte{byte(i)})
			time.Sleep(2 * time.Millisecond)
		}
		e.OnAck(1, peer, nil)
	}()

	got, err := e.Wait(context.Background(), r, 0)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(got) != 20 || got[19] != 19 {
		t.Fatalf("payload = %x", got)
	}
}

func TestTimeoutDeregisters(t *testing.T) {
	var failed []Event
	e, _ := newEngine(t, func(ev Event) { failed = append(failed, ev) })
	r, _ := e.Register(5, peer, nil, 30*time.Millisecond)

	start := time.Now()
	_, err := e.Wait(context.Background(), r, 0)
	if !errors.Is(err, rtuerr.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatal("Wait returned before the timeout")
	}
	if e.Pending(5, peer) || e.Len() != 0 {
		t.Fatal("engine still holds the timed out request")
	}
	if len(failed) != 1 || failed[0].Kind != Failed || failed[0].InvokeID != 5 {
		t.Fatalf("events = %+v", failed)
	}
	if e.Stats().Timeouts != 1 {
		t.Fatalf("stats = %+v", e.Stats())
	}
}

func TestSegmentDoesNotExtendTimeout(t *testing.T) {
	e, _ := newEngine(t, nil)
	r, _ := e.Register(2, peer, nil, 40*time.Millisecond)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
				e.OnSegment(2, peer, nil)
			}
		}
	}()

	if _, err := e.Wait(context.Background(), r, 0); !errors.Is(err, rtuerr.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestPeerFailures(t *testing.T) {
	e, _ := newEngine(t, nil)

	r1, _ := e.Register(1, peer, nil, time.Second)
	r2, _ := e.Register(2, peer, nil, time.Second)
	r3, _ := e.Register(3, peer, nil, time.Second)

	e.OnError(1, peer, 2, 31)
	e.OnAbort(2, peer, 4, true)
	e.OnReject(3, peer, 9)

	_, err := e.Wait(context.Background(), r1, 0)
	var pe *rtuerr.ProtocolError
	if !errors.As(err, &pe) || pe.Class != 2 || pe.Code != 31 || !errors.Is(err, rtuerr.ErrProtocol) {
		t.Fatalf("r1 err = %v", err)
	}
	_, err = e.Wait(context.Background(), r2, 0)
	var ae *rtuerr.AbortError
	if !errors.As(err, &ae) || ae.Reason != 4 || !ae.Server || !errors.Is(err, rtuerr.ErrAborted) {
		t.Fatalf("r2 err = %v", err)
	}
	_, err = e.Wait(context.Background(), r3, 0)
	var re *rtuerr.RejectError
	if !errors.As(err, &re) || re.Reason != 9 || !errors.Is(err, rtuerr.ErrRejected) {
		t.Fatalf("r3 err = %v", err)
	}
}

func TestKeyIncludesPeer(t *testing.T) {
	e, _ := newEngine(t, nil)
	a, _ := e.Register(7, "peer-a", nil, time.Second)
	b, err := e.Register(7, "peer-b", nil, time.Second)
	if err != nil {
		t.Fatalf("same id on another peer: %v", err)
	}

	if e.OnAck(7, "peer-c", nil) {
		t.Fatal("ack for unknown peer matched")
	}
	e.OnAck(7, "peer-b", []byte{0xB})

	if _, err := b.Result(); err != nil {
		t.Fatalf("b: %v", err)
	}
	if _, err := a.Result(); err == nil {
		t.Fatal("a completed by an ack for another peer")
	}
}

func TestDuplicateRegistration(t *testing.T) {
	e, _ := newEngine(t, nil)
	if _, err := e.Register(5, peer, nil, time.Second); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := e.Register(5, peer, nil, time.Second); !errors.Is(err, rtuerr.ErrDuplicateRequest) {
		t.Fatalf("err = %v, want ErrDuplicateRequest", err)
	}
}

func TestExpiredHolderIsReplaced(t *testing.T) {
	e, _ := newEngine(t, nil)
	old, _ := e.Register(5, peer, nil, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	fresh, err := e.Register(5, peer, nil, time.Second)
	if err != nil {
		t.Fatalf("Register over expired entry: %v", err)
	}
	if _, err := old.Result(); !errors.Is(err, rtuerr.ErrTimeout) {
		t.Fatalf("old err = %v, want ErrTimeout", err)
	}
	e.OnAck(5, peer, []byte{1})
	if got, err := fresh.Result(); err != nil || !bytes.Equal(got, []byte{1}) {
		t.Fatalf("fresh = %x, %v", got, err)
	}
}

func TestCancelReleasesWaiterAndIgnoresLateReply(t *testing.T) {
	e, _ := newEngine(t, nil)
	r, _ := e.Register(5, peer, nil, time.Second)

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Wait(context.Background(), r, 0)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if !e.Cancel(r) {
		t.Fatal("Cancel reported no pending request")
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, rtuerr.ErrCancelled) {
			t.Fatalf("err = %v, want ErrCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Cancel")
	}

	if e.OnAck(5, peer, []byte{1}) {
		t.Fatal("late ack matched a cancelled request")
	}
	if e.Cancel(r) {
		t.Fatal("second Cancel succeeded")
	}
	if st := e.Stats(); st.LateEvents != 1 || st.Pending != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestRegisterSweepsUnwaitedExpiredRequests(t *testing.T) {
	e, _ := newEngine(t, nil)
	var abandoned []*Request
	for i := 0; i < 50; i++ {
		r, err := e.Register(1, fmt.Sprintf("10.0.1.%d:47808", i), nil, 10*time.Millisecond)
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		abandoned = append(abandoned, r)
	}
	time.Sleep(30 * time.Millisecond)

	if _, err := e.RegisterNext(peer, time.Second, func(uint8) ([]byte, error) { return nil, nil }); err != nil {
		t.Fatalf("RegisterNext: %v", err)
	}
	if e.Len() != 1 {
		t.Fatalf("Len = %d, want only the live request", e.Len())
	}
	for _, r := range abandoned {
		if _, err := r.Result(); !errors.Is(err, rtuerr.ErrTimeout) {
			t.Fatalf("abandoned request result = %v, want ErrTimeout", err)
		}
	}
	if st := e.Stats(); st.Timeouts != 50 {
		t.Fatalf("timeouts = %d", st.Timeouts)
	}
}

func TestIdlePeerCursorsAreForgotten(t *testing.T) {
	e, _ := newEngine(t, nil)
	for i := 0; i < maxIdlePeers+10; i++ {
		r, err := e.RegisterNext(fmt.Sprintf("peer-%d", i), time.Second, func(uint8) ([]byte, error) { return nil, nil })
		if err != nil {
			t.Fatalf("RegisterNext: %v", err)
		}
		e.OnAck(r.InvokeID(), r.Peer(), nil)
	}
	e.Register(0, peer, nil, time.Second)

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.nextID) > maxIdlePeers {
		t.Fatalf("%d peer cursors kept", len(e.nextID))
	}
}

func TestWaitContextCancelled(t *testing.T) {
	e, _ := newEngine(t, nil)
	r, _ := e.Register(5, peer, nil, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	if _, err := e.Wait(ctx, r, 0); !errors.Is(err, rtuerr.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if e.Len() != 0 {
		t.Fatal("cancelled request still registered")
	}
}

func TestFailAll(t *testing.T) {
	e, _ := newEngine(t, nil)
	var reqs []*Request
	for i := 0; i < 3; i++ {
		r, _ := e.Register(uint8(i), peer, nil, time.Second)
		reqs = append(reqs, r)
	}

	if n := e.FailAll(rtuerr.ErrStream); n != 3 {
		t.Fatalf("FailAll = %d, want 3", n)
	}
	for _, r := range reqs {
		if _, err := e.Wait(context.Background(), r, 0); !errors.Is(err, rtuerr.ErrStream) {
			t.Fatalf("request %d err = %v", r.InvokeID(), err)
		}
	}
	if e.Len() != 0 {
		t.Fatal("requests left after FailAll")
	}
}

func TestResend(t *testing.T) {
	e, sender := newEngine(t, nil)
	r, _ := e.Register(5, peer, []byte{0xCA, 0xFE}, time.Second)

	if err := e.Resend(context.Background(), r); err != nil {
		t.Fatalf("Resend: %v", err)
	}
	if len(sender.sent) != 1 || !bytes.Equal(sender.sent[0], []byte{0xCA, 0xFE}) {
		t.Fatalf("sent = %x", sender.sent)
	}

	e.OnAck(5, peer, nil)
	if err := e.Resend(context.Background(), r); !errors.Is(err, rtuerr.ErrUnknownRequest) {
		t.Fatalf("resend after completion err = %v", err)
	}
}

func TestRegisterNextAllocatesFreeIDs(t *testing.T) {
	e, _ := newEngine(t, nil)
	build := func(id uint8) ([]byte, error) { return []byte{id}, nil }

	held, _ := e.Register(1, peer, nil, time.Second)
	r0, err := e.RegisterNext(peer, time.Second, build)
	if err != nil || r0.InvokeID() != 0 {
		t.Fatalf("first id = %d, %v", r0.InvokeID(), err)
	}
	r2, err := e.RegisterNext(peer, time.Second, build)
	if err != nil || r2.InvokeID() != 2 || !bytes.Equal(r2.Frame(), []byte{2}) {
		t.Fatalf("second id = %d, %v, want 2 (1 is held)", r2.InvokeID(), err)
	}
	e.Cancel(held)

	for i := 0; i < 254; i++ {
		if _, err := e.RegisterNext(peer, time.Second, build); err != nil {
			t.Fatalf("allocation %d: %v", i, err)
		}
	}
	if _, err := e.RegisterNext(peer, time.Second, build); !errors.Is(err, rtuerr.ErrInvokeIDExhausted) {
		t.Fatalf("err = %v, want ErrInvokeIDExhausted", err)
	}
	if _, err := e.RegisterNext("other-peer", time.Second, build); err != nil {
		t.Fatalf("other peer: %v", err)
	}
}

func TestConcurrentRequests(t *testing.T) {
	e, _ := newEngine(t, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id uint8) {
			defer wg.Done()
			r, err := e.Register(id, peer, nil, time.Second)
			if err != nil {
				t.Errorf("Register %d: %v", id, err)
				return
			}
			go e.OnAck(id, peer, []byte{id})
			got, err := e.Wait(context.Background(), r, 0)
			if err != nil || len(got) != 1 || got[0] != id {
				t.Errorf("request %d = %x, %v", id, got, err)
			}
		}(uint8(i))
	}
	wg.Wait()
	if e.Len() != 0 {
		t.Fatalf("%d requests left", e.Len())
	}
}
