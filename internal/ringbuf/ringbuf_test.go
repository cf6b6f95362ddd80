package ringbuf

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rtu-gateway/internal/rtuerr"
)

func mustNew(t *testing.T, capacity int) *RingBuffer {
	t.Helper()
	r, err := New(capacity)
	if err != nil {
		t.Fatalf("New(%d): %v", capacity, err)
	}
	return r
}

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	for _, c := range []int{0, -4, 3, 6, 100} {
		if _, err := New(c); err == nil {
			t.Errorf("New(%d) succeeded, want error", c)
		}
	}
}

func TestFullBufferRejectsWriteUntilRead(t *testing.T) {
	r := mustNew(t, 8)
	if n := r.Write([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}); n != 8 {
		t.Fatalf("initial write = %d, want 8", n)
	}
	if n := r.Write([]byte{0x09}); n != 0 {
		t.Fatalf("write into full buffer = %d, want 0", n)
	}
	if ok, b := r.TryRead(); !ok || b != 0x01 {
		t.Fatalf("TryRead = (%v, %#x), want (true, 0x01)", ok, b)
	}
	if n := r.Write([]byte{0x09}); n != 1 {
		t.Fatalf("write after read = %d, want 1", n)
	}
	want := []byte{0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09}
	if got := r.Read(16); !bytes.Equal(got, want) {
		t.Fatalf("Read = %x, want %x", got, want)
	}
}

func TestTryWriteTryReadBounds(t *testing.T) {
	r := mustNew(t, 4)
	for i := 0; i < 4; i++ {
		if !r.TryWrite(byte(i)) {
			t.Fatalf("TryWrite %d failed before full", i)
		}
	}
	if r.TryWrite(0xFF) {
		t.Fatal("TryWrite succeeded on full buffer")
	}
	if r.Count() != 4 || r.Free() != 0 {
		t.Fatalf("count=%d free=%d, want 4/0", r.Count(), r.Free())
	}
	for i := 0; i < 4; i++ {
		ok, b := r.TryRead()
		if !ok || b != byte(i) {
			t.Fatalf("TryRead %d = (%v, %d)", i, ok, b)
		}
	}
	if ok, _ := r.TryRead(); ok {
		t.Fatal("TryRead succeeded on empty buffer")
	}
}

func TestPartialWriteReportsCount(t *testing.T) {
	r := mustNew(t, 4)
	if n := r.Write([]byte{1, 2, 3, 4, 5, 6}); n != 4 {
		t.Fatalf("Write = %d, want 4", n)
	}
	if got := r.Read(2); !bytes.Equal(got, []byte{1, 2}) {
		t.Fatalf("Read(2) = %v", got)
	}
	if n := r.Write([]byte{5, 6, 7}); n != 2 {
		t.Fatalf("Write after partial read = %d, want 2", n)
	}
	if got := r.Read(10); !bytes.Equal(got, []byte{3, 4, 5, 6}) {
		t.Fatalf("Read = %v, want [3 4 5 6]", got)
	}
}

func TestPeekIsIdempotentAndMatchesRead(t *testing.T) {
	r := mustNew(t, 8)
	r.Write([]byte("abcdef"))
	r.Read(3)
	r.Write([]byte("ghij")) // wraps

	first := r.Peek(5)
	for i := 0; i < 3; i++ {
		if again := r.Peek(5); !bytes.Equal(first, again) {
			t.Fatalf("peek %d = %q, want %q", i, again, first)
		}
	}
	if r.Count() != 7 {
		t.Fatalf("peek advanced cursor: count=%d", r.Count())
	}
	read := r.Read(5)
	if !bytes.Equal(first, read) {
		t.Fatalf("read %q differs from peek %q", read, first)
	}
	if string(read) != "defgh" {
		t.Fatalf("read = %q, want defgh", read)
	}
	if r.Count() != 2 {
		t.Fatalf("count after read = %d, want 2", r.Count())
	}
}

func TestReadOnEmptyReturnsNothing(t *testing.T) {
	r := mustNew(t, 2)
	if got := r.Read(4); len(got) != 0 {
		t.Fatalf("Read on empty = %v", got)
	}
	if got := r.Peek(4); len(got) != 0 {
		t.Fatalf("Peek on empty = %v", got)
	}
}

func TestDiscard(t *testing.T) {
	r := mustNew(t, 8)
	r.Write([]byte{1, 2, 3, 4})
	if n := r.Discard(3); n != 3 {
		t.Fatalf("Discard = %d, want 3", n)
	}
	if n := r.Discard(9); n != 1 {
		t.Fatalf("Discard past end = %d, want 1", n)
	}
	if r.Count() != 0 {
		t.Fatalf("count = %d, want 0", r.Count())
	}
}

func TestFIFOAcrossManyWraps(t *testing.T) {
	r := mustNew(t, 16)
	var want, got []byte
	next := byte(0)
	for round := 0; round < 200; round++ {
		chunk := make([]byte, round%11+1)
		for i := range chunk {
			chunk[i] = next
			next++
		}
		n := r.Write(chunk)
		want = append(want, chunk[:n]...)
		got = append(got, r.Read(round%7+1)...)
	}
	got = append(got, r.Read(r.Count())...)
	if !bytes.Equal(got, want) {
		t.Fatalf("FIFO violated: got %d bytes, want %d", len(got), len(want))
	}
}

func TestWriteBlockingTimeout(t *testing.T) {
	r := mustNew(t, 4)
	r.Write([]byte{1, 2, 3, 4})

	start := time.Now()
	err := r.WriteBlocking(context.Background(), []byte{5}, 30*time.Millisecond)
	if !errors.Is(err, rtuerr.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatal("WriteBlocking returned before timeout")
	}
}

func TestWriteBlockingCancelled(t *testing.T) {
	r := mustNew(t, 4)
	r.Write([]byte{1, 2, 3, 4})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := r.WriteBlocking(ctx, []byte{5}, 0)
	if !errors.Is(err, rtuerr.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}

func TestConcurrentWriterReader(t *testing.T) {
	r := mustNew(t, 64)
	const total = 100000

	src := make([]byte, total)
	for i := range src {
		src[i] = byte(i * 7)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for off := 0; off < total; off += 37 {
			end := off + 37
			if end > total {
				end = total
			}
			if err := r.WriteBlocking(context.Background(), src[off:end], 5*time.Second); err != nil {
				t.Errorf("WriteBlocking: %v", err)
				return
			}
		}
	}()

	got := make([]byte, 0, total)
	deadline := time.After(10 * time.Second)
	for len(got) < total {
		chunk := r.Read(29)
		if len(chunk) == 0 {
			select {
			case <-r.Readable():
			case <-deadline:
				t.Fatalf("reader stalled at %d bytes", len(got))
			}
			continue
		}
		got = append(got, chunk...)
	}
	wg.Wait()

	if !bytes.Equal(got, src) {
		t.Fatal("bytes read differ from bytes written")
	}
}

func TestCountFromThirdGoroutineStaysInRange(t *testing.T) {
	r := mustNew(t, 16)
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				r.Write([]byte{1, 2, 3, 4, 5})
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				r.Read(3)
			}
		}
	}()

	for i := 0; i < 200000; i++ {
		if n := r.Count(); n < 0 || n > r.Cap() {
			close(done)
			wg.Wait()
			t.Fatalf("Count = %d outside [0, %d]", n, r.Cap())
		}
		if f := r.Free(); f < 0 || f > r.Cap() {
			close(done)
			wg.Wait()
			t.Fatalf("Free = %d outside [0, %d]", f, r.Cap())
		}
	}
	close(done)
	wg.Wait()
}
