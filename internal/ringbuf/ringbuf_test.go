package ringbuf

import (
	"context"
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("hello ring")
	buf, err := EncodeFrame(payload, DefaultMaxFrame)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	got, consumed, err := DecodeFrame(buf)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if string(got) != string(payload) || consumed != len(buf) {
		t.Fatalf("mismatch: got %q consumed %d", got, consumed)
	}
}

func TestFrameTooLarge(t *testing.T) {
	_, err := EncodeFrame(make([]byte, 10), 4)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("got %v, want ErrFrameTooLarge", err)
	}
}

func TestDecodeFrameTruncated(t *testing.T) {
	buf, _ := EncodeFrame([]byte("abcdef"), DefaultMaxFrame)
	_, _, err := DecodeFrame(buf[:len(buf)-2])
	if !errors.Is(err, ErrFrameTruncated) {
		t.Fatalf("got %v, want ErrFrameTruncated", err)
	}
}

func newTestRegion(t *testing.T, capacity uint32) *Region {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ring")
	r, err := CreateRegion(path, capacity)
	if err != nil {
		t.Fatalf("CreateRegion: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestAttachValidatesMagicAndVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring")
	r, err := CreateRegion(path, 4096)
	if err != nil {
		t.Fatalf("CreateRegion: %v", err)
	}
	r.Close()

	attached, err := AttachRegion(path)
	if err != nil {
		t.Fatalf("AttachRegion: %v", err)
	}
	attached.Close()
}

func TestAttachRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring")
	r, err := CreateRegion(path, 4096)
	if err != nil {
		t.Fatalf("CreateRegion: %v", err)
	}
	binary.LittleEndian.PutUint32(r.data[offMagic:], 0xDEADBEEF)
	r.Close()

	_, err = AttachRegion(path)
	if !errors.Is(err, ErrMagicMismatch) {
		t.Fatalf("got %v, want ErrMagicMismatch", err)
	}
}

func TestProducerConsumerBasic(t *testing.T) {
	r := newTestRegion(t, 4096)
	p := NewProducer(r)
	c := NewConsumer(r)

	msgs := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, m := range msgs {
		if !p.Enqueue(m) {
			t.Fatalf("Enqueue(%q) failed", m)
		}
	}

	var got []string
	n := c.drainOnce(func(f Frame) { got = append(got, string(f.Payload)) })
	if n != len(msgs) {
		t.Fatalf("drained %d frames, want %d", n, len(msgs))
	}
	for i, m := range msgs {
		if got[i] != string(m) {
			t.Fatalf("frame %d: got %q want %q", i, got[i], m)
		}
	}
}

func TestRingWraparound(t *testing.T) {
	r := newTestRegion(t, 4096)
	p := NewProducer(r)
	c := NewConsumer(r)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}

	// Push enough frames through to force the write/read cursors to wrap
	// past the end of the 4096-byte ring multiple times.
	const rounds = 200
	for i := 0; i < rounds; i++ {
		if !p.Enqueue(payload) {
			t.Fatalf("round %d: Enqueue failed unexpectedly", i)
		}
		drained := 0
		c.drainOnce(func(f Frame) {
			drained++
			if len(f.Payload) != len(payload) {
				t.Fatalf("round %d: got len %d want %d", i, len(f.Payload), len(payload))
			}
			for j, b := range f.Payload {
				if b != payload[j] {
					t.Fatalf("round %d: byte %d corrupted across wrap", i, j)
				}
			}
		})
		if drained != 1 {
			t.Fatalf("round %d: drained %d frames, want 1", i, drained)
		}
	}
}

func TestProducerDropsWhenFull(t *testing.T) {
	r := newTestRegion(t, 64) // tiny ring, easy to fill
	p := NewProducer(r)

	payload := make([]byte, 32)
	ok := 0
	for i := 0; i < 10; i++ {
		if p.Enqueue(payload) {
			ok++
		}
	}
	if ok == 10 {
		t.Fatal("expected at least one drop once the ring filled")
	}
	if r.Dropped() == 0 {
		t.Fatal("expected Dropped() > 0 after overflow")
	}
}

func TestConsumerResyncsOnPoisonedLength(t *testing.T) {
	r := newTestRegion(t, 4096)
	p := NewProducer(r)
	c := NewConsumer(r, WithMaxFrame(64))

	if !p.Enqueue([]byte("fine")) {
		t.Fatal("Enqueue failed")
	}
	// Corrupt the just-written length word in place to something larger
	// than maxFrame, simulating a producer bug or hostile write.
	ring := r.ring()
	binary.LittleEndian.PutUint32(ring[0:4], 1<<30)

	n := c.drainOnce(func(Frame) {})
	if n != 0 {
		t.Fatalf("expected poisoned frame to yield zero decoded frames, got %d", n)
	}
	if c.ResyncCount() != 1 {
		t.Fatalf("ResyncCount() = %d, want 1", c.ResyncCount())
	}
}

func TestCheckLivenessDetectsDetach(t *testing.T) {
	r := newTestRegion(t, 4096)
	c := NewConsumer(r, WithPeerTimeout(10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	err := c.CheckLiveness()
	var de *DetachedError
	if !errors.As(err, &de) {
		t.Fatalf("got %v, want *DetachedError", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	r := newTestRegion(t, 4096)
	c := NewConsumer(r, WithPeerTimeout(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Run(ctx, func(Frame) {})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want context.DeadlineExceeded", err)
	}
}
