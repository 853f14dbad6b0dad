package ringbuf

import (
	"context"
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DetachedError is reported to the control plane when the producer's
// liveness marker (ProducerSeq) has not advanced within PeerTimeout — the
// mapping is still valid, but nothing on the other end is alive.
type DetachedError struct {
	Since time.Duration
}

func (e *DetachedError) Error() string {
	return "ringbuf: peer detached, no producer_seq advance in " + e.Since.String()
}

// Frame is one decoded, still-opaque payload handed to the caller by Run.
type Frame struct {
	Payload []byte
}

// Consumer implements the dequeue side of the ring transport: untrusted
// header validation, length-overflow poisoning and resync, and an adaptive
// backoff sleep when the ring is empty. It never blocks inside the ring
// itself; a full downstream channel is the caller's problem to shed load
// for (the ring must never be allowed to back up toward the producer).
type Consumer struct {
	r         *Region
	maxFrame  uint32
	peerTimeout time.Duration

	resyncCount   uint64
	lastSeqSeen   uint64
	lastSeqAt     time.Time
	log           *slog.Logger
}

// ConsumerOption configures NewConsumer.
type ConsumerOption func(*Consumer)

// WithMaxFrame overrides DefaultMaxFrame.
func WithMaxFrame(n uint32) ConsumerOption {
	return func(c *Consumer) { c.maxFrame = n }
}

// WithPeerTimeout overrides the default 30s PEER_TIMEOUT.
func WithPeerTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.peerTimeout = d }
}

// WithLogger overrides the default slog.Default().
func WithLogger(l *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.log = l }
}

// NewConsumer wraps an attached Region for draining.
func NewConsumer(r *Region, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		r:           r,
		maxFrame:    DefaultMaxFrame,
		peerTimeout: 30 * time.Second,
		log:         slog.Default(),
		lastSeqAt:   time.Now(),
	}
	for _, o := range opts {
		o(c)
	}
	c.lastSeqSeen = r.ProducerSeq()
	return c
}

// ResyncCount returns the number of times the consumer detected a poisoned
// length word and resynced head to tail.
func (c *Consumer) ResyncCount() uint64 { return c.resyncCount }

// drainOnce pulls every complete frame currently available, invoking fn for
// each payload. It returns the number of frames drained.
func (c *Consumer) drainOnce(fn func(Frame)) int {
	r := c.r
	n := 0
	for {
		head := r.loadHead()
		tail := r.loadTail() // acquire load of tail
		available := tail - head
		if available < 4 {
			return n
		}

		ring := r.ring()
		idx := head & uint64(r.mask)
		lenBuf := readWrapped(ring, idx, 4)
		length := uint64(binary.LittleEndian.Uint32(lenBuf))

		limit := available - 4
		if uint64(c.maxFrame) < limit {
			limit = uint64(c.maxFrame)
		}
		if length > limit {
			c.log.Warn("ringbuf: poisoned frame, resyncing", "length", length, "available", available)
			r.storeHead(tail)
			c.resyncCount++
			continue
		}

		payload := readWrapped(ring, (idx+4)&uint64(r.mask), int(length))
		r.storeHead(head + 4 + length) // release-store new head
		n++
		fn(Frame{Payload: payload})
	}
}

func readWrapped(ring []byte, idx uint64, n int) []byte {
	out := make([]byte, n)
	c := copy(out, ring[idx:])
	if c < n {
		copy(out[c:], ring[0:])
	}
	return out
}

// CheckLiveness reports whether the producer's heartbeat has advanced
// within PeerTimeout. A DetachedError is a terminal condition for the
// control plane (§4.B "Detached"), not a poisoned-frame resync.
func (c *Consumer) CheckLiveness() error {
	seq := c.r.ProducerSeq()
	now := time.Now()
	if seq != c.lastSeqSeen {
		c.lastSeqSeen = seq
		c.lastSeqAt = now
		return nil
	}
	if now.Sub(c.lastSeqAt) > c.peerTimeout {
		return &DetachedError{Since: now.Sub(c.lastSeqAt)}
	}
	return nil
}

// Run drains the ring in a loop until ctx is canceled, invoking fn for each
// frame. Between empty drains it sleeps on an exponential backoff in
// [50µs, 1ms], reparented to its initial interval every time the ring is
// found non-empty — mirroring the reset-on-success idiom of a reconnect
// loop, but for "found more work" instead of "connected".
func (c *Consumer) Run(ctx context.Context, fn func(Frame)) error {
	bo := newDrainBackoff()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n := c.drainOnce(fn)
		if n > 0 {
			bo.Reset()
			continue
		}

		if err := c.CheckLiveness(); err != nil {
			return err
		}

		d := bo.NextBackOff()
		if d == backoff.Stop {
			d = 1 * time.Millisecond
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func newDrainBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Microsecond
	b.MaxInterval = 1 * time.Millisecond
	b.MaxElapsedTime = 0 // never give up; the caller controls lifetime via ctx
	b.Multiplier = 2
	b.RandomizationFactor = 0
	return b
}
