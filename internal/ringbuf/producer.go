package ringbuf

import "encoding/binary"

// Producer implements the enqueue contract of the ring transport (§4.B)
// for interoperability testing. The real producer is a kernel driver or a
// hooked process in a foreign address space; this type exists so the
// consumer, the end-to-end scenarios, and the wraparound/poison tests have
// something to drive the ring with.
type Producer struct {
	r *Region
}

// NewProducer wraps r for enqueue use. r is typically created with
// CreateRegion by the test or local harness that owns the producer side.
func NewProducer(r *Region) *Producer { return &Producer{r: r} }

// Enqueue attempts to write one frame (length word + payload). It never
// blocks: on insufficient space it increments the dropped counter and
// returns false, matching the spec's "producer increments dropped and
// returns" contract.
func (p *Producer) Enqueue(payload []byte) bool {
	r := p.r
	need := uint64(4 + len(payload))

	head := r.loadHead() // acquire load of head, per contract
	tail := r.loadTail()
	free := uint64(r.capacity) - (tail - head)
	if free < need {
		r.addDropped(1)
		return false
	}

	ring := r.ring()
	idx := tail & uint64(r.mask)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	writeWrapped(ring, idx, lenBuf[:], r.capacity)
	writeWrapped(ring, (idx+4)&uint64(r.mask), payload, r.capacity)

	r.storeTail(tail + need) // release-store new tail
	r.addProducerSeq(1)
	return true
}

func writeWrapped(ring []byte, idx uint64, data []byte, capacity uint32) {
	n := copy(ring[idx:], data)
	if n < len(data) {
		copy(ring[0:], data[n:])
	}
}
