package ringbuf

import (
	"sync/atomic"
	"unsafe"
)

// The header words are shared with a foreign address space (the producer),
// so they are accessed exclusively through atomic loads/stores on pointers
// into the mapped bytes — never through a Go-managed atomic.Uint64, and
// never under a lock, since the other side of the mapping cannot take one.

func (r *Region) word(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.data[off]))
}

func (r *Region) loadHead() uint64        { return atomic.LoadUint64(r.word(offHead)) }
func (r *Region) storeHead(v uint64)      { atomic.StoreUint64(r.word(offHead), v) }
func (r *Region) loadTail() uint64        { return atomic.LoadUint64(r.word(offTail)) }
func (r *Region) storeTail(v uint64)      { atomic.StoreUint64(r.word(offTail), v) }
func (r *Region) loadProducerSeq() uint64 { return atomic.LoadUint64(r.word(offProducerSeq)) }
func (r *Region) addProducerSeq(d uint64) { atomic.AddUint64(r.word(offProducerSeq), d) }
func (r *Region) loadDropped() uint64     { return atomic.LoadUint64(r.word(offDropped)) }
func (r *Region) addDropped(d uint64)     { atomic.AddUint64(r.word(offDropped), d) }

// Capacity returns the ring's data-area size in bytes.
func (r *Region) Capacity() uint32 { return r.capacity }

// Dropped returns the producer-side dropped-frame counter.
func (r *Region) Dropped() uint64 { return r.loadDropped() }

// ProducerSeq returns the producer's liveness heartbeat counter, used by a
// consumer to distinguish "no traffic" from "peer gone" (PEER_TIMEOUT).
func (r *Region) ProducerSeq() uint64 { return r.loadProducerSeq() }
