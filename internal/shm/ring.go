package shm

import (
	"sync/atomic"
	"unsafe"

	"github.com/nsaas-io/go-nsaas/internal/wire"
)

// ring is one SPSC descriptor ring inside the mapping. Head and Tail
// are free-running: empty when tail == head, full when tail-head ==
// size. The producer publishes slots before the tail store; the atomic
// cursor stores provide the release/acquire pairing across the mapping.
type ring struct {
	hdr       *ringHdr
	base      unsafe.Pointer // first slot
	entrySize uintptr
}

func (r *ring) slot(pos uint32) unsafe.Pointer {
	return unsafe.Add(r.base, uintptr(pos&r.hdr.Mask)*r.entrySize)
}

// enqueueIdx appends up to len(vals) slot indices, returning how many
// were accepted. Producer side only.
func (r *ring) enqueueIdx(vals []uint32) int {
	tail := atomic.LoadUint32(&r.hdr.Tail)
	head := atomic.LoadUint32(&r.hdr.Head)

	n := len(vals)
	if free := r.hdr.Size - (tail - head); uint32(n) > free {
		n = int(free)
	}
	for i := 0; i < n; i++ {
		*(*uint32)(r.slot(tail + uint32(i))) = vals[i]
	}
	if n > 0 {
		atomic.StoreUint32(&r.hdr.Tail, tail+uint32(n))
	}
	return n
}

// dequeueIdx removes up to len(out) slot indices, returning how many
// were dequeued. Consumer side only.
func (r *ring) dequeueIdx(out []uint32) int {
	head := atomic.LoadUint32(&r.hdr.Head)
	tail := atomic.LoadUint32(&r.hdr.Tail)

	n := len(out)
	if avail := tail - head; uint32(n) > avail {
		n = int(avail)
	}
	for i := 0; i < n; i++ {
		out[i] = *(*uint32)(r.slot(head + uint32(i)))
	}
	if n > 0 {
		atomic.StoreUint32(&r.hdr.Head, head+uint32(n))
	}
	return n
}

// enqueueEntry appends one control-queue entry; false when full
func (r *ring) enqueueEntry(e *wire.CtrlQueueEntry) bool {
	tail := atomic.LoadUint32(&r.hdr.Tail)
	head := atomic.LoadUint32(&r.hdr.Head)
	if tail-head == r.hdr.Size {
		return false
	}
	*(*wire.CtrlQueueEntry)(r.slot(tail)) = *e
	atomic.StoreUint32(&r.hdr.Tail, tail+1)
	return true
}

// dequeueEntry removes one control-queue entry; false when empty
func (r *ring) dequeueEntry(e *wire.CtrlQueueEntry) bool {
	head := atomic.LoadUint32(&r.hdr.Head)
	tail := atomic.LoadUint32(&r.hdr.Tail)
	if tail == head {
		return false
	}
	*e = *(*wire.CtrlQueueEntry)(r.slot(head))
	atomic.StoreUint32(&r.hdr.Head, head+1)
	return true
}
