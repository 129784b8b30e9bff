package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/nsaas-io/go-nsaas/internal/wire"
)

// Buffer is a handle onto one message buffer in the pool. It is valid
// only while the caller owns the slot (between alloc/dequeue and
// enqueue/free); header fields are plain loads and stores because
// ownership transfers happen through the ring cursors.
type Buffer struct {
	h    *bufHdr
	data []byte // full payload capacity
	idx  uint32
}

// Buf returns a handle for slot idx. A slot index outside the pool or a
// buffer whose magic has been clobbered means the mapping is corrupt or
// the peer misbehaved; neither is recoverable, so both panic.
func (c *Channel) Buf(idx uint32) Buffer {
	if idx >= c.hdr.BufCount {
		panic(fmt.Sprintf("shm: buffer index %d out of range (pool %d)", idx, c.hdr.BufCount))
	}
	off := c.bufRegion + uint64(idx)*c.bufStride
	h := (*bufHdr)(unsafe.Pointer(&c.mem[off]))
	if h.Magic != BufMagic {
		panic(fmt.Sprintf("shm: bad buffer magic %#x at slot %d", h.Magic, idx))
	}
	return Buffer{
		h:    h,
		data: c.mem[off+bufHdrSize : off+bufHdrSize+uint64(c.hdr.BufMSS)],
		idx:  idx,
	}
}

// BufAllocBulk pops up to len(out) buffers from the free list, writing
// their slot indices to out and returning how many were obtained.
// Callers that need all-or-nothing must free a short allocation back.
//
// The free list is a Treiber stack threaded through each buffer's Next
// field, with an ABA tag in the top word; both the application and the
// controller allocate and free, so single-consumer ring tricks do not
// apply here.
func (c *Channel) BufAllocBulk(out []uint32) int {
	n := 0
	for n < len(out) {
		old := atomic.LoadUint64(&c.hdr.FreeTop)
		idx := uint32(old)
		if idx == InvalidIndex {
			break
		}
		next := c.Buf(idx).h.Next
		tag := (old >> 32) + 1
		if atomic.CompareAndSwapUint64(&c.hdr.FreeTop, old, tag<<32|uint64(next)) {
			out[n] = idx
			n++
		}
	}
	if n > 0 {
		atomic.AddUint64(&c.hdr.FreeCount, ^uint64(n-1))
	}
	return n
}

// BufFreeBulk resets the given buffers and pushes them back onto the
// free list, returning how many were freed (always len(idxs)).
func (c *Channel) BufFreeBulk(idxs []uint32) int {
	for _, idx := range idxs {
		b := c.Buf(idx)
		b.h.Flags = 0
		b.h.Last = InvalidIndex
		b.h.MsgLen = 0
		b.h.DataLen = 0
		b.h.Flow = wire.Flow{}
		for {
			old := atomic.LoadUint64(&c.hdr.FreeTop)
			b.h.Next = uint32(old)
			tag := (old >> 32) + 1
			if atomic.CompareAndSwapUint64(&c.hdr.FreeTop, old, tag<<32|uint64(idx)) {
				break
			}
		}
	}
	if len(idxs) > 0 {
		atomic.AddUint64(&c.hdr.FreeCount, uint64(len(idxs)))
	}
	return len(idxs)
}

// Index returns the buffer's slot index
func (b Buffer) Index() uint32 { return b.idx }

// DataLen returns the bytes of payload currently in the buffer
func (b Buffer) DataLen() uint32 { return b.h.DataLen }

// Tailroom returns the payload bytes still available
func (b Buffer) Tailroom() uint32 { return uint32(len(b.data)) - b.h.DataLen }

// Append reserves n more payload bytes and returns the slice to fill.
// Panics if n exceeds the tailroom; callers size their copies first.
func (b Buffer) Append(n uint32) []byte {
	if n > b.Tailroom() {
		panic(fmt.Sprintf("shm: append %d beyond tailroom %d at slot %d", n, b.Tailroom(), b.idx))
	}
	off := b.h.DataLen
	b.h.DataLen = off + n
	return b.data[off : off+n]
}

// Data returns n payload bytes starting at off. Panics when the range
// runs past the buffer's data length.
func (b Buffer) Data(off, n uint32) []byte {
	if off+n > b.h.DataLen {
		panic(fmt.Sprintf("shm: data [%d,+%d) beyond length %d at slot %d", off, n, b.h.DataLen, b.idx))
	}
	return b.data[off : off+n]
}

// Flags returns the buffer's flag bits
func (b Buffer) Flags() uint16 { return b.h.Flags }

// OrFlags sets the given flag bits
func (b Buffer) OrFlags(mask uint16) { b.h.Flags |= mask }

// ClearFlags clears the given flag bits
func (b Buffer) ClearFlags(mask uint16) { b.h.Flags &^= mask }

// Next returns the successor slot index; meaningful iff FlagSG is set
func (b Buffer) Next() uint32 { return b.h.Next }

// SetNext links the successor buffer
func (b Buffer) SetNext(idx uint32) { b.h.Next = idx }

// Last returns the final slot index of the chain; head buffer only
func (b Buffer) Last() uint32 { return b.h.Last }

// SetLast records the final buffer of the chain on the head
func (b Buffer) SetLast(idx uint32) { b.h.Last = idx }

// MsgLen returns the total logical message length; head buffer only
func (b Buffer) MsgLen() uint32 { return b.h.MsgLen }

// SetMsgLen records the total message length on the head
func (b Buffer) SetMsgLen(n uint32) { b.h.MsgLen = n }

// Flow returns the message's flow; head buffer only
func (b Buffer) Flow() wire.Flow { return b.h.Flow }

// SetFlow records the message's flow on the head
func (b Buffer) SetFlow(f wire.Flow) { b.h.Flow = f }
