// Package shm implements the shared-memory channel between an
// application and the controller: the channel header, the four SPSC
// descriptor rings (app->stack data, stack->app data, control SQ,
// control CQ), and the fixed-size message-buffer pool addressed by
// 32-bit slot indices.
package shm

import (
	"fmt"
	"unsafe"

	"github.com/nsaas-io/go-nsaas/internal/constants"
	"github.com/nsaas-io/go-nsaas/internal/wire"
)

const (
	// ChannelMagic is the sentinel at offset 0 of every valid channel.
	// The application never writes it after mapping.
	ChannelMagic uint32 = 0x5368416e

	// BufMagic is the per-buffer sanity sentinel, checked on every access
	BufMagic uint32 = 0x42756621

	// InvalidIndex terminates buffer chains and the free list
	InvalidIndex = ^uint32(0)

	headerSize    = 256
	ringHdrSize   = 192
	bufHdrSize    = 64
	cacheLineSize = 64
)

// ChannelHeader is the channel prologue. It lives at offset 0 of the
// mapping; all region offsets are recorded here so the binder never has
// to recompute the layout. CtrlReqSeq, FreeTop and FreeCount are shared
// atomics and must stay 8-byte aligned.
type ChannelHeader struct {
	Magic     uint32
	Version   uint32
	RingSlots uint32
	BufCount  uint32
	BufMSS    uint32
	BufStride uint32

	CtrlReqSeq uint64 // per-channel monotonic control request id
	FreeTop    uint64 // free-list top: {aba tag:32 | slot index:32}
	FreeCount  uint64 // free buffers, maintained on alloc/free

	CtrlSQOff    uint64
	CtrlCQOff    uint64
	AppRingOff   uint64
	StackRingOff uint64
	BufRegionOff uint64

	Pad [168]byte
}

// Compile-time size checks: these are wire layout, not just Go structs
var _ [headerSize]byte = [unsafe.Sizeof(ChannelHeader{})]byte{}

// ringHdr is the prologue of each descriptor ring. Head (consumer
// cursor) and Tail (producer cursor) are free-running counters on
// separate cache lines; both sides address slots through Mask.
type ringHdr struct {
	Head uint32
	Pad0 [cacheLineSize - 4]byte
	Tail uint32
	Pad1 [cacheLineSize - 4]byte
	Mask uint32
	Size uint32
	Pad2 [cacheLineSize - 8]byte
}

var _ [ringHdrSize]byte = [unsafe.Sizeof(ringHdr{})]byte{}

// bufHdr prefixes every message buffer. Flags, chain links and the
// head-only fields (Last, MsgLen, Flow) are written by whichever side
// currently owns the buffer; ownership transfers through the rings, so
// plain loads and stores suffice here.
type bufHdr struct {
	Magic   uint32
	Flags   uint16
	Pad0    uint16
	Next    uint32
	Last    uint32
	MsgLen  uint32
	DataLen uint32
	Flow    wire.Flow
	Pad1    [28]byte
}

var _ [bufHdrSize]byte = [unsafe.Sizeof(bufHdr{})]byte{}

// Buffer flags forming the chain protocol for multi-buffer messages
const (
	FlagSYN            uint16 = 1 << 0 // head of message
	FlagFIN            uint16 = 1 << 1 // last buffer of message
	FlagSG             uint16 = 1 << 2 // a successor buffer follows via Next
	FlagNotifyDelivery uint16 = 1 << 3 // ask the stack to signal send completion
)

// Config describes channel geometry. The controller picks the final
// values; the application requests them at attach time.
type Config struct {
	RingSlots uint32 // slots per descriptor ring, power of two
	BufCount  uint32 // message buffers in the pool
	BufMSS    uint32 // max payload bytes per buffer
}

// DefaultConfig returns the geometry requested when the caller does not
// override it
func DefaultConfig() Config {
	return Config{
		RingSlots: constants.DefaultRingSlots,
		BufCount:  constants.DefaultBufCount,
		BufMSS:    constants.DefaultBufMSS,
	}
}

func (c Config) validate() error {
	if c.RingSlots == 0 || c.RingSlots&(c.RingSlots-1) != 0 {
		return fmt.Errorf("ring slots %d not a power of two", c.RingSlots)
	}
	if c.BufCount == 0 || c.BufCount == InvalidIndex {
		return fmt.Errorf("bad buffer count %d", c.BufCount)
	}
	if c.BufMSS == 0 {
		return fmt.Errorf("bad buffer mss %d", c.BufMSS)
	}
	return nil
}

func (c Config) bufStride() uint64 {
	return alignUp(bufHdrSize + uint64(c.BufMSS))
}

func alignUp(n uint64) uint64 {
	return (n + cacheLineSize - 1) &^ (cacheLineSize - 1)
}

// offsets computes the region layout for a channel of this geometry
func (c Config) offsets() (sq, cq, app, stack, buf, total uint64) {
	off := uint64(headerSize)

	sq = off
	off += ringHdrSize + uint64(c.RingSlots)*wire.CtrlQueueEntrySize
	cq = off
	off += ringHdrSize + uint64(c.RingSlots)*wire.CtrlQueueEntrySize
	app = off
	off += alignUp(ringHdrSize + uint64(c.RingSlots)*4)
	stack = off
	off += alignUp(ringHdrSize + uint64(c.RingSlots)*4)
	buf = off
	off += uint64(c.BufCount) * c.bufStride()

	return sq, cq, app, stack, buf, off
}

// Size returns the number of bytes a channel of this geometry occupies
func Size(cfg Config) (int, error) {
	if err := cfg.validate(); err != nil {
		return 0, err
	}
	_, _, _, _, _, total := cfg.offsets()
	return int(total), nil
}

// Format initializes a channel in mem: header, ring headers, buffer
// magics, and the free list holding every buffer. This is the
// controller-side half of channel creation; applications only ever map
// and validate. mem must be zero-filled and at least Size(cfg) long.
func Format(mem []byte, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	sq, cq, app, stack, buf, total := cfg.offsets()
	if uint64(len(mem)) < total {
		return fmt.Errorf("memory %d bytes, channel needs %d", len(mem), total)
	}

	hdr := (*ChannelHeader)(unsafe.Pointer(&mem[0]))
	hdr.Magic = ChannelMagic
	hdr.Version = 0
	hdr.RingSlots = cfg.RingSlots
	hdr.BufCount = cfg.BufCount
	hdr.BufMSS = cfg.BufMSS
	hdr.BufStride = uint32(cfg.bufStride())
	hdr.CtrlReqSeq = 0
	hdr.CtrlSQOff = sq
	hdr.CtrlCQOff = cq
	hdr.AppRingOff = app
	hdr.StackRingOff = stack
	hdr.BufRegionOff = buf

	for _, off := range []uint64{sq, cq, app, stack} {
		rh := (*ringHdr)(unsafe.Pointer(&mem[off]))
		rh.Head = 0
		rh.Tail = 0
		rh.Mask = cfg.RingSlots - 1
		rh.Size = cfg.RingSlots
	}

	// Stamp every buffer and thread the free list through Next,
	// buffer 0 on top
	stride := cfg.bufStride()
	for i := uint32(0); i < cfg.BufCount; i++ {
		bh := (*bufHdr)(unsafe.Pointer(&mem[buf+uint64(i)*stride]))
		bh.Magic = BufMagic
		bh.Next = i + 1
		bh.Last = InvalidIndex
	}
	last := (*bufHdr)(unsafe.Pointer(&mem[buf+uint64(cfg.BufCount-1)*stride]))
	last.Next = InvalidIndex

	hdr.FreeTop = uint64(0)<<32 | 0 // tag 0, buffer 0
	hdr.FreeCount = uint64(cfg.BufCount)

	return nil
}
