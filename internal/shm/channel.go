package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nsaas-io/go-nsaas/internal/logging"
	"github.com/nsaas-io/go-nsaas/internal/wire"
)

// Channel is a mapped, validated shared-memory channel. It is the
// application's half of the contract: the controller formatted the
// region and is the peer on every ring.
//
// Rings are single-producer single-consumer per direction. Methods are
// documented with the side that may call them; the in-process stub
// controller uses the controller-side methods. A Channel itself does
// not serialize concurrent application calls on the same ring.
type Channel struct {
	mem []byte
	hdr *ChannelHeader
	fd  int

	ctrlSQ    ring
	ctrlCQ    ring
	appRing   ring
	stackRing ring

	bufRegion uint64
	bufStride uint64
}

// Bind maps the channel referred to by fd and validates it. The fd is
// retained on success and closed on every failure path.
func Bind(fd int) (*Channel, error) {
	if fd < 0 {
		return nil, fmt.Errorf("bad channel fd %d", fd)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("fstat channel fd: %w", err)
	}
	size := int(st.Size)
	if size < headerSize {
		unix.Close(fd)
		return nil, fmt.Errorf("channel region %d bytes, below minimum", size)
	}

	mem, err := mapChannel(fd, size)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	ch, err := FromMemory(mem)
	if err != nil {
		_ = unix.Munmap(mem)
		unix.Close(fd)
		return nil, err
	}
	ch.fd = fd

	logging.Debug("channel bound", "size", size, "ring_slots", ch.hdr.RingSlots,
		"buf_count", ch.hdr.BufCount, "buf_mss", ch.hdr.BufMSS)
	return ch, nil
}

// mapChannel maps the region read-write shared with pages pre-populated
// to keep page faults off the datapath. Huge-page mappings are tried
// first; a segment not backed by hugetlbfs refuses MAP_HUGETLB and we
// fall back. MAP_POPULATE is dropped as a last resort for kernels that
// reject it on the segment type.
func mapChannel(fd, size int) ([]byte, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE

	mem, err := unix.Mmap(fd, 0, size, prot, unix.MAP_SHARED|unix.MAP_POPULATE|unix.MAP_HUGETLB)
	if err == nil {
		return mem, nil
	}
	mem, err = unix.Mmap(fd, 0, size, prot, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err == nil {
		return mem, nil
	}
	mem, err = unix.Mmap(fd, 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap channel: %w", err)
	}
	return mem, nil
}

// FromMemory validates an already-mapped (or in-process, for the stub
// controller) channel region and attaches to it
func FromMemory(mem []byte) (*Channel, error) {
	if len(mem) < headerSize {
		return nil, fmt.Errorf("channel region %d bytes, below minimum", len(mem))
	}

	hdr := (*ChannelHeader)(unsafe.Pointer(&mem[0]))
	if hdr.Magic != ChannelMagic {
		return nil, fmt.Errorf("bad channel magic %#x", hdr.Magic)
	}
	if hdr.RingSlots == 0 || hdr.RingSlots&(hdr.RingSlots-1) != 0 {
		return nil, fmt.Errorf("bad ring size %d", hdr.RingSlots)
	}
	if hdr.BufCount == 0 || hdr.BufStride < bufHdrSize+hdr.BufMSS || hdr.BufMSS == 0 {
		return nil, fmt.Errorf("bad buffer geometry count=%d stride=%d mss=%d",
			hdr.BufCount, hdr.BufStride, hdr.BufMSS)
	}

	ch := &Channel{
		mem:       mem,
		hdr:       hdr,
		fd:        -1,
		bufRegion: hdr.BufRegionOff,
		bufStride: uint64(hdr.BufStride),
	}

	total := uint64(len(mem))
	regions := []struct {
		name  string
		off   uint64
		bytes uint64
	}{
		{"ctrl sq", hdr.CtrlSQOff, ringHdrSize + uint64(hdr.RingSlots)*wire.CtrlQueueEntrySize},
		{"ctrl cq", hdr.CtrlCQOff, ringHdrSize + uint64(hdr.RingSlots)*wire.CtrlQueueEntrySize},
		{"app ring", hdr.AppRingOff, ringHdrSize + uint64(hdr.RingSlots)*4},
		{"stack ring", hdr.StackRingOff, ringHdrSize + uint64(hdr.RingSlots)*4},
		{"buffers", hdr.BufRegionOff, uint64(hdr.BufCount) * ch.bufStride},
	}
	for _, reg := range regions {
		if reg.off < headerSize || reg.off+reg.bytes > total {
			return nil, fmt.Errorf("%s region [%d,+%d) outside mapping of %d bytes",
				reg.name, reg.off, reg.bytes, total)
		}
	}

	ch.ctrlSQ = ch.ringAt(hdr.CtrlSQOff, wire.CtrlQueueEntrySize)
	ch.ctrlCQ = ch.ringAt(hdr.CtrlCQOff, wire.CtrlQueueEntrySize)
	ch.appRing = ch.ringAt(hdr.AppRingOff, 4)
	ch.stackRing = ch.ringAt(hdr.StackRingOff, 4)

	return ch, nil
}

func (c *Channel) ringAt(off uint64, entrySize uintptr) ring {
	return ring{
		hdr:       (*ringHdr)(unsafe.Pointer(&c.mem[off])),
		base:      unsafe.Pointer(&c.mem[off+ringHdrSize]),
		entrySize: entrySize,
	}
}

// Size returns the mapped region size in bytes
func (c *Channel) Size() int { return len(c.mem) }

// Fd returns the channel file descriptor, or -1 for in-process channels
func (c *Channel) Fd() int { return c.fd }

// BufMSS returns the fixed maximum payload bytes per buffer
func (c *Channel) BufMSS() uint32 { return c.hdr.BufMSS }

// BufCount returns the total number of buffers in the pool
func (c *Channel) BufCount() uint32 { return c.hdr.BufCount }

// FreeBufs returns the current free-buffer count
func (c *Channel) FreeBufs() uint64 {
	return atomic.LoadUint64(&c.hdr.FreeCount)
}

// NextReqID returns a fresh per-channel control request id
func (c *Channel) NextReqID() uint64 {
	return atomic.AddUint64(&c.hdr.CtrlReqSeq, 1)
}

// AppRingEnqueue publishes message head indices to the stack.
// Application side; ownership of the whole chain transfers on success.
func (c *Channel) AppRingEnqueue(idxs []uint32) int {
	return c.appRing.enqueueIdx(idxs)
}

// AppRingDequeue drains message head indices. Controller side.
func (c *Channel) AppRingDequeue(out []uint32) int {
	return c.appRing.dequeueIdx(out)
}

// StackRingEnqueue delivers message head indices to the application.
// Controller side.
func (c *Channel) StackRingEnqueue(idxs []uint32) int {
	return c.stackRing.enqueueIdx(idxs)
}

// StackRingDequeue polls for delivered messages. Application side.
func (c *Channel) StackRingDequeue(out []uint32) int {
	return c.stackRing.dequeueIdx(out)
}

// CtrlSQEnqueue submits one control request. Application side.
func (c *Channel) CtrlSQEnqueue(e *wire.CtrlQueueEntry) bool {
	return c.ctrlSQ.enqueueEntry(e)
}

// CtrlSQDequeue drains control requests. Controller side.
func (c *Channel) CtrlSQDequeue(e *wire.CtrlQueueEntry) bool {
	return c.ctrlSQ.dequeueEntry(e)
}

// CtrlCQEnqueue posts one control completion. Controller side.
func (c *Channel) CtrlCQEnqueue(e *wire.CtrlQueueEntry) bool {
	return c.ctrlCQ.enqueueEntry(e)
}

// CtrlCQDequeue polls for control completions. Application side.
func (c *Channel) CtrlCQDequeue(e *wire.CtrlQueueEntry) bool {
	return c.ctrlCQ.dequeueEntry(e)
}
