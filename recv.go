package nsaas

import (
	"fmt"

	"github.com/nsaas-io/go-nsaas/internal/constants"
	"github.com/nsaas-io/go-nsaas/internal/shm"
)

// Recv polls for one message into a single contiguous buffer. It
// returns the message length and its flow, or 0 bytes when no message
// is pending.
func (ch *Channel) Recv(buf []byte) (int, Flow, error) {
	m := Message{Segments: [][]byte{buf}}
	n, err := ch.RecvMsg(&m)
	return n, m.Flow, err
}

// RecvMsg polls the stack ring for one message and scatters its payload
// into m.Segments, setting m.Flow from the head buffer. It returns the
// total bytes received, or 0 when no message is pending (non-blocking).
//
// If the message is larger than the combined segment capacity the call
// fails, but only after walking the rest of the chain so every buffer
// goes back to the pool; an application-side sizing error must never
// leak the stack's buffers.
func (ch *Channel) RecvMsg(m *Message) (int, error) {
	const op = "recvmsg"

	if err := ch.live(op); err != nil {
		return 0, err
	}

	var headIdx [1]uint32
	if ch.shm.StackRingDequeue(headIdx[:]) == 0 {
		return 0, nil
	}

	cur := headIdx[0]
	buf := ch.shm.Buf(cur)
	m.Flow = buf.Flow()

	release := make([]uint32, 0, constants.RecvReleaseBatch)
	flush := func() {
		if len(release) > 0 {
			ch.shm.BufFreeBulk(release)
			release = release[:0]
		}
	}

	segIdx, segOff := 0, 0
	bufOff := uint32(0)
	total := 0
	for {
		if remaining := buf.DataLen() - bufOff; remaining > 0 {
			if segIdx >= len(m.Segments) {
				// Caller's receive buffers are too small. Reclaim the
				// whole remainder of the chain before reporting it.
				release = append(release, cur)
				ch.reclaimTail(buf, &release)
				flush()
				ch.metrics.RxErrors.Add(1)
				return 0, NewError(op, ErrCodeInvalidInput,
					fmt.Sprintf("message exceeds segment capacity of %d bytes", m.size()))
			}
			seg := m.Segments[segIdx]
			if segOff == len(seg) {
				segIdx++
				segOff = 0
				continue
			}
			n := int(remaining)
			if avail := len(seg) - segOff; n > avail {
				n = avail
			}
			copy(seg[segOff:segOff+n], buf.Data(bufOff, uint32(n)))
			segOff += n
			bufOff += uint32(n)
			total += n
			continue
		}

		// Buffer drained; release it and follow the chain
		release = append(release, cur)
		sg := buf.Flags()&shm.FlagSG != 0
		next := buf.Next()
		if len(release) == cap(release) {
			flush()
		}
		if !sg {
			break
		}
		cur = next
		buf = ch.shm.Buf(cur)
		bufOff = 0
	}
	flush()

	ch.metrics.RxMsgs.Add(1)
	ch.metrics.RxBytes.Add(uint64(total))
	return total, nil
}

// reclaimTail walks the chain after buf, batching every slot into
// release and flushing as the batch fills. buf itself must already be
// in the batch.
func (ch *Channel) reclaimTail(buf shm.Buffer, release *[]uint32) {
	for buf.Flags()&shm.FlagSG != 0 {
		next := buf.Next()
		buf = ch.shm.Buf(next)
		if len(*release) == cap(*release) {
			ch.shm.BufFreeBulk(*release)
			*release = (*release)[:0]
		}
		*release = append(*release, next)
	}
}
