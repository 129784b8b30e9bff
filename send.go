package nsaas

import (
	"fmt"

	"github.com/nsaas-io/go-nsaas/internal/shm"
)

// Message flags
const (
	// NotifyDelivery asks the stack to signal when the message has been
	// handed to the transport
	NotifyDelivery uint16 = shm.FlagNotifyDelivery
)

// Message describes one send or receive operation. On send, Segments
// form the gather list of the payload. On receive, Segments are the
// caller's scatter buffers, and Flow is filled with the sender's flow.
type Message struct {
	Flow     Flow
	Flags    uint16
	Segments [][]byte
}

func (m *Message) size() int {
	total := 0
	for _, seg := range m.Segments {
		total += len(seg)
	}
	return total
}

// Send transmits a single contiguous payload on the given flow
func (ch *Channel) Send(flow Flow, payload []byte) error {
	m := Message{Flow: flow, Segments: [][]byte{payload}}
	return ch.SendMsg(&m)
}

// SendMsg transmits one message, copying the gather list into a chain
// of channel buffers and publishing the head on the app ring. The call
// is non-blocking: a full ring or an exhausted pool fails immediately
// and leaves no trace of the message.
func (ch *Channel) SendMsg(m *Message) error {
	const op = "sendmsg"

	if err := ch.live(op); err != nil {
		return err
	}
	size := m.size()
	if size == 0 {
		ch.metrics.TxErrors.Add(1)
		return NewError(op, ErrCodeInvalidInput, "empty message")
	}
	if size > MsgMaxLen {
		ch.metrics.TxErrors.Add(1)
		return NewError(op, ErrCodeInvalidInput,
			fmt.Sprintf("message %d bytes exceeds limit %d", size, MsgMaxLen))
	}

	mss := int(ch.shm.BufMSS())
	need := (size + mss - 1) / mss

	idxs := make([]uint32, need)
	if got := ch.shm.BufAllocBulk(idxs); got < need {
		// No partial sends: hand back whatever we got
		ch.shm.BufFreeBulk(idxs[:got])
		ch.metrics.AllocFailures.Add(1)
		ch.metrics.TxErrors.Add(1)
		return NewError(op, ErrCodeResourceExhausted,
			fmt.Sprintf("pool delivered %d of %d buffers", got, need))
	}

	// Gather loop: segments and buffers advance independently. One
	// segment may span several buffers and one buffer may take bytes
	// from several segments.
	cur := 0
	buf := ch.shm.Buf(idxs[0])
	copied := 0
	for _, seg := range m.Segments {
		for len(seg) > 0 {
			room := int(buf.Tailroom())
			if room == 0 {
				buf.OrFlags(shm.FlagSG)
				buf.SetNext(idxs[cur+1])
				cur++
				buf = ch.shm.Buf(idxs[cur])
				continue
			}
			n := len(seg)
			if n > room {
				n = room
			}
			copy(buf.Append(uint32(n)), seg[:n])
			seg = seg[n:]
			copied += n
		}
	}
	if copied != size {
		// The gather list was concurrently mutated or the chain math is
		// broken; either way the channel contents can no longer be
		// trusted.
		panic(fmt.Sprintf("nsaas: copied %d of %d bytes into send chain", copied, size))
	}

	last := ch.shm.Buf(idxs[need-1])
	last.OrFlags(shm.FlagFIN)
	last.ClearFlags(shm.FlagSG)

	head := ch.shm.Buf(idxs[0])
	head.OrFlags(shm.FlagSYN | (m.Flags & NotifyDelivery))
	head.SetFlow(m.Flow)
	head.SetMsgLen(uint32(size))
	head.SetLast(idxs[need-1])

	// Ownership of the whole chain transfers iff the head index lands
	// on the ring; on failure the chain goes back to the pool.
	if ch.shm.AppRingEnqueue(idxs[:1]) != 1 {
		ch.shm.BufFreeBulk(idxs)
		ch.metrics.TxErrors.Add(1)
		return NewError(op, ErrCodeResourceExhausted, "app ring full")
	}

	ch.metrics.TxMsgs.Add(1)
	ch.metrics.TxBytes.Add(uint64(size))
	return nil
}

// SendMMsg transmits messages in order, stopping at the first failure.
// It returns how many messages were enqueued; err describes the first
// failure when the count falls short of len(msgs).
func (ch *Channel) SendMMsg(msgs []*Message) (int, error) {
	for i, m := range msgs {
		if err := ch.SendMsg(m); err != nil {
			return i, err
		}
	}
	return len(msgs), nil
}
