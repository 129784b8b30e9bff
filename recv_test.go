package nsaas

import (
	"bytes"
	"testing"

	"github.com/nsaas-io/go-nsaas/internal/shm"
)

// loopback moves every pending message from the app ring to the stack
// ring, standing in for the controller
func loopback(t *testing.T, ch *Channel) {
	t.Helper()
	var idxs [16]uint32
	for {
		n := ch.shm.AppRingDequeue(idxs[:])
		if n == 0 {
			return
		}
		if ch.shm.StackRingEnqueue(idxs[:n]) != n {
			t.Fatal("stack ring full during loopback")
		}
	}
}

func TestRecvEmptyPoll(t *testing.T) {
	ch := newLoopChannel(t, shm.Config{})
	n, _, err := ch.Recv(make([]byte, 64))
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Recv returned %d bytes from an empty ring", n)
	}
}

func TestRecvRoundTrip(t *testing.T) {
	ch := newLoopChannel(t, shm.Config{BufMSS: 2048, BufCount: 8})
	flow := Flow{SrcIP: 0x0a000001, DstIP: 0x0a000002, SrcPort: 7, DstPort: 80}

	if err := ch.Send(flow, []byte("hello")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	loopback(t, ch)

	buf := make([]byte, 64)
	n, gotFlow, err := ch.Recv(buf)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if n != 5 {
		t.Errorf("Recv = %d bytes, want 5", n)
	}
	if gotFlow != flow {
		t.Errorf("flow = %+v, want %+v", gotFlow, flow)
	}
	if string(buf[:5]) != "hello" {
		t.Errorf("payload = %q", buf[:5])
	}
	if ch.FreeBufs() != uint64(ch.shm.BufCount()) {
		t.Errorf("FreeBufs = %d after recv, want %d", ch.FreeBufs(), ch.shm.BufCount())
	}
}

func TestRecvSegmentedIntoScatterList(t *testing.T) {
	// 300 bytes over 200-byte buffers, received into three 100-byte
	// segments: every segment must come back full
	ch := newLoopChannel(t, shm.Config{BufMSS: 200, BufCount: 8})
	payload := pattern(300)
	m := Message{
		Flow:     Flow{DstIP: 1, DstPort: 1},
		Segments: [][]byte{payload[:150], payload[150:]},
	}
	if err := ch.SendMsg(&m); err != nil {
		t.Fatalf("SendMsg failed: %v", err)
	}
	loopback(t, ch)

	segs := [][]byte{make([]byte, 100), make([]byte, 100), make([]byte, 100)}
	rm := Message{Segments: segs}
	n, err := ch.RecvMsg(&rm)
	if err != nil {
		t.Fatalf("RecvMsg failed: %v", err)
	}
	if n != 300 {
		t.Errorf("RecvMsg = %d bytes, want 300", n)
	}
	got := append(append(append([]byte{}, segs[0]...), segs[1]...), segs[2]...)
	if !bytes.Equal(got, payload) {
		t.Error("scattered payload differs from input")
	}
}

func TestRecvSkipsZeroLengthSegments(t *testing.T) {
	ch := newLoopChannel(t, shm.Config{BufMSS: 64, BufCount: 8})
	if err := ch.Send(Flow{DstIP: 1}, []byte("abcdef")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	loopback(t, ch)

	segs := [][]byte{{}, make([]byte, 3), {}, make([]byte, 8)}
	m := Message{Segments: segs}
	n, err := ch.RecvMsg(&m)
	if err != nil {
		t.Fatalf("RecvMsg failed: %v", err)
	}
	if n != 6 {
		t.Errorf("RecvMsg = %d bytes, want 6", n)
	}
	if string(segs[1]) != "abc" || string(segs[3][:3]) != "def" {
		t.Errorf("segments = %q %q", segs[1], segs[3][:3])
	}
}

func TestRecvOverLengthReclaimsChain(t *testing.T) {
	// A 5-buffer, 1 KiB message against a single 256-byte segment: the
	// call must fail and every buffer must return to the pool
	ch := newLoopChannel(t, shm.Config{BufMSS: 205, BufCount: 16})
	baseline := ch.FreeBufs()

	if err := ch.Send(Flow{DstIP: 1}, pattern(1024)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	loopback(t, ch)

	n, _, err := ch.Recv(make([]byte, 256))
	if !IsCode(err, ErrCodeInvalidInput) {
		t.Fatalf("err = %v, want invalid input", err)
	}
	if n != 0 {
		t.Errorf("partial delivery of %d bytes observed", n)
	}
	if ch.FreeBufs() != baseline {
		t.Errorf("FreeBufs = %d after over-length recv, want %d", ch.FreeBufs(), baseline)
	}
}

func TestRecvManyMessagesPreservesBoundaries(t *testing.T) {
	ch := newLoopChannel(t, shm.Config{BufMSS: 100, BufCount: 64, RingSlots: 32})

	var sent [][]byte
	var msgs []*Message
	for i := 1; i <= 5; i++ {
		p := pattern(i * 90)
		sent = append(sent, p)
		msgs = append(msgs, &Message{Flow: Flow{DstIP: 1, DstPort: uint16(i)}, Segments: [][]byte{p}})
	}
	n, err := ch.SendMMsg(msgs)
	if err != nil || n != 5 {
		t.Fatalf("SendMMsg = %d, %v", n, err)
	}
	loopback(t, ch)

	for i, want := range sent {
		buf := make([]byte, 1024)
		n, flow, err := ch.Recv(buf)
		if err != nil {
			t.Fatalf("Recv %d failed: %v", i, err)
		}
		if n != len(want) {
			t.Fatalf("Recv %d = %d bytes, want %d", i, n, len(want))
		}
		if !bytes.Equal(buf[:n], want) {
			t.Errorf("message %d payload mismatch", i)
		}
		if flow.DstPort != uint16(i+1) {
			t.Errorf("message %d flow port = %d", i, flow.DstPort)
		}
	}
	if ch.FreeBufs() != uint64(ch.shm.BufCount()) {
		t.Errorf("FreeBufs = %d after drain, want %d", ch.FreeBufs(), ch.shm.BufCount())
	}
}

func TestRecvLongChainBatchedRelease(t *testing.T) {
	// More buffers than one release batch (16) to cover mid-receive
	// bulk frees
	ch := newLoopChannel(t, shm.Config{BufMSS: 32, BufCount: 64, RingSlots: 16})
	payload := pattern(32 * 20)

	if err := ch.Send(Flow{DstIP: 1}, payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	loopback(t, ch)

	buf := make([]byte, len(payload))
	n, _, err := ch.Recv(buf)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if n != len(payload) || !bytes.Equal(buf, payload) {
		t.Errorf("Recv = %d bytes, payload match = %v", n, bytes.Equal(buf, payload))
	}
	if ch.FreeBufs() != uint64(ch.shm.BufCount()) {
		t.Errorf("FreeBufs = %d, want %d", ch.FreeBufs(), ch.shm.BufCount())
	}
}

func TestRecvOnDetachedChannel(t *testing.T) {
	ch := newLoopChannel(t, shm.Config{})
	ch.Detach()
	if _, _, err := ch.Recv(make([]byte, 8)); !IsCode(err, ErrCodeDetached) {
		t.Errorf("err = %v, want detached", err)
	}
}

func TestChannelMetrics(t *testing.T) {
	ch := newLoopChannel(t, shm.Config{BufMSS: 64, BufCount: 16})

	ch.Send(Flow{DstIP: 1}, []byte("abc"))
	loopback(t, ch)
	ch.Recv(make([]byte, 16))
	ch.Send(Flow{}, nil) // invalid

	snap := ch.Metrics().Snapshot()
	if snap.TxMsgs != 1 || snap.TxBytes != 3 {
		t.Errorf("tx counters = %d msgs / %d bytes", snap.TxMsgs, snap.TxBytes)
	}
	if snap.RxMsgs != 1 || snap.RxBytes != 3 {
		t.Errorf("rx counters = %d msgs / %d bytes", snap.RxMsgs, snap.RxBytes)
	}
}
