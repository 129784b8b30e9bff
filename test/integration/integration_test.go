// Package integration exercises the public API end to end against the
// stub controller, covering the library's externally visible contract:
// byte-exact round trips, message boundaries, control-plane behavior,
// and buffer conservation.
package integration

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	nsaas "github.com/nsaas-io/go-nsaas"
)

func startStack(t *testing.T, bufMSS uint32) (*nsaas.StubController, *nsaas.Client) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ctrl.sock")
	stub, err := nsaas.NewStubController(path, bufMSS)
	require.NoError(t, err)
	t.Cleanup(stub.Close)

	client := nsaas.NewClient(&nsaas.Options{
		SocketPath: path,
		RingSlots:  64,
		BufCount:   256,
	})
	t.Cleanup(func() { client.Close() })
	return stub, client
}

// recvOne polls until one message arrives or the deadline passes
func recvOne(t *testing.T, ch *nsaas.Channel, buf []byte) (int, nsaas.Flow) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, flow, err := ch.Recv(buf)
		require.NoError(t, err)
		if n > 0 {
			return n, flow
		}
		require.False(t, time.Now().After(deadline), "message never arrived")
		time.Sleep(100 * time.Microsecond)
	}
}

func TestSingleBufferRoundTrip(t *testing.T) {
	_, client := startStack(t, 2048)
	ch, err := client.Attach()
	require.NoError(t, err)

	flow, err := ch.Connect("10.0.0.1", "10.0.0.2", 80)
	require.NoError(t, err)
	require.NotZero(t, flow.SrcPort, "controller should assign a source port")

	baseline := ch.FreeBufs()
	require.NoError(t, ch.Send(flow, []byte("hello")))

	buf := make([]byte, 64)
	n, gotFlow := recvOne(t, ch, buf)
	require.Equal(t, 5, n)
	require.Equal(t, flow, gotFlow)
	require.Equal(t, "hello", string(buf[:5]))
	require.Equal(t, baseline, ch.FreeBufs(), "buffers leaked across round trip")
}

func TestSegmentedRoundTrip(t *testing.T) {
	_, client := startStack(t, 100)
	ch, err := client.Attach()
	require.NoError(t, err)

	payload := make([]byte, 250)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, ch.Send(nsaas.Flow{DstIP: 1, DstPort: 1}, payload))

	buf := make([]byte, 512)
	n, _ := recvOne(t, ch, buf)
	require.Equal(t, 250, n)
	require.True(t, bytes.Equal(buf[:n], payload))
	require.Equal(t, uint64(256), ch.FreeBufs())
}

func TestScatterGatherRoundTrip(t *testing.T) {
	_, client := startStack(t, 200)
	ch, err := client.Attach()
	require.NoError(t, err)

	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	m := nsaas.Message{
		Flow:     nsaas.Flow{DstIP: 1, DstPort: 1},
		Segments: [][]byte{payload[:150], payload[150:]},
	}
	require.NoError(t, ch.SendMsg(&m))

	segs := [][]byte{make([]byte, 100), make([]byte, 100), make([]byte, 100)}
	rm := nsaas.Message{Segments: segs}
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := ch.RecvMsg(&rm)
		require.NoError(t, err)
		if n > 0 {
			require.Equal(t, 300, n)
			break
		}
		require.False(t, time.Now().After(deadline))
		time.Sleep(100 * time.Microsecond)
	}
	got := append(append(append([]byte{}, segs[0]...), segs[1]...), segs[2]...)
	require.True(t, bytes.Equal(got, payload), "scattered bytes differ")
}

func TestMessageBoundariesPreserved(t *testing.T) {
	_, client := startStack(t, 128)
	ch, err := client.Attach()
	require.NoError(t, err)

	var sent [][]byte
	var msgs []*nsaas.Message
	for i := 1; i <= 8; i++ {
		p := bytes.Repeat([]byte{byte(i)}, i*100)
		sent = append(sent, p)
		msgs = append(msgs, &nsaas.Message{
			Flow:     nsaas.Flow{DstIP: 1, DstPort: uint16(i)},
			Segments: [][]byte{p},
		})
	}
	n, err := ch.SendMMsg(msgs)
	require.NoError(t, err)
	require.Equal(t, len(msgs), n)

	buf := make([]byte, 4096)
	for i, want := range sent {
		n, flow := recvOne(t, ch, buf)
		require.Equal(t, len(want), n, "message %d size", i)
		require.True(t, bytes.Equal(buf[:n], want), "message %d payload", i)
		require.Equal(t, uint16(i+1), flow.DstPort, "message %d flow", i)
	}
	require.Equal(t, uint64(256), ch.FreeBufs())
}

func TestOverLengthReceiveReclaims(t *testing.T) {
	_, client := startStack(t, 205)
	ch, err := client.Attach()
	require.NoError(t, err)

	baseline := ch.FreeBufs()
	require.NoError(t, ch.Send(nsaas.Flow{DstIP: 1}, make([]byte, 1024)))

	// Wait for the echo, then receive into a too-small segment
	small := make([]byte, 256)
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, _, err := ch.Recv(small)
		if err != nil {
			require.True(t, nsaas.IsCode(err, nsaas.ErrCodeInvalidInput))
			break
		}
		require.Zero(t, n)
		require.False(t, time.Now().After(deadline), "echo never arrived")
		time.Sleep(100 * time.Microsecond)
	}
	require.Equal(t, baseline, ch.FreeBufs(), "chain not fully reclaimed")
}

func TestListenTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the full control-plane poll budget")
	}
	stub, client := startStack(t, 0)
	stub.DropCompletions.Store(true)

	ch, err := client.Attach()
	require.NoError(t, err)

	start := time.Now()
	err = ch.Listen("10.0.0.1", 9000)
	require.Error(t, err)
	require.True(t, nsaas.IsCode(err, nsaas.ErrCodeTimeout))
	require.GreaterOrEqual(t, time.Since(start), 9*time.Second)
}

func TestRegistrationProtocolMismatch(t *testing.T) {
	stub, client := startStack(t, 0)
	stub.MangleMsgID.Store(true)

	err := client.Init()
	require.Error(t, err)
	require.Equal(t, 1, stub.Registrations())
}

func TestInitIdempotence(t *testing.T) {
	stub, client := startStack(t, 0)

	require.NoError(t, client.Init())
	require.NoError(t, client.Init())
	require.NoError(t, client.Init())
	require.Equal(t, 1, stub.Registrations())
}

func TestNoEchoFreesBuffers(t *testing.T) {
	stub, client := startStack(t, 0)
	stub.NoEcho.Store(true)

	ch, err := client.Attach()
	require.NoError(t, err)
	baseline := ch.FreeBufs()

	require.NoError(t, ch.Send(nsaas.Flow{DstIP: 1}, make([]byte, 10000)))

	// The stub consumes the message and returns its chain to the pool
	require.Eventually(t, func() bool {
		return ch.FreeBufs() == baseline
	}, 2*time.Second, time.Millisecond, "consumed chain not freed")
}
