package nsaas

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nsaas-io/go-nsaas/internal/logging"
	"github.com/nsaas-io/go-nsaas/internal/shm"
	"github.com/nsaas-io/go-nsaas/internal/wire"
)

// StubController is an in-process controller for tests and examples. It
// serves the control socket (registration and channel requests), passes
// channel fds the same way the real controller does, completes control
// requests, and echoes the data plane: every message an application
// sends comes back on the same channel's receive ring.
//
// Applications can use it to unit-test against the library without a
// privileged controller or a NIC.
type StubController struct {
	// DropCompletions leaves control requests unanswered, so flow
	// operations run into the poll budget
	DropCompletions atomic.Bool

	// MangleMsgID responds to registration with a wrong msg id
	MangleMsgID atomic.Bool

	// NoEcho stops the data-plane echo; sent messages are consumed
	// and their buffers freed
	NoEcho atomic.Bool

	path   string
	cfg    shm.Config
	ln     *net.UnixListener
	logger *logging.Logger

	registrations atomic.Uint32
	ephemeralPort atomic.Uint32

	mu       sync.Mutex
	mappings [][]byte

	done chan struct{}
	wg   sync.WaitGroup
}

// NewStubController starts a stub controller listening on path. Every
// granted channel carries bufMSS payload bytes per buffer (0 for the
// default); ring and buffer counts follow the application's request.
func NewStubController(path string, bufMSS uint32) (*StubController, error) {
	if bufMSS == 0 {
		bufMSS = DefaultBufMSS
	}
	cfg := shm.Config{BufMSS: bufMSS}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}

	s := &StubController{
		path:   path,
		cfg:    cfg,
		ln:     ln,
		logger: logging.Default(),
		done:   make(chan struct{}),
	}
	s.ephemeralPort.Store(32768)

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Close shuts the listener and all channel service loops down
func (s *StubController) Close() {
	close(s.done)
	s.ln.Close()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mem := range s.mappings {
		_ = unix.Munmap(mem)
	}
	s.mappings = nil
}

// Registrations returns how many REQ_REGISTER messages were served
func (s *StubController) Registrations() int {
	return int(s.registrations.Load())
}

func (s *StubController) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *StubController) serveConn(conn *net.UnixConn) {
	defer s.wg.Done()
	defer conn.Close()

	buf := make([]byte, wire.CtrlMsgSize)
	for {
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		var req wire.CtrlMsg
		if err := wire.UnmarshalCtrlMsg(buf, &req); err != nil {
			return
		}

		resp := wire.CtrlMsg{
			Type:   wire.MsgTypeResponse,
			MsgID:  req.MsgID,
			Status: wire.StatusOK,
		}
		var oob []byte
		var passFD int = -1

		switch req.Type {
		case wire.MsgTypeRegister:
			s.registrations.Add(1)
			if s.MangleMsgID.Load() {
				resp.MsgID = req.MsgID + 1
			}

		case wire.MsgTypeChannel:
			fd, err := s.createChannel(req.Channel)
			if err != nil {
				s.logger.Error("stub channel creation failed", "err", err)
				resp.Status = wire.StatusFailure
			} else {
				passFD = fd
				oob = unix.UnixRights(fd)
			}

		default:
			resp.Status = wire.StatusFailure
		}

		_, _, err := conn.WriteMsgUnix(wire.MarshalCtrlMsg(&resp), oob, nil)
		if passFD >= 0 {
			// The kernel dup'd the descriptor into the message
			unix.Close(passFD)
		}
		if err != nil {
			return
		}
	}
}

// createChannel builds a formatted channel segment and starts its
// service loop; returns the fd to pass to the application
func (s *StubController) createChannel(info wire.ChannelInfo) (int, error) {
	cfg := s.cfg
	if info.RingSlots != 0 {
		cfg.RingSlots = info.RingSlots
	}
	if info.BufCount != 0 {
		cfg.BufCount = info.BufCount
	}
	if cfg.RingSlots == 0 {
		cfg.RingSlots = DefaultRingSlots
	}
	if cfg.BufCount == 0 {
		cfg.BufCount = DefaultBufCount
	}

	size, err := shm.Size(cfg)
	if err != nil {
		return -1, err
	}
	fd, err := unix.MemfdCreate("nsaas-stub-chan", unix.MFD_CLOEXEC)
	if err != nil {
		return -1, err
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return -1, err
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := shm.Format(mem, cfg); err != nil {
		_ = unix.Munmap(mem)
		unix.Close(fd)
		return -1, err
	}
	ch, err := shm.FromMemory(mem)
	if err != nil {
		_ = unix.Munmap(mem)
		unix.Close(fd)
		return -1, err
	}

	s.mu.Lock()
	s.mappings = append(s.mappings, mem)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.serveChannel(ch)
	return fd, nil
}

// serveChannel is the stub's per-channel stack: it completes control
// requests and loops sent messages back to the receive ring
func (s *StubController) serveChannel(ch *shm.Channel) {
	defer s.wg.Done()

	var idxs [16]uint32
	for {
		select {
		case <-s.done:
			return
		default:
		}

		busy := false

		var req wire.CtrlQueueEntry
		for ch.CtrlSQDequeue(&req) {
			busy = true
			if s.DropCompletions.Load() {
				continue
			}
			resp := req
			resp.Status = wire.StatusOK
			if req.Opcode == wire.OpCreateFlow && resp.Flow.SrcPort == 0 {
				resp.Flow.SrcPort = uint16(s.ephemeralPort.Add(1))
			}
			ch.CtrlCQEnqueue(&resp)
		}

		if n := ch.AppRingDequeue(idxs[:]); n > 0 {
			busy = true
			if s.NoEcho.Load() {
				for _, idx := range idxs[:n] {
					s.freeChain(ch, idx)
				}
			} else if pushed := ch.StackRingEnqueue(idxs[:n]); pushed < n {
				// Receive ring full; drop the overflow like a
				// congested stack would
				for _, idx := range idxs[pushed:n] {
					s.freeChain(ch, idx)
				}
			}
		}

		if !busy {
			time.Sleep(50 * time.Microsecond)
		}
	}
}

// freeChain returns a whole message chain to the pool
func (s *StubController) freeChain(ch *shm.Channel, head uint32) {
	idxs := make([]uint32, 0, 16)
	for idx := head; ; {
		idxs = append(idxs, idx)
		b := ch.Buf(idx)
		if b.Flags()&shm.FlagSG == 0 {
			break
		}
		idx = b.Next()
	}
	ch.BufFreeBulk(idxs)
}
