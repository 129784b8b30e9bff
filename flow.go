package nsaas

import (
	"fmt"
	"time"

	"github.com/nsaas-io/go-nsaas/internal/constants"
	"github.com/nsaas-io/go-nsaas/internal/wire"
)

// Completion polling knobs; package-level so tests can tighten them.
// The product budget is attempts * interval, ~10 seconds.
var (
	ctrlPollAttempts = constants.CtrlPollAttempts
	ctrlPollInterval = constants.CtrlPollInterval
)

// Connect asks the stack to create a flow from srcIP to dstIP:dstPort
// and returns it. The call blocks up to the control-plane poll budget.
func (ch *Channel) Connect(srcIP, dstIP string, dstPort uint16) (Flow, error) {
	const op = "connect"

	if err := ch.live(op); err != nil {
		return Flow{}, err
	}
	src, err := wire.ParseIP4(srcIP)
	if err != nil {
		return Flow{}, WrapError(op, ErrCodeInvalidInput, err)
	}
	dst, err := wire.ParseIP4(dstIP)
	if err != nil {
		return Flow{}, WrapError(op, ErrCodeInvalidInput, err)
	}
	if dst == 0 {
		return Flow{}, NewError(op, ErrCodeInvalidInput, "destination cannot be the wildcard address")
	}

	req := wire.CtrlQueueEntry{
		ID:     ch.shm.NextReqID(),
		Opcode: wire.OpCreateFlow,
		Flow:   Flow{SrcIP: src, DstIP: dst, DstPort: dstPort},
	}
	resp, err := ch.submitCtrl(op, &req)
	if err != nil {
		return Flow{}, err
	}
	return resp.Flow, nil
}

// Listen asks the stack to accept flows on localIP:localPort
func (ch *Channel) Listen(localIP string, localPort uint16) error {
	const op = "listen"

	if err := ch.live(op); err != nil {
		return err
	}
	addr, err := wire.ParseIP4(localIP)
	if err != nil {
		return WrapError(op, ErrCodeInvalidInput, err)
	}

	req := wire.CtrlQueueEntry{
		ID:       ch.shm.NextReqID(),
		Opcode:   wire.OpListen,
		Listener: wire.Listener{IP: addr, Port: localPort},
	}
	_, err = ch.submitCtrl(op, &req)
	return err
}

// submitCtrl enqueues one control request and polls the completion
// queue with bounded retries. Control operations are rare and
// latency-insensitive, so sleeping between polls beats burning a core.
func (ch *Channel) submitCtrl(op string, req *wire.CtrlQueueEntry) (*wire.CtrlQueueEntry, error) {
	if !ch.shm.CtrlSQEnqueue(req) {
		ch.metrics.CtrlErrors.Add(1)
		return nil, NewError(op, ErrCodeResourceExhausted, "control submission queue full")
	}
	ch.metrics.CtrlReqs.Add(1)

	var resp wire.CtrlQueueEntry
	for attempt := 0; attempt < ctrlPollAttempts; attempt++ {
		if ch.shm.CtrlCQDequeue(&resp) {
			if resp.ID != req.ID {
				// The SQ/CQ pair is serialized per channel; a stray id
				// means the peer broke protocol, not that our entry is
				// still coming.
				ch.metrics.CtrlErrors.Add(1)
				return nil, NewError(op, ErrCodeProtocol,
					fmt.Sprintf("completion id %d does not echo request %d", resp.ID, req.ID))
			}
			if resp.Status != wire.StatusOK {
				ch.metrics.CtrlErrors.Add(1)
				return nil, NewError(op, ErrCodeIOError,
					fmt.Sprintf("request %d failed with status %d", req.ID, resp.Status))
			}
			return &resp, nil
		}
		time.Sleep(ctrlPollInterval)
	}

	ch.metrics.CtrlTimeouts.Add(1)
	return nil, NewError(op, ErrCodeTimeout,
		fmt.Sprintf("no completion for request %d within %v", req.ID,
			time.Duration(ctrlPollAttempts)*ctrlPollInterval))
}
