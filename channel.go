package nsaas

import (
	"sync/atomic"

	"github.com/nsaas-io/go-nsaas/internal/shm"
)

// Channel is a handle onto one mapped shared-memory channel. All flow
// and datapath operations go through it.
//
// A channel is meant to be owned by a single application thread (the
// usual queue-per-thread model); the library does not serialize
// concurrent datapath calls on the same channel.
type Channel struct {
	shm      *shm.Channel
	metrics  Metrics
	detached atomic.Bool
}

func newChannel(sc *shm.Channel) *Channel {
	return &Channel{shm: sc}
}

// Size returns the mapped channel size in bytes
func (ch *Channel) Size() int { return ch.shm.Size() }

// BufMSS returns the maximum payload bytes per buffer, fixed at channel
// creation
func (ch *Channel) BufMSS() uint32 { return ch.shm.BufMSS() }

// FreeBufs returns the channel's current free-buffer count
func (ch *Channel) FreeBufs() uint64 { return ch.shm.FreeBufs() }

// Metrics returns the channel's datapath counters
func (ch *Channel) Metrics() *Metrics { return &ch.metrics }

// Detach marks the channel detached. The mapping itself stays live
// until process exit: the controller releases all of an application's
// channels atomically when the registration socket closes, so there is
// nothing to hand back per channel here. Operations on a detached
// channel fail fast.
func (ch *Channel) Detach() {
	ch.detached.Store(true)
}

func (ch *Channel) live(op string) error {
	if ch.detached.Load() {
		return NewError(op, ErrCodeDetached, "channel detached")
	}
	return nil
}
