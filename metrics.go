package nsaas

import "sync/atomic"

// Metrics tracks per-channel datapath and control-plane counters. All
// fields are updated atomically and may be read at any time.
type Metrics struct {
	// Datapath counters
	TxMsgs  atomic.Uint64 // messages enqueued on the app ring
	TxBytes atomic.Uint64 // payload bytes sent
	RxMsgs  atomic.Uint64 // messages delivered to the application
	RxBytes atomic.Uint64 // payload bytes received

	// Error counters
	TxErrors      atomic.Uint64 // failed sends (invalid, pool, ring)
	RxErrors      atomic.Uint64 // failed receives (segment overflow)
	AllocFailures atomic.Uint64 // bulk allocations that came up short

	// Control plane
	CtrlReqs     atomic.Uint64 // control requests submitted
	CtrlErrors   atomic.Uint64 // control failures (full SQ, bad status, protocol)
	CtrlTimeouts atomic.Uint64 // completions that never arrived
}

// MetricsSnapshot is a point-in-time copy of a channel's counters
type MetricsSnapshot struct {
	TxMsgs  uint64 `json:"tx_msgs"`
	TxBytes uint64 `json:"tx_bytes"`
	RxMsgs  uint64 `json:"rx_msgs"`
	RxBytes uint64 `json:"rx_bytes"`

	TxErrors      uint64 `json:"tx_errors"`
	RxErrors      uint64 `json:"rx_errors"`
	AllocFailures uint64 `json:"alloc_failures"`

	CtrlReqs     uint64 `json:"ctrl_reqs"`
	CtrlErrors   uint64 `json:"ctrl_errors"`
	CtrlTimeouts uint64 `json:"ctrl_timeouts"`
}

// Snapshot returns a consistent-enough copy for reporting
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		TxMsgs:  m.TxMsgs.Load(),
		TxBytes: m.TxBytes.Load(),
		RxMsgs:  m.RxMsgs.Load(),
		RxBytes: m.RxBytes.Load(),

		TxErrors:      m.TxErrors.Load(),
		RxErrors:      m.RxErrors.Load(),
		AllocFailures: m.AllocFailures.Load(),

		CtrlReqs:     m.CtrlReqs.Load(),
		CtrlErrors:   m.CtrlErrors.Load(),
		CtrlTimeouts: m.CtrlTimeouts.Load(),
	}
}
