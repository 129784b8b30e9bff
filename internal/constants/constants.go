package constants

import "time"

// Default channel geometry requested at attach time
const (
	// DefaultRingSlots is the default descriptor-ring size (slots per
	// ring). Must be a power of two.
	DefaultRingSlots = 1024

	// DefaultBufCount is the default number of message buffers per channel
	DefaultBufCount = 4096

	// DefaultBufMSS is the default maximum payload bytes per buffer
	DefaultBufMSS = 4096

	// MsgMaxLen is the maximum logical message length accepted by the
	// send path. Messages above this would need more buffers than any
	// realistic channel carries.
	MsgMaxLen = 1 << 20
)

// Control socket
const (
	// DefaultSocketPath is the controller's well-known local address
	DefaultSocketPath = "/var/run/nsaas/ctrl.sock"
)

// Control-plane completion polling
//
// Flow operations (create-flow, listen) are rare and latency-insensitive,
// so the completion queue is polled with sleeps rather than busy-spun.
// The overall budget is attempts * interval (~10s).
const (
	// CtrlPollAttempts is how many times the completion queue is checked
	// before a control request is declared timed out
	CtrlPollAttempts = 10

	// CtrlPollInterval is the sleep between completion-queue checks
	CtrlPollInterval = 1 * time.Second
)

// Datapath
const (
	// RecvReleaseBatch is how many drained buffer slots the receive path
	// accumulates before handing them back to the pool in one bulk free
	RecvReleaseBatch = 16
)
