// Package wire defines the record formats shared between an application
// and the controller: the fixed-size control-socket message and the
// control-queue entries carried inside a channel.
package wire

// Control-socket message types
const (
	MsgTypeRegister = 1 // REQ_REGISTER: bind this application UUID to the connection
	MsgTypeChannel  = 2 // REQ_CHANNEL: request a shared-memory channel (response carries an fd)
	MsgTypeResponse = 3 // RESPONSE: controller reply, echoes the request msg id
)

// Status codes on responses and completion-queue entries
const (
	StatusOK      = 0
	StatusFailure = -1
)

// Control-queue opcodes
const (
	OpCreateFlow = 1
	OpListen     = 2
)

// Wire sizes
const (
	// CtrlMsgSize is the exact on-wire size of a control-socket message.
	// Framing is one fixed-size record per message; both sides read and
	// write exactly this many bytes.
	CtrlMsgSize = 64

	// CtrlQueueEntrySize is the size of a submission/completion queue
	// entry inside the channel
	CtrlQueueEntrySize = 64
)
