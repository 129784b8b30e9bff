// Package ctrlsock talks to the controller over its local stream
// socket: one long-lived connection for registration, and one transient
// connection per other request. Framing is one fixed-size record per
// message; RESPONSE to a channel request carries the channel fd as
// SCM_RIGHTS ancillary data.
package ctrlsock

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/nsaas-io/go-nsaas/internal/logging"
	"github.com/nsaas-io/go-nsaas/internal/wire"
)

// Client issues control-socket requests against one controller address.
// It holds no connection state: the registration fd is handed back to
// the caller, and every other request opens a private socket, so
// concurrent callers never share a descriptor and no lock is needed.
type Client struct {
	path   string
	logger *logging.Logger
}

// New creates a client for the controller at path
func New(path string) *Client {
	return &Client{
		path:   path,
		logger: logging.Default(),
	}
}

func (c *Client) dial() (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: c.path}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", c.path, err)
	}
	return fd, nil
}

// sendRecord writes exactly one control record. A short write is an
// error, not something to retry.
func sendRecord(fd int, m *wire.CtrlMsg) error {
	buf := wire.MarshalCtrlMsg(m)
	n, err := unix.Write(fd, buf)
	if err != nil {
		return fmt.Errorf("send control record: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("partial control send: %d of %d bytes", n, len(buf))
	}
	return nil
}

// recvRecord reads exactly one control record, with an ancillary buffer
// sized for a single descriptor. Returns the record and the received fd
// (-1 when none was passed).
func recvRecord(fd int) (*wire.CtrlMsg, int, error) {
	buf := make([]byte, wire.CtrlMsgSize)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := unix.Recvmsg(fd, buf, oob, 0)
	if err != nil {
		return nil, -1, fmt.Errorf("recv control record: %w", err)
	}
	if n != wire.CtrlMsgSize {
		// Close any descriptor that arrived with the short record
		if msgs, perr := unix.ParseSocketControlMessage(oob[:oobn]); perr == nil {
			for i := range msgs {
				if fds, ferr := unix.ParseUnixRights(&msgs[i]); ferr == nil {
					for _, pfd := range fds {
						unix.Close(pfd)
					}
				}
			}
		}
		return nil, -1, fmt.Errorf("partial control recv: %d of %d bytes", n, wire.CtrlMsgSize)
	}

	var m wire.CtrlMsg
	if err := wire.UnmarshalCtrlMsg(buf, &m); err != nil {
		return nil, -1, err
	}

	passed := -1
	if oobn > 0 {
		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return nil, -1, fmt.Errorf("parse ancillary data: %w", err)
		}
		for _, scm := range msgs {
			if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
				continue
			}
			fds, err := unix.ParseUnixRights(&scm)
			if err != nil {
				return nil, -1, fmt.Errorf("parse SCM_RIGHTS: %w", err)
			}
			if len(fds) > 0 {
				passed = fds[0]
			}
		}
	}
	return &m, passed, nil
}

// Register opens the long-lived registration connection and announces
// appUUID. On success the socket fd is returned to the caller, who must
// keep it open for the process lifetime: the controller treats its
// close event as application exit. On any failure the socket is closed
// (the registration never took effect, so closing de-registers
// nothing).
func (c *Client) Register(appUUID [16]byte, msgID uint32) (int, error) {
	fd, err := c.dial()
	if err != nil {
		return -1, err
	}

	req := &wire.CtrlMsg{
		Type:    wire.MsgTypeRegister,
		MsgID:   msgID,
		AppUUID: appUUID,
	}
	if err := sendRecord(fd, req); err != nil {
		unix.Close(fd)
		return -1, err
	}

	resp, passed, err := recvRecord(fd)
	if passed >= 0 {
		unix.Close(passed) // registration responses carry no fd
	}
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if resp.Type != wire.MsgTypeResponse {
		unix.Close(fd)
		return -1, fmt.Errorf("register: unexpected message type %d", resp.Type)
	}
	if resp.MsgID != msgID {
		unix.Close(fd)
		return -1, fmt.Errorf("register: msg id %d does not echo request %d", resp.MsgID, msgID)
	}
	if resp.Status != wire.StatusOK {
		unix.Close(fd)
		return -1, fmt.Errorf("register: controller refused, status %d", resp.Status)
	}

	c.logger.Debug("registered with controller", "path", c.path, "msg_id", msgID)
	return fd, nil
}

// RequestChannel asks the controller for a shared-memory channel and
// returns the received fd. A private transient connection is used so
// concurrent callers from different threads never interleave responses
// on the registration socket.
func (c *Client) RequestChannel(appUUID [16]byte, msgID uint32, info wire.ChannelInfo) (int, error) {
	fd, err := c.dial()
	if err != nil {
		return -1, err
	}
	defer unix.Close(fd)

	req := &wire.CtrlMsg{
		Type:    wire.MsgTypeChannel,
		MsgID:   msgID,
		AppUUID: appUUID,
		Channel: info,
	}
	if err := sendRecord(fd, req); err != nil {
		return -1, err
	}

	resp, passed, err := recvRecord(fd)
	if err != nil {
		return -1, err
	}
	fail := func(format string, args ...any) (int, error) {
		if passed >= 0 {
			unix.Close(passed)
		}
		return -1, fmt.Errorf(format, args...)
	}
	if resp.Type != wire.MsgTypeResponse {
		return fail("channel request: unexpected message type %d", resp.Type)
	}
	if resp.MsgID != msgID {
		return fail("channel request: msg id %d does not echo request %d", resp.MsgID, msgID)
	}
	if resp.Status != wire.StatusOK {
		return fail("channel request: controller refused, status %d", resp.Status)
	}
	if passed < 0 {
		return -1, fmt.Errorf("channel request: response carried no descriptor")
	}

	c.logger.Debug("channel granted", "msg_id", msgID, "fd", passed)
	return passed, nil
}
