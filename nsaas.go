// Package nsaas is the application-side library for the NSaaS
// user-space network stack. Applications register with the privileged
// controller over a local socket, receive a shared-memory channel, and
// then send and receive messages entirely through that channel.
package nsaas

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/nsaas-io/go-nsaas/internal/ctrlsock"
	"github.com/nsaas-io/go-nsaas/internal/logging"
	"github.com/nsaas-io/go-nsaas/internal/shm"
	"github.com/nsaas-io/go-nsaas/internal/wire"
)

// Flow identifies one network conversation; addresses and ports are in
// host byte order
type Flow = wire.Flow

// Logger is the optional logging interface accepted in Options
type Logger interface {
	Printf(format string, args ...any)
	Debugf(format string, args ...any)
}

// Options configures a Client
type Options struct {
	// SocketPath is the controller's local socket address
	// (default: DefaultSocketPath)
	SocketPath string

	// RingSlots is the descriptor-ring size requested per channel;
	// power of two (default: DefaultRingSlots)
	RingSlots uint32

	// BufCount is the buffer count requested per channel
	// (default: DefaultBufCount)
	BufCount uint32

	// Logger receives debug output (default: the package logger)
	Logger Logger
}

// DefaultOptions returns the default client configuration
func DefaultOptions() *Options {
	return &Options{
		SocketPath: DefaultSocketPath,
		RingSlots:  DefaultRingSlots,
		BufCount:   DefaultBufCount,
	}
}

// Client holds the process-wide state shared by all channels: the
// application UUID, the long-lived registration socket, and the
// control-message id counter. Create one per process.
type Client struct {
	opts   Options
	sock   *ctrlsock.Client
	logger Logger

	msgID atomic.Uint32

	mu      sync.Mutex // guards registration state
	appUUID uuid.UUID  // zero until Init succeeds
	regFD   int        // registration socket; held open for the process lifetime
}

// NewClient creates an unregistered client. Call Init to register, or
// let the first Attach do it.
func NewClient(opts *Options) *Client {
	o := DefaultOptions()
	if opts != nil {
		if opts.SocketPath != "" {
			o.SocketPath = opts.SocketPath
		}
		if opts.RingSlots != 0 {
			o.RingSlots = opts.RingSlots
		}
		if opts.BufCount != 0 {
			o.BufCount = opts.BufCount
		}
		o.Logger = opts.Logger
	}

	var logger Logger = logging.Default()
	if o.Logger != nil {
		logger = o.Logger
	}

	return &Client{
		opts:   *o,
		sock:   ctrlsock.New(o.SocketPath),
		logger: logger,
		regFD:  -1,
	}
}

// Init registers the application with the controller. It is idempotent:
// once a registration has succeeded, further calls return immediately
// without network traffic. The registration socket stays open for the
// process lifetime; the controller treats its close event as
// application exit.
func (c *Client) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.appUUID != uuid.Nil {
		return nil
	}

	id := uuid.New()
	fd, err := c.sock.Register(id, c.msgID.Add(1))
	if err != nil {
		return WrapError("init", ErrCodeIOError, err)
	}

	c.appUUID = id
	c.regFD = fd
	c.logger.Debugf("registered app %s", id)
	return nil
}

// Close closes the registration socket, which the controller takes as
// explicit de-registration; it releases every channel of this
// application on its side. Mapped channels stay live in this process.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.regFD >= 0 {
		unix.Close(c.regFD)
		c.regFD = -1
	}
	c.appUUID = uuid.Nil
	return nil
}

// Attach requests a new shared-memory channel from the controller, maps
// it, and returns the channel handle. Registers first if needed.
func (c *Client) Attach() (*Channel, error) {
	if err := c.Init(); err != nil {
		return nil, err
	}

	info := wire.ChannelInfo{
		RingSlots: c.opts.RingSlots,
		BufCount:  c.opts.BufCount,
	}
	chUUID := uuid.New()
	copy(info.ChannelUUID[:], chUUID[:])

	c.mu.Lock()
	appUUID := c.appUUID
	c.mu.Unlock()

	fd, err := c.sock.RequestChannel(appUUID, c.msgID.Add(1), info)
	if err != nil {
		return nil, WrapError("attach", ErrCodeIOError, err)
	}

	ch, err := Bind(fd)
	if err != nil {
		return nil, WrapError("attach", ErrCodeIOError, err)
	}
	c.logger.Printf("channel %s attached (%d bytes)", chUUID, ch.Size())
	return ch, nil
}

// Bind maps a pre-owned channel fd and validates it. The fd is consumed:
// retained on success, closed on failure.
func Bind(fd int) (*Channel, error) {
	sc, err := shm.Bind(fd)
	if err != nil {
		return nil, WrapError("bind", ErrCodeProtocol, err)
	}
	return newChannel(sc), nil
}
