// Package transport provides the authenticated byte channels a host
// session runs over.  A Conn carries two ordered logical channels: the
// control channel for request and response frames, and the bulk channel
// for payload chunks, so large transfers never delay control traffic.
package transport

import (
	"context"
	"io"
	"sync"

	inerrors "inapi/internal/errors"
	"inapi/internal/metrics"
)

// SSH channel types opened by the client and accepted by the agent.
const (
	ChannelControl = "inapi-control"
	ChannelBulk    = "inapi-bulk"
)

// Dialer establishes a Conn to one host.  Implementations must not
// retry; retry policy belongs to the caller.
type Dialer interface {
	Dial(ctx context.Context) (*Conn, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(ctx context.Context) (*Conn, error)

// Dial calls f(ctx).
func (f DialFunc) Dial(ctx context.Context) (*Conn, error) { return f(ctx) }

// ── Channel ──────────────────────────────────────────────────────────

// Channel is one ordered byte stream of a Conn.  Send is safe for
// concurrent use and writes each frame atomically; Read must only be
// called from a single goroutine.
type Channel struct {
	name    string
	addr    string
	rwc     io.ReadWriteCloser
	wmu     sync.Mutex
	metrics *metrics.Collector
	bulk    bool
}

// Name returns the channel type.
func (c *Channel) Name() string { return c.name }

// Send writes frame in full.  A short or failed write breaks the stream
// framing, so the error is terminal for the channel.
func (c *Channel) Send(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	n, err := c.rwc.Write(frame)
	c.metrics.BytesSent(int64(n))
	if c.bulk {
		c.metrics.BulkTransferred(int64(n))
	}
	if err == nil && n < len(frame) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return &inerrors.NetworkError{Op: "send " + c.name, Addr: c.addr, Err: err}
	}
	return nil
}

// Read implements io.Reader for the frame decoder.
func (c *Channel) Read(p []byte) (int, error) {
	n, err := c.rwc.Read(p)
	c.metrics.BytesReceived(int64(n))
	return n, err
}

// Close closes this channel only.
func (c *Channel) Close() error { return c.rwc.Close() }

// ── Conn ─────────────────────────────────────────────────────────────

// Conn is an established transport to one host.
type Conn struct {
	addr    string
	control *Channel
	bulk    *Channel
	closer  io.Closer

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

// NewConn wraps a pair of byte streams.  closer, when non-nil, owns the
// underlying connection (for SSH, the client) and is closed last.
func NewConn(addr string, control, bulk io.ReadWriteCloser, closer io.Closer, m *metrics.Collector) *Conn {
	return &Conn{
		addr:    addr,
		control: &Channel{name: ChannelControl, addr: addr, rwc: control, metrics: m},
		bulk:    &Channel{name: ChannelBulk, addr: addr, rwc: bulk, metrics: m, bulk: true},
		closer:  closer,
		done:    make(chan struct{}),
	}
}

// Addr returns the remote address the Conn was dialed to.
func (c *Conn) Addr() string { return c.addr }

// Control returns the request/response channel.
func (c *Conn) Control() *Channel { return c.control }

// Bulk returns the payload channel.
func (c *Conn) Bulk() *Channel { return c.bulk }

// Done is closed once the Conn is closed, locally or by the peer.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the Conn closed; nil while open or after Close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close releases both channels and the underlying connection.
func (c *Conn) Close() error {
	return c.closeWith(nil)
}

// closeWith closes the Conn once, recording cause.
func (c *Conn) closeWith(cause error) error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()

		errs := []error{c.control.Close(), c.bulk.Close()}
		if c.closer != nil {
			errs = append(errs, c.closer.Close())
		}
		close(c.done)
		err = inerrors.Join(errs...)
	})
	return err
}

// Lost closes the Conn after the peer or network failed.
func (c *Conn) Lost(cause error) {
	_ = c.closeWith(cause)
}
