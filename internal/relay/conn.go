package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/die-net/sniffproxy/internal/dialer"
)

var errNotConnected = errors.New("relay: connection not connected")

// Conn is one end of a tunnel. The remote end starts out unconnected and is
// connected at most once. Close is idempotent and may race with Read and
// Write on other goroutines.
type Conn struct {
	name        string
	idleTimeout time.Duration

	mu     sync.Mutex
	nc     net.Conn
	closed bool
}

// NewConn wraps nc, which may be nil for a connection that Connect will
// establish later. Each Read must complete within idleTimeout; zero means
// no limit.
func NewConn(name string, nc net.Conn, idleTimeout time.Duration) *Conn {
	return &Conn{name: name, nc: nc, idleTimeout: idleTimeout}
}

// Connect dials address with d. It fails if the Conn is already connected
// or closed; a dial that completes after Close is closed at once.
func (c *Conn) Connect(ctx context.Context, d dialer.Dialer, address string) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return net.ErrClosed
	case c.nc != nil:
		c.mu.Unlock()
		return fmt.Errorf("relay: %s already connected", c.name)
	}
	c.mu.Unlock()

	nc, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = nc.Close()
		return net.ErrClosed
	}
	c.nc = nc
	return nil
}

func (c *Conn) conn() (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, net.ErrClosed
	}
	if c.nc == nil {
		return nil, errNotConnected
	}
	return c.nc, nil
}

// Read reads once from the underlying connection, failing with
// os.ErrDeadlineExceeded if nothing arrives within the idle timeout.
func (c *Conn) Read(p []byte) (int, error) {
	nc, err := c.conn()
	if err != nil {
		return 0, err
	}
	if c.idleTimeout > 0 {
		_ = nc.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
	return nc.Read(p)
}

// Write writes all of p or returns an error.
func (c *Conn) Write(p []byte) (int, error) {
	nc, err := c.conn()
	if err != nil {
		return 0, err
	}
	n, err := nc.Write(p)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	return n, err
}

// Close closes the underlying connection once. Later calls return nil.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	nc := c.nc
	c.mu.Unlock()

	if nc == nil {
		return nil
	}
	return nc.Close()
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// RemoteAddr returns the peer address, or nil before Connect.
func (c *Conn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return nil
	}
	return c.nc.RemoteAddr()
}

func (c *Conn) String() string {
	if addr := c.RemoteAddr(); addr != nil {
		return c.name + " " + addr.String()
	}
	return c.name
}
