package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/die-net/sniffproxy/internal/dialer"
	"github.com/die-net/sniffproxy/internal/metrics"
	"github.com/die-net/sniffproxy/internal/sniff"
)

// DefaultBufferSize is the per-direction relay buffer used when
// Config.BufferSize is not set.
const DefaultBufferSize = 1 << 20

var (
	// ErrSniff wraps a failure to parse the client's first chunk.
	ErrSniff = errors.New("relay: sniff failed")
	// ErrConnect wraps a failure to open the remote connection.
	ErrConnect = errors.New("relay: connect failed")
)

// Config is shared by every tunnel a server creates.
type Config struct {
	// IdleTimeout bounds every read on either side. Zero disables it.
	IdleTimeout time.Duration
	// BufferSize is used when Buffers is nil.
	BufferSize int
	// Buffers may be shared between tunnels.
	Buffers *BufferPool
	// Dialer opens the remote side. Nil dials directly with no timeout.
	Dialer  dialer.Dialer
	Metrics *metrics.Metrics
	Verbose bool
}

// Tunnel relays one client connection. Create it with New and call Run once.
type Tunnel struct {
	origin, remote   *Conn
	forward, reverse *Task

	dialer  dialer.Dialer
	buffers *BufferPool
	metrics *metrics.Metrics
	verbose bool

	ctx context.Context
	g   errgroup.Group

	mu   sync.Mutex
	dest *sniff.Destination

	closeOnce sync.Once
	reason    error
}

// New wraps origin. The remote side stays unconnected until the client's
// first chunk names a destination.
func New(cfg Config, origin net.Conn) *Tunnel {
	buffers := cfg.Buffers
	if buffers == nil {
		size := cfg.BufferSize
		if size <= 0 {
			size = DefaultBufferSize
		}
		buffers = NewBufferPool(size)
	}
	d := cfg.Dialer
	if d == nil {
		d = dialer.NewDirectDialer(dialer.Config{})
	}

	t := &Tunnel{
		origin:  NewConn("origin", origin, cfg.IdleTimeout),
		remote:  NewConn("remote", nil, cfg.IdleTimeout),
		dialer:  d,
		buffers: buffers,
		metrics: cfg.Metrics,
		verbose: cfg.Verbose,
	}
	t.forward = newTask(t, t.origin, t.remote, metrics.OriginToRemote, Sniffing)
	t.reverse = newTask(t, t.remote, t.origin, metrics.RemoteToOrigin, Streaming)
	return t
}

// Run relays until either direction stops, then closes both sides. It
// returns the error that stopped the first direction, or nil if that
// direction saw a clean EOF. ctx only bounds the remote dial.
func (t *Tunnel) Run(ctx context.Context) error {
	start := time.Now()
	t.ctx = ctx
	t.metrics.TunnelOpened()

	t.spawn(t.forward)
	_ = t.g.Wait()

	reason := classify(t.reason)
	t.metrics.TunnelClosed(reason, time.Since(start))
	if t.verbose {
		if t.reason != nil {
			log.Printf("tunnel %s: closed (%s): %v", t, reason, t.reason)
		} else {
			log.Printf("tunnel %s: closed (%s)", t, reason)
		}
	}
	return t.reason
}

func (t *Tunnel) spawn(k *Task) {
	t.g.Go(func() error {
		err := k.run()
		t.shutdown(err)
		return err
	})
}

// shutdown closes both sides. Only the first caller's error is kept.
func (t *Tunnel) shutdown(err error) {
	t.closeOnce.Do(func() {
		t.reason = err
		for _, c := range []*Conn{t.origin, t.remote} {
			if cerr := c.Close(); cerr != nil && t.verbose {
				log.Printf("tunnel %s: close %s: %v", t, c.name, cerr)
			}
		}
	})
}

// establish consumes the client's first chunk: it picks the destination,
// connects to it, and starts the reverse direction. A CONNECT request is
// answered here and not forwarded; anything else is forwarded as is.
func (t *Tunnel) establish(chunk []byte) error {
	dest, err := sniff.Parse(chunk)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSniff, err)
	}
	t.mu.Lock()
	t.dest = &dest
	t.mu.Unlock()

	if err := t.remote.Connect(t.ctx, t.dialer, dest.Address()); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConnect, dest.Address(), err)
	}

	if dest.IsConnect() {
		if _, err := t.origin.Write(dest.ConnectAck()); err != nil {
			return err
		}
		t.spawn(t.reverse)
		return nil
	}

	t.spawn(t.reverse)
	if _, err := t.remote.Write(chunk); err != nil {
		return err
	}
	t.metrics.Relayed(metrics.OriginToRemote, len(chunk))
	return nil
}

// Destination returns the sniffed destination, if any yet.
func (t *Tunnel) Destination() (sniff.Destination, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dest == nil {
		return sniff.Destination{}, false
	}
	return *t.dest, true
}

// Origin and Remote expose both ends, mostly for inspection after Run.
func (t *Tunnel) Origin() *Conn { return t.origin }
func (t *Tunnel) Remote() *Conn { return t.remote }

func (t *Tunnel) String() string {
	from := "?"
	if addr := t.origin.RemoteAddr(); addr != nil {
		from = addr.String()
	}
	to := "?"
	if d, ok := t.Destination(); ok {
		to = d.Address()
	}
	return from + " -> " + to
}

func classify(err error) string {
	switch {
	case err == nil:
		return metrics.ReasonEOF
	case errors.Is(err, ErrSniff):
		return metrics.ReasonSniff
	case errors.Is(err, ErrConnect):
		return metrics.ReasonConnect
	case errors.Is(err, os.ErrDeadlineExceeded):
		return metrics.ReasonTimeout
	default:
		return metrics.ReasonIO
	}
}
