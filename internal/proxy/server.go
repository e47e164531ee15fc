package proxy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/die-net/sniffproxy/internal/relay"
)

// ErrServerClosed is returned by Serve once Close has been called.
var ErrServerClosed = errors.New("proxy: server closed")

type Config struct {
	Relay relay.Config
	// MaxTunnels caps how many tunnels may be open at once. When the cap is
	// reached Serve stops accepting until a tunnel ends, leaving new clients
	// in the kernel's accept queue. Zero means no cap.
	MaxTunnels int
}

// Server accepts client connections and relays each through its own tunnel.
type Server struct {
	ctx     context.Context
	relay   relay.Config
	sem     *semaphore.Weighted
	verbose bool

	// stopCtx ends when Close is called. It only unblocks Serve; tunnels run
	// under ctx and are left to finish on their own.
	stopCtx context.Context
	stop    context.CancelFunc

	active atomic.Int64

	mu     sync.Mutex
	lns    map[net.Listener]struct{}
	closed bool
}

// NewServer returns a Server whose tunnels dial under ctx.
func NewServer(ctx context.Context, cfg Config) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Relay.Buffers == nil {
		size := cfg.Relay.BufferSize
		if size <= 0 {
			size = relay.DefaultBufferSize
		}
		cfg.Relay.Buffers = relay.NewBufferPool(size)
	}

	s := &Server{
		ctx:     ctx,
		relay:   cfg.Relay,
		verbose: cfg.Relay.Verbose,
		lns:     make(map[net.Listener]struct{}),
	}
	if cfg.MaxTunnels > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxTunnels))
	}
	s.stopCtx, s.stop = context.WithCancel(context.Background())
	return s
}

// Serve accepts on ln until Close is called or Accept fails. After Close it
// returns ErrServerClosed; any other accept error is returned wrapped. ln is
// closed by Close, or at once if the server is already closed.
func (s *Server) Serve(ln net.Listener) error {
	if !s.track(ln) {
		_ = ln.Close()
		return ErrServerClosed
	}
	defer s.untrack(ln)

	for {
		if err := s.acquire(); err != nil {
			return ErrServerClosed
		}

		c, err := ln.Accept()
		if err != nil {
			s.release()
			if s.isClosed() {
				return ErrServerClosed
			}
			return fmt.Errorf("accept: %w", err)
		}

		go s.handle(c)
	}
}

func (s *Server) handle(c net.Conn) {
	defer s.release()

	s.active.Add(1)
	defer s.active.Add(-1)

	// Run logs its own outcome when verbose.
	_ = relay.New(s.relay, c).Run(s.ctx)
}

func (s *Server) acquire() error {
	if s.sem == nil {
		return nil
	}
	return s.sem.Acquire(s.stopCtx, 1)
}

func (s *Server) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}

// ActiveTunnels returns the number of tunnels currently running.
func (s *Server) ActiveTunnels() int64 {
	return s.active.Load()
}

// Close stops every Serve call by closing its listener. Tunnels already
// running are not interrupted. Calling Close again does nothing.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	lns := s.lns
	s.lns = nil
	s.mu.Unlock()

	s.stop()

	var errs []error
	for ln := range lns {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if s.verbose {
		log.Printf("proxy: closed with %d tunnels still open", s.ActiveTunnels())
	}
	return errors.Join(errs...)
}

func (s *Server) track(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.lns[ln] = struct{}{}
	return true
}

func (s *Server) untrack(ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lns, ln)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
