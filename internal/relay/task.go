package relay

import (
	"errors"
	"io"
	"sync/atomic"
)

// Role is what a Task does with the bytes it reads.
type Role int32

const (
	// Streaming copies every chunk to the destination unchanged.
	Streaming Role = iota
	// Sniffing hands the first chunk to the tunnel to pick and connect the
	// remote side, then switches to Streaming.
	Sniffing
)

func (r Role) String() string {
	switch r {
	case Streaming:
		return "streaming"
	case Sniffing:
		return "sniffing"
	default:
		return "unknown"
	}
}

// Task pumps one direction of a tunnel from src to dst.
type Task struct {
	tunnel    *Tunnel
	src, dst  *Conn
	direction string
	role      atomic.Int32
}

func newTask(t *Tunnel, src, dst *Conn, direction string, role Role) *Task {
	k := &Task{tunnel: t, src: src, dst: dst, direction: direction}
	k.role.Store(int32(role))
	return k
}

// Role reports what the task will do with its next chunk. A sniffing task
// becomes streaming once its first chunk has been handled.
func (k *Task) Role() Role {
	return Role(k.role.Load())
}

// run reads until src ends. A clean EOF returns nil.
func (k *Task) run() error {
	bp := k.tunnel.buffers.Get()
	defer k.tunnel.buffers.Put(bp)
	buf := *bp

	for {
		n, rerr := k.src.Read(buf)
		if n > 0 {
			if err := k.handle(buf[:n]); err != nil {
				return err
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return rerr
		}
	}
}

func (k *Task) handle(chunk []byte) error {
	if k.Role() == Sniffing {
		k.role.Store(int32(Streaming))
		return k.tunnel.establish(chunk)
	}
	if _, err := k.dst.Write(chunk); err != nil {
		return err
	}
	k.tunnel.metrics.Relayed(k.direction, len(chunk))
	return nil
}
