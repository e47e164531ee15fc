package testutil

import (
	"context"
	"net"
	"sync"
)

// RecordingDialer dials Target regardless of the requested address and
// remembers what was requested.
type RecordingDialer struct {
	Target string

	mu    sync.Mutex
	addrs []string
}

func (d *RecordingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.addrs = append(d.addrs, address)
	d.mu.Unlock()

	var nd net.Dialer
	return nd.DialContext(ctx, network, d.Target)
}

// Addrs returns the requested addresses in order.
func (d *RecordingDialer) Addrs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.addrs...)
}
