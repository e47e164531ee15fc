package relay

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/die-net/sniffproxy/internal/metrics"
	"github.com/die-net/sniffproxy/internal/sniff"
	tu "github.com/die-net/sniffproxy/internal/testutil"
)

func startTunnel(t *testing.T, cfg Config) (net.Conn, *Tunnel, <-chan error) {
	t.Helper()

	client, server := tu.TCPPair(t)
	tun := New(cfg, server)
	done := make(chan error, 1)
	go func() { done <- tun.Run(context.Background()) }()
	return client, tun, done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel did not finish")
		return nil
	}
}

func assertTornDown(t *testing.T, tun *Tunnel) {
	t.Helper()

	if !tun.Origin().Closed() || !tun.Remote().Closed() {
		t.Fatalf("origin closed=%v remote closed=%v", tun.Origin().Closed(), tun.Remote().Closed())
	}
	if err := tun.Origin().Close(); err != nil {
		t.Fatalf("second origin close: %v", err)
	}
	if err := tun.Remote().Close(); err != nil {
		t.Fatalf("second remote close: %v", err)
	}
}

func TestConnectTunnel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	got := make(chan []byte, 1)
	ln, _ := tu.StartSingleAcceptServer(ctx, t, func(c net.Conn) {
		buf := make([]byte, 2)
		if _, err := io.ReadFull(c, buf); err != nil {
			got <- nil
			return
		}
		got <- buf
		_, _ = c.Write([]byte{0xCC})
	})

	d := &tu.RecordingDialer{Target: ln.Addr().String()}
	m := metrics.New(prometheus.NewRegistry())
	client, tun, done := startTunnel(t, Config{IdleTimeout: 5 * time.Second, BufferSize: 4096, Dialer: d, Metrics: m})

	if _, err := client.Write([]byte("CONNECT a.b:443 HTTP/1.1\nHost: a.b:443\n\n")); err != nil {
		t.Fatal(err)
	}
	ack := make([]byte, len("HTTP/1.1 200 Connection established\n\n"))
	if _, err := io.ReadFull(client, ack); err != nil {
		t.Fatal(err)
	}
	if string(ack) != "HTTP/1.1 200 Connection established\n\n" {
		t.Fatalf("ack %q", ack)
	}

	if _, err := client.Write([]byte{0xAA, 0xBB}); err != nil {
		t.Fatal(err)
	}
	if b := <-got; !bytes.Equal(b, []byte{0xAA, 0xBB}) {
		t.Fatalf("remote got %x, want only the post-ack bytes", b)
	}

	// The remote answers and hangs up; the client sees the byte, then EOF.
	rest, err := io.ReadAll(client)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rest, []byte{0xCC}) {
		t.Fatalf("client got %x", rest)
	}

	if err := wait(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
	assertTornDown(t, tun)

	if addrs := d.Addrs(); len(addrs) != 1 || addrs[0] != "a.b:443" {
		t.Fatalf("dialed %v", addrs)
	}
	dest, ok := tun.Destination()
	if !ok || dest != (sniff.Destination{Method: "CONNECT", Protocol: "HTTP/1.1", Host: "a.b", Port: 443}) {
		t.Fatalf("destination %+v %v", dest, ok)
	}
	if got := testutil.ToFloat64(m.RelayedBytes.WithLabelValues(metrics.OriginToRemote)); got != 2 {
		t.Errorf("origin_to_remote=%v want 2", got)
	}
	if got := testutil.ToFloat64(m.RelayedBytes.WithLabelValues(metrics.RemoteToOrigin)); got != 1 {
		t.Errorf("remote_to_origin=%v want 1", got)
	}
	if got := testutil.ToFloat64(m.Teardowns.WithLabelValues(metrics.ReasonEOF)); got != 1 {
		t.Errorf("eof teardowns=%v want 1", got)
	}
	if got := testutil.ToFloat64(m.ActiveTunnels); got != 0 {
		t.Errorf("active=%v want 0", got)
	}
}

func TestPlainRequestForwardedVerbatim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ln := tu.StartEchoTCPServer(ctx, t)
	d := &tu.RecordingDialer{Target: ln.Addr().String()}
	client, tun, done := startTunnel(t, Config{IdleTimeout: 5 * time.Second, BufferSize: 4096, Dialer: d})

	req := []byte("GET http://example.com:8080/x HTTP/1.1\r\nHost: example.com:8080\r\nAccept: */*\r\n\r\n")
	tu.AssertEcho(t, client, client, req)
	tu.AssertEcho(t, client, client, []byte("second read"))

	if err := client.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadAll(client); err != nil {
		t.Fatal(err)
	}
	if err := wait(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
	assertTornDown(t, tun)

	if addrs := d.Addrs(); len(addrs) != 1 || addrs[0] != "example.com:8080" {
		t.Fatalf("dialed %v", addrs)
	}
	if got := tun.String(); got != client.LocalAddr().String()+" -> example.com:8080" {
		t.Fatalf("string %q", got)
	}
}

func TestSniffFailureClosesSilently(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		wantErr error
	}{
		{name: "malformed", in: "garbage\n", wantErr: sniff.ErrMalformedRequestLine},
		{name: "no host", in: "GET / HTTP/1.1\nAccept: */*\n\n", wantErr: sniff.ErrIncomplete},
		{name: "bad port", in: "GET / HTTP/1.1\nHost: example.com:0\n", wantErr: sniff.ErrInvalidPort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := &tu.RecordingDialer{Target: "127.0.0.1:1"}
			m := metrics.New(prometheus.NewRegistry())
			client, tun, done := startTunnel(t, Config{BufferSize: 4096, Dialer: d, Metrics: m})

			if _, err := client.Write([]byte(tt.in)); err != nil {
				t.Fatal(err)
			}
			err := wait(t, done)
			if !errors.Is(err, ErrSniff) || !errors.Is(err, tt.wantErr) {
				t.Fatalf("run: %v", err)
			}

			_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
			reply, _ := io.ReadAll(client)
			if len(reply) != 0 {
				t.Fatalf("client got reply %q", reply)
			}
			assertTornDown(t, tun)
			if addrs := d.Addrs(); len(addrs) != 0 {
				t.Fatalf("dialed %v", addrs)
			}
			if got := testutil.ToFloat64(m.Teardowns.WithLabelValues(metrics.ReasonSniff)); got != 1 {
				t.Errorf("sniff teardowns=%v want 1", got)
			}
		})
	}
}

func TestConnectFailure(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	closed := ln.Addr().String()
	_ = ln.Close()

	d := &tu.RecordingDialer{Target: closed}
	m := metrics.New(prometheus.NewRegistry())
	client, tun, done := startTunnel(t, Config{BufferSize: 4096, Dialer: d, Metrics: m})

	if _, err := client.Write([]byte("CONNECT a.b:443 HTTP/1.1\nHost: a.b:443\n\n")); err != nil {
		t.Fatal(err)
	}
	if err := wait(t, done); !errors.Is(err, ErrConnect) {
		t.Fatalf("run: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if reply, _ := io.ReadAll(client); len(reply) != 0 {
		t.Fatalf("client got reply %q", reply)
	}
	assertTornDown(t, tun)
	if got := testutil.ToFloat64(m.Teardowns.WithLabelValues(metrics.ReasonConnect)); got != 1 {
		t.Errorf("connect teardowns=%v want 1", got)
	}
}

func TestIdleTimeout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ln := tu.StartEchoTCPServer(ctx, t)
	d := &tu.RecordingDialer{Target: ln.Addr().String()}
	m := metrics.New(prometheus.NewRegistry())
	client, tun, done := startTunnel(t, Config{IdleTimeout: 100 * time.Millisecond, BufferSize: 4096, Dialer: d, Metrics: m})

	if _, err := client.Write([]byte("CONNECT a.b:443 HTTP/1.0\nHost: a.b:443\n\n")); err != nil {
		t.Fatal(err)
	}
	ack := make([]byte, len("HTTP/1.0 200 Connection established\n\n"))
	if _, err := io.ReadFull(client, ack); err != nil {
		t.Fatal(err)
	}

	// Go quiet; the tunnel must give up on its own.
	if err := wait(t, done); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("run: %v", err)
	}
	assertTornDown(t, tun)
	if got := testutil.ToFloat64(m.Teardowns.WithLabelValues(metrics.ReasonTimeout)); got != 1 {
		t.Errorf("timeout teardowns=%v want 1", got)
	}
}

func TestOrderingAcrossManyReads(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ln := tu.StartEchoTCPServer(ctx, t)
	d := &tu.RecordingDialer{Target: ln.Addr().String()}
	client, _, done := startTunnel(t, Config{IdleTimeout: 5 * time.Second, BufferSize: 512, Dialer: d})

	if _, err := client.Write([]byte("CONNECT a.b:443 HTTP/1.1\nHost: a.b:443\n\n")); err != nil {
		t.Fatal(err)
	}
	ack := make([]byte, len("HTTP/1.1 200 Connection established\n\n"))
	if _, err := io.ReadFull(client, ack); err != nil {
		t.Fatal(err)
	}

	payload := make([]byte, 256<<10)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}

	writeErr := make(chan error, 1)
	go func() {
		for off := 0; off < len(payload); off += 1000 {
			end := min(off+1000, len(payload))
			if _, err := client.Write(payload[off:end]); err != nil {
				writeErr <- err
				return
			}
		}
		writeErr <- nil
	}()

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatal(err)
	}
	if err := <-writeErr; err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("relayed bytes differ from what was sent")
	}

	_ = client.Close()
	if err := wait(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestEOFBeforeRequest(t *testing.T) {
	t.Parallel()

	d := &tu.RecordingDialer{Target: "127.0.0.1:1"}
	client, tun, done := startTunnel(t, Config{Dialer: d})
	_ = client.Close()

	if err := wait(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
	assertTornDown(t, tun)
	if _, ok := tun.Destination(); ok {
		t.Fatal("destination set without a request")
	}
	if got := tun.String(); !strings.HasSuffix(got, " -> ?") {
		t.Fatalf("string %q", got)
	}
	if tun.forward.Role() != Sniffing {
		t.Fatalf("role %v", tun.forward.Role())
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{nil, metrics.ReasonEOF},
		{ErrSniff, metrics.ReasonSniff},
		{ErrConnect, metrics.ReasonConnect},
		{os.ErrDeadlineExceeded, metrics.ReasonTimeout},
		{net.ErrClosed, metrics.ReasonIO},
	}
	for _, tt := range tests {
		if got := classify(tt.err); got != tt.want {
			t.Errorf("classify(%v)=%q want %q", tt.err, got, tt.want)
		}
	}
}

func TestNilDialerDialsDirectly(t *testing.T) {
	t.Parallel()

	ln := tu.StartEchoTCPServer(context.Background(), t)
	client, tun, done := startTunnel(t, Config{BufferSize: 4096})

	addr := ln.Addr().String()
	if _, err := client.Write([]byte("CONNECT " + addr + " HTTP/1.1\nHost: " + addr + "\n\n")); err != nil {
		t.Fatal(err)
	}
	ack := make([]byte, len("HTTP/1.1 200 Connection established\n\n"))
	if _, err := io.ReadFull(client, ack); err != nil {
		t.Fatal(err)
	}
	tu.AssertEcho(t, client, client, []byte("direct"))

	_ = client.Close()
	if err := wait(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
	assertTornDown(t, tun)
}

func TestRemoteResetTearsDown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ln, _ := tu.StartSingleAcceptServer(ctx, t, func(c net.Conn) {
		buf := make([]byte, 2)
		if _, err := io.ReadFull(c, buf); err != nil {
			return
		}
		// Abort with RST instead of FIN.
		_ = c.(*net.TCPConn).SetLinger(0)
		_ = c.Close()
	})

	d := &tu.RecordingDialer{Target: ln.Addr().String()}
	m := metrics.New(prometheus.NewRegistry())
	client, tun, done := startTunnel(t, Config{IdleTimeout: 5 * time.Second, BufferSize: 4096, Dialer: d, Metrics: m})

	if _, err := client.Write([]byte("CONNECT a.b:443 HTTP/1.1\nHost: a.b:443\n\n")); err != nil {
		t.Fatal(err)
	}
	ack := make([]byte, len("HTTP/1.1 200 Connection established\n\n"))
	if _, err := io.ReadFull(client, ack); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Write([]byte{0xAA, 0xBB}); err != nil {
		t.Fatal(err)
	}

	err := wait(t, done)
	if err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("run: %v", err)
	}
	assertTornDown(t, tun)
	if got := testutil.ToFloat64(m.Teardowns.WithLabelValues(metrics.ReasonIO)); got != 1 {
		t.Errorf("io teardowns=%v want 1", got)
	}
}
