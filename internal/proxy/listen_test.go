package proxy

import (
	"errors"
	"net"
	"testing"
)

func TestListenTCPKeepAlive(t *testing.T) {
	t.Parallel()

	ln, err := ListenTCP("tcp", "127.0.0.1:0", net.KeepAliveConfig{Enable: true}, false)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	if _, ok := ln.(*KeepAliveListener); !ok {
		t.Fatalf("listener type %T", ln)
	}

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	s, ok := <-accepted
	if !ok {
		t.Fatal("accept failed")
	}
	defer s.Close()
	if _, ok := s.(*net.TCPConn); !ok {
		t.Fatalf("accepted %T", s)
	}
}

func TestListenTCPReusePort(t *testing.T) {
	t.Parallel()

	first, err := ListenTCP("tcp", "127.0.0.1:0", net.KeepAliveConfig{}, true)
	if !ReusePortSupported {
		if !errors.Is(err, errReusePortUnsupported) {
			t.Fatalf("err=%v", err)
		}
		return
	}
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()

	second, err := ListenTCP("tcp", first.Addr().String(), net.KeepAliveConfig{}, true)
	if err != nil {
		t.Fatalf("second bind with SO_REUSEPORT: %v", err)
	}
	_ = second.Close()
}

func TestListenTCPAddressInUse(t *testing.T) {
	t.Parallel()

	first, err := ListenTCP("tcp", "127.0.0.1:0", net.KeepAliveConfig{}, false)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()

	if ln, err := ListenTCP("tcp", first.Addr().String(), net.KeepAliveConfig{}, false); err == nil {
		_ = ln.Close()
		t.Fatal("expected bind to fail")
	}
}
