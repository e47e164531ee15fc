//go:build !(linux || darwin || dragonfly || freebsd || netbsd || openbsd)

package proxy

import "syscall"

const ReusePortSupported = false

func reusePortControl(_, _ string, _ syscall.RawConn) error {
	return errReusePortUnsupported
}
