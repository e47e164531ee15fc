// Package dialer opens the remote side of a tunnel.
//
// Every implementation satisfies [Dialer]. The relay engine does not know
// whether the remote connection is a plain TCP socket or a stream carried
// through an upstream HTTP, SOCKS5 or SSH proxy.
package dialer
