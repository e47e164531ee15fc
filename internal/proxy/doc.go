// Package proxy is the listening side of the proxy.
//
// [Server] accepts client connections and hands each one to a
// [relay.Tunnel]. [ListenTCP] builds the listener, applying TCP keepalive to
// accepted connections and optionally SO_REUSEPORT to the listening socket.
package proxy
