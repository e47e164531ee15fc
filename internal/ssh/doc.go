// Package ssh holds the SSH client plumbing behind the ssh:// upstream:
// handshake over an existing net.Conn, signer loading (key file or agent),
// and known_hosts verification with trust on first use.
package ssh
