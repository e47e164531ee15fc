// Package relay is the byte pump behind every proxied connection.
//
// A [Tunnel] pairs the client's connection ("origin") with the connection it
// opens toward the destination ("remote"). Two [Task] values move bytes, one
// per direction. The origin-to-remote task starts in the [Sniffing] role: its
// first read decides where to connect, and only once the remote side is
// connected does the remote-to-origin task start. When either task stops,
// for any reason, both connections are closed.
package relay
