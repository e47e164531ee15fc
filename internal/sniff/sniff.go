// Package sniff extracts the destination of a proxied connection from the
// first bytes a client sends.
//
// Only two things are read: the request line (method and protocol label) and
// the first "Host: " header. Everything else in the buffer is ignored, and
// nothing is buffered across calls.
package sniff

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is used when the Host header carries no port.
const DefaultPort = 80

const hostPrefix = "Host: "

var (
	// ErrMalformedRequestLine is returned when the first line has fewer than
	// three space-separated tokens.
	ErrMalformedRequestLine = errors.New("sniff: malformed request line")

	// ErrIncomplete is returned when the buffer ends before a Host line is
	// found.
	ErrIncomplete = errors.New("sniff: no host header in buffer")

	// ErrInvalidHost is returned for an empty or unparseable Host value.
	ErrInvalidHost = errors.New("sniff: invalid host")

	// ErrInvalidPort is returned for a Host port that is not in 1..65535.
	ErrInvalidPort = errors.New("sniff: invalid port")
)

// Destination is where a tunnel should connect, as announced by the client.
type Destination struct {
	Method   string
	Protocol string
	Host     string
	Port     int
}

// IsConnect reports whether the client asked for an opaque CONNECT tunnel,
// which must be acknowledged instead of forwarded.
func (d Destination) IsConnect() bool {
	return d.Method == "CONNECT"
}

// Address returns host:port suitable for dialing.
func (d Destination) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// ConnectAck returns the response written to the client once a CONNECT
// destination is reachable.
func (d Destination) ConnectAck() []byte {
	return []byte(d.Protocol + " 200 Connection established\n\n")
}

func (d Destination) String() string {
	return d.Method + " " + d.Address() + " " + d.Protocol
}

// Parse scans buf line by line. Line 0 is the request line; the first later
// line starting with "Host: " ends the scan. A line only counts once its
// terminating '\n' is inside buf.
func Parse(buf []byte) (Destination, error) {
	var d Destination

	for i := 0; len(buf) > 0; i++ {
		end := bytes.IndexByte(buf, '\n')
		if end < 0 {
			break
		}
		line := string(buf[:end])
		buf = buf[end+1:]

		if i == 0 {
			if err := d.parseRequestLine(line); err != nil {
				return Destination{}, err
			}
			continue
		}
		if strings.HasPrefix(line, hostPrefix) {
			if err := d.parseHost(line[len(hostPrefix):]); err != nil {
				return Destination{}, err
			}
			return d, nil
		}
	}

	return Destination{}, ErrIncomplete
}

// CONNECT example.com:443 HTTP/1.1
func (d *Destination) parseRequestLine(line string) error {
	parts := strings.Split(line, " ")
	if len(parts) < 3 {
		return fmt.Errorf("%w: %q", ErrMalformedRequestLine, line)
	}
	d.Method = strings.TrimSpace(parts[0])
	d.Protocol = strings.TrimSpace(parts[2])
	if d.Method == "" || d.Protocol == "" {
		return fmt.Errorf("%w: %q", ErrMalformedRequestLine, line)
	}
	return nil
}

// example.com:443, example.com, or [::1]:443
func (d *Destination) parseHost(value string) error {
	value = strings.TrimSpace(value)

	var host, port string
	if strings.HasPrefix(value, "[") {
		h, p, err := net.SplitHostPort(value)
		if err != nil {
			// Bracketed literal without a port.
			if !strings.HasSuffix(value, "]") {
				return fmt.Errorf("%w: %q", ErrInvalidHost, value)
			}
			h = strings.TrimSuffix(strings.TrimPrefix(value, "["), "]")
			p = ""
		}
		host, port = h, p
	} else {
		parts := strings.Split(value, ":")
		host = parts[0]
		if len(parts) > 1 {
			port = parts[1]
		}
	}

	if host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidHost, value)
	}
	d.Host = host
	d.Port = DefaultPort

	if port == "" {
		return nil
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("%w: %q", ErrInvalidPort, port)
	}
	d.Port = n
	return nil
}
