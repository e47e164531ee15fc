// Package config holds the proxy's runtime settings: built-in defaults, an
// optional YAML file, and validation. Flags are applied on top by main.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPort = 18081

type Config struct {
	Listen    string `yaml:"listen"`
	ReusePort bool   `yaml:"reuse_port"`
	Upstream  string `yaml:"upstream"`

	DialTimeout        time.Duration `yaml:"dial_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`

	BufferSize   int    `yaml:"buffer_size"`
	MaxTunnels   int    `yaml:"max_tunnels"`
	TCPKeepAlive string `yaml:"tcp_keepalive"`

	SSHKey        string `yaml:"ssh_key"`
	SSHKnownHosts string `yaml:"ssh_known_hosts"`

	DebugListen string `yaml:"debug_listen"`
	Verbose     bool   `yaml:"verbose"`
}

func Default() Config {
	return Config{
		Listen:             ":" + strconv.Itoa(DefaultPort),
		Upstream:           "direct://",
		DialTimeout:        10 * time.Second,
		IdleTimeout:        10 * time.Minute,
		NegotiationTimeout: 10 * time.Second,
		BufferSize:         1 << 20,
		TCPKeepAlive:       "45:45:3",
	}
}

// Load decodes the YAML file at path over cfg. Keys that do not match a
// field are an error; an empty file changes nothing.
func Load(path string, cfg *Config) error {
	f, err := os.Open(path) //nolint:gosec // Path is from the command line.
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

// SetPort replaces the port of the listen address, keeping its host.
func (c *Config) SetPort(port string) error {
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	host, _, err := net.SplitHostPort(c.Listen)
	if err != nil {
		host = ""
	}
	c.Listen = net.JoinHostPort(host, strconv.Itoa(n))
	return nil
}

func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen %q: %w", c.Listen, err)
	}
	if c.DialTimeout <= 0 {
		return errors.New("dial_timeout must be > 0")
	}
	if c.IdleTimeout <= 0 {
		return errors.New("idle_timeout must be > 0")
	}
	if c.NegotiationTimeout <= 0 {
		return errors.New("negotiation_timeout must be > 0")
	}
	if c.BufferSize < 512 || c.BufferSize > 64<<20 {
		return fmt.Errorf("buffer_size %d out of range [512, %d]", c.BufferSize, 64<<20)
	}
	if c.MaxTunnels < 0 {
		return errors.New("max_tunnels must be >= 0")
	}
	if _, err := ParseTCPKeepAlive(c.TCPKeepAlive); err != nil {
		return fmt.Errorf("tcp_keepalive: %w", err)
	}
	return nil
}

// ParseTCPKeepAlive accepts on, off, or keepidle:keepintvl:keepcnt with
// idle and interval in seconds.
func ParseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return net.KeepAliveConfig{}, errors.New("empty")
	case "on":
		return net.KeepAliveConfig{Enable: true}, nil
	case "off":
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	idle, err := parsePositive(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	intvl, err := parsePositive(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	cnt, err := parsePositive(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     time.Duration(idle) * time.Second,
		Interval: time.Duration(intvl) * time.Second,
		Count:    cnt,
	}, nil
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
