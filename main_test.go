package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/die-net/sniffproxy/internal/config"
)

func load(args ...string) (config.Config, error) {
	fs := pflag.NewFlagSet("sniffproxy", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return loadConfig(fs, args)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sniffproxy.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ALL_PROXY", "")
	t.Setenv("all_proxy", "")

	cfg, err := load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":18081" || cfg.IdleTimeout != 10*time.Minute || cfg.Upstream != "direct://" || cfg.MaxTunnels != 0 {
		t.Fatalf("unexpected %+v", cfg)
	}
}

func TestLoadConfigPositionalPort(t *testing.T) {
	t.Setenv("ALL_PROXY", "socks5://127.0.0.1:1080")

	cfg, err := load("--listen", "127.0.0.1:3128", "8080")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != "127.0.0.1:8080" {
		t.Fatalf("listen %q", cfg.Listen)
	}
	if cfg.Upstream != "socks5://127.0.0.1:1080" {
		t.Fatalf("upstream %q", cfg.Upstream)
	}

	if _, err := load("8080", "8081"); err == nil {
		t.Fatal("expected error for two positional args")
	}
	if _, err := load("http"); err == nil {
		t.Fatal("expected error for non-numeric port")
	}
}

func TestLoadConfigFileAndFlags(t *testing.T) {
	t.Setenv("ALL_PROXY", "")
	t.Setenv("all_proxy", "")

	path := writeConfig(t, `
listen: 127.0.0.1:3128
idle_timeout: 30s
max_tunnels: 5
`)

	// File values beat defaults.
	cfg, err := load("--config", path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != "127.0.0.1:3128" || cfg.IdleTimeout != 30*time.Second || cfg.MaxTunnels != 5 {
		t.Fatalf("unexpected %+v", cfg)
	}

	// Explicit flags beat the file regardless of their position.
	cfg, err = load("--idle-timeout", "1m", "--config", path, "9090")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != "127.0.0.1:9090" || cfg.IdleTimeout != time.Minute || cfg.MaxTunnels != 5 {
		t.Fatalf("unexpected %+v", cfg)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	t.Setenv("ALL_PROXY", "")

	tests := [][]string{
		{"--idle-timeout", "0s"},
		{"--buffer-size", "1"},
		{"--max-tunnels", "-1"},
		{"--config", filepath.Join(t.TempDir(), "missing.yaml")},
		{"--config", writeConfig(t, "bogus: 1\n")},
		{"--no-such-flag"},
	}
	for _, args := range tests {
		if _, err := load(args...); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}
