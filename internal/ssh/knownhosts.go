package ssh

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// NewHostKeyCallback verifies host keys against the known_hosts file at
// path. Unknown hosts are appended on first contact; a known host presenting
// a different key is rejected. An empty path disables checking.
//
// The file and its directory are created if missing.
func NewHostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // User explicitly disabled host key checking.
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("creating known_hosts file: %w", err)
	}
	_ = f.Close()

	check, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}

	th := &trustOnFirstUse{path: path, check: check}
	return th.callback, nil
}

type trustOnFirstUse struct {
	path  string
	check ssh.HostKeyCallback

	mu sync.Mutex
	// added remembers keys appended since the file was loaded; knownhosts
	// does not reread the file.
	added map[string]ssh.PublicKey
}

func (t *trustOnFirstUse) callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	err := t.check(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}
	if len(keyErr.Want) > 0 {
		return fmt.Errorf("host key mismatch for %s (possible MITM attack): %w", hostname, err)
	}

	host := knownhosts.Normalize(hostname)

	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.added[host]; ok {
		if string(prev.Marshal()) == string(key.Marshal()) {
			return nil
		}
		return fmt.Errorf("host key mismatch for %s (possible MITM attack)", hostname)
	}

	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return fmt.Errorf("opening known_hosts for writing: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(knownhosts.Line([]string{host}, key) + "\n"); err != nil {
		return fmt.Errorf("writing to known_hosts: %w", err)
	}
	if t.added == nil {
		t.added = make(map[string]ssh.PublicKey)
	}
	t.added[host] = key

	log.Printf("ssh: added host key for %s to %s", hostname, t.path)
	return nil
}
