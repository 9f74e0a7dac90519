package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyPolicy decides what happens to host keys that known_hosts does not
// vouch for.
type HostKeyPolicy string

const (
	// PolicyStrict accepts only keys already present in known_hosts.
	PolicyStrict HostKeyPolicy = "strict"
	// PolicyAcceptNew appends unknown hosts to known_hosts (trust on first
	// use) and rejects changed keys.
	PolicyAcceptNew HostKeyPolicy = "accept-new"
	// PolicyWarn accepts unknown hosts with a logged warning without recording
	// them, and rejects changed keys.
	PolicyWarn HostKeyPolicy = "warn"
	// PolicyInsecure accepts every key.
	PolicyInsecure HostKeyPolicy = "insecure"
)

// ParseHostKeyPolicy validates s. An empty string selects PolicyAcceptNew.
func ParseHostKeyPolicy(s string) (HostKeyPolicy, error) {
	switch p := HostKeyPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyAcceptNew, nil
	case PolicyStrict, PolicyAcceptNew, PolicyWarn, PolicyInsecure:
		return p, nil
	default:
		return "", fmt.Errorf("unknown host key policy %q (want strict, accept-new, warn or insecure)", s)
	}
}

// NewHostKeyCallback creates an ssh.HostKeyCallback that checks keys against
// the known_hosts file at path and handles unknown hosts according to policy.
//
// An empty path is only valid with PolicyInsecure. For PolicyAcceptNew the
// parent directory and file are created if they don't exist.
func NewHostKeyCallback(policy HostKeyPolicy, path string, log logrus.FieldLogger) (ssh.HostKeyCallback, error) {
	if policy == PolicyInsecure {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // User explicitly disabled host key checking.
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if path == "" {
		return nil, fmt.Errorf("host key policy %s needs a known_hosts path", policy)
	}
	path = ExpandHome(path)

	if policy == PolicyAcceptNew {
		if err := ensureFile(path); err != nil {
			return nil, err
		}
	}

	hostKeyCallback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}

	var (
		mu    sync.Mutex
		added = make(map[string]string)
	)
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := hostKeyCallback(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}

		// A non-empty Want means the host is known with a different key.
		if len(keyErr.Want) > 0 {
			return fmt.Errorf("host key mismatch for %s (possible MITM attack): %w", hostname, err)
		}

		switch policy {
		case PolicyWarn:
			log.WithField("host", hostname).Warnf("ssh: accepting unknown %s host key %s", key.Type(), ssh.FingerprintSHA256(key))
			return nil
		case PolicyAcceptNew:
			mu.Lock()
			defer mu.Unlock()
			// The loaded database does not see keys appended by this process.
			if prev, ok := added[hostname]; ok {
				if prev != string(key.Marshal()) {
					return fmt.Errorf("host key mismatch for %s (possible MITM attack): key changed since it was added", hostname)
				}
				return nil
			}
			if err := appendKnownHost(path, hostname, key); err != nil {
				return err
			}
			added[hostname] = string(key.Marshal())
			log.WithField("host", hostname).Infof("ssh: added host key to %s", path)
			return nil
		default:
			return fmt.Errorf("unknown host key for %s: %w", hostname, err)
		}
	}, nil
}

func ensureFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating known_hosts directory: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
		if err != nil {
			return fmt.Errorf("creating known_hosts file: %w", err)
		}
		_ = f.Close()
	}
	return nil
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return fmt.Errorf("opening known_hosts for writing: %w", err)
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("writing to known_hosts: %w", err)
	}
	return nil
}
