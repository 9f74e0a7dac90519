// Package config loads the tunnel list from a YAML file.
//
// Each entry describes one SOCKS5 listener and the upstream it relays
// through:
//
//	tunnels:
//	  - name: office
//	    listen: 127.0.0.1:1080
//	    upstream: ssh://alice@bastion.example.com
//	    ssh_key: ~/.ssh/id_ed25519
//	    ssh_key_passphrase: hunter2
//	  - name: lab
//	    listen: 127.0.0.1:1081
//	    upstream: ssh://alice@lab.example.com:2222
//	    ssh_host_key_policy: strict
//	    retry_limit: 3
//
// Fields left out of an entry are filled from command line defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/die-net/sockssh/internal/ssh"
)

// Tunnel is one SOCKS5 listener and its upstream.
type Tunnel struct {
	Name             string `yaml:"name"`
	Listen           string `yaml:"listen"`
	Upstream         string `yaml:"upstream"`
	SSHKey           string `yaml:"ssh_key"`
	SSHKeyPassphrase string `yaml:"ssh_key_passphrase"`
	SSHKnownHosts    string `yaml:"ssh_known_hosts"`
	SSHHostKeyPolicy string `yaml:"ssh_host_key_policy"`
	// RetryLimit bounds consecutive SSH reconnects. Nil inherits the default.
	RetryLimit *int `yaml:"retry_limit"`
}

// File is the parsed configuration file.
type File struct {
	Tunnels []Tunnel `yaml:"tunnels"`
}

// Load reads and parses the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(ssh.ExpandHome(path)) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	f, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a configuration from r. Unknown keys are errors.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty config")
		}
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &f, nil
}

// ApplyDefaults fills every unset field of every tunnel from d. Unnamed
// tunnels are named after their position.
func (f *File) ApplyDefaults(d Tunnel) {
	for i := range f.Tunnels {
		t := &f.Tunnels[i]
		if t.Name == "" {
			t.Name = fmt.Sprintf("tunnel-%d", i+1)
		}
		if t.Upstream == "" {
			t.Upstream = d.Upstream
		}
		if t.SSHKey == "" {
			t.SSHKey = d.SSHKey
			// A tunnel naming its own key does not inherit the default key's
			// passphrase.
			if t.SSHKeyPassphrase == "" {
				t.SSHKeyPassphrase = d.SSHKeyPassphrase
			}
		}
		if t.SSHKnownHosts == "" {
			t.SSHKnownHosts = d.SSHKnownHosts
		}
		if t.SSHHostKeyPolicy == "" {
			t.SSHHostKeyPolicy = d.SSHHostKeyPolicy
		}
		if t.RetryLimit == nil && d.RetryLimit != nil {
			n := *d.RetryLimit
			t.RetryLimit = &n
		}
	}
}

// Validate checks that every tunnel can be started. Names and listen
// addresses must be unique.
func (f *File) Validate() error {
	if len(f.Tunnels) == 0 {
		return errors.New("no tunnels configured")
	}

	names := make(map[string]bool)
	listens := make(map[string]bool)
	for i, t := range f.Tunnels {
		label := t.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}
		if t.Listen == "" {
			return fmt.Errorf("tunnel %s: missing listen address", label)
		}
		if t.Upstream == "" {
			return fmt.Errorf("tunnel %s: missing upstream", label)
		}
		if t.Name != "" {
			if names[t.Name] {
				return fmt.Errorf("tunnel %s: duplicate name", label)
			}
			names[t.Name] = true
		}
		if listens[t.Listen] {
			return fmt.Errorf("tunnel %s: listen address %s used twice", label, t.Listen)
		}
		listens[t.Listen] = true
		if t.RetryLimit != nil && *t.RetryLimit < 0 {
			return fmt.Errorf("tunnel %s: retry_limit must be >= 0", label)
		}
		if _, err := ssh.ParseHostKeyPolicy(t.SSHHostKeyPolicy); err != nil {
			return fmt.Errorf("tunnel %s: %w", label, err)
		}
	}
	return nil
}
