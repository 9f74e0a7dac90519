package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// AgentAuthType is the special value for --ssh-key to use the SSH agent.
const AgentAuthType = "agent"

// AgentAvailable returns true if the SSH agent socket is available.
func AgentAvailable() bool {
	return os.Getenv("SSH_AUTH_SOCK") != ""
}

// AgentSigners connects to the SSH agent and returns all available signers.
func AgentSigners() ([]ssh.Signer, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, errors.New("SSH_AUTH_SOCK not set")
	}

	var d net.Dialer
	conn, err := d.DialContext(context.Background(), "unix", socket)
	if err != nil {
		return nil, fmt.Errorf("connecting to SSH agent: %w", err)
	}
	// conn stays open: the agent signs through it for the life of the process.

	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("getting signers from SSH agent: %w", err)
	}
	if len(signers) == 0 {
		_ = conn.Close()
		return nil, errors.New("no keys available in SSH agent")
	}

	return signers, nil
}

// LoadPrivateKey reads and parses an OpenSSH private key file. An encrypted key
// needs passphrase; for unencrypted keys passphrase is ignored.
func LoadPrivateKey(path, passphrase string) (ssh.Signer, error) {
	keyData, err := os.ReadFile(ExpandHome(path)) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		if passphrase == "" {
			return nil, fmt.Errorf("key file %s is encrypted and no passphrase was given", path)
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(passphrase))
	}
	if err != nil {
		return nil, fmt.Errorf("parsing key file: %w", err)
	}

	return signer, nil
}

// LoadSigners loads SSH signers based on the keyPath value:
//   - "agent": every key held by the SSH agent
//   - "": none (password authentication only)
//   - otherwise: the private key file at keyPath
func LoadSigners(keyPath, passphrase string) ([]ssh.Signer, error) {
	switch keyPath {
	case "":
		return nil, nil
	case AgentAuthType:
		return AgentSigners()
	default:
		signer, err := LoadPrivateKey(keyPath, passphrase)
		if err != nil {
			return nil, err
		}
		return []ssh.Signer{signer}, nil
	}
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
