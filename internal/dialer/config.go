package dialer

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"

	internalssh "github.com/die-net/sockssh/internal/ssh"
)

const (
	// DefaultDialTimeout bounds direct connects and the SSH transport dial.
	DefaultDialTimeout = 5 * time.Second
	// DefaultBindHost is where direct BIND listens for IPv4 and domain
	// requests.
	DefaultBindHost = "127.0.0.1"
)

type Config struct {
	DialTimeout        time.Duration
	ChannelTimeout     time.Duration
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig

	// BindHost overrides the listen host for BIND requests.
	BindHost string

	SSHKeyPath        string
	// SSHKeyPassphrase decrypts SSHKeyPath when it is an encrypted key file.
	SSHKeyPassphrase  string
	SSHKnownHostsPath string
	HostKeyPolicy     internalssh.HostKeyPolicy
	RetryLimit        int

	Logger logrus.FieldLogger
}

func (c Config) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return DefaultDialTimeout
}

func (c Config) logger() logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}
