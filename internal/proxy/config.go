package proxy

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/sockssh/internal/dialer"
)

// DefaultMaxConns bounds in-flight connections under IsolationPool when
// Config.MaxConns is unset.
const DefaultMaxConns = 1024

type Config struct {
	// NegotiationTimeout bounds the handshake up to the success reply, and
	// the wait for a BIND peer. Zero means no timeout.
	NegotiationTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	Isolation Isolation
	MaxConns  int

	// FailureReplies sends SOCKS5 error replies instead of just closing the
	// connection when a request cannot be served.
	FailureReplies bool

	Provider dialer.Provider

	Logger logrus.FieldLogger
}
