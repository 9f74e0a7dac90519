package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/die-net/sockssh/internal/socks5"
	internalssh "github.com/die-net/sockssh/internal/ssh"
)

// TunnelProvider forwards connections through an SSH server.
//
// Every Connect opens one "direct-tcpip" channel over a single shared SSH
// session; see internalssh.Session for how the transport is established and
// recovered. Bind asks the SSH server to listen on its side (ssh -R) and
// forward the inbound connection back.
type TunnelProvider struct {
	cfg     Config
	session *internalssh.Session
	log     logrus.FieldLogger
}

// NewTunnelProvider constructs a provider that tunnels through the SSH server
// at sshAddr.
//
// Authentication can use password, private key, or both. If both are provided,
// both methods are offered to the server and it chooses which to use.
// cfg.SSHKeyPath is an OpenSSH private key file, or "agent" for the keys held
// by ssh-agent. An encrypted key file is opened with cfg.SSHKeyPassphrase.
//
// Host keys are checked against cfg.SSHKnownHostsPath according to
// cfg.HostKeyPolicy, which defaults to accept-new.
func NewTunnelProvider(cfg Config, sshAddr, username, password string) (*TunnelProvider, error) {
	if sshAddr == "" {
		return nil, errors.New("ssh dialer: missing ssh address")
	}
	if username == "" {
		return nil, errors.New("ssh dialer: missing username")
	}

	signers, err := internalssh.LoadSigners(cfg.SSHKeyPath, cfg.SSHKeyPassphrase)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	if password == "" && len(signers) == 0 {
		return nil, errors.New("ssh dialer: missing password or key")
	}

	log := cfg.logger().WithField("upstream", "ssh://"+sshAddr)

	policy := cfg.HostKeyPolicy
	if policy == "" {
		policy = internalssh.PolicyAcceptNew
	}
	hostKeyCallback, err := internalssh.NewHostKeyCallback(policy, cfg.SSHKnownHostsPath, log)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	session, err := internalssh.NewSession(internalssh.SessionConfig{
		Addr: sshAddr,
		Client: internalssh.ClientConfig{
			Username:         username,
			Password:         password,
			Signers:          signers,
			HostKeyCallback:  hostKeyCallback,
			HandshakeTimeout: cfg.NegotiationTimeout,
		},
		RetryLimit:     cfg.RetryLimit,
		ChannelTimeout: cfg.ChannelTimeout,
		Dialer:         NewDirectProvider(cfg),
		Logger:         log,
	})
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	return &TunnelProvider{cfg: cfg, session: session, log: log}, nil
}

// Session returns the underlying SSH session.
func (p *TunnelProvider) Session() *internalssh.Session {
	return p.session
}

// Connect opens a channel to the request's destination. The bound endpoint
// is the SSH server's address, as a channel has none of its own.
func (p *TunnelProvider) Connect(ctx context.Context, req *socks5.Request) (*Remote, error) {
	var src string
	if req.Source != nil {
		src = req.Source.String()
	}

	ch, err := p.session.OpenChannel(ctx, req.Address(), src)
	if err != nil {
		return nil, err
	}
	return &Remote{Conn: ch, Bound: ch.Peer}, nil
}

// Bind listens on an ephemeral port on the SSH server's side.
func (p *TunnelProvider) Bind(ctx context.Context, req *socks5.Request) (net.Listener, error) {
	host := p.cfg.BindHost
	if host == "" {
		host = DefaultBindHost
		if req.Atyp == socks5.ATYPIPv6 {
			host = "::1"
		}
	}
	return p.session.Listen(ctx, net.JoinHostPort(host, "0"))
}

func (p *TunnelProvider) Close() error {
	return p.session.Close()
}
