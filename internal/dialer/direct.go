package dialer

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/die-net/sockssh/internal/failure"
	"github.com/die-net/sockssh/internal/socks5"
)

// DirectProvider connects to destinations from this host.
type DirectProvider struct {
	cfg Config
	log logrus.FieldLogger
}

func NewDirectProvider(cfg Config) *DirectProvider {
	return &DirectProvider{cfg: cfg, log: cfg.logger()}
}

// DialContext dials address with the configured timeout and applies TCP
// keepalive.
func (p *DirectProvider) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	dd := net.Dialer{Timeout: p.cfg.dialTimeout()}

	conn, err := dd.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(p.cfg.KeepAlive)
	}

	return conn, nil
}

// Connect dials the request's destination. The bound endpoint is the
// destination's own address.
func (p *DirectProvider) Connect(ctx context.Context, req *socks5.Request) (*Remote, error) {
	conn, err := p.DialContext(ctx, req.Network(), req.Address())
	if err != nil {
		p.log.WithField("dst", req.Address()).WithError(err).Debug("direct connect failed")
		return nil, failure.Wrap(failure.KindRemoteConnectFailed, err, "direct connect")
	}

	return &Remote{Conn: conn, Bound: conn.RemoteAddr()}, nil
}

// Bind listens on an ephemeral port of BindHost, or of the loopback address
// matching the request's family.
func (p *DirectProvider) Bind(ctx context.Context, req *socks5.Request) (net.Listener, error) {
	host := p.cfg.BindHost
	if host == "" {
		host = DefaultBindHost
		if req.Atyp == socks5.ATYPIPv6 {
			host = "::1"
		}
	}

	lc := net.ListenConfig{KeepAliveConfig: p.cfg.KeepAlive}
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, failure.Wrap(failure.KindRemoteConnectFailed, err, "direct bind")
	}
	return ln, nil
}

func (p *DirectProvider) Close() error {
	return nil
}
