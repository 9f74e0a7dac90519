package dialer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/sockssh/internal/failure"
	"github.com/die-net/sockssh/internal/socks5"
	"github.com/die-net/sockssh/internal/testutil"
)

func requestFor(t *testing.T, address string) *socks5.Request {
	t.Helper()

	host, portStr, err := net.SplitHostPort(address)
	require.NoError(t, err)
	port, err := net.LookupPort("tcp", portStr)
	require.NoError(t, err)

	req := &socks5.Request{Cmd: socks5.CmdConnect, Atyp: socks5.ATYPDomain, Host: host, Port: uint16(port)} //nolint:gosec // Port fits.
	if ip := net.ParseIP(host); ip != nil {
		req.Atyp = socks5.ATYPIPv6
		if ip.To4() != nil {
			req.Atyp = socks5.ATYPIPv4
		}
	}
	return req
}

func TestDirectConnect(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	echo := testutil.StartEchoTCPServer(t, ctx)

	p := NewDirectProvider(Config{DialTimeout: 2 * time.Second})
	remote, err := p.Connect(ctx, requestFor(t, echo.Addr().String()))
	require.NoError(t, err)
	defer remote.Conn.Close()

	assert.Equal(t, socks5.ATYPIPv4, socks5.AddrType(remote.Bound))
	assert.Equal(t, echo.Addr().String(), remote.Bound.String())
	testutil.AssertEcho(t, remote.Conn, remote.Conn, []byte("direct"))
}

func TestDirectConnectRefused(t *testing.T) {
	t.Parallel()

	// Grab a free port and release it so nothing is listening there.
	lc := net.ListenConfig{}
	ln, err := lc.Listen(t.Context(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	p := NewDirectProvider(Config{DialTimeout: time.Second})
	_, err = p.Connect(t.Context(), requestFor(t, addr))
	require.ErrorIs(t, err, failure.ErrRemoteConnectFailed)
}

func TestDirectConnectCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	p := NewDirectProvider(Config{})
	_, err := p.Connect(ctx, requestFor(t, "192.0.2.1:80"))
	require.ErrorIs(t, err, failure.ErrRemoteConnectFailed)
}

func TestDirectBind(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	p := NewDirectProvider(Config{})

	ln, err := p.Bind(ctx, requestFor(t, "192.0.2.1:80"))
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)
	assert.True(t, addr.IP.IsLoopback())
	assert.NotZero(t, addr.Port)

	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	accepted, err := ln.Accept()
	require.NoError(t, err)
	defer accepted.Close()
	testutil.AssertEcho(t, c, accepted, []byte("bound"))
}
