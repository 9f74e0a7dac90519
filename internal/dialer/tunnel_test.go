package dialer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/die-net/sockssh/internal/failure"
	"github.com/die-net/sockssh/internal/socks5"
	internalssh "github.com/die-net/sockssh/internal/ssh"
	"github.com/die-net/sockssh/internal/testutil"
)

func newTestTunnel(t *testing.T, srv *testutil.SSHServer, password string) *TunnelProvider {
	t.Helper()

	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(srv.Addr())}, srv.HostKey()) + "\n"
	require.NoError(t, os.WriteFile(knownHosts, []byte(line), 0o600))

	log, _ := logtest.NewNullLogger()
	p, err := NewTunnelProvider(Config{
		DialTimeout:        2 * time.Second,
		NegotiationTimeout: 2 * time.Second,
		SSHKnownHostsPath:  knownHosts,
		HostKeyPolicy:      internalssh.PolicyStrict,
		Logger:             log,
	}, srv.Addr(), "user", password)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestTunnelConnect(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	srv := testutil.StartSSHServer(t, ctx, "user", "pass")
	echo1 := testutil.StartEchoTCPServer(t, ctx)
	echo2 := testutil.StartEchoTCPServer(t, ctx)
	p := newTestTunnel(t, srv, "pass")

	r1, err := p.Connect(ctx, requestFor(t, echo1.Addr().String()))
	require.NoError(t, err)
	testutil.AssertEcho(t, r1.Conn, r1.Conn, []byte("hello"))
	_ = r1.Conn.Close()

	r2, err := p.Connect(ctx, requestFor(t, echo2.Addr().String()))
	require.NoError(t, err)
	defer r2.Conn.Close()
	testutil.AssertEcho(t, r2.Conn, r2.Conn, []byte("hello2"))

	// Bound endpoint is the SSH server, not the destination.
	assert.Equal(t, srv.Addr(), r2.Bound.String())
	assert.Equal(t, socks5.ATYPIPv4, socks5.AddrType(r2.Bound))
	assert.Equal(t, 1, srv.Handshakes())
	assert.Equal(t, 2, srv.Channels())
}

func TestTunnelConnectRefusedDestination(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	srv := testutil.StartSSHServer(t, ctx, "user", "pass")
	p := newTestTunnel(t, srv, "pass")

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = p.Connect(ctx, requestFor(t, addr))
	require.ErrorIs(t, err, failure.ErrRemoteConnectFailed)
	assert.Equal(t, 1, p.Session().Stats().ChannelErrors)
	assert.Equal(t, 1, srv.Handshakes())
}

func TestTunnelBadPassword(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	srv := testutil.StartSSHServer(t, ctx, "user", "pass")
	p := newTestTunnel(t, srv, "nope")

	_, err := p.Connect(ctx, requestFor(t, "127.0.0.1:1"))
	require.ErrorIs(t, err, failure.ErrRemoteConnectFailed)
}

func TestTunnelBind(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	srv := testutil.StartSSHServer(t, ctx, "user", "pass")
	p := newTestTunnel(t, srv, "pass")

	ln, err := p.Bind(ctx, requestFor(t, "192.0.2.1:80"))
	require.NoError(t, err)
	defer ln.Close()

	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	accepted, err := ln.Accept()
	require.NoError(t, err)
	defer accepted.Close()
	testutil.AssertEcho(t, c, accepted, []byte("via ssh -R"))
}

func TestNewTunnelProviderEncryptedKey(t *testing.T) {
	t.Parallel()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte("hunter2"))
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600))

	cfg := Config{
		SSHKeyPath:       keyPath,
		SSHKeyPassphrase: "hunter2",
		HostKeyPolicy:    internalssh.PolicyInsecure,
	}
	p, err := NewTunnelProvider(cfg, "192.0.2.10:22", "user", "")
	require.NoError(t, err)
	_ = p.Close()

	cfg.SSHKeyPassphrase = ""
	_, err = NewTunnelProvider(cfg, "192.0.2.10:22", "user", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encrypted")
}
