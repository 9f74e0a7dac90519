package testutil

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// SSHServer is a loopback SSH server for tests. It authenticates one
// user by password and serves direct-tcpip channels and tcpip-forward
// requests, the two halves of ssh -D and ssh -R.
type SSHServer struct {
	config   *ssh.ServerConfig
	hostKey  ssh.Signer
	listener net.Listener

	rejectChannels atomic.Int32
	handshakes     atomic.Int32
	channels       atomic.Int32

	mu     sync.Mutex
	conns  map[*ssh.ServerConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

type directTCPIPPayload struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

type tcpipForwardPayload struct {
	BindAddr string
	BindPort uint32
}

type forwardedTCPIPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// GenerateSigner returns a fresh ed25519 signer.
func GenerateSigner(t testing.TB) ssh.Signer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

// StartSSHServer starts an SSH server on a loopback port accepting user with
// password. It is closed at test cleanup.
func StartSSHServer(t *testing.T, ctx context.Context, user, password string) *SSHServer {
	t.Helper()

	hostKey := GenerateSigner(t)
	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if conn.User() != user || string(pass) != password {
				return nil, errors.New("invalid credentials")
			}
			return &ssh.Permissions{}, nil
		},
	}
	config.AddHostKey(hostKey)

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &SSHServer{
		config:   config,
		hostKey:  hostKey,
		listener: ln,
		conns:    make(map[*ssh.ServerConn]struct{}),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(ctx)
	}()
	t.Cleanup(s.Close)

	return s
}

// Addr returns the server's host:port.
func (s *SSHServer) Addr() string {
	return s.listener.Addr().String()
}

// HostKey returns the server's public host key.
func (s *SSHServer) HostKey() ssh.PublicKey {
	return s.hostKey.PublicKey()
}

// Handshakes returns the number of completed SSH handshakes.
func (s *SSHServer) Handshakes() int {
	return int(s.handshakes.Load())
}

// Channels returns the number of accepted direct-tcpip channels.
func (s *SSHServer) Channels() int {
	return int(s.channels.Load())
}

// RejectChannels makes the server refuse the next n direct-tcpip opens.
func (s *SSHServer) RejectChannels(n int) {
	s.rejectChannels.Store(int32(n)) //nolint:gosec // Test input.
}

// DropConnections closes every established SSH connection.
func (s *SSHServer) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

// Close stops the server and waits for its goroutines.
func (s *SSHServer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	_ = s.listener.Close()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *SSHServer) serve(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *SSHServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sshConn.Close()
		return
	}
	s.conns[sshConn] = struct{}{}
	s.mu.Unlock()
	s.handshakes.Add(1)

	var (
		forwards forwardSet
		wg       sync.WaitGroup
	)
	defer func() {
		s.mu.Lock()
		delete(s.conns, sshConn)
		s.mu.Unlock()
		_ = sshConn.Close()
		forwards.closeAll()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for req := range reqs {
			s.handleGlobalRequest(sshConn, req, &forwards, &wg)
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "direct-tcpip" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleDirectTCPIP(ctx, newChan)
		}()
	}
}

func (s *SSHServer) handleDirectTCPIP(ctx context.Context, newChan ssh.NewChannel) {
	var payload directTCPIPPayload
	if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
		_ = newChan.Reject(ssh.Prohibited, "invalid direct-tcpip payload")
		return
	}

	for {
		n := s.rejectChannels.Load()
		if n <= 0 {
			break
		}
		if s.rejectChannels.CompareAndSwap(n, n-1) {
			_ = newChan.Reject(ssh.ConnectionFailed, "rejected by test")
			return
		}
	}

	addr := net.JoinHostPort(payload.Host, strconv.Itoa(int(payload.Port)))
	var d net.Dialer
	dst, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		_ = newChan.Reject(ssh.ConnectionFailed, fmt.Sprintf("dial %s: %v", addr, err))
		return
	}

	ch, reqs, err := newChan.Accept()
	if err != nil {
		_ = dst.Close()
		return
	}
	s.channels.Add(1)
	go ssh.DiscardRequests(reqs)

	pipe(ch, dst)
}

func (s *SSHServer) handleGlobalRequest(conn *ssh.ServerConn, req *ssh.Request, forwards *forwardSet, wg *sync.WaitGroup) {
	switch req.Type {
	case "tcpip-forward":
		var payload tcpipForwardPayload
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			return
		}
		addr := net.JoinHostPort(payload.BindAddr, strconv.Itoa(int(payload.BindPort)))
		lc := net.ListenConfig{}
		ln, err := lc.Listen(context.Background(), "tcp", addr)
		if err != nil {
			_ = req.Reply(false, nil)
			return
		}
		port := uint32(ln.Addr().(*net.TCPAddr).Port) //nolint:gosec // Port fits.
		forwards.add(addr, ln)
		_ = req.Reply(true, ssh.Marshal(struct{ Port uint32 }{port}))

		wg.Add(1)
		go func() {
			defer wg.Done()
			serveForward(conn, ln, payload.BindAddr, port)
		}()
	case "cancel-tcpip-forward":
		var payload tcpipForwardPayload
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			return
		}
		forwards.remove(net.JoinHostPort(payload.BindAddr, strconv.Itoa(int(payload.BindPort))))
		_ = req.Reply(true, nil)
	default:
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
	}
}

// serveForward hands each connection accepted on ln back to the client as a
// forwarded-tcpip channel.
func serveForward(conn ssh.Conn, ln net.Listener, bindAddr string, port uint32) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		origin := c.RemoteAddr().(*net.TCPAddr)
		payload := ssh.Marshal(forwardedTCPIPPayload{
			Addr:       bindAddr,
			Port:       port,
			OriginAddr: origin.IP.String(),
			OriginPort: uint32(origin.Port), //nolint:gosec // Port fits.
		})
		ch, reqs, err := conn.OpenChannel("forwarded-tcpip", payload)
		if err != nil {
			_ = c.Close()
			continue
		}
		go ssh.DiscardRequests(reqs)
		go pipe(ch, c)
	}
}

// pipe copies both ways between a and b and closes both once either side
// finishes.
func pipe(a io.ReadWriteCloser, b io.ReadWriteCloser) {
	defer a.Close()
	defer b.Close()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
}

// forwardSet tracks listeners opened for tcpip-forward requests on one
// connection. The ssh library's client reports port 0 requests under the
// port it was given back, so both spellings are removed on cancel.
type forwardSet struct {
	mu        sync.Mutex
	listeners map[string]net.Listener
}

func (f *forwardSet) add(addr string, ln net.Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listeners == nil {
		f.listeners = make(map[string]net.Listener)
	}
	f.listeners[addr] = ln
	f.listeners[ln.Addr().String()] = ln
}

func (f *forwardSet) remove(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ln, ok := f.listeners[addr]; ok {
		_ = ln.Close()
		delete(f.listeners, addr)
	}
}

func (f *forwardSet) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ln := range f.listeners {
		_ = ln.Close()
	}
	f.listeners = nil
}
