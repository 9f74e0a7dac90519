package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	"github.com/die-net/sockssh/internal/failure"
)

const (
	// DefaultRetryLimit bounds consecutive transport reconnects.
	DefaultRetryLimit = 5
	// DefaultChannelTimeout bounds a single direct-tcpip channel open.
	DefaultChannelTimeout = 5 * time.Second
)

// Conn is the part of an established SSH transport that a Session uses.
// *ssh.Client implements it.
type Conn interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
	Listen(network, address string) (net.Listener, error)
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	RemoteAddr() net.Addr
	Close() error
}

// ContextDialer mirrors net.Dialer.DialContext.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// SessionConfig configures a Session.
type SessionConfig struct {
	// Addr is the SSH server's host:port.
	Addr string
	// Client holds authentication and host key verification settings.
	Client ClientConfig
	// RetryLimit bounds consecutive reconnects of a broken transport. Zero
	// selects DefaultRetryLimit.
	RetryLimit int
	// ChannelTimeout bounds each channel open. Zero selects
	// DefaultChannelTimeout.
	ChannelTimeout time.Duration
	// Dialer reaches the SSH server. If nil, a zero net.Dialer is used.
	Dialer ContextDialer
	Logger logrus.FieldLogger
}

// Stats is a snapshot of a Session's counters.
type Stats struct {
	Reconnects    int
	ChannelErrors int
	Connected     bool
}

// Channel is a forwarded direct-tcpip stream.
type Channel struct {
	net.Conn
	// Peer is the SSH server's address. Forwarded channels have no address
	// of their own, so this is what gets reported as the bound endpoint.
	Peer net.Addr
}

// Session owns one persistent, authenticated SSH transport and opens
// direct-tcpip channels over it on demand.
//
// The transport is established lazily and shared by every caller. When a
// channel open fails because the transport is broken, the transport is torn
// down and re-established, at most RetryLimit times in a row. All mutable
// state is guarded by mu; establishment runs through a singleflight group so
// a half-built transport is never visible.
type Session struct {
	addr           string
	retryLimit     int
	channelTimeout time.Duration
	log            logrus.FieldLogger
	connect        func(ctx context.Context) (Conn, error)

	sf singleflight.Group

	mu            sync.Mutex
	conn          Conn
	closed        bool
	reconnects    int
	channelErrors int
	// establishments numbers connect attempts; counted is the last failed
	// attempt already charged to reconnects.
	establishments uint64
	counted        uint64
}

// NewSession validates cfg and returns a Session. No connection is made until
// the first OpenChannel or Listen.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Addr == "" {
		return nil, errors.New("ssh session: missing ssh address")
	}
	if err := cfg.Client.Validate(); err != nil {
		return nil, fmt.Errorf("ssh session: %w", err)
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	s := newSession(cfg, nil)
	s.connect = func(ctx context.Context) (Conn, error) {
		return dialSSH(ctx, dialer, cfg.Addr, cfg.Client)
	}
	return s, nil
}

func newSession(cfg SessionConfig, connect func(ctx context.Context) (Conn, error)) *Session {
	s := &Session{
		addr:           cfg.Addr,
		retryLimit:     cfg.RetryLimit,
		channelTimeout: cfg.ChannelTimeout,
		log:            cfg.Logger,
		connect:        connect,
	}
	if s.retryLimit <= 0 {
		s.retryLimit = DefaultRetryLimit
	}
	if s.channelTimeout <= 0 {
		s.channelTimeout = DefaultChannelTimeout
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	s.log = s.log.WithField("ssh", s.addr)
	return s
}

// Addr returns the SSH server address.
func (s *Session) Addr() string {
	return s.addr
}

// OpenChannel opens a direct-tcpip channel to dst. src is the originating
// client, used for logging.
//
// A rejected or timed-out open on a healthy transport is retried once, then
// reported. Any other failure is treated as a broken transport: it is torn
// down, re-established and the open retried, until RetryLimit consecutive
// reconnects have been spent. Authentication and host key failures are
// reported at once. Every error is of kind failure.KindRemoteConnectFailed.
func (s *Session) OpenChannel(ctx context.Context, dst, src string) (*Channel, error) {
	log := s.log.WithFields(logrus.Fields{"dst": dst, "src": src})

	for attempt := 0; ; attempt++ {
		conn, err := s.ensure(ctx)
		if err == nil {
			var ch net.Conn
			ch, err = s.openChannel(ctx, conn, dst)
			if err == nil {
				s.mu.Lock()
				s.reconnects = 0
				s.mu.Unlock()
				return &Channel{Conn: ch, Peer: conn.RemoteAddr()}, nil
			}
		}

		var fatal *fatalError
		var chErr *channelError
		switch {
		case ctx.Err() != nil:
			return nil, failure.Wrapf(failure.KindRemoteConnectFailed, ctx.Err(), "open channel to %s", dst)
		case errors.As(err, &chErr):
			return nil, failure.Wrapf(failure.KindRemoteConnectFailed, chErr.err, "open channel to %s via %s", dst, s.addr)
		case errors.As(err, &fatal):
			return nil, failure.Wrapf(failure.KindRemoteConnectFailed, fatal.err, "ssh session to %s", s.addr)
		}

		if err := s.discard(conn, err, attempt); err != nil {
			return nil, err
		}
		log.WithError(err).Warnf("ssh: transport failed, reconnecting (attempt %d of %d)", attempt+1, s.retryLimit)
	}
}

// Listen asks the SSH server to listen on addr and forward inbound
// connections back over the transport.
func (s *Session) Listen(ctx context.Context, addr string) (net.Listener, error) {
	conn, err := s.ensure(ctx)
	if err != nil {
		return nil, failure.Wrapf(failure.KindRemoteConnectFailed, err, "ssh session to %s", s.addr)
	}
	ln, err := conn.Listen("tcp", addr)
	if err != nil {
		return nil, failure.Wrapf(failure.KindRemoteConnectFailed, err, "ssh remote listen on %s", addr)
	}
	return ln, nil
}

// Stats returns a snapshot of the session's counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Reconnects:    s.reconnects,
		ChannelErrors: s.channelErrors,
		Connected:     s.conn != nil,
	}
}

// Close closes the transport. Later opens fail.
func (s *Session) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.closed = true
	s.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

var errSessionClosed = errors.New("ssh session closed")

// ensure returns the current transport, establishing one if needed.
//
// Callers can bail out early if their context is canceled, while the
// connection attempt continues for other waiters.
func (s *Session) ensure(ctx context.Context) (Conn, error) {
	s.mu.Lock()
	conn, closed := s.conn, s.closed
	s.mu.Unlock()
	if closed {
		return nil, &fatalError{err: errSessionClosed}
	}
	if conn != nil {
		return conn, nil
	}

	ch := s.sf.DoChan("connect", func() (any, error) {
		s.mu.Lock()
		if s.conn != nil {
			c := s.conn
			s.mu.Unlock()
			return c, nil
		}
		s.establishments++
		id := s.establishments
		s.mu.Unlock()

		// A background context lets the attempt finish for other waiters even
		// if the triggering caller gives up.
		c, err := s.connect(context.Background())
		if err != nil {
			return nil, &establishError{id: id, err: err}
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			_ = c.Close()
			return nil, &fatalError{err: errSessionClosed}
		}
		s.conn = c
		s.log.Infof("ssh: connected to %s", c.RemoteAddr())
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Conn), nil
	}
}

// discard drops broken and counts one reconnect. A nil broken means cause is
// a failed establishment. Only the first caller to report a given transport
// or establishment counts it (and tears the transport down); later reports of
// the same failure just retry. It returns the retry-limit error once no
// reconnect is left for this call, leaving the session disconnected with its
// counter reset.
func (s *Session) discard(broken Conn, cause error, attempt int) error {
	limitErr := func() error {
		return failure.Wrapf(failure.KindRemoteConnectFailed, cause, "ssh session to %s failed after %d retries", s.addr, s.retryLimit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return failure.Wrap(failure.KindRemoteConnectFailed, errSessionClosed, s.addr)
	}

	first := false
	if broken != nil {
		if broken == s.conn {
			_ = s.conn.Close()
			s.conn = nil
			first = true
		}
	} else {
		var est *establishError
		if !errors.As(cause, &est) || est.id > s.counted {
			if est != nil {
				s.counted = est.id
			}
			first = true
		}
	}

	if first {
		if s.reconnects >= s.retryLimit {
			// Give later requests a fresh budget.
			s.reconnects = 0
			return limitErr()
		}
		s.reconnects++
	}

	if attempt >= s.retryLimit {
		return limitErr()
	}
	return nil
}

// openChannel opens dst on conn, retrying a channel-level failure once.
func (s *Session) openChannel(ctx context.Context, conn Conn, dst string) (net.Conn, error) {
	c, err := s.dialChannel(ctx, conn, dst)
	var chErr *channelError
	if err == nil || !errors.As(err, &chErr) {
		return c, err
	}

	s.log.WithField("dst", dst).Debugf("ssh: retrying channel open: %v", chErr.err)
	c, err = s.dialChannel(ctx, conn, dst)
	if err != nil && errors.As(err, &chErr) {
		s.mu.Lock()
		s.channelErrors++
		s.mu.Unlock()
	}
	return c, err
}

// dialChannel opens one channel. A rejection by the server is a channel-level
// failure. So is a timeout, as long as the transport still answers a
// keepalive; otherwise the timeout counts against the transport.
func (s *Session) dialChannel(ctx context.Context, conn Conn, dst string) (net.Conn, error) {
	openCtx, cancel := context.WithTimeout(ctx, s.channelTimeout)
	defer cancel()

	c, err := conn.DialContext(openCtx, "tcp", dst)
	if err == nil {
		return c, nil
	}

	var openErr *ssh.OpenChannelError
	if errors.As(err, &openErr) {
		return nil, &channelError{err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		if s.alive(conn) {
			return nil, &channelError{err: fmt.Errorf("channel open timed out after %s: %w", s.channelTimeout, err)}
		}
		return nil, fmt.Errorf("transport unresponsive: %w", err)
	}
	return nil, err
}

// alive sends a keepalive request and waits up to the channel timeout for an
// answer.
func (s *Session) alive(conn Conn) bool {
	done := make(chan error, 1)
	go func() {
		_, _, err := conn.SendRequest("keepalive@openssh.com", true, nil)
		done <- err
	}()

	t := time.NewTimer(s.channelTimeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err == nil
	case <-t.C:
		return false
	}
}

// channelError is a failure to open one channel on a healthy transport.
type channelError struct {
	err error
}

func (e *channelError) Error() string { return e.err.Error() }
func (e *channelError) Unwrap() error { return e.err }

// fatalError is a failure that reconnecting cannot fix: bad credentials, a
// rejected host key, an unresolvable server name or a closed session.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// establishError is a failed connect attempt, shared by every caller that
// waited on it.
type establishError struct {
	id  uint64
	err error
}

func (e *establishError) Error() string { return e.err.Error() }
func (e *establishError) Unwrap() error { return e.err }

// dialSSH establishes a new SSH transport to addr.
func dialSSH(ctx context.Context, dialer ContextDialer, addr string, cfg ClientConfig) (Conn, error) {
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		err = fmt.Errorf("ssh transport dial: %w", err)
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, &fatalError{err: err}
		}
		return nil, err
	}

	// Close conn if ctx is canceled during handshake.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	var rejected atomic.Bool
	verify := cfg.HostKeyCallback
	cfg.HostKeyCallback = func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err := verify(hostname, remote, key); err != nil {
			rejected.Store(true)
			return err
		}
		return nil
	}

	client, err := NewClient(conn, cfg, addr)
	if err != nil {
		if rejected.Load() || isAuthError(err) {
			return nil, &fatalError{err: err}
		}
		return nil, fmt.Errorf("ssh transport: %w", err)
	}
	return client, nil
}

// isAuthError matches the client's authentication failure, which
// x/crypto/ssh only reports as text.
func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}
