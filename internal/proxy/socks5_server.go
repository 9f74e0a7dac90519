package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/die-net/sockssh/internal/failure"
	"github.com/die-net/sockssh/internal/socks5"
)

type SOCKS5Server struct {
	ctx context.Context
	cfg Config
	log logrus.FieldLogger
	run *runner

	mu sync.Mutex
	ln net.Listener
}

// NewSOCKS5Server returns a server whose handlers live as long as ctx.
func NewSOCKS5Server(ctx context.Context, cfg Config) (*SOCKS5Server, error) {
	if cfg.Provider == nil {
		return nil, errors.New("socks5 server: missing provider")
	}

	run, err := newRunner(cfg.Isolation, cfg.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("socks5 server: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &SOCKS5Server{ctx: ctx, cfg: cfg, log: log, run: run}, nil
}

// Serve accepts connections on ln until ln fails or the server's context
// ends, which closes ln. It returns nil on shutdown.
func (s *SOCKS5Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	stop := context.AfterFunc(s.ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	for {
		c, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("socks5 accept: %w", err)
		}

		if err := s.run.Go(s.ctx, func() { s.handleConn(c) }); err != nil {
			_ = c.Close()
			return nil
		}
	}
}

// Addr returns the address Serve is listening on, or nil before Serve.
func (s *SOCKS5Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Wait blocks until every started handler has returned.
func (s *SOCKS5Server) Wait() {
	s.run.Wait()
}

func (s *SOCKS5Server) handleConn(conn net.Conn) {
	defer conn.Close()

	// Shutdown unblocks handlers still in the handshake.
	stop := context.AfterFunc(s.ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	log := s.log.WithFields(logrus.Fields{
		"conn":   uuid.NewString(),
		"client": conn.RemoteAddr().String(),
	})

	err := s.serveConn(conn, log)
	if err == nil {
		log.Debug("socks5: connection closed")
		return
	}

	kind := failure.KindOf(err)
	entry := log.WithField("kind", kind.String()).WithError(err)
	switch {
	case errors.Is(err, context.Canceled):
		entry.Debug("socks5: connection aborted")
	case kind == failure.KindClientIOFailed:
		entry.Info("socks5: connection failed")
	default:
		entry.Warn("socks5: connection failed")
	}
}

// serveConn runs one connection from the greeting to the end of the relay.
func (s *SOCKS5Server) serveConn(conn net.Conn, log *logrus.Entry) error {
	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	if err := socks5.Negotiate(conn, s.cfg.FailureReplies); err != nil {
		return err
	}

	req, err := socks5.ReadRequest(conn, conn.RemoteAddr())
	if err != nil {
		if s.cfg.FailureReplies && errors.Is(err, failure.ErrAddressTypeUnsupported) {
			socks5.WriteFailureReply(conn, socks5.RepAddressNotSupported, socks5.ATYPIPv4)
		}
		return err
	}

	log = log.WithFields(logrus.Fields{
		"cmd": socks5.CommandName(req.Cmd),
		"dst": req.Address(),
	})

	switch req.Cmd {
	case socks5.CmdConnect:
		return s.connect(conn, req, log)
	case socks5.CmdBind:
		return s.bind(conn, req, log)
	default:
		if s.cfg.FailureReplies {
			socks5.WriteFailureReply(conn, socks5.RepCommandNotSupported, req.Atyp)
		}
		return failure.New(failure.KindCommandNotSupported, "%s is not supported", socks5.CommandName(req.Cmd))
	}
}

func (s *SOCKS5Server) connect(conn net.Conn, req *socks5.Request, log *logrus.Entry) error {
	remote, err := s.cfg.Provider.Connect(s.ctx, req)
	if err != nil {
		// Without failure replies the client just sees the connection close.
		if s.cfg.FailureReplies {
			socks5.WriteFailureReply(conn, socks5.RepHostUnreachable, req.Atyp)
		}
		return err
	}

	if err := socks5.WriteSuccessReply(conn, remote.Bound); err != nil {
		_ = remote.Conn.Close()
		return failure.Wrap(failure.KindClientIOFailed, err, "connect reply")
	}
	_ = conn.SetDeadline(time.Time{})

	log.WithField("bound", remote.Bound.String()).Debug("socks5: relaying")
	return Relay(s.ctx, conn, remote.Conn)
}

func (s *SOCKS5Server) bind(conn net.Conn, req *socks5.Request, log *logrus.Entry) error {
	ln, err := s.cfg.Provider.Bind(s.ctx, req)
	if err != nil {
		if s.cfg.FailureReplies {
			socks5.WriteFailureReply(conn, socks5.RepServerFailure, req.Atyp)
		}
		return err
	}
	defer ln.Close()

	// First reply: where the peer should connect.
	if err := socks5.WriteSuccessReply(conn, ln.Addr()); err != nil {
		return failure.Wrap(failure.KindClientIOFailed, err, "bind reply")
	}
	// acceptOne enforces its own timeout.
	_ = conn.SetDeadline(time.Time{})
	log.WithField("bound", ln.Addr().String()).Debug("socks5: waiting for bind peer")

	peer, err := acceptOne(s.ctx, ln, s.cfg.NegotiationTimeout)
	if err != nil {
		if s.cfg.FailureReplies {
			socks5.WriteFailureReply(conn, socks5.RepServerFailure, req.Atyp)
		}
		return failure.Wrap(failure.KindRemoteConnectFailed, err, "bind accept")
	}
	_ = ln.Close()

	// Second reply: who connected.
	if err := socks5.WriteSuccessReply(conn, peer.RemoteAddr()); err != nil {
		_ = peer.Close()
		return failure.Wrap(failure.KindClientIOFailed, err, "bind reply")
	}

	log.WithField("peer", peer.RemoteAddr().String()).Debug("socks5: relaying")
	return Relay(s.ctx, conn, peer)
}

// acceptOne accepts a single connection from ln, giving up after timeout
// (if positive) or when ctx ends. ln is closed on give-up.
func acceptOne(ctx context.Context, ln net.Listener, timeout time.Duration) (net.Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})

	c, err := ln.Accept()
	if !stop() && c != nil {
		// ctx ended at the same moment; honor it.
		_ = c.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return c, nil
}
