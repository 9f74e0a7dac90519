package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/die-net/sockssh/internal/failure"
)

const relayBufferSize = 4096

var (
	relayBuffers = newBufferPool(relayBufferSize)

	errPeerClosed = errors.New("peer closed")
)

// Relay copies bytes between client and remote in both directions until
// either side reaches EOF or fails, or ctx is canceled. Both connections are
// closed before it returns.
//
// A clean EOF from either side returns nil. Failures reading from or writing
// to the client are failure.KindClientIOFailed; failures on the remote side
// are failure.KindRemoteConnectFailed.
func Relay(ctx context.Context, client, remote net.Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = remote.Close()
		})
	}
	defer closeBoth()

	g.Go(func() error {
		return pump(remote, client, failure.KindRemoteConnectFailed, failure.KindClientIOFailed)
	})

	g.Go(func() error {
		return pump(client, remote, failure.KindClientIOFailed, failure.KindRemoteConnectFailed)
	})

	// Closing both sides unblocks whichever pump is still running.
	g.Go(func() error {
		<-gctx.Done()
		closeBoth()
		return nil
	})

	err := g.Wait()
	switch {
	case errors.Is(err, errPeerClosed):
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return err
	}
}

// pump moves chunks from src to dst. Each chunk is written in full or the
// pump fails.
func pump(dst, src net.Conn, dstKind, srcKind failure.Kind) error {
	bp := relayBuffers.Get()
	defer relayBuffers.Put(bp)
	buf := *bp

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			if werr != nil {
				return failure.Wrap(dstKind, werr, "relay write")
			}
			if w != n {
				return failure.Wrap(dstKind, io.ErrShortWrite, "relay write")
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return errPeerClosed
			}
			return failure.Wrap(srcKind, rerr, "relay read")
		}
	}
}
