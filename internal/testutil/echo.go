package testutil

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

// StartEchoTCPServer listens on a loopback port and echoes every accepted
// connection back to itself until the test ends.
func StartEchoTCPServer(t *testing.T, ctx context.Context) net.Listener {
	t.Helper()

	ln, _ := StartServer(t, ctx, func(c net.Conn) {
		_, _ = io.Copy(c, c)
	})
	return ln
}

// AssertEcho writes msg to w and requires the same bytes back from r.
func AssertEcho(t *testing.T, w io.Writer, r io.Reader, msg []byte) {
	t.Helper()

	_, err := w.Write(msg)
	require.NoError(t, err)

	buf := make([]byte, len(msg))
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	require.Equal(t, string(msg), string(buf))
}
