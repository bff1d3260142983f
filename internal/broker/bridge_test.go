package broker

import (
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// netConnPair returns two connected net.Conn backed by a real
// AF_UNIX socketpair, so CloseWrite half-closes actually work the way
// they would between a real broker and its parent.
func netConnPair(t *testing.T) (a, b net.Conn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	fa := os.NewFile(uintptr(fds[0]), "a")
	fb := os.NewFile(uintptr(fds[1]), "b")
	ca, err := net.FileConn(fa)
	require.NoError(t, err)
	cb, err := net.FileConn(fb)
	require.NoError(t, err)
	fa.Close()
	fb.Close()
	return ca, cb
}

// TestBridgeCopiesBothDirections checks Bridge moves bytes unmodified
// each way and returns once both sides have reached EOF (§4.4).
func TestBridgeCopiesBothDirections(t *testing.T) {
	downstreamLocal, downstreamRemote := netConnPair(t)
	upstreamLocal, upstreamRemote := netConnPair(t)

	done := make(chan struct{})
	go func() {
		Bridge(downstreamLocal, upstreamLocal)
		close(done)
	}()

	_, err := downstreamRemote.Write([]byte("hello-up"))
	require.NoError(t, err)
	buf := make([]byte, 8)
	_, err = io.ReadFull(upstreamRemote, buf)
	require.NoError(t, err)
	require.Equal(t, "hello-up", string(buf))

	_, err = upstreamRemote.Write([]byte("hello-dn"))
	require.NoError(t, err)
	buf2 := make([]byte, 8)
	_, err = io.ReadFull(downstreamRemote, buf2)
	require.NoError(t, err)
	require.Equal(t, "hello-dn", string(buf2))

	downstreamRemote.Close()
	upstreamRemote.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Bridge did not return after both remotes closed")
	}
}
