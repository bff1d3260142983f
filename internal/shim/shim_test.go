package shim

import (
	"encoding/json"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/vfsmux/internal/proto"
)

// pipeConn turns an io.Reader/io.Writer pair into the io.ReadWriter
// the shim expects, so tests can drive both ends with plain pipes.
type pipeConn struct {
	io.Reader
	io.Writer
}

// newClientAgainstFake wires a Client to a goroutine that answers
// every request it receives with a caller-supplied responder, giving
// the shim's blocking round trip something to unblock it.
func newClientAgainstFake(t *testing.T, respond func(req proto.Request) proto.Response) *Client {
	t.Helper()
	shimRead, peerWrite := io.Pipe()
	peerRead, shimWrite := io.Pipe()

	go func() {
		for {
			frame, err := proto.ReadFrame(peerRead)
			if err != nil {
				return
			}
			var req proto.Request
			if err := json.Unmarshal(frame, &req); err != nil {
				return
			}
			resp := respond(req)
			body, _ := json.Marshal(resp)
			if err := proto.WriteFrame(peerWrite, body); err != nil {
				return
			}
		}
	}()

	return New(pipeConn{Reader: shimRead, Writer: shimWrite})
}

func TestOpenSuccess(t *testing.T) {
	c := newClientAgainstFake(t, func(req proto.Request) proto.Response {
		var p proto.OpenParams
		require.NoError(t, json.Unmarshal(req.Params, &p))
		assert.Equal(t, "/tmp/x", p.Path)
		assert.Equal(t, proto.ModeRead, p.Mode)
		return proto.OK(req.ID, proto.OpenResult{Handle: 3})
	})
	h, err := c.Open("/tmp/x", proto.ModeRead)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), h)
}

func TestOpenErrorDecodesTaxonomyCode(t *testing.T) {
	c := newClientAgainstFake(t, func(req proto.Request) proto.Response {
		return proto.Err(req.ID, proto.ErrNoEnt, "not found")
	})
	_, err := c.Open("/nope", proto.ModeRead)
	require.Error(t, err)
	var shimErr *Error
	require.ErrorAs(t, err, &shimErr)
	assert.Equal(t, proto.ErrNoEnt, shimErr.Code)
}

func TestWriteChunkLoopsOverPartialWrites(t *testing.T) {
	var gotWrites [][]byte
	remaining := 3
	c := newClientAgainstFake(t, func(req proto.Request) proto.Response {
		var p proto.WriteParams
		require.NoError(t, json.Unmarshal(req.Params, &p))
		gotWrites = append(gotWrites, append([]byte{}, p.Data...))
		n := 2
		if n > len(p.Data) {
			n = len(p.Data)
		}
		if remaining > 0 {
			remaining--
		}
		return proto.OK(req.ID, proto.WriteResult{Written: n})
	})

	n, err := c.WriteChunk(5, []byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, [][]byte{[]byte("abcdef"), []byte("cdef"), []byte("ef")}, gotWrites)
}

func TestWriteChunkZeroProgressIsIOError(t *testing.T) {
	c := newClientAgainstFake(t, func(req proto.Request) proto.Response {
		return proto.OK(req.ID, proto.WriteResult{Written: 0})
	})
	_, err := c.WriteChunk(5, []byte("x"))
	require.Error(t, err)
	var shimErr *Error
	require.ErrorAs(t, err, &shimErr)
	assert.Equal(t, proto.ErrIO, shimErr.Code)
}

func TestCloseReservedHandleNeverRoundTrips(t *testing.T) {
	called := false
	c := newClientAgainstFake(t, func(req proto.Request) proto.Response {
		called = true
		return proto.OK(req.ID, proto.CloseResult{Closed: true})
	})
	for h := uint32(0); h <= proto.ReservedMax; h++ {
		assert.NoError(t, c.Close(h))
	}
	assert.False(t, called, "reserved-handle close must never touch the socket")
}

func TestReadChunkFd0ReadsLocalStdin(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	orig := os.Stdin
	os.Stdin = r
	defer func() { os.Stdin = orig }()

	_, err = w.Write([]byte("payload"))
	require.NoError(t, err)
	w.Close()

	c := newClientAgainstFake(t, func(req proto.Request) proto.Response {
		t.Fatal("fd 0 read must never hit the socket")
		return proto.Response{}
	})
	data, eof, err := c.ReadChunk(0, 16)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.False(t, eof)
}

func TestWriteChunkFd1WritesLocalStdout(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	c := newClientAgainstFake(t, func(req proto.Request) proto.Response {
		t.Fatal("fd 1 write must never hit the socket")
		return proto.Response{}
	})
	n, err := c.WriteChunk(1, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	w.Close()

	got := make([]byte, 2)
	_, _ = io.ReadFull(r, got)
	assert.Equal(t, "hi", string(got))
}

func TestWriteChunkFd0IsPerm(t *testing.T) {
	c := newClientAgainstFake(t, func(req proto.Request) proto.Response {
		t.Fatal("fd 0 write must never hit the socket")
		return proto.Response{}
	})
	_, err := c.WriteChunk(0, []byte("x"))
	require.Error(t, err)
	var shimErr *Error
	require.ErrorAs(t, err, &shimErr)
	assert.Equal(t, proto.ErrPerm, shimErr.Code)
}
