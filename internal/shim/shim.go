// Package shim implements the child client shim (§4.5): the
// synchronous, blocking API a pipeline stage's built-in uses to talk
// to its socket, whether that socket leads to a multiplexer or
// straight to a broker. It never assumes which: reserved handles are
// answered locally here too, as a safety net for the direct-to-broker
// topology, exactly mirroring what the multiplexer does (§4.5 "a
// safety net that lets the same built-in code run in both
// topologies").
package shim

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ianremillard/vfsmux/internal/proto"
)

// Error is the shim's decoded view of a broker/multiplexer error
// response: a taxonomy code (§3) plus the human-readable message the
// far end supplied.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

const readChunkCap = 4096

// Client is one stage's connection to its socket (multiplexer or
// broker) plus the monotonic id counter used to correlate requests
// with responses on that one socket (§3 "process-local monotonic
// counter").
type Client struct {
	conn io.ReadWriter
	mu   sync.Mutex
	seq  uint64
}

// New wraps conn — the stage's end of its socket — in a Client.
func New(conn io.ReadWriter) *Client {
	return &Client{conn: conn}
}

func (c *Client) nextID() string {
	c.seq++
	return fmt.Sprintf("%d", c.seq)
}

// roundTrip writes one request and blocks for its matching response.
// The shim never pipelines: each call fully completes before the next
// begins, since every op here already waits for its own reply.
func (c *Client) roundTrip(op string, params any) (proto.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := proto.Request{ID: c.nextID(), Op: op, Params: proto.MarshalParams(params)}
	body, err := json.Marshal(req)
	if err != nil {
		return proto.Response{}, fmt.Errorf("shim: marshal request: %w", err)
	}
	if err := proto.WriteFrame(c.conn, body); err != nil {
		return proto.Response{}, fmt.Errorf("shim: write request: %w", err)
	}

	frame, err := proto.ReadFrame(c.conn)
	if err != nil {
		return proto.Response{}, fmt.Errorf("shim: read response: %w", err)
	}
	var resp proto.Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		return proto.Response{}, fmt.Errorf("shim: decode response: %w", err)
	}
	return resp, nil
}

func asError(resp proto.Response) error {
	if resp.Error == nil {
		return &Error{Code: proto.ErrIO, Message: "error response missing error body"}
	}
	return &Error{Code: resp.Error.Code, Message: resp.Error.Message}
}

// Open requests a handle for path under mode ("r", "w", "a", "rw").
func (c *Client) Open(path, mode string) (uint32, error) {
	resp, err := c.roundTrip(proto.OpOpen, proto.OpenParams{Path: path, Mode: mode})
	if err != nil {
		return 0, err
	}
	if !resp.OK {
		return 0, asError(resp)
	}
	var r proto.OpenResult
	if err := json.Unmarshal(resp.Result, &r); err != nil {
		return 0, fmt.Errorf("shim: decode open result: %w", err)
	}
	return r.Handle, nil
}

// ReadChunk reads up to max bytes from h. h of 0 is served locally
// from this process's own stdin (§4.5), bypassing the socket
// entirely — the fast path a stage takes when wired directly to a
// broker with no intervening multiplexer.
func (c *Client) ReadChunk(h uint32, max uint32) ([]byte, bool, error) {
	if h == 0 {
		return readStdinLocally(max)
	}
	resp, err := c.roundTrip(proto.OpRead, proto.ReadParams{H: h, Max: max})
	if err != nil {
		return nil, false, err
	}
	if !resp.OK {
		return nil, false, asError(resp)
	}
	var r proto.ReadResult
	if err := json.Unmarshal(resp.Result, &r); err != nil {
		return nil, false, fmt.Errorf("shim: decode read result: %w", err)
	}
	return r.Data, r.EOF, nil
}

func readStdinLocally(max uint32) ([]byte, bool, error) {
	if max > readChunkCap {
		max = readChunkCap
	}
	buf := make([]byte, max)
	n, err := os.Stdin.Read(buf)
	if err != nil && n == 0 {
		if err == io.EOF {
			return []byte{}, true, nil
		}
		return nil, false, &Error{Code: proto.ErrIO, Message: err.Error()}
	}
	return buf[:n], n == 0, nil
}

// WriteChunk writes data to h, looping over partial writes until
// every byte has been accepted or an error occurs (§4.5 "write_chunk
// partial-write loop"). A response reporting zero bytes written is
// treated as E_IO to prevent livelock. h of 1 or 2 is served locally
// to this process's own stdout/stderr; h of 0 is always E_PERM.
func (c *Client) WriteChunk(h uint32, data []byte) (int, error) {
	if h == 1 || h == 2 {
		return writeReservedLocally(h, data)
	}
	if h == 0 {
		return 0, &Error{Code: proto.ErrPerm, Message: "not writable"}
	}

	total := 0
	for total < len(data) {
		resp, err := c.roundTrip(proto.OpWrite, proto.WriteParams{H: h, Data: data[total:]})
		if err != nil {
			return total, err
		}
		if !resp.OK {
			return total, asError(resp)
		}
		var r proto.WriteResult
		if err := json.Unmarshal(resp.Result, &r); err != nil {
			return total, fmt.Errorf("shim: decode write result: %w", err)
		}
		if r.Written == 0 {
			return total, &Error{Code: proto.ErrIO, Message: "zero-progress write"}
		}
		total += r.Written
	}
	return total, nil
}

func writeReservedLocally(h uint32, data []byte) (int, error) {
	var f *os.File
	if h == 1 {
		f = os.Stdout
	} else {
		f = os.Stderr
	}
	n, err := f.Write(data)
	if err != nil {
		return n, &Error{Code: proto.ErrIO, Message: err.Error()}
	}
	return n, nil
}

// Close releases h. Reserved handles (0, 1, 2) always succeed
// locally without releasing anything (§4.5).
func (c *Client) Close(h uint32) error {
	if h <= proto.ReservedMax {
		return nil
	}
	resp, err := c.roundTrip(proto.OpClose, proto.CloseParams{H: h})
	if err != nil {
		return err
	}
	if !resp.OK {
		return asError(resp)
	}
	return nil
}
