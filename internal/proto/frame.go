// Package proto defines the framed request/response protocol spoken
// between a pipeline stage's client shim, the parent multiplexer, and
// the file broker.
//
// Framing is a 32-bit big-endian length followed by exactly that many
// bytes of JSON; there is no other framing and no frame type byte.
// Normal traffic is one Request per frame from the sender and one
// Response per frame carrying the same id back.
package proto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameBytes is a sanity cap on frame payload size. The protocol
// does not fix an upper bound, but implementations must tolerate at
// least 64 KiB; this repo tolerates considerably more to accommodate
// the large-write scenario in spec §8.
const MaxFrameBytes = 8 << 20 // 8 MiB

// WriteFrame writes a single length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("proto: write frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("proto: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads a single length-prefixed frame from r.
//
// A zero-byte read at the very start of the header is a clean EOF and
// is reported by returning io.EOF with a nil payload. Any other EOF —
// mid-header or mid-body — is a protocol error, since it means the
// peer died without respecting frame boundaries.
func ReadFrame(r io.Reader) ([]byte, error) {
	hdr := make([]byte, 4)
	n, err := io.ReadFull(r, hdr)
	if err != nil {
		if n == 0 && (err == io.EOF || err == io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("proto: truncated frame header (read %d of 4 bytes): %w", n, err)
	}

	length := binary.BigEndian.Uint32(hdr)
	if length > MaxFrameBytes {
		return nil, fmt.Errorf("proto: frame of %d bytes exceeds cap of %d", length, MaxFrameBytes)
	}
	if length == 0 {
		return []byte{}, nil
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("proto: truncated frame body (wanted %d bytes): %w", length, err)
	}
	return body, nil
}
