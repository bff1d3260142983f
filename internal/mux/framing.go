package mux

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// drainInto reads everything currently available on fd (a
// non-blocking descriptor) into *buf, stopping at the first short
// read (§4.2 Model: "drains every readable fd into a per-fd byte
// buffer"). A zero-byte read means the peer is gone; it is reported
// as unix.EIO so callers can treat it uniformly as a hangup.
func drainInto(fd int, buf *[]byte) error {
	var tmp [4096]byte
	for {
		n, err := unix.Read(fd, tmp[:])
		switch {
		case err == unix.EAGAIN:
			return nil
		case err == unix.EINTR:
			continue
		case err != nil:
			return err
		case n == 0:
			return unix.EIO
		}
		*buf = append(*buf, tmp[:n]...)
		if n < len(tmp) {
			return nil
		}
	}
}

// extractFrame pulls one complete length-prefixed frame off the
// front of *buf, if one is present, and advances *buf past it. This
// mirrors internal/proto's wire format but operates on an
// in-memory byte accumulator rather than an io.Reader, since the
// multiplexer's fds are non-blocking and frames may arrive split
// across many poll wakeups.
func extractFrame(buf *[]byte) ([]byte, bool) {
	if len(*buf) < 4 {
		return nil, false
	}
	length := binary.BigEndian.Uint32((*buf)[:4])
	total := 4 + int(length)
	if len(*buf) < total {
		return nil, false
	}
	frame := make([]byte, length)
	copy(frame, (*buf)[4:total])
	*buf = (*buf)[total:]
	return frame, true
}

// writeFrame writes one length-prefixed frame to fd, retrying on
// EINTR and on partial writes until the whole frame is on the wire.
func writeFrame(fd int, payload []byte) error {
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(payload)))
	if err := writeAll(fd, hdr); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	return writeAll(fd, payload)
}

// writeAll retries on EINTR and spins on EAGAIN: the multiplexer's
// end of every socket is non-blocking (§5), but frames are small and
// capped (internal/proto.MaxFrameBytes), so a brief busy-retry here
// is simpler than adding the fd to the poll set's write-interest and
// keeps the write path synchronous with the rest of the loop.
func writeAll(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return err
		}
		if n == 0 {
			return unix.EIO
		}
		buf = buf[n:]
	}
	return nil
}
