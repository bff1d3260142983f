package broker

import (
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/ianremillard/vfsmux/internal/metrics"
	"github.com/ianremillard/vfsmux/internal/proto"
)

// Origin runs the broker's origin-mode serving loop (§4.3) on conn:
// read one frame, dispatch by op, write one frame, synchronously and
// single-threaded, until the downstream connection reaches a clean
// EOF on a frame boundary. mm may be nil, in which case no metrics are
// recorded.
//
// A malformed request frame does not abort the loop — only the
// request-local error is reported for it (§7 tier 1). A frame
// boundary violation (truncated header or body) is connection-fatal
// and Origin returns the error that caused it (§7 tier 2).
func Origin(conn io.ReadWriter, allowRead, allowWrite []string, mm *metrics.Metrics) error {
	s := NewState(allowRead, allowWrite).WithMetrics(mm)
	defer func() {
		if n := s.OpenHandleCount(); n > 0 {
			log.Printf("broker: warning: %d unclosed handle(s) at shutdown", n)
		}
	}()

	for {
		frame, err := proto.ReadFrame(conn)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("broker: frame read: %w", err)
		}

		var req proto.Request
		if err := json.Unmarshal(frame, &req); err != nil {
			resp := proto.Err("?", proto.ErrArg, "invalid json: "+err.Error())
			if werr := writeResponse(conn, resp); werr != nil {
				return fmt.Errorf("broker: frame write: %w", werr)
			}
			continue
		}

		resp := s.Dispatch(req)
		if werr := writeResponse(conn, resp); werr != nil {
			return fmt.Errorf("broker: frame write: %w", werr)
		}
	}
}

func writeResponse(w io.Writer, resp proto.Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return proto.WriteFrame(w, body)
}
