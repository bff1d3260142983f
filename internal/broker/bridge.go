package broker

import (
	"io"
	"log"
	"net"
	"sync"
)

// Bridge runs the broker's bridge mode (§4.4): two concurrent copy
// loops move bytes unmodified between downstream and upstream,
// permitting a nested shell to hand its parent's broker socket
// through an intermediate broker process without re-authorizing.
// Bridge mode never inspects frames and is incompatible with
// allowlist flags (enforced by the cmd/vfsmuxd flag parser, not here).
//
// Bridge blocks until both directions have reached EOF or an error,
// half-closing the opposite side as each direction finishes, mirroring
// the original broker's run_bridge.
func Bridge(downstream, upstream net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		copyHalf(upstream, downstream, "downstream->upstream")
	}()
	go func() {
		defer wg.Done()
		copyHalf(downstream, upstream, "upstream->downstream")
	}()

	wg.Wait()
}

type halfCloseWriter interface {
	CloseWrite() error
}

func copyHalf(dst, src net.Conn, label string) {
	if _, err := io.Copy(dst, src); err != nil {
		log.Printf("broker: bridge %s: %v", label, err)
	}
	if hc, ok := dst.(halfCloseWriter); ok {
		_ = hc.CloseWrite()
	}
}
