// vfsmuxd is the file broker (§4.3, §4.4): the process that owns
// every real file descriptor for allowlisted paths. It runs in one of
// two modes:
//
//	vfsmuxd --downstream-fd 3 -i /allowed/read.txt -o /allowed/write.txt
//	vfsmuxd --downstream-fd 3 --upstream-fd 4
//
// Origin mode (no --upstream-fd) serves the framed protocol directly
// against its allowlists. Bridge mode (--upstream-fd given) rejects
// allowlist flags and instead splices downstream-fd to upstream-fd
// unmodified (§4.4), letting a nested shell hand its parent's broker
// connection through without re-authorizing.
//
// vfsmuxd is always forked by cmd/vfsmux; it is not meant to be run by
// hand.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/ianremillard/vfsmux/internal/broker"
	"github.com/ianremillard/vfsmux/internal/metrics"
)

// stringSlice is a repeatable string flag (-i a -i b), mirroring the
// teacher's cmd/catherdd flag type.
type stringSlice []string

func (s *stringSlice) String() string { return "" }
func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("vfsmuxd: %v", err)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("vfsmuxd", flag.ContinueOnError)
	downstreamFD := fs.Int("downstream-fd", -1, "file descriptor connected to the parent (required)")
	upstreamFD := fs.Int("upstream-fd", -1, "file descriptor connected to the upstream broker (bridge mode)")
	var allowRead, allowWrite stringSlice
	fs.Var(&allowRead, "i", "add a path to the read allowlist (origin mode only, repeatable)")
	fs.Var(&allowWrite, "o", "add a path to the write allowlist (origin mode only, repeatable)")
	metricsAddr := fs.String("metrics-addr", "", "if set, serve Prometheus /metrics on this address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *downstreamFD < 0 {
		return fmt.Errorf("--downstream-fd is required")
	}

	mm := metrics.New()
	if *metricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(*metricsAddr, withMetricsHandler(mm)); err != nil {
				log.Printf("vfsmuxd: metrics server: %v", err)
			}
		}()
	}

	downstream, err := fdConn(*downstreamFD, "downstream")
	if err != nil {
		return err
	}

	if *upstreamFD >= 0 {
		if len(allowRead) > 0 || len(allowWrite) > 0 {
			return fmt.Errorf("bridge mode (--upstream-fd) rejects -i/-o allowlist flags")
		}
		upstream, err := fdConn(*upstreamFD, "upstream")
		if err != nil {
			return err
		}
		broker.Bridge(downstream, upstream)
		return nil
	}

	return broker.Origin(downstream, []string(allowRead), []string(allowWrite), mm)
}

func fdConn(fd int, label string) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), label)
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("wrap %s fd %d: %w", label, fd, err)
	}
	f.Close()
	return conn, nil
}

func withMetricsHandler(mm *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", mm.Handler())
	return mux
}
