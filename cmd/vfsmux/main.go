// vfsmux is the pipeline runner: it reads a pipeline.yaml manifest
// (§6), spawns the broker and every declared stage connected by the
// parent multiplexer (§4.6), waits for the pipeline to finish, and
// exits with the pipeline's exit code per §6's mapping.
//
// Usage:
//
//	vfsmux [--broker <path>] [--run-dir <dir>] [--metrics-addr <addr>] <pipeline.yaml>
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/ianremillard/vfsmux/internal/manifest"
	"github.com/ianremillard/vfsmux/internal/metrics"
	"github.com/ianremillard/vfsmux/internal/runmanifest"
	"github.com/ianremillard/vfsmux/internal/spawner"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("vfsmux", flag.ContinueOnError)
	brokerPath := fs.String("broker", "vfsmuxd", "path to the vfsmuxd binary")
	runDir := fs.String("run-dir", defaultRunDir(), "directory to persist per-run manifests (env: VFSMUX_RUN_DIR)")
	metricsAddr := fs.String("metrics-addr", "", "if set, serve Prometheus /metrics on this address")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: vfsmux [--broker <path>] [--run-dir <dir>] [--metrics-addr <addr>] <pipeline.yaml>")
		return 2
	}

	m, err := manifest.Load(fs.Arg(0))
	if err != nil {
		log.Printf("vfsmux: %v", err)
		return 2
	}

	mm := metrics.New()
	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", mm.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Printf("vfsmux: metrics server: %v", err)
			}
		}()
	}

	rec := runmanifest.New(m.AllowRead, m.AllowWrite, m.Stages)

	exitCode, runErr := spawner.Run(spawner.Spec{
		BrokerPath: *brokerPath,
		AllowRead:  m.AllowRead,
		AllowWrite: m.AllowWrite,
		Stages:     m.Stages,
		Metrics:    mm,
	})
	if runErr != nil {
		log.Printf("vfsmux: %v", runErr)
		exitCode = 6
	}

	if err := rec.Finish(*runDir, exitCode); err != nil {
		log.Printf("vfsmux: %v", err)
	}

	return exitCode
}

func defaultRunDir() string {
	if env := os.Getenv("VFSMUX_RUN_DIR"); env != "" {
		return env
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "vfsmux-runs")
	}
	return filepath.Join(homeDir, ".vfsmux", "runs")
}
