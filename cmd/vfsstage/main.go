// vfsstage is a minimal built-in used only as an end-to-end test
// fixture (§2 EXPANSION): it is deliberately not a real utility belt,
// only enough surface to give the spawner/multiplexer/broker
// something real to drive. It never performs a raw filesystem
// syscall for its own input/output paths — every byte moves through
// its client shim (§4.5), per the built-in invocation boundary in §6.
//
// Usage:
//
//	vfsstage cat <path>   # open path read-only, stream to reserved handle 1
//	vfsstage put <path>   # read reserved handle 0 to EOF, write to path
//	vfsstage stall <path> # open path, send one read, exit before the reply
//
// "stall" exists only to reproduce the "stage dies mid-request"
// scenario in the test suite; it never appears in a real pipeline.
//
// The control socket is always fd 3, the one extra file descriptor
// cmd/vfsmux's spawner hands to every forked stage.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ianremillard/vfsmux/internal/proto"
	"github.com/ianremillard/vfsmux/internal/shim"
)

const ctrlFD = 3

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "vfsstage:", err)
		var shimErr *shim.Error
		if errors.As(err, &shimErr) {
			os.Exit(proto.ExitCodeForError(shimErr.Code))
		}
		os.Exit(6)
	}
}

func run(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: vfsstage cat|put <path>")
	}
	conn := os.NewFile(uintptr(ctrlFD), "vfsstage-ctrl")
	c := shim.New(conn)

	switch args[0] {
	case "cat":
		return runCat(c, args[1])
	case "put":
		return runPut(c, args[1])
	case "stall":
		runStall(conn, args[1]) // never returns
		return nil
	default:
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

const chunkSize = 4096

func runCat(c *shim.Client, path string) error {
	h, err := c.Open(path, proto.ModeRead)
	if err != nil {
		return err
	}
	defer c.Close(h)

	for {
		data, eof, err := c.ReadChunk(h, chunkSize)
		if err != nil {
			return err
		}
		if len(data) > 0 {
			if _, err := c.WriteChunk(1, data); err != nil {
				return err
			}
		}
		if eof {
			return nil
		}
	}
}

// runStall opens path, sends one read request, and exits immediately
// without waiting for the reply — reproducing "stage dies mid-request"
// (§8 scenario 6) deterministically instead of racing a real kill
// signal against the broker's response.
func runStall(conn *os.File, path string) {
	c := shim.New(conn)
	h, err := c.Open(path, proto.ModeRead)
	if err != nil {
		os.Exit(1)
	}
	req := proto.Request{ID: "stall", Op: proto.OpRead, Params: proto.MarshalParams(proto.ReadParams{H: h, Max: 16})}
	body, err := json.Marshal(req)
	if err != nil {
		os.Exit(1)
	}
	_ = proto.WriteFrame(conn, body)
	os.Exit(0)
}

func runPut(c *shim.Client, path string) error {
	h, err := c.Open(path, proto.ModeWrite)
	if err != nil {
		return err
	}
	defer c.Close(h)

	for {
		data, eof, err := c.ReadChunk(0, chunkSize)
		if err != nil {
			return err
		}
		if len(data) > 0 {
			if _, err := c.WriteChunk(h, data); err != nil {
				return err
			}
		}
		if eof {
			return nil
		}
	}
}
