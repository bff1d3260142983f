// Package spawner implements the pipeline spawner (§4.6): it builds
// one socketpair per stage plus one for the broker, forks the broker
// and every stage (each in its own process group), wires inter-stage
// stdio with ordinary pipes, drives the multiplexer over the
// socketpairs, and reaps every child — killing the remaining process
// groups the moment any stage exits non-zero, mirroring the teacher's
// Instance.destroy.
package spawner

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ianremillard/vfsmux/internal/metrics"
	"github.com/ianremillard/vfsmux/internal/mux"
	"github.com/ianremillard/vfsmux/internal/proto"
)

// Spec describes one pipeline invocation: the broker binary to fork,
// its allowlists, and the argv of each stage to run in order. Metrics
// is optional (nil-safe) and, when set, is wired into the
// multiplexer this pipeline runs.
type Spec struct {
	BrokerPath string
	AllowRead  []string
	AllowWrite []string
	Stages     [][]string
	Metrics    *metrics.Metrics
}

type stageProc struct {
	cmd   *exec.Cmd
	muxFD *os.File
}

// Run spawns the broker and every stage described by spec, runs the
// multiplexer until all stages have exited, reaps every child, and
// returns the pipeline's exit code (§6 exit code mapping) alongside
// any process-fatal error (§7 tier 3) that prevented the pipeline
// from running at all.
func Run(spec Spec) (int, error) {
	if len(spec.Stages) == 0 {
		return 0, fmt.Errorf("spawner: no stages in pipeline")
	}

	brokerChildEnd, brokerMuxEnd, err := socketpair()
	if err != nil {
		return 0, fmt.Errorf("spawner: broker socketpair: %w", err)
	}

	brokerArgs := []string{"--downstream-fd", "3"}
	for _, p := range spec.AllowRead {
		brokerArgs = append(brokerArgs, "-i", p)
	}
	for _, p := range spec.AllowWrite {
		brokerArgs = append(brokerArgs, "-o", p)
	}
	brokerCmd := exec.Command(spec.BrokerPath, brokerArgs...)
	brokerCmd.ExtraFiles = []*os.File{brokerChildEnd}
	brokerCmd.Stderr = os.Stderr
	brokerCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := brokerCmd.Start(); err != nil {
		return 0, fmt.Errorf("spawner: start broker: %w", err)
	}
	brokerChildEnd.Close()

	stages := make([]*stageProc, len(spec.Stages))
	var prevStdout *os.File // read end of the previous stage's stdout pipe

	for i, argv := range spec.Stages {
		stageChildEnd, stageMuxEnd, err := socketpair()
		if err != nil {
			return 0, fmt.Errorf("spawner: stage %d socketpair: %w", i, err)
		}

		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.ExtraFiles = []*os.File{stageChildEnd}
		cmd.Stderr = os.Stderr
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		if i == 0 {
			cmd.Stdin = os.Stdin
		} else {
			cmd.Stdin = prevStdout
		}

		var thisStdoutWrite *os.File
		if i == len(spec.Stages)-1 {
			cmd.Stdout = os.Stdout
		} else {
			r, w, perr := os.Pipe()
			if perr != nil {
				return 0, fmt.Errorf("spawner: stage %d stdout pipe: %w", i, perr)
			}
			cmd.Stdout = w
			thisStdoutWrite = w
			prevStdout = r
		}

		if err := cmd.Start(); err != nil {
			return 0, fmt.Errorf("spawner: start stage %d (%s): %w", i, argv[0], err)
		}
		stageChildEnd.Close()
		if i > 0 {
			cmd.Stdin.(*os.File).Close()
		}
		if thisStdoutWrite != nil {
			thisStdoutWrite.Close()
		}

		stages[i] = &stageProc{cmd: cmd, muxFD: stageMuxEnd}
	}

	stageMuxFDs := make([]int, len(stages))
	for i, s := range stages {
		stageMuxFDs[i] = int(s.muxFD.Fd())
	}

	m := mux.New(stageMuxFDs, int(brokerMuxEnd.Fd()), int(brokerMuxEnd.Fd())).WithMetrics(spec.Metrics)
	muxDone := make(chan error, 1)
	go func() { muxDone <- m.Run() }()

	exitCodes := make([]int, len(stages))
	var killOnce sync.Once
	firstFailure := 0 // exit code of the stage that triggered the kill
	var g errgroup.Group
	for i, s := range stages {
		i, s := i, s
		g.Go(func() error {
			waitErr := s.cmd.Wait()
			code := exitCodeOf(waitErr)
			exitCodes[i] = code
			if code != 0 {
				killOnce.Do(func() {
					firstFailure = code
					killOtherProcessGroups(stages, i)
				})
				return fmt.Errorf("stage %d (%s) exited with code %d", i, s.cmd.Path, code)
			}
			return nil
		})
	}
	_ = g.Wait() // every stage is reaped regardless of individual failures

	if muxErr := <-muxDone; muxErr != nil {
		// mux.Run only returns non-nil on a fatal upstream write error
		// (§4.2 Failure semantics) or a failed poll; the pipeline's own exit code still
		// comes from the stages, so this is logged, not propagated.
		fmt.Fprintf(os.Stderr, "spawner: multiplexer: %v\n", muxErr)
	}

	_ = brokerCmd.Wait()

	if firstFailure != 0 {
		return firstFailure, nil
	}
	for _, code := range exitCodes {
		if code != 0 {
			return code, nil
		}
	}
	return 0, nil
}

// socketpair creates one AF_UNIX/SOCK_STREAM pair and returns
// (childEnd, parentEnd). parentEnd is marked close-on-exec immediately
// (§5: never leaked into any later-exec'd stage or the broker) and
// non-blocking (the multiplexer owns it); childEnd is left blocking,
// to be handed to exactly one exec.Cmd via ExtraFiles and closed in
// the parent right after that Start call.
func socketpair() (childEnd, parentEnd *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}
	unix.CloseOnExec(fds[1])
	if err := unix.SetNonblock(fds[1], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, err
	}
	return os.NewFile(uintptr(fds[0]), "stage-ctrl"), os.NewFile(uintptr(fds[1]), "mux-ctrl"), nil
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return proto.ExitCodeForError("other")
}

// killOtherProcessGroups kills every stage's process group except
// index, grounded on Instance.destroy's Getpgid + Kill(-pgid,
// SIGKILL) with a single-process fallback.
func killOtherProcessGroups(stages []*stageProc, except int) {
	for i, s := range stages {
		if i == except || s.cmd.Process == nil {
			continue
		}
		pid := s.cmd.Process.Pid
		if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		} else {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}
}
