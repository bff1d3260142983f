// Package mux implements the parent-side multiplexer (§4.2): a
// single-threaded, poll-driven crossbar that fans frames from many
// pipeline-stage sockets onto one upstream broker socket, rewriting
// request ids so broker responses can be routed back to the
// originating stage, and answering reserved-handle (0/1/2) traffic
// locally without ever talking to the broker.
package mux

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"golang.org/x/sys/unix"

	"github.com/ianremillard/vfsmux/internal/metrics"
	"github.com/ianremillard/vfsmux/internal/proto"
)

// pollTimeoutMillis bounds how long one Poll wakeup may wait so the
// loop periodically re-checks for externally-driven stage death
// (§5: "a bounded idle tick (≤ 250 ms)").
const pollTimeoutMillis = 250

const readChunkSize = 4096

// stage is the multiplexer's view of one pipeline-stage socket (§4.2
// Model): a raw, non-blocking file descriptor and the bytes read from
// it that haven't yet formed a complete frame.
type stage struct {
	fd    int
	alive bool
	buf   []byte
}

// pendingEntry is the multiplexer-internal record of one in-flight
// request (§3 PendingEntry): which stage it came from and what id the
// stage used, so the eventual upstream response can be rewritten back
// and routed.
type pendingEntry struct {
	stageFD int
	childID string
}

// Mux is the multiplexer's complete runtime state. It is built fresh
// for one pipeline invocation and discarded when Run returns.
type Mux struct {
	stages    []*stage
	upWriteFD int
	upReadFD  int
	upAlive   bool
	upBuf     []byte
	pending   map[string]pendingEntry
	seq       uint64
	debug     bool
	metrics   *metrics.Metrics
}

// New builds a Mux over stageFDs (one per pipeline stage, already
// connected to this multiplexer's end of a socketpair) and the
// broker's upstream write/read descriptors. All descriptors must
// already be set non-blocking (the spawner does this before handing
// them to Run, per §5 "Child sockets are set non-blocking in the
// multiplexer").
func New(stageFDs []int, upWriteFD, upReadFD int) *Mux {
	stages := make([]*stage, 0, len(stageFDs))
	for _, fd := range stageFDs {
		stages = append(stages, &stage{fd: fd, alive: true})
	}
	return &Mux{
		stages:    stages,
		upWriteFD: upWriteFD,
		upReadFD:  upReadFD,
		upAlive:   true,
		pending:   make(map[string]pendingEntry),
		debug:     os.Getenv("VFSMUX_DEBUG_MUX") != "",
	}
}

// WithMetrics attaches a metrics sink; every counter/gauge update is a
// no-op until this is called, so tests and fixtures may simply omit
// it.
func (m *Mux) WithMetrics(mm *metrics.Metrics) *Mux {
	m.metrics = mm
	return m
}

// Run drives the event loop until every stage socket has died (§4.2
// Termination), then closes the upstream socket and returns. A fatal
// upstream write error aborts the loop early; outstanding stage
// requests are simply never answered, matching §4.2's stated failure
// semantics for that case.
func (m *Mux) Run() error {
	defer m.closeAll()

	for m.anyAlive() {
		pfds, owners := m.buildPollSet()
		n, err := unix.Poll(pfds, pollTimeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("mux: poll: %w", err)
		}
		if n == 0 {
			continue
		}

		for i, pfd := range pfds {
			if pfd.Revents == 0 {
				continue
			}
			st := owners[i]
			if st == nil {
				m.handleUpstreamEvent(pfd.Revents)
				continue
			}
			if fatal := m.handleStageEvent(st, pfd.Revents); fatal != nil {
				return fatal
			}
		}
	}
	return nil
}

func (m *Mux) anyAlive() bool {
	for _, st := range m.stages {
		if st.alive {
			return true
		}
	}
	return false
}

// buildPollSet returns the poll descriptors alongside a parallel
// slice identifying which stage (nil for the upstream socket) each
// entry belongs to. The upstream fd drops out of the set once it has
// hung up: nothing more will ever arrive on it, and there's no point
// waking every 250ms to rediscover that (§4.2 Failure semantics —
// an upstream failure abandons in-flight requests but must not stop
// the loop from servicing and eventually retiring live stages).
func (m *Mux) buildPollSet() ([]unix.PollFd, []*stage) {
	events := int16(unix.POLLIN | unix.POLLHUP | unix.POLLERR)
	pfds := make([]unix.PollFd, 0, len(m.stages)+1)
	owners := make([]*stage, 0, len(m.stages)+1)
	if m.upAlive {
		pfds = append(pfds, unix.PollFd{Fd: int32(m.upReadFD), Events: events})
		owners = append(owners, nil)
	}
	for _, st := range m.stages {
		if st.alive {
			pfds = append(pfds, unix.PollFd{Fd: int32(st.fd), Events: events})
			owners = append(owners, st)
		}
	}
	return pfds, owners
}

// handleUpstreamEvent never aborts the loop: losing the broker
// leaves any already-forwarded requests permanently pending (their
// owning stages simply never get a response), but live stages that
// don't depend on the broker — or that exit on their own — must
// still be reaped normally.
func (m *Mux) handleUpstreamEvent(revents int16) {
	if revents&(unix.POLLHUP|unix.POLLERR) != 0 {
		log.Printf("mux: upstream hangup/error, %d request(s) left permanently pending", len(m.pending))
		m.upAlive = false
		return
	}
	if revents&unix.POLLIN == 0 {
		return
	}
	if err := drainInto(m.upReadFD, &m.upBuf); err != nil {
		log.Printf("mux: upstream read: %v", err)
		m.upAlive = false
		return
	}
	for {
		frame, ok := extractFrame(&m.upBuf)
		if !ok {
			return
		}
		m.dispatchUpstreamFrame(frame)
	}
}

func (m *Mux) dispatchUpstreamFrame(frame []byte) {
	var resp proto.Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		log.Printf("mux: bad json from upstream: %v", err)
		return
	}
	entry, ok := m.pending[resp.ID]
	if !ok {
		log.Printf("mux: unknown response id %q from upstream, dropping", resp.ID)
		return
	}
	delete(m.pending, resp.ID)

	st := m.findStage(entry.stageFD)
	if st == nil || !st.alive {
		if m.metrics != nil {
			m.metrics.OrphanedPending.Inc()
		}
		return // stage died while its request was in flight; drop silently
	}
	resp.ID = entry.childID
	body, err := json.Marshal(resp)
	if err != nil {
		log.Printf("mux: marshal rewritten response: %v", err)
		return
	}
	if err := writeFrame(st.fd, body); err != nil {
		log.Printf("mux: write to stage fd %d: %v", st.fd, err)
		st.alive = false
	}
}

func (m *Mux) findStage(fd int) *stage {
	for _, st := range m.stages {
		if st.fd == fd {
			return st
		}
	}
	return nil
}

func (m *Mux) handleStageEvent(st *stage, revents int16) error {
	if revents&(unix.POLLHUP|unix.POLLERR) != 0 {
		var tmp [1024]byte
		_, _ = unix.Read(st.fd, tmp[:])
		st.alive = false
		return nil
	}
	if revents&unix.POLLIN == 0 {
		return nil
	}
	if err := drainInto(st.fd, &st.buf); err != nil {
		st.alive = false
		return nil
	}
	for {
		frame, ok := extractFrame(&st.buf)
		if !ok {
			return nil
		}
		if fatal := m.dispatchStageFrame(st, frame); fatal != nil {
			return fatal
		}
	}
}

// dispatchStageFrame handles one complete request frame from a
// stage: intercept reserved handles locally, otherwise rewrite the id
// and forward upstream (§4.2 Id rewriting, Reserved-handle
// interception).
func (m *Mux) dispatchStageFrame(st *stage, frame []byte) error {
	var req proto.Request
	if err := json.Unmarshal(frame, &req); err != nil {
		log.Printf("mux: bad json from stage fd %d: %v", st.fd, err)
		return nil
	}

	if resp, handled := m.tryReservedHandle(req); handled {
		body, err := json.Marshal(resp)
		if err != nil {
			return nil
		}
		if err := writeFrame(st.fd, body); err != nil {
			log.Printf("mux: write to stage fd %d: %v", st.fd, err)
			st.alive = false
		}
		return nil
	}

	m.seq++
	newID := fmt.Sprintf("%d", m.seq)
	m.pending[newID] = pendingEntry{stageFD: st.fd, childID: req.ID}
	req.ID = newID

	if m.metrics != nil {
		m.metrics.FramesDispatched.WithLabelValues(req.Op).Inc()
	}

	out, err := json.Marshal(req)
	if err != nil {
		return nil
	}
	if err := writeFrame(m.upWriteFD, out); err != nil {
		return fmt.Errorf("mux: write to upstream: %w", err)
	}
	if m.debug {
		log.Printf("mux: stage fd %d -> upstream id %s (pending=%d)", st.fd, newID, len(m.pending))
	}
	return nil
}

// tryReservedHandle answers read{h:0}, write{h:1|2}, write{h:0}, and
// close{h<=2} directly (§4.2 Reserved-handle interception), without
// ever consulting the broker.
func (m *Mux) tryReservedHandle(req proto.Request) (proto.Response, bool) {
	switch req.Op {
	case proto.OpRead:
		var p proto.ReadParams
		if json.Unmarshal(req.Params, &p) != nil || p.H != 0 {
			return proto.Response{}, false
		}
		result := readStdin(p.Max)
		if m.metrics != nil {
			m.metrics.ReservedBytes.WithLabelValues("0").Add(float64(len(result.Data)))
		}
		return proto.OK(req.ID, result), true
	case proto.OpWrite:
		var p proto.WriteParams
		if json.Unmarshal(req.Params, &p) != nil || p.H > 2 {
			return proto.Response{}, false
		}
		if p.H == 0 {
			return proto.Err(req.ID, proto.ErrPerm, "not writable"), true
		}
		result := writeReserved(p.H, p.Data)
		if m.metrics != nil {
			m.metrics.ReservedBytes.WithLabelValues(fmt.Sprintf("%d", p.H)).Add(float64(result.Written))
		}
		return proto.OK(req.ID, result), true
	case proto.OpClose:
		var p proto.CloseParams
		if json.Unmarshal(req.Params, &p) != nil || p.H > proto.ReservedMax {
			return proto.Response{}, false
		}
		return proto.OK(req.ID, proto.CloseResult{Closed: true}), true
	default:
		return proto.Response{}, false
	}
}

func readStdin(max uint32) proto.ReadResult {
	if max > readChunkSize {
		max = readChunkSize
	}
	buf := make([]byte, max)
	n, err := os.Stdin.Read(buf)
	if err != nil && n == 0 {
		return proto.ReadResult{EOF: true, Data: []byte{}}
	}
	return proto.ReadResult{EOF: n == 0, Data: buf[:n]}
}

func writeReserved(h uint32, data []byte) proto.WriteResult {
	var f *os.File
	if h == 1 {
		f = os.Stdout
	} else {
		f = os.Stderr
	}
	n, _ := f.Write(data)
	return proto.WriteResult{Written: n}
}

func (m *Mux) closeAll() {
	for _, st := range m.stages {
		_ = unix.Close(st.fd)
	}
	_ = unix.Close(m.upWriteFD)
	if m.upReadFD != m.upWriteFD {
		_ = unix.Close(m.upReadFD)
	}
}
