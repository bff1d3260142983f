// Package broker implements the file broker's state machine (§3, §4.3)
// and its bridge mode (§4.4): the process that owns every real file
// descriptor for allowlisted paths plus the anonymous backing files
// for virtual (unlisted) paths, reachable only through the framed
// protocol in internal/proto.
package broker

import (
	"fmt"
	"io"
	"os"

	"github.com/ianremillard/vfsmux/internal/metrics"
	"github.com/ianremillard/vfsmux/internal/proto"
)

// handleEntry is the broker-internal record for one open stream (§3
// HandleEntry). Exactly one of readable/writable may be clear, never
// both; append implies writable.
type handleEntry struct {
	file     *os.File
	readable bool
	writable bool
	append   bool
}

// virtualEntry is the broker-internal backing for one virtual path
// (§3 VirtualEntry): an anonymous, unnamed, seekable file that
// persists for the broker's lifetime and is shared across opens of
// the same textual path.
type virtualEntry struct {
	backing *os.File
}

// State is the broker's handle table, allowlists, and virtual file
// map. It is not safe for concurrent use: the origin broker is
// strictly single-threaded and synchronous per §5.
type State struct {
	next       uint32
	handles    map[uint32]*handleEntry
	allowRead  map[string]bool
	allowWrite map[string]bool
	virtual    map[string]*virtualEntry
	metrics    *metrics.Metrics
}

// WithMetrics attaches a metrics sink; every gauge update is a no-op
// until this is called.
func (s *State) WithMetrics(m *metrics.Metrics) *State {
	s.metrics = m
	return s
}

// NewState builds a State from the read and write allowlists supplied
// to the broker at startup (§4.3 Initialization). Either list may be
// empty.
func NewState(allowRead, allowWrite []string) *State {
	s := &State{
		next:       proto.ReservedMax + 1,
		handles:    make(map[uint32]*handleEntry),
		allowRead:  make(map[string]bool, len(allowRead)),
		allowWrite: make(map[string]bool, len(allowWrite)),
		virtual:    make(map[string]*virtualEntry),
	}
	for _, p := range allowRead {
		s.allowRead[p] = true
	}
	for _, p := range allowWrite {
		s.allowWrite[p] = true
	}
	return s
}

// readAllowed reports whether path is read-permitted: present in
// either allowlist, since the write allowlist implies read (§4.3).
func (s *State) readAllowed(path string) bool {
	return s.allowRead[path] || s.allowWrite[path]
}

// writeAllowed reports whether path is write-permitted.
func (s *State) writeAllowed(path string) bool {
	return s.allowWrite[path]
}

// OpenHandleCount reports the number of handles still open. Used at
// shutdown to warn about leaked handles (§4.3 Shutdown) and by
// internal/metrics for the "handles open" gauge.
func (s *State) OpenHandleCount() int {
	return len(s.handles)
}

func (s *State) alloc(h *handleEntry) uint32 {
	id := s.next
	s.next++
	s.handles[id] = h
	return id
}

// newAnonymousFile creates an unnamed, seekable backing file: a
// regular temp file that is unlinked immediately, mirroring the
// Rust broker's O_TMPFILE-equivalent tempfile() call. The returned
// *os.File stays valid and seekable after the unlink; reopening it
// independently later relies on /proc, so this package targets Linux.
func newAnonymousFile() (*os.File, error) {
	f, err := os.CreateTemp("", "vfsmux-virtual-*")
	if err != nil {
		return nil, err
	}
	_ = os.Remove(f.Name())
	return f, nil
}

// dupIndependentCursor gives the new handle its own file offset onto
// backing's inode, rather than sharing backing's offset the way a
// plain dup(2) would. Since the backing file was unlinked at creation
// (newAnonymousFile), it can't be reopened by its original path, so
// this reopens it through /proc/self/fd, which yields a fresh open
// file description — and therefore an independent cursor — on the
// same underlying inode (§3: "Each open yields an independent
// cursor").
func dupIndependentCursor(backing *os.File, seekToStart bool) (*os.File, error) {
	f, err := os.OpenFile(fmt.Sprintf("/proc/self/fd/%d", backing.Fd()), os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	if seekToStart {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}
