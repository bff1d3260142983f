package broker

import (
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/ianremillard/vfsmux/internal/proto"
)

// Dispatch handles one decoded Request against s and returns the
// Response to send back. It never blocks on anything but filesystem
// I/O (§5).
func (s *State) Dispatch(req proto.Request) proto.Response {
	resp := s.dispatch(req)
	if s.metrics != nil {
		s.metrics.HandlesOpen.Set(float64(s.OpenHandleCount()))
	}
	return resp
}

func (s *State) dispatch(req proto.Request) proto.Response {
	switch req.Op {
	case proto.OpPing:
		return proto.OK(req.ID, proto.PongResult{Pong: true})
	case proto.OpOpen:
		return s.handleOpen(req)
	case proto.OpRead:
		return s.handleRead(req)
	case proto.OpWrite:
		return s.handleWrite(req)
	case proto.OpClose:
		return s.handleClose(req)
	default:
		return proto.Err(req.ID, proto.ErrUnsupported, "unknown op: "+req.Op)
	}
}

func (s *State) handleOpen(req proto.Request) proto.Response {
	var p proto.OpenParams
	if req.Params == nil || json.Unmarshal(req.Params, &p) != nil || p.Path == "" {
		return proto.Err(req.ID, proto.ErrArg, "missing path")
	}

	var readable, writable, append bool
	var needExisting bool
	switch p.Mode {
	case proto.ModeRead:
		readable, needExisting = true, true
	case proto.ModeWrite:
		writable = true
	case proto.ModeAppend:
		writable, append = true, true
	case proto.ModeReadWrite:
		readable, writable = true, true
	default:
		return proto.Err(req.ID, proto.ErrArg, "invalid mode")
	}

	if s.readAllowed(p.Path) || s.writeAllowed(p.Path) {
		return s.openReal(req.ID, p.Path, readable, writable, append, needExisting)
	}
	return s.openVirtual(req.ID, p.Path, readable, writable, append, needExisting)
}

func (s *State) openReal(id, path string, readable, writable, append, needExisting bool) proto.Response {
	if needExisting {
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return proto.Err(id, proto.ErrNoEnt, "not found")
			}
			return proto.Err(id, proto.ErrIO, "open failed: "+err.Error())
		}
		h := s.alloc(&handleEntry{file: f, readable: true})
		return proto.OK(id, proto.OpenResult{Handle: h})
	}

	flags := os.O_CREATE
	switch {
	case writable && !readable && append:
		flags |= os.O_WRONLY | os.O_APPEND
	case writable && !readable:
		flags |= os.O_WRONLY | os.O_TRUNC
	case readable && writable:
		flags |= os.O_RDWR
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return proto.Err(id, proto.ErrNoEnt, "not found")
		}
		return proto.Err(id, proto.ErrIO, "open failed: "+err.Error())
	}
	h := s.alloc(&handleEntry{file: f, readable: readable, writable: writable, append: append})
	return proto.OK(id, proto.OpenResult{Handle: h})
}

func (s *State) openVirtual(id, path string, readable, writable, append, needExisting bool) proto.Response {
	ve, exists := s.virtual[path]
	if needExisting {
		if !exists {
			return proto.Err(id, proto.ErrNoEnt, "virtual path never opened")
		}
		f, err := dupIndependentCursor(ve.backing, true)
		if err != nil {
			return proto.Err(id, proto.ErrIO, "dup failed: "+err.Error())
		}
		h := s.alloc(&handleEntry{file: f, readable: true})
		return proto.OK(id, proto.OpenResult{Handle: h})
	}

	if !exists {
		backing, err := newAnonymousFile()
		if err != nil {
			return proto.Err(id, proto.ErrIO, "create virtual backing: "+err.Error())
		}
		ve = &virtualEntry{backing: backing}
		s.virtual[path] = ve
	} else if writable && !append && !readable {
		// mode "w": replace the backing with a fresh anonymous file.
		// Existing handles keep their own dup'd fd onto the old backing.
		fresh, err := newAnonymousFile()
		if err != nil {
			return proto.Err(id, proto.ErrIO, "replace virtual backing: "+err.Error())
		}
		ve.backing = fresh
	}

	f, err := dupIndependentCursor(ve.backing, false)
	if err != nil {
		return proto.Err(id, proto.ErrIO, "dup failed: "+err.Error())
	}
	h := s.alloc(&handleEntry{file: f, readable: readable, writable: writable, append: append})
	return proto.OK(id, proto.OpenResult{Handle: h})
}

func (s *State) handleRead(req proto.Request) proto.Response {
	var p proto.ReadParams
	if req.Params == nil || json.Unmarshal(req.Params, &p) != nil {
		return proto.Err(req.ID, proto.ErrArg, "missing h")
	}
	max := p.Max
	if max == 0 {
		return proto.Err(req.ID, proto.ErrArg, "max must be > 0")
	}
	if max > proto.MaxReadChunk {
		max = proto.MaxReadChunk
	}
	if p.H <= proto.ReservedMax {
		return proto.Err(req.ID, proto.ErrPerm, "reserved handle not allowed")
	}
	h, ok := s.handles[p.H]
	if !ok {
		return proto.Err(req.ID, proto.ErrClosed, "invalid handle")
	}
	if !h.readable {
		return proto.Err(req.ID, proto.ErrPerm, "not readable")
	}

	buf := make([]byte, max)
	n, err := h.file.Read(buf)
	if err != nil && err != io.EOF {
		return proto.Err(req.ID, proto.ErrIO, "read failed: "+err.Error())
	}
	return proto.OK(req.ID, proto.ReadResult{EOF: n == 0, Data: buf[:n]})
}

func (s *State) handleWrite(req proto.Request) proto.Response {
	var p proto.WriteParams
	if req.Params == nil || json.Unmarshal(req.Params, &p) != nil {
		return proto.Err(req.ID, proto.ErrArg, "missing data")
	}
	if p.H <= proto.ReservedMax {
		return proto.Err(req.ID, proto.ErrPerm, "reserved handle not allowed")
	}
	h, ok := s.handles[p.H]
	if !ok {
		return proto.Err(req.ID, proto.ErrClosed, "invalid handle")
	}
	if !h.writable {
		return proto.Err(req.ID, proto.ErrPerm, "not writable")
	}
	if h.append {
		if _, err := h.file.Seek(0, io.SeekEnd); err != nil {
			return proto.Err(req.ID, proto.ErrIO, "seek failed: "+err.Error())
		}
	}
	n, err := h.file.Write(p.Data)
	if err != nil {
		return proto.Err(req.ID, proto.ErrIO, "write failed: "+err.Error())
	}
	return proto.OK(req.ID, proto.WriteResult{Written: n})
}

func (s *State) handleClose(req proto.Request) proto.Response {
	var p proto.CloseParams
	if req.Params == nil || json.Unmarshal(req.Params, &p) != nil {
		return proto.Err(req.ID, proto.ErrArg, "missing h")
	}
	if p.H <= proto.ReservedMax {
		return proto.Err(req.ID, proto.ErrPerm, "reserved handle not allowed")
	}
	h, ok := s.handles[p.H]
	if !ok {
		return proto.Err(req.ID, proto.ErrClosed, "invalid handle")
	}
	delete(s.handles, p.H)
	h.file.Close()
	return proto.OK(req.ID, proto.CloseResult{Closed: true})
}
