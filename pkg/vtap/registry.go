package vtap

import (
	"fmt"
	"sort"

	"vnetsock/pkg/engine"
)

// registry owns every live socket of one tap and the handle association
// callbacks resolve through. Guarded by the tap's mu.
type registry struct {
	sockets   map[uint64]*VirtualSocket
	byHandle  map[engine.Handle]*VirtualSocket
	unhandled []*VirtualSocket
	nextID    uint64
}

func newRegistry() *registry {
	return &registry{
		sockets:  make(map[uint64]*VirtualSocket),
		byHandle: make(map[engine.Handle]*VirtualSocket),
	}
}

func (r *registry) add(s *VirtualSocket) {
	r.nextID++
	s.ID = r.nextID
	r.sockets[s.ID] = s
	if s.handle != 0 {
		r.own(s, s.handle)
	}
}

// own associates h with s. A handle owned by another socket is a bug in the
// tap, not something a caller can cause.
func (r *registry) own(s *VirtualSocket, h engine.Handle) {
	if other, ok := r.byHandle[h]; ok && other != s {
		panic(fmt.Sprintf("vtap: handle %d owned by socket %d and %d", h, other.ID, s.ID))
	}
	r.byHandle[h] = s
	s.handle = h
}

func (r *registry) rehandle(s *VirtualSocket, h engine.Handle) {
	r.disown(s)
	r.own(s, h)
}

// disown forgets the socket's handle; callbacks for it resolve to nothing.
func (r *registry) disown(s *VirtualSocket) {
	if s.handle == 0 {
		return
	}
	if r.byHandle[s.handle] == s {
		delete(r.byHandle, s.handle)
	}
	s.handle = 0
}

func (r *registry) lookup(h engine.Handle) *VirtualSocket {
	return r.byHandle[h]
}

func (r *registry) get(id uint64) *VirtualSocket {
	return r.sockets[id]
}

func (r *registry) remove(s *VirtualSocket) {
	r.disown(s)
	r.take(s)
	delete(r.sockets, s.ID)
}

func (r *registry) publish(s *VirtualSocket) {
	r.unhandled = append(r.unhandled, s)
}

// take removes s from the unhandled list, reporting whether it was there.
func (r *registry) take(s *VirtualSocket) bool {
	for i, u := range r.unhandled {
		if u == s {
			r.unhandled = append(r.unhandled[:i], r.unhandled[i+1:]...)
			return true
		}
	}
	return false
}

func (r *registry) list() []*VirtualSocket {
	out := make([]*VirtualSocket, 0, len(r.sockets))
	for _, s := range r.sockets {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
