package vtap

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"vnetsock/pkg/engine"
	"vnetsock/pkg/ringbuf"
)

type Family uint16

const (
	AFInet  Family = 2
	AFInet6 Family = 10
)

type SocketType int

// Values follow SOCK_STREAM, SOCK_DGRAM and SOCK_RAW.
const (
	Stream SocketType = iota + 1
	Datagram
	Raw
)

func (t SocketType) String() string {
	switch t {
	case Stream:
		return "stream"
	case Datagram:
		return "datagram"
	case Raw:
		return "raw"
	}
	return fmt.Sprintf("type(%d)", int(t))
}

func (t SocketType) proto() (engine.Proto, bool) {
	switch t {
	case Stream:
		return engine.ProtoTCP, true
	case Datagram:
		return engine.ProtoUDP, true
	case Raw:
		return engine.ProtoRaw, true
	}
	return 0, false
}

type State int32

const (
	Unbound State = iota
	Bound
	Connecting
	Connected
	Listening
	Closing
	Closed
	// UnhandledConnected is a connection the engine completed that the
	// application has not collected through PollConnect yet.
	UnhandledConnected
)

var stateNames = [...]string{
	Unbound:            "UNBOUND",
	Bound:              "BOUND",
	Connecting:         "CONNECTING",
	Connected:          "CONNECTED",
	Listening:          "LISTENING",
	Closing:            "CLOSING",
	Closed:             "CLOSED",
	UnhandledConnected: "UNHANDLED_CONNECTED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("STATE(%d)", int32(s))
}

type ShutdownHow int

const (
	ShutRead ShutdownHow = iota
	ShutWrite
	ShutBoth
)

// VirtualSocket is one application-visible connection or listener. Fields
// without a note are guarded by the owning tap's mu.
type VirtualSocket struct {
	ID     uint64
	Type   SocketType
	Family Family

	tap       *VirtualTap
	state     atomic.Int32
	handle    engine.Handle
	copyMode  bool
	transport AppTransport

	// rx is produced by the engine context and drained by Read, both under
	// rxMu. The engine side only ever TryLocks it.
	rxMu    sync.Mutex
	rx      *ringbuf.RingBuffer
	eofSent bool // rxMu

	// peerClosed is set once the engine reports end of stream.
	peerClosed atomic.Bool

	tx       *ringbuf.RingBuffer
	inflight int
	// finPending defers a write shutdown until tx is fully handed over
	finPending bool
	// closePending defers Close the same way
	closePending bool

	acceptQ     []*VirtualSocket
	acceptReady chan struct{}
	parent      *VirtualSocket

	local netip.AddrPort
	peer  netip.AddrPort
	err   error

	connDone chan error
}

func (s *VirtualSocket) State() State { return State(s.state.Load()) }

func (s *VirtualSocket) setState(st State) { s.state.Store(int32(st)) }

func (s *VirtualSocket) Peer() netip.AddrPort {
	s.tap.mu.Lock()
	defer s.tap.mu.Unlock()
	return s.peer
}

func (s *VirtualSocket) LocalAddr() netip.AddrPort {
	s.tap.mu.Lock()
	defer s.tap.mu.Unlock()
	return s.local
}

// Err is why the socket closed, nil while it is open.
func (s *VirtualSocket) Err() error {
	s.tap.mu.Lock()
	defer s.tap.mu.Unlock()
	return s.err
}

func (s *VirtualSocket) Transport() AppTransport { return s.transport }

// AcceptReady is signalled whenever the accept queue becomes non-empty.
func (s *VirtualSocket) AcceptReady() <-chan struct{} { return s.acceptReady }

// Buffered reports bytes waiting in the inbound ring.
func (s *VirtualSocket) Buffered() int {
	if s.rx == nil {
		return 0
	}
	s.rxMu.Lock()
	defer s.rxMu.Unlock()
	return s.rx.Len()
}

// rxPending reports, without blocking, whether Read has work to do.
func (s *VirtualSocket) rxPending() bool {
	if s.rx == nil || !s.rxMu.TryLock() {
		return false
	}
	defer s.rxMu.Unlock()
	return s.rx.Len() > 0 || (s.peerClosed.Load() && !s.eofSent)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *VirtualSocket) completeConnect(err error) {
	select {
	case s.connDone <- err:
	default:
	}
}

// SocketInfo is a point-in-time view of one socket for diagnostics.
type SocketInfo struct {
	ID          uint64 `json:"id"`
	Type        string `json:"type"`
	State       string `json:"state"`
	Handle      uint32 `json:"handle,omitempty"`
	Local       string `json:"local,omitempty"`
	Peer        string `json:"peer,omitempty"`
	RXBuffered  int    `json:"rx_buffered"`
	TXBuffered  int    `json:"tx_buffered"`
	InFlight    int    `json:"in_flight"`
	AcceptQueue int    `json:"accept_queue,omitempty"`
	Parent      uint64 `json:"parent,omitempty"`
	Err         string `json:"error,omitempty"`
}

func addrString(a netip.AddrPort) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}
