// Protocol engine contract
// The engine is single-threaded and not reentrant: exactly one caller may be
// inside it at a time, and callbacks run on that caller's stack.
package engine

import (
	"fmt"
	"net/netip"
)

type (
	// Handle identifies one protocol-control block inside the engine. 0 is never valid.
	Handle uint32
	Proto  uint8
	State  int32

	// Err is an engine result code. Values mirror the lwIP err_t numbering.
	Err int8

	WriteFlags uint8
)

const (
	ProtoTCP Proto = iota
	ProtoUDP
	ProtoRaw
)

const (
	Closed State = iota
	Listen
	SynSent
	SynRcvd
	Established
	FinWait1
	FinWait2
	CloseWait
	Closing
	LastAck
	TimeWait
)

const (
	ErrMem        Err = -1
	ErrBuf        Err = -2
	ErrTimeout    Err = -3
	ErrRte        Err = -4
	ErrInProgress Err = -5
	ErrVal        Err = -6
	ErrWouldBlock Err = -7
	ErrUse        Err = -8
	ErrAlready    Err = -9
	ErrIsConn     Err = -10
	ErrConn       Err = -11
	ErrIf         Err = -12
	ErrAbrt       Err = -13
	ErrRst        Err = -14
	ErrClsd       Err = -15
	ErrArg        Err = -16
)

// WriteFlagCopy asks the engine to copy written bytes. Without it the engine
// keeps a reference to the caller's slice until the bytes are acknowledged.
const WriteFlagCopy WriteFlags = 0x01

type (
	// RecvFunc receives in-order stream data. nil data means the peer closed.
	// The returned count is how many bytes the socket retained; the engine keeps
	// the remainder and offers it again later.
	RecvFunc      func(h Handle, data []byte) (int, error)
	RecvFromFunc  func(h Handle, data []byte, from netip.AddrPort)
	SentFunc      func(h Handle, n int) error
	ErrFunc       func(h Handle, err error)
	PollFunc      func(h Handle) error
	ConnectedFunc func(h Handle, err error) error
	AcceptFunc    func(listener Handle, child Handle, err error) error
)

type Engine interface {
	New(proto Proto) (Handle, error)
	Bind(h Handle, addr netip.AddrPort) error
	Connect(h Handle, addr netip.AddrPort, connected ConnectedFunc) error
	// Listen may return a different handle; the one passed in is released.
	Listen(h Handle, backlog int) (Handle, error)
	Accepted(listener Handle)
	Write(h Handle, data []byte, flags WriteFlags) error
	Output(h Handle) error
	Send(h Handle, data []byte) error
	Recved(h Handle, n int)
	SndBuf(h Handle) int
	State(h Handle) State
	Close(h Handle) error
	Shutdown(h Handle, rx, tx bool) error
	Abort(h Handle)
	Remove(h Handle)
	SetNoDelay(h Handle, on bool)
	LocalAddr(h Handle) netip.AddrPort
	RemoteAddr(h Handle) netip.AddrPort
	Count(proto Proto) int

	OnRecv(h Handle, fn RecvFunc)
	OnRecvFrom(h Handle, fn RecvFromFunc)
	OnSent(h Handle, fn SentFunc)
	OnErr(h Handle, fn ErrFunc)
	OnPoll(h Handle, fn PollFunc, interval uint8)
	OnAccept(h Handle, fn AcceptFunc)

	// Input feeds one complete Ethernet frame. The engine must not keep b.
	Input(b []byte) error
	TCPTimer()
	DiscoveryTimer()
}

func (e Err) Error() string {
	switch e {
	case ErrMem:
		return "out of memory"
	case ErrBuf:
		return "buffer error"
	case ErrTimeout:
		return "timeout"
	case ErrRte:
		return "routing problem"
	case ErrInProgress:
		return "operation in progress"
	case ErrVal:
		return "illegal value"
	case ErrWouldBlock:
		return "operation would block"
	case ErrUse:
		return "address in use"
	case ErrAlready:
		return "already connecting"
	case ErrIsConn:
		return "already connected"
	case ErrConn:
		return "not connected"
	case ErrIf:
		return "low-level netif error"
	case ErrAbrt:
		return "connection aborted"
	case ErrRst:
		return "connection reset"
	case ErrClsd:
		return "connection closed"
	case ErrArg:
		return "illegal argument"
	}
	return fmt.Sprintf("engine error %d", int8(e))
}

func (p Proto) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoRaw:
		return "raw"
	}
	return fmt.Sprintf("proto(%d)", uint8(p))
}

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Listen:
		return "LISTEN"
	case SynSent:
		return "SYN_SENT"
	case SynRcvd:
		return "SYN_RECEIVED"
	case Established:
		return "ESTABLISHED"
	case FinWait1:
		return "FIN_WAIT_1"
	case FinWait2:
		return "FIN_WAIT_2"
	case CloseWait:
		return "CLOSE_WAIT"
	case Closing:
		return "CLOSING"
	case LastAck:
		return "LAST_ACK"
	case TimeWait:
		return "TIME_WAIT"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(s))
}
