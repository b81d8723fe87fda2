// Normalized socket error taxonomy.
// Engine result codes are translated here so the application-facing layer
// never sees engine-specific values.
package sockerr

import (
	"fmt"
	"syscall"

	"vnetsock/pkg/engine"

	"github.com/pkg/errors"
)

type Kind int

const (
	Unknown Kind = iota
	ResourceExhausted
	InvalidState
	WouldBlock
	MalformedFrame
	FrameTooLarge
	RouteUnreachable
	ConnectionAborted
	ConnectionReset
	ConnectionClosed
	Timeout
	IllegalArgument
	AddressInUse
	InProgress
	AlreadyConnected
	NotConnected
	InterfaceError
	BufferError
	Unsupported
)

// Error is a sentinel carrying its Kind. Compare with errors.Is.
type Error struct {
	Kind Kind
	msg  string
}

func (e *Error) Error() string { return e.msg }

var (
	ErrResourceExhausted = &Error{ResourceExhausted, "resource exhausted"}
	ErrInvalidState      = &Error{InvalidState, "invalid socket state"}
	ErrWouldBlock        = &Error{WouldBlock, "operation would block"}
	ErrMalformedFrame    = &Error{MalformedFrame, "malformed frame"}
	ErrFrameTooLarge     = &Error{FrameTooLarge, "frame too large"}
	ErrRouteUnreachable  = &Error{RouteUnreachable, "route unreachable"}
	ErrConnAborted       = &Error{ConnectionAborted, "connection aborted"}
	ErrConnReset         = &Error{ConnectionReset, "connection reset"}
	ErrConnClosed        = &Error{ConnectionClosed, "connection closed"}
	ErrTimeout           = &Error{Timeout, "timeout"}
	ErrIllegalArgument   = &Error{IllegalArgument, "illegal argument"}
	ErrAddressInUse      = &Error{AddressInUse, "address in use"}
	ErrInProgress        = &Error{InProgress, "operation in progress"}
	ErrAlreadyConnected  = &Error{AlreadyConnected, "already connected"}
	ErrNotConnected      = &Error{NotConnected, "not connected"}
	ErrInterface         = &Error{InterfaceError, "interface error"}
	ErrBuffer            = &Error{BufferError, "buffer error"}
	ErrUnsupported       = &Error{Unsupported, "operation not supported"}
)

var sentinels = map[Kind]*Error{
	ResourceExhausted: ErrResourceExhausted,
	InvalidState:      ErrInvalidState,
	WouldBlock:        ErrWouldBlock,
	MalformedFrame:    ErrMalformedFrame,
	FrameTooLarge:     ErrFrameTooLarge,
	RouteUnreachable:  ErrRouteUnreachable,
	ConnectionAborted: ErrConnAborted,
	ConnectionReset:   ErrConnReset,
	ConnectionClosed:  ErrConnClosed,
	Timeout:           ErrTimeout,
	IllegalArgument:   ErrIllegalArgument,
	AddressInUse:      ErrAddressInUse,
	InProgress:        ErrInProgress,
	AlreadyConnected:  ErrAlreadyConnected,
	NotConnected:      ErrNotConnected,
	InterfaceError:    ErrInterface,
	BufferError:       ErrBuffer,
	Unsupported:       ErrUnsupported,
}

var engineKinds = map[engine.Err]Kind{
	engine.ErrMem:        ResourceExhausted,
	engine.ErrBuf:        BufferError,
	engine.ErrTimeout:    Timeout,
	engine.ErrRte:        RouteUnreachable,
	engine.ErrInProgress: InProgress,
	engine.ErrVal:        IllegalArgument,
	engine.ErrWouldBlock: WouldBlock,
	engine.ErrUse:        AddressInUse,
	engine.ErrAlready:    InProgress,
	engine.ErrIsConn:     AlreadyConnected,
	engine.ErrConn:       NotConnected,
	engine.ErrIf:         InterfaceError,
	engine.ErrAbrt:       ConnectionAborted,
	engine.ErrRst:        ConnectionReset,
	engine.ErrClsd:       ConnectionClosed,
	engine.ErrArg:        IllegalArgument,
}

var errnos = map[Kind]syscall.Errno{
	ResourceExhausted: syscall.ENOMEM,
	InvalidState:      syscall.EINVAL,
	WouldBlock:        syscall.EAGAIN,
	MalformedFrame:    syscall.EPROTO,
	FrameTooLarge:     syscall.EMSGSIZE,
	RouteUnreachable:  syscall.EHOSTUNREACH,
	ConnectionAborted: syscall.ECONNABORTED,
	ConnectionReset:   syscall.ECONNRESET,
	ConnectionClosed:  syscall.ENOTCONN,
	Timeout:           syscall.ETIMEDOUT,
	IllegalArgument:   syscall.EINVAL,
	AddressInUse:      syscall.EADDRINUSE,
	InProgress:        syscall.EINPROGRESS,
	AlreadyConnected:  syscall.EISCONN,
	NotConnected:      syscall.ENOTCONN,
	InterfaceError:    syscall.EIO,
	BufferError:       syscall.ENOBUFS,
	Unsupported:       syscall.EOPNOTSUPP,
}

func (k Kind) String() string {
	switch k {
	case ResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case InvalidState:
		return "INVALID_STATE"
	case WouldBlock:
		return "WOULD_BLOCK"
	case MalformedFrame:
		return "MALFORMED_FRAME"
	case FrameTooLarge:
		return "FRAME_TOO_LARGE"
	case RouteUnreachable:
		return "ROUTE_UNREACHABLE"
	case ConnectionAborted:
		return "CONNECTION_ABORTED"
	case ConnectionReset:
		return "CONNECTION_RESET"
	case ConnectionClosed:
		return "CONNECTION_CLOSED"
	case Timeout:
		return "TIMEOUT"
	case IllegalArgument:
		return "ILLEGAL_ARGUMENT"
	case AddressInUse:
		return "ADDRESS_IN_USE"
	case InProgress:
		return "IN_PROGRESS"
	case AlreadyConnected:
		return "ALREADY_CONNECTED"
	case NotConnected:
		return "NOT_CONNECTED"
	case InterfaceError:
		return "INTERFACE_ERROR"
	case BufferError:
		return "BUFFER_ERROR"
	case Unsupported:
		return "UNSUPPORTED"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(k))
}

// Sentinel returns the error value for k, or nil for Unknown.
func Sentinel(k Kind) error {
	if e, ok := sentinels[k]; ok {
		return e
	}
	return nil
}

// Wrapf annotates the sentinel for k with a message and a stack.
func Wrapf(k Kind, format string, args ...interface{}) error {
	s, ok := sentinels[k]
	if !ok {
		return errors.Errorf(format, args...)
	}
	return errors.Wrapf(s, format, args...)
}

// KindOf classifies err, looking through wrapping. Raw engine codes are
// classified too.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	var ee engine.Err
	if errors.As(err, &ee) {
		return EngineKind(ee)
	}
	return Unknown
}

func EngineKind(e engine.Err) Kind {
	if k, ok := engineKinds[e]; ok {
		return k
	}
	return Unknown
}

// FromEngine translates an engine result into the taxonomy. Errors that are
// not engine codes are returned untouched.
func FromEngine(err error) error {
	if err == nil {
		return nil
	}
	var ee engine.Err
	if !errors.As(err, &ee) {
		return err
	}
	s, ok := sentinels[EngineKind(ee)]
	if !ok {
		return errors.Wrap(err, "engine")
	}
	// keep the engine's own message; the cause becomes the sentinel
	return errors.Wrapf(s, "%v (%d)", err, int8(ee))
}

// Errno maps err onto a POSIX errno for transports that report one.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if e, ok := errnos[KindOf(err)]; ok {
		return e
	}
	return syscall.EIO
}
