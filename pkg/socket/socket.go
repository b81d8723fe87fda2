// Blocking socket API over a virtual tap. The tap must be built with
// NewPipe as its transport factory.
package socket

import (
	"context"
	"net/netip"

	"vnetsock/pkg/sockerr"
	"vnetsock/pkg/vtap"

	"github.com/pkg/errors"
)

const DefaultBacklog = 16

type (
	VTCPListener struct {
		tap  *vtap.VirtualTap
		sock *vtap.VirtualSocket
		done chan struct{}
	}

	VTCPConn struct {
		tap  *vtap.VirtualTap
		sock *vtap.VirtualSocket
		pipe *Pipe
	}

	VUDPConn struct {
		tap  *vtap.VirtualTap
		sock *vtap.VirtualSocket
		pipe *Pipe
	}
)

func pipeOf(s *vtap.VirtualSocket) (*Pipe, error) {
	p, ok := s.Transport().(*Pipe)
	if !ok {
		return nil, errors.Errorf("socket %d has transport %T, tap needs socket.NewPipe", s.ID, s.Transport())
	}
	return p, nil
}

// VListen listens for connections on port at the tap's address.
func VListen(tap *vtap.VirtualTap, port uint16, backlog int) (*VTCPListener, error) {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	s, err := tap.Socket(vtap.AFInet, vtap.Stream)
	if err != nil {
		return nil, err
	}
	if err := tap.Bind(s, netip.AddrPortFrom(netip.IPv4Unspecified(), port)); err != nil {
		tap.Close(s)
		return nil, err
	}
	if err := tap.Listen(s, backlog); err != nil {
		tap.Close(s)
		return nil, err
	}
	return &VTCPListener{tap: tap, sock: s, done: make(chan struct{})}, nil
}

func (l *VTCPListener) VAccept(ctx context.Context) (*VTCPConn, error) {
	for {
		s, err := l.tap.Accept(l.sock)
		if err != nil {
			return nil, err
		}
		if s != nil {
			p, err := pipeOf(s)
			if err != nil {
				l.tap.Abort(s)
				return nil, err
			}
			return &VTCPConn{tap: l.tap, sock: s, pipe: p}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.done:
			return nil, sockerr.Wrapf(sockerr.ConnectionClosed, "listener closed")
		case <-l.sock.AcceptReady():
		}
	}
}

func (l *VTCPListener) Addr() netip.AddrPort { return l.sock.LocalAddr() }

func (l *VTCPListener) ID() uint64 { return l.sock.ID }

func (l *VTCPListener) VClose() error {
	select {
	case <-l.done:
		return nil
	default:
		close(l.done)
	}
	return l.tap.Close(l.sock)
}

// VConnect dials addr and waits for the handshake to finish or ctx to end.
func VConnect(ctx context.Context, tap *vtap.VirtualTap, addr netip.AddrPort) (*VTCPConn, error) {
	s, err := tap.Socket(vtap.AFInet, vtap.Stream)
	if err != nil {
		return nil, err
	}
	p, err := pipeOf(s)
	if err != nil {
		tap.Abort(s)
		return nil, err
	}
	if err := tap.Connect(s, addr); err != nil {
		tap.Close(s)
		return nil, err
	}
	if err := tap.AwaitConnect(ctx, s); err != nil {
		tap.Abort(s)
		return nil, err
	}
	return &VTCPConn{tap: tap, sock: s, pipe: p}, nil
}

func (c *VTCPConn) VRead(buf []byte) (int, error) {
	return c.pipe.Read(buf)
}

// VWrite blocks until all of data is queued or the connection fails.
func (c *VTCPConn) VWrite(data []byte) (int, error) {
	total := 0
	for total < len(data) {
		n, err := c.tap.Write(c.sock, data[total:])
		total += n
		if err == nil {
			continue
		}
		if sockerr.KindOf(err) != sockerr.WouldBlock {
			return total, err
		}
		if err := c.pipe.waitReadable(); err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *VTCPConn) VShutdown(how vtap.ShutdownHow) error {
	return c.tap.Shutdown(c.sock, how)
}

func (c *VTCPConn) VClose() error {
	err := c.tap.Close(c.sock)
	if sockerr.KindOf(err) == sockerr.InvalidState {
		err = c.tap.Abort(c.sock)
	}
	c.pipe.Abort(sockerr.ErrConnClosed)
	return err
}

func (c *VTCPConn) ID() uint64 { return c.sock.ID }

func (c *VTCPConn) LocalAddr() netip.AddrPort { return c.sock.LocalAddr() }

func (c *VTCPConn) RemoteAddr() netip.AddrPort { return c.sock.Peer() }

// VListenUDP binds a datagram socket.
func VListenUDP(tap *vtap.VirtualTap, port uint16) (*VUDPConn, error) {
	s, err := tap.Socket(vtap.AFInet, vtap.Datagram)
	if err != nil {
		return nil, err
	}
	p, err := pipeOf(s)
	if err != nil {
		tap.Close(s)
		return nil, err
	}
	if err := tap.Bind(s, netip.AddrPortFrom(netip.IPv4Unspecified(), port)); err != nil {
		tap.Close(s)
		return nil, err
	}
	return &VUDPConn{tap: tap, sock: s, pipe: p}, nil
}

// VConnect sets the only peer the socket sends to and accepts from.
func (u *VUDPConn) VConnect(addr netip.AddrPort) error {
	return u.tap.Connect(u.sock, addr)
}

func (u *VUDPConn) VWrite(data []byte) (int, error) {
	return u.tap.Write(u.sock, data)
}

func (u *VUDPConn) VReadFrom(buf []byte) (int, netip.AddrPort, error) {
	return u.pipe.ReadMsg(buf)
}

func (u *VUDPConn) VClose() error {
	err := u.tap.Close(u.sock)
	u.pipe.Abort(sockerr.ErrConnClosed)
	return err
}

func (u *VUDPConn) ID() uint64 { return u.sock.ID }

func (u *VUDPConn) LocalAddr() netip.AddrPort { return u.sock.LocalAddr() }
