package socket

import (
	"io"
	"net/netip"
	"sync"

	"vnetsock/pkg/sockerr"
	"vnetsock/pkg/vtap"
)

// DefaultPipeSize bounds what a pipe buffers for its reader.
const DefaultPipeSize = 64 * 1024

// Pipe is the application transport of one virtual socket. The tap fills it
// from the engine context without blocking; the application drains it with
// blocking reads.
type Pipe struct {
	tap  *vtap.VirtualTap
	sock *vtap.VirtualSocket

	mu       sync.Mutex
	cond     *sync.Cond
	limit    int
	buf      []byte
	msgs     [][]byte
	msgBytes int

	// the tap wants Read called once there is room again
	notifyWritable bool
	// writes are worth retrying
	readable bool
	eof      bool
	err      error
}

// NewPipe returns a transport factory for vtap.WithTransportFactory.
func NewPipe(limit int) vtap.TransportFactory {
	if limit <= 0 {
		limit = DefaultPipeSize
	}
	return func(t *vtap.VirtualTap, s *vtap.VirtualSocket) vtap.AppTransport {
		p := &Pipe{tap: t, sock: s, limit: limit, readable: true}
		p.cond = sync.NewCond(&p.mu)
		return p
	}
}

func (p *Pipe) Send(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	n := min(len(b), p.limit-len(p.buf))
	if n <= 0 {
		return 0, nil
	}
	p.buf = append(p.buf, b[:n]...)
	p.cond.Broadcast()
	return n, nil
}

func (p *Pipe) SendMsg(msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.msgBytes+len(msg) > p.limit {
		return sockerr.ErrWouldBlock
	}
	p.msgs = append(p.msgs, append([]byte(nil), msg...))
	p.msgBytes += len(msg)
	p.cond.Broadcast()
	return nil
}

func (p *Pipe) SetNotifyWritable(on bool) {
	p.mu.Lock()
	p.notifyWritable = on
	p.mu.Unlock()
}

func (p *Pipe) SetNotifyReadable(on bool) {
	p.mu.Lock()
	p.readable = on
	if on {
		p.cond.Broadcast()
	}
	p.mu.Unlock()
}

func (p *Pipe) CloseWrite() {
	p.mu.Lock()
	p.eof = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pipe) Abort(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Read blocks until stream bytes, end of stream or an error. Buffered bytes
// are returned before an error.
func (p *Pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	for len(p.buf) == 0 && !p.eof && p.err == nil {
		p.cond.Wait()
	}
	if len(p.buf) == 0 {
		err := p.err
		if err == nil {
			err = io.EOF
		}
		p.mu.Unlock()
		return 0, err
	}
	n := copy(b, p.buf)
	p.buf = p.buf[:copy(p.buf, p.buf[n:])]
	kick := p.notifyWritable
	p.mu.Unlock()
	if kick {
		// the tap takes its own locks; never call it holding p.mu
		if _, err := p.tap.Read(p.sock); err != nil {
			p.Abort(err)
		}
	}
	return n, nil
}

// ReadMsg blocks for one datagram and copies its payload into b, truncating
// like recvfrom.
func (p *Pipe) ReadMsg(b []byte) (int, netip.AddrPort, error) {
	p.mu.Lock()
	for len(p.msgs) == 0 && p.err == nil {
		p.cond.Wait()
	}
	if len(p.msgs) == 0 {
		err := p.err
		p.mu.Unlock()
		return 0, netip.AddrPort{}, err
	}
	msg := p.msgs[0]
	p.msgs[0] = nil
	p.msgs = p.msgs[1:]
	p.msgBytes -= len(msg)
	p.mu.Unlock()

	from, payload, err := vtap.DecodeDatagram(msg)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	return copy(b, payload), from, nil
}

// waitReadable blocks until a write is worth retrying.
func (p *Pipe) waitReadable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.readable && p.err == nil {
		p.cond.Wait()
	}
	return p.err
}

// Buffered reports stream bytes waiting for the application.
func (p *Pipe) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}
