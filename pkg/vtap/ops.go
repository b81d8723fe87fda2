package vtap

import (
	"context"
	"net/netip"

	"vnetsock/pkg/engine"
	"vnetsock/pkg/ringbuf"
	"vnetsock/pkg/sockerr"

	"github.com/pkg/errors"
)

// Socket creates a socket in UNBOUND. The per-type cap is checked before
// the engine allocates anything.
func (t *VirtualTap) Socket(family Family, typ SocketType) (*VirtualSocket, error) {
	if family != AFInet {
		return nil, sockerr.Wrapf(sockerr.Unsupported, "address family %d", family)
	}
	proto, ok := typ.proto()
	if !ok {
		return nil, sockerr.Wrapf(sockerr.IllegalArgument, "socket type %d", typ)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit := t.cfg.Limits.max(typ); t.eng.Count(proto) >= limit {
		t.log.Errorf("unable to create new %s socket due to limitation of network stack", typ)
		return nil, sockerr.Wrapf(sockerr.ResourceExhausted, "%s socket limit %d reached", typ, limit)
	}
	h, err := t.eng.New(proto)
	if err != nil {
		return nil, sockerr.FromEngine(err)
	}
	if typ == Stream {
		t.eng.SetNoDelay(h, true)
	}
	s := t.newSocketLocked(typ, family, h)
	t.sockLog(s).Debugf("new %s socket", typ)
	return s, nil
}

func (t *VirtualTap) newSocketLocked(typ SocketType, family Family, h engine.Handle) *VirtualSocket {
	s := &VirtualSocket{
		Type:        typ,
		Family:      family,
		tap:         t,
		handle:      h,
		copyMode:    t.cfg.CopyWrites,
		acceptReady: make(chan struct{}, 1),
		connDone:    make(chan error, 1),
	}
	if typ == Stream {
		s.rx = ringbuf.New(t.cfg.Limits.RXBuf)
		s.tx = ringbuf.New(t.cfg.Limits.TXBuf)
	}
	s.setState(Unbound)
	t.reg.add(s)
	s.transport = t.newTransport(t, s)
	t.metrics.Sockets.WithLabelValues(typ.String()).Inc()
	return s
}

func (t *VirtualTap) liveLocked(s *VirtualSocket) error {
	if s.State() == Closed || s.handle == 0 {
		if s.err != nil {
			return s.err
		}
		return sockerr.Wrapf(sockerr.InvalidState, "socket %d is closed", s.ID)
	}
	return nil
}

func (t *VirtualTap) Bind(s *VirtualSocket, addr netip.AddrPort) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.liveLocked(s); err != nil {
		return err
	}
	if st := s.State(); st != Unbound {
		return sockerr.Wrapf(sockerr.InvalidState, "bind in state %s", st)
	}
	if err := t.eng.Bind(s.handle, addr); err != nil {
		t.sockLog(s).Debugf("unable to bind to %s: %v", addr, err)
		return sockerr.FromEngine(err)
	}
	s.local = t.eng.LocalAddr(s.handle)
	if s.Type == Datagram {
		t.eng.OnRecvFrom(s.handle, t.onRecvFrom)
	}
	s.setState(Bound)
	return nil
}

// Connect records the peer of a datagram socket, or starts a stream
// handshake. For streams a nil return only means the attempt was admitted;
// PollConnect or AwaitConnect report the outcome.
func (t *VirtualTap) Connect(s *VirtualSocket, addr netip.AddrPort) error {
	if !addr.Addr().Is4() {
		return sockerr.Wrapf(sockerr.IllegalArgument, "peer %v is not an IPv4 address", addr)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.liveLocked(s); err != nil {
		return err
	}
	h := s.handle
	switch s.Type {
	case Datagram:
		switch st := s.State(); st {
		case Unbound, Bound, Connected:
		default:
			return sockerr.Wrapf(sockerr.InvalidState, "connect in state %s", st)
		}
		if err := t.eng.Connect(h, addr, nil); err != nil {
			return sockerr.FromEngine(err)
		}
		t.eng.OnRecvFrom(h, t.onRecvFrom)
		s.peer = addr
		s.local = t.eng.LocalAddr(h)
		s.setState(Connected)
		return nil
	case Stream:
	default:
		return sockerr.Wrapf(sockerr.Unsupported, "connect on %s socket", s.Type)
	}

	prev := s.State()
	switch prev {
	case Unbound, Bound:
	case Connecting:
		return sockerr.Wrapf(sockerr.InProgress, "socket %d is already connecting", s.ID)
	case Connected, UnhandledConnected:
		return sockerr.Wrapf(sockerr.AlreadyConnected, "socket %d", s.ID)
	default:
		return sockerr.Wrapf(sockerr.InvalidState, "connect in state %s", prev)
	}
	t.attachLocked(s)
	s.peer = addr
	s.setState(Connecting)
	if err := t.eng.Connect(h, addr, t.onConnected); err != nil {
		t.sockLog(s).Debugf("unable to connect to %s: %v", addr, err)
		t.detachLocked(s)
		s.peer = netip.AddrPort{}
		s.setState(prev)
		return sockerr.FromEngine(err)
	}
	s.local = t.eng.LocalAddr(h)
	return nil
}

// attachLocked registers the four stream callbacks on s's handle.
func (t *VirtualTap) attachLocked(s *VirtualSocket) {
	h := s.handle
	t.eng.OnSent(h, t.onSent)
	t.eng.OnRecv(h, t.onRecv)
	t.eng.OnErr(h, t.onErr)
	t.eng.OnPoll(h, t.onPoll, t.cfg.PollInterval)
}

// reattachLocked restores what detachLocked removed after a refused close.
func (t *VirtualTap) reattachLocked(s *VirtualSocket) {
	switch s.State() {
	case Listening:
		t.eng.OnAccept(s.handle, t.onAccept)
	case Connected, UnhandledConnected, Closing:
		t.attachLocked(s)
	}
}

func (t *VirtualTap) detachLocked(s *VirtualSocket) {
	h := s.handle
	if h == 0 {
		return
	}
	switch s.Type {
	case Stream:
		t.eng.OnSent(h, nil)
		t.eng.OnRecv(h, nil)
		t.eng.OnErr(h, nil)
		t.eng.OnPoll(h, nil, 0)
		t.eng.OnAccept(h, nil)
	case Datagram:
		t.eng.OnRecvFrom(h, nil)
	}
}

func (t *VirtualTap) Listen(s *VirtualSocket, backlog int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.liveLocked(s); err != nil {
		return err
	}
	if s.Type != Stream {
		return sockerr.Wrapf(sockerr.Unsupported, "listen on %s socket", s.Type)
	}
	if st := s.State(); st != Bound {
		return sockerr.Wrapf(sockerr.InvalidState, "listen in state %s", st)
	}
	nh, err := t.eng.Listen(s.handle, backlog)
	if err != nil {
		t.sockLog(s).Debugf("unable to listen: %v", err)
		if e := sockerr.FromEngine(err); sockerr.KindOf(e) == sockerr.AddressInUse {
			return e
		}
		return sockerr.Wrapf(sockerr.ResourceExhausted, "engine could not create listener: %v", err)
	}
	if nh != s.handle {
		t.reg.rehandle(s, nh)
	}
	t.eng.OnAccept(nh, t.onAccept)
	s.setState(Listening)
	t.sockLog(s).Debugf("listening on %s backlog=%d", s.local, backlog)
	return nil
}

// Accept pops the oldest pending connection. It never blocks: (nil, nil)
// means nothing is pending yet; wait on AcceptReady.
func (t *VirtualTap) Accept(s *VirtualSocket) (*VirtualSocket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st := s.State(); st != Listening {
		return nil, sockerr.Wrapf(sockerr.InvalidState, "accept in state %s", st)
	}
	if len(s.acceptQ) == 0 {
		return nil, nil
	}
	child := s.acceptQ[0]
	s.acceptQ[0] = nil
	s.acceptQ = s.acceptQ[1:]
	child.parent = nil
	if len(s.acceptQ) > 0 {
		signal(s.acceptReady)
	}
	return child, nil
}

// Read drains the inbound ring toward the transport and acknowledges to the
// engine exactly what the transport took.
func (t *VirtualTap) Read(s *VirtualSocket) (int, error) {
	if s.rx == nil {
		return 0, nil
	}
	s.rxMu.Lock()
	total, err := t.flushLocked(s)
	s.rxMu.Unlock()
	if err != nil {
		return total, err
	}
	if total > 0 {
		t.mu.Lock()
		if s.handle != 0 {
			t.eng.Recved(s.handle, total)
		}
		t.mu.Unlock()
	}
	return total, nil
}

// flushLocked moves rx bytes to the transport. Caller holds rxMu.
func (t *VirtualTap) flushLocked(s *VirtualSocket) (int, error) {
	total := 0
	for s.rx.Len() > 0 {
		region := s.rx.ReadRegion()
		n, err := s.transport.Send(region)
		if n > 0 {
			s.rx.Consume(n)
			total += n
		}
		if err != nil {
			t.metrics.BytesToApp.Add(float64(total))
			return total, errors.Wrap(err, "transport send")
		}
		if n < len(region) {
			break
		}
	}
	t.metrics.BytesToApp.Add(float64(total))
	if s.rx.Len() > 0 {
		s.transport.SetNotifyWritable(true)
		return total, nil
	}
	s.transport.SetNotifyWritable(false)
	if s.peerClosed.Load() && !s.eofSent {
		s.eofSent = true
		s.transport.CloseWrite()
	}
	return total, nil
}

// Write queues stream bytes and offers the engine what its send buffer
// allows; it may take fewer than len(p). Datagram writes go out at once as
// one datagram.
func (t *VirtualTap) Write(s *VirtualSocket, p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.liveLocked(s); err != nil {
		return 0, err
	}
	switch s.Type {
	case Datagram:
		return t.sendDatagramLocked(s, p)
	case Stream:
	default:
		return 0, sockerr.Wrapf(sockerr.Unsupported, "write on %s socket", s.Type)
	}
	if st := s.State(); st != Connected && st != UnhandledConnected {
		return 0, sockerr.Wrapf(sockerr.NotConnected, "write in state %s", st)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if t.eng.SndBuf(s.handle) <= 0 {
		s.transport.SetNotifyReadable(false)
		return 0, sockerr.Wrapf(sockerr.WouldBlock, "engine send buffer is full")
	}
	n := s.tx.Produce(p)
	if n == 0 {
		s.transport.SetNotifyReadable(false)
		return 0, sockerr.Wrapf(sockerr.WouldBlock, "outbound ring is full")
	}
	t.metrics.BytesFromApp.Add(float64(n))
	return n, t.pushTxLocked(s)
}

// pushTxLocked offers queued bytes not yet handed to the engine, bounded by
// its send buffer.
func (t *VirtualTap) pushTxLocked(s *VirtualSocket) error {
	h := s.handle
	if h == 0 || s.tx == nil {
		return nil
	}
	flags := engine.WriteFlags(0)
	if s.copyMode {
		flags = engine.WriteFlagCopy
	}
	offered := 0
	for {
		pending := s.tx.Len() - s.inflight
		sndbuf := t.eng.SndBuf(h)
		if pending <= 0 || sndbuf <= 0 {
			break
		}
		region := s.tx.Peek(s.inflight, min(pending, sndbuf))
		if len(region) == 0 {
			break
		}
		if err := t.eng.Write(h, region, flags); err != nil {
			t.sockLog(s).Errorf("error while writing to engine: %v", err)
			if offered > 0 {
				t.eng.Output(h)
			}
			return sockerr.FromEngine(err)
		}
		if s.copyMode {
			s.tx.Consume(len(region))
		} else {
			s.inflight += len(region)
		}
		offered += len(region)
	}
	if offered > 0 {
		t.sockLog(s).Tracef("offered %d bytes, %d unacknowledged", offered, s.inflight)
		if err := t.eng.Output(h); err != nil {
			t.sockLog(s).Debugf("output: %v", err)
		}
	}
	if s.tx.Len() != s.inflight {
		return nil
	}
	switch {
	case s.closePending:
		t.finishCloseLocked(s)
	case s.finPending:
		s.finPending = false
		if err := t.eng.Shutdown(h, false, true); err != nil {
			t.sockLog(s).Debugf("deferred shutdown: %v", err)
		}
	}
	return nil
}

func (t *VirtualTap) sendDatagramLocked(s *VirtualSocket, p []byte) (int, error) {
	if st := s.State(); st != Connected {
		return 0, sockerr.Wrapf(sockerr.NotConnected, "datagram write in state %s", st)
	}
	if limit := t.MaxDatagram(); len(p) > limit {
		return 0, sockerr.Wrapf(sockerr.IllegalArgument, "datagram of %d bytes exceeds %d", len(p), limit)
	}
	if err := t.eng.Send(s.handle, p); err != nil {
		return 0, sockerr.FromEngine(err)
	}
	t.metrics.BytesFromApp.Add(float64(len(p)))
	return len(p), nil
}

// Shutdown half-closes a stream. Queued bytes are left alone.
func (t *VirtualTap) Shutdown(s *VirtualSocket, how ShutdownHow) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.liveLocked(s); err != nil {
		return err
	}
	if s.Type != Stream {
		return sockerr.Wrapf(sockerr.Unsupported, "shutdown on %s socket", s.Type)
	}
	if st := s.State(); st != Connected && st != UnhandledConnected {
		return sockerr.Wrapf(sockerr.NotConnected, "shutdown in state %s", st)
	}
	var rx, tx bool
	switch how {
	case ShutRead:
		rx = true
	case ShutWrite:
		tx = true
	case ShutBoth:
		rx, tx = true, true
	default:
		return sockerr.Wrapf(sockerr.IllegalArgument, "shutdown how=%d", how)
	}
	if tx && s.tx.Len() > s.inflight {
		// the FIN has to follow bytes the engine has not been given yet
		if rx {
			if err := t.eng.Shutdown(s.handle, true, false); err != nil {
				return sockerr.FromEngine(err)
			}
		}
		s.finPending = true
		s.setState(Closing)
		return nil
	}
	if err := t.eng.Shutdown(s.handle, rx, tx); err != nil {
		return sockerr.FromEngine(err)
	}
	if tx {
		s.setState(Closing)
	}
	return nil
}

// Close releases the socket. Closing an already closed socket returns nil.
// Bytes the engine has not taken yet are still delivered: the socket stays
// CLOSING until the last of them is handed over, then the engine closes.
// A stream still in its handshake is refused with INVALID_STATE; use Abort.
func (t *VirtualTap) Close(s *VirtualSocket) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := s.State()
	if st == Closed {
		t.reg.remove(s)
		return nil
	}
	if s.Type != Stream {
		if s.handle != 0 {
			t.detachLocked(s)
			t.eng.Remove(s.handle)
		}
		t.releaseLocked(s, sockerr.ErrConnClosed)
		return nil
	}
	if s.handle != 0 && (st == Connecting || t.eng.State(s.handle) == engine.SynSent) {
		return sockerr.Wrapf(sockerr.InvalidState, "socket %d is mid-handshake, abort it instead", s.ID)
	}
	if st == Listening {
		for _, child := range s.acceptQ {
			t.closeChildLocked(child)
		}
		s.acceptQ = nil
	}
	if s.closePending {
		return nil
	}
	if s.handle != 0 {
		if s.tx.Len() > s.inflight {
			if err := t.pushTxLocked(s); err != nil {
				t.sockLog(s).Debugf("push before close: %v", err)
			}
			if pending := s.tx.Len() - s.inflight; pending > 0 {
				// stay attached until onSent has handed the rest over
				t.sockLog(s).Debugf("close deferred behind %d unsent bytes", pending)
				s.closePending = true
				s.setState(Closing)
				return nil
			}
		}
		// nothing may call back into s once the engine starts closing
		t.detachLocked(s)
		if err := t.eng.Close(s.handle); err != nil {
			if st != Closing {
				t.reattachLocked(s)
				return sockerr.FromEngine(err)
			}
			t.sockLog(s).Debugf("close after shutdown: %v", err)
		}
	}
	t.releaseLocked(s, sockerr.ErrConnClosed)
	t.log.WithField("sid", s.ID).Debug("closed")
	return nil
}

// finishCloseLocked completes a Close that waited for queued bytes.
func (t *VirtualTap) finishCloseLocked(s *VirtualSocket) {
	h := s.handle
	s.closePending = false
	s.finPending = false
	t.detachLocked(s)
	if err := t.eng.Close(h); err != nil {
		t.sockLog(s).Debugf("deferred close: %v", err)
		t.eng.Abort(h)
	}
	t.releaseLocked(s, sockerr.ErrConnClosed)
	t.log.WithField("sid", s.ID).Debug("closed")
}

// closeChildLocked closes an accepted connection nobody collected.
func (t *VirtualTap) closeChildLocked(s *VirtualSocket) {
	if s.handle != 0 {
		t.detachLocked(s)
		if err := t.eng.Close(s.handle); err != nil {
			t.eng.Abort(s.handle)
		}
	}
	s.parent = nil
	t.releaseLocked(s, sockerr.ErrConnAborted)
}

// Abort resets the connection, including one still in its handshake, and
// releases the socket.
func (t *VirtualTap) Abort(s *VirtualSocket) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.State() == Closed {
		t.reg.remove(s)
		return nil
	}
	if s.handle != 0 {
		t.detachLocked(s)
		if s.Type == Stream {
			t.eng.Abort(s.handle)
		} else {
			t.eng.Remove(s.handle)
		}
	}
	for _, child := range s.acceptQ {
		t.closeChildLocked(child)
	}
	s.acceptQ = nil
	t.releaseLocked(s, sockerr.ErrConnAborted)
	return nil
}

// releaseLocked forgets s entirely. Its handle must already be detached or
// gone from the engine.
func (t *VirtualTap) releaseLocked(s *VirtualSocket, cause error) {
	t.unqueueLocked(s)
	t.reg.remove(s)
	t.markClosedLocked(s, cause, true)
}

// markClosedLocked moves s to CLOSED and wakes any connect waiter. With
// abort the transport is torn down too, otherwise it keeps whatever is
// still buffered for the application.
func (t *VirtualTap) markClosedLocked(s *VirtualSocket, cause error, abort bool) {
	if s.State() == Closed {
		return
	}
	if s.err == nil {
		s.err = cause
	}
	s.setState(Closed)
	t.metrics.Sockets.WithLabelValues(s.Type.String()).Dec()
	if abort {
		s.transport.Abort(s.err)
	}
	s.completeConnect(s.err)
}

func (t *VirtualTap) unqueueLocked(s *VirtualSocket) {
	t.reg.take(s)
	p := s.parent
	if p == nil {
		return
	}
	for i, c := range p.acceptQ {
		if c == s {
			p.acceptQ = append(p.acceptQ[:i], p.acceptQ[i+1:]...)
			break
		}
	}
	s.parent = nil
}

// PollConnect reports the outcome of a stream connect. A completed
// connection moves from UNHANDLED_CONNECTED to CONNECTED here.
func (t *VirtualTap) PollConnect(s *VirtualSocket) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch st := s.State(); st {
	case UnhandledConnected:
		t.reg.take(s)
		s.setState(Connected)
		return nil
	case Connected, Closing:
		return nil
	case Connecting:
		return sockerr.Wrapf(sockerr.InProgress, "socket %d is connecting", s.ID)
	case Closed:
		if s.peerClosed.Load() {
			// established, then closed by the peer; data may still be buffered
			t.reg.take(s)
			return nil
		}
		if s.err != nil {
			return s.err
		}
		return sockerr.ErrConnClosed
	default:
		return sockerr.Wrapf(sockerr.NotConnected, "socket %d in state %s", s.ID, st)
	}
}

// AwaitConnect blocks until the handshake started by Connect finishes or
// ctx is done.
func (t *VirtualTap) AwaitConnect(ctx context.Context, s *VirtualSocket) error {
	for {
		err := t.PollConnect(s)
		if sockerr.KindOf(err) != sockerr.InProgress {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for connect")
		case <-s.connDone:
		}
	}
}
