package vtap

import (
	"net/netip"

	"vnetsock/pkg/engine"
	"vnetsock/pkg/sockerr"
)

// Engine callbacks. They run in the engine context with mu held, resolve
// their socket through the registry and never block: the only other lock
// they touch, rxMu, is TryLocked.

func (t *VirtualTap) onRecv(h engine.Handle, data []byte) (int, error) {
	s := t.reg.lookup(h)
	if s == nil || s.rx == nil {
		t.log.WithField("handle", uint32(h)).Debug("data for unknown handle, discarding")
		return len(data), nil
	}
	if data == nil {
		return 0, t.peerClosedLocked(s)
	}
	if !s.rxMu.TryLock() {
		t.metrics.RecvDeferred.Inc()
		t.sockLog(s).Trace("socket busy, leaving data with the engine")
		return 0, nil
	}
	n := s.rx.Produce(data)
	flushed, err := t.flushLocked(s)
	s.rxMu.Unlock()
	if n < len(data) {
		t.sockLog(s).Tracef("inbound ring full, engine keeps %d bytes", len(data)-n)
	}
	if err != nil {
		t.sockLog(s).Debugf("opportunistic flush: %v", err)
	}
	if flushed > 0 {
		t.eng.Recved(h, flushed)
	}
	return n, nil
}

// peerClosedLocked handles end of stream: the engine side is closed and
// the handle released, while bytes already buffered stay readable and are
// followed by EOF.
func (t *VirtualTap) peerClosedLocked(s *VirtualSocket) error {
	h := s.handle
	s.peerClosed.Store(true)
	t.sockLog(s).Debug("peer closed")
	if s.closePending {
		// the application is gone; finish sending and let Close release it
		return nil
	}
	if pending := s.tx.Len() - s.inflight; pending > 0 {
		t.sockLog(s).Debugf("discarding %d unsent bytes", pending)
	}
	t.detachLocked(s)
	t.reg.disown(s)
	if err := t.eng.Close(h); err != nil {
		t.eng.Abort(h)
	}
	t.markClosedLocked(s, sockerr.ErrConnClosed, false)
	// wake writers so they see the closed socket
	s.transport.SetNotifyReadable(true)
	if s.rxMu.TryLock() {
		t.flushLocked(s)
		s.rxMu.Unlock()
	}
	return engine.ErrAbrt
}

func (t *VirtualTap) onRecvFrom(h engine.Handle, data []byte, from netip.AddrPort) {
	s := t.reg.lookup(h)
	if s == nil {
		return
	}
	msg, err := EncodeDatagram(t.scratch, from, data)
	if err != nil {
		t.metrics.DatagramsDropped.Inc()
		t.sockLog(s).Debugf("dropping datagram from %s: %v", from, err)
		return
	}
	if err := s.transport.SendMsg(msg); err != nil {
		t.metrics.DatagramsDropped.Inc()
		t.sockLog(s).Tracef("transport not ready, dropping %d byte datagram from %s", len(data), from)
		return
	}
	t.metrics.BytesToApp.Add(float64(len(data)))
}

func (t *VirtualTap) onSent(h engine.Handle, n int) error {
	s := t.reg.lookup(h)
	if s == nil || s.tx == nil {
		return nil
	}
	if !s.copyMode {
		if n > s.inflight {
			t.sockLog(s).Errorf("engine acknowledged %d bytes with only %d in flight", n, s.inflight)
			n = s.inflight
		}
		s.tx.Consume(n)
		s.inflight -= n
	}
	if err := t.pushTxLocked(s); err != nil {
		t.sockLog(s).Debugf("push after ack: %v", err)
	}
	if s.tx.Free() > 0 {
		s.transport.SetNotifyReadable(true)
	}
	return nil
}

func (t *VirtualTap) onConnected(h engine.Handle, err error) error {
	s := t.reg.lookup(h)
	if s == nil {
		return nil
	}
	if err != nil {
		t.sockLog(s).Debugf("connect completed with %v", err)
		return err
	}
	s.local = t.eng.LocalAddr(h)
	s.setState(UnhandledConnected)
	t.reg.publish(s)
	s.completeConnect(nil)
	s.transport.SetNotifyReadable(true)
	t.sockLog(s).Debugf("connected %s -> %s", s.local, s.peer)
	return nil
}

// onAccept wraps a handed-off connection in a child socket. Returning an
// error makes the engine reset the child.
func (t *VirtualTap) onAccept(l, child engine.Handle, err error) error {
	if err != nil {
		t.log.WithField("handle", uint32(l)).Debugf("accept error: %v", err)
		return err
	}
	ls := t.reg.lookup(l)
	if ls == nil || ls.State() != Listening {
		return engine.ErrVal
	}
	if t.eng.Count(engine.ProtoTCP) > t.cfg.Limits.MaxStream {
		t.sockLog(ls).Errorf("unable to accept new socket due to limitation of network stack")
		return engine.ErrMem
	}
	c := t.newSocketLocked(Stream, ls.Family, child)
	c.peer = t.eng.RemoteAddr(child)
	c.local = t.eng.LocalAddr(child)
	c.parent = ls
	c.setState(Connected)
	t.attachLocked(c)
	ls.acceptQ = append(ls.acceptQ, c)
	t.eng.Accepted(l)
	signal(ls.acceptReady)
	t.sockLog(c).Debugf("accepted %s on listener %d", c.peer, ls.ID)
	return nil
}

// onErr runs after the engine has already freed the handle, so nothing
// here may touch it again.
func (t *VirtualTap) onErr(h engine.Handle, err error) {
	s := t.reg.lookup(h)
	if s == nil {
		return
	}
	e := sockerr.FromEngine(err)
	kind := sockerr.KindOf(e)
	t.sockLog(s).Warnf("engine error %s (errno=%d): %v", kind, sockerr.Errno(e), err)
	t.metrics.EngineErrors.WithLabelValues(kind.String()).Inc()
	t.reg.disown(s)
	queued := s.parent != nil
	t.unqueueLocked(s)
	if queued || s.closePending {
		// never seen by the application, or already closed by it
		s.closePending = false
		t.reg.remove(s)
	}
	t.markClosedLocked(s, e, true)
}

func (t *VirtualTap) onPoll(h engine.Handle) error {
	s := t.reg.lookup(h)
	if s == nil {
		return nil
	}
	return t.pushTxLocked(s)
}
