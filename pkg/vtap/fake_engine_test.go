package vtap

import (
	"net/netip"
	"sync"

	"vnetsock/pkg/engine"
)

// fakeConn is one handle of fakeEngine. Tests drive its callbacks directly.
type fakeConn struct {
	proto   engine.Proto
	state   engine.State
	local   netip.AddrPort
	remote  netip.AddrPort
	sndbuf  int
	nodelay bool
	backlog int

	recv      engine.RecvFunc
	recvFrom  engine.RecvFromFunc
	sent      engine.SentFunc
	errf      engine.ErrFunc
	poll      engine.PollFunc
	accept    engine.AcceptFunc
	connected engine.ConnectedFunc

	// callbacks present when Connect was issued
	attachedAtConnect bool

	written   [][]byte
	flags     []engine.WriteFlags
	datagrams [][]byte
	recved    int
	accepted  int
	shutRx    bool
	shutTx    bool
	closed    bool
}

// fakeEngine records what the tap asks of it. Like a real engine it is not
// safe for concurrent use; the tap's mu serializes callers.
type fakeEngine struct {
	conns    map[engine.Handle]*fakeConn
	released map[engine.Handle]*fakeConn
	next     engine.Handle
	sndbuf   int
	output   func([]byte) error

	newCalls    int
	closeCalls  int
	abortCalls  int
	inputs      [][]byte
	listenErr   error
	connectErr  error
	listenNewID bool

	mu             sync.Mutex
	tcpTicks       int
	discoveryTicks int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		conns:    make(map[engine.Handle]*fakeConn),
		released: make(map[engine.Handle]*fakeConn),
		sndbuf:   1 << 16,
	}
}

func (e *fakeEngine) factory(output func([]byte) error) (engine.Engine, error) {
	e.output = output
	return e, nil
}

func (e *fakeEngine) alloc(proto engine.Proto) engine.Handle {
	e.next++
	e.conns[e.next] = &fakeConn{proto: proto, sndbuf: e.sndbuf}
	return e.next
}

func (e *fakeEngine) release(h engine.Handle) {
	if c, ok := e.conns[h]; ok {
		e.released[h] = c
		delete(e.conns, h)
	}
}

// conn returns a handle's record whether or not it was released.
func (e *fakeEngine) conn(h engine.Handle) *fakeConn {
	if c, ok := e.conns[h]; ok {
		return c
	}
	return e.released[h]
}

func (e *fakeEngine) New(proto engine.Proto) (engine.Handle, error) {
	e.newCalls++
	if proto == engine.ProtoRaw {
		return 0, engine.ErrVal
	}
	return e.alloc(proto), nil
}

func (e *fakeEngine) Bind(h engine.Handle, addr netip.AddrPort) error {
	c, ok := e.conns[h]
	if !ok {
		return engine.ErrArg
	}
	if addr.Port() == 0 {
		addr = netip.AddrPortFrom(addr.Addr(), 49152+uint16(h))
	}
	c.local = addr
	return nil
}

func (e *fakeEngine) Connect(h engine.Handle, addr netip.AddrPort, connected engine.ConnectedFunc) error {
	c, ok := e.conns[h]
	if !ok {
		return engine.ErrArg
	}
	if e.connectErr != nil {
		return e.connectErr
	}
	c.remote = addr
	if !c.local.IsValid() {
		c.local = netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), 49152+uint16(h))
	}
	if c.proto == engine.ProtoTCP {
		c.attachedAtConnect = c.recv != nil && c.sent != nil && c.errf != nil && c.poll != nil
		c.state = engine.SynSent
		c.connected = connected
	}
	return nil
}

func (e *fakeEngine) Listen(h engine.Handle, backlog int) (engine.Handle, error) {
	c, ok := e.conns[h]
	if !ok {
		return 0, engine.ErrArg
	}
	if e.listenErr != nil {
		return 0, e.listenErr
	}
	c.state = engine.Listen
	c.backlog = backlog
	if !e.listenNewID {
		return h, nil
	}
	nh := e.alloc(engine.ProtoTCP)
	*e.conns[nh] = *c
	e.release(h)
	return nh, nil
}

func (e *fakeEngine) Accepted(l engine.Handle) {
	if c, ok := e.conns[l]; ok {
		c.accepted++
	}
}

func (e *fakeEngine) Write(h engine.Handle, data []byte, flags engine.WriteFlags) error {
	c, ok := e.conns[h]
	if !ok {
		return engine.ErrConn
	}
	if len(data) > c.sndbuf {
		return engine.ErrMem
	}
	if flags&engine.WriteFlagCopy != 0 {
		data = append([]byte(nil), data...)
	}
	c.written = append(c.written, data)
	c.flags = append(c.flags, flags)
	c.sndbuf -= len(data)
	return nil
}

func (e *fakeEngine) Output(engine.Handle) error { return nil }

func (e *fakeEngine) Send(h engine.Handle, data []byte) error {
	c, ok := e.conns[h]
	if !ok {
		return engine.ErrArg
	}
	c.datagrams = append(c.datagrams, append([]byte(nil), data...))
	return nil
}

func (e *fakeEngine) Recved(h engine.Handle, n int) {
	if c, ok := e.conns[h]; ok {
		c.recved += n
	}
}

func (e *fakeEngine) SndBuf(h engine.Handle) int {
	if c, ok := e.conns[h]; ok {
		return c.sndbuf
	}
	return 0
}

func (e *fakeEngine) State(h engine.Handle) engine.State {
	if c, ok := e.conns[h]; ok {
		return c.state
	}
	return engine.Closed
}

func (e *fakeEngine) Close(h engine.Handle) error {
	e.closeCalls++
	c, ok := e.conns[h]
	if !ok {
		return engine.ErrArg
	}
	c.closed = true
	e.release(h)
	return nil
}

func (e *fakeEngine) Shutdown(h engine.Handle, rx, tx bool) error {
	c, ok := e.conns[h]
	if !ok {
		return engine.ErrArg
	}
	c.shutRx = c.shutRx || rx
	c.shutTx = c.shutTx || tx
	return nil
}

func (e *fakeEngine) Abort(h engine.Handle) {
	e.abortCalls++
	e.release(h)
}

func (e *fakeEngine) Remove(h engine.Handle) { e.release(h) }

func (e *fakeEngine) SetNoDelay(h engine.Handle, on bool) {
	if c, ok := e.conns[h]; ok {
		c.nodelay = on
	}
}

func (e *fakeEngine) LocalAddr(h engine.Handle) netip.AddrPort {
	if c := e.conn(h); c != nil {
		return c.local
	}
	return netip.AddrPort{}
}

func (e *fakeEngine) RemoteAddr(h engine.Handle) netip.AddrPort {
	if c := e.conn(h); c != nil {
		return c.remote
	}
	return netip.AddrPort{}
}

func (e *fakeEngine) Count(proto engine.Proto) int {
	n := 0
	for _, c := range e.conns {
		if c.proto == proto {
			n++
		}
	}
	return n
}

func (e *fakeEngine) OnRecv(h engine.Handle, fn engine.RecvFunc) {
	if c, ok := e.conns[h]; ok {
		c.recv = fn
	}
}

func (e *fakeEngine) OnRecvFrom(h engine.Handle, fn engine.RecvFromFunc) {
	if c, ok := e.conns[h]; ok {
		c.recvFrom = fn
	}
}

func (e *fakeEngine) OnSent(h engine.Handle, fn engine.SentFunc) {
	if c, ok := e.conns[h]; ok {
		c.sent = fn
	}
}

func (e *fakeEngine) OnErr(h engine.Handle, fn engine.ErrFunc) {
	if c, ok := e.conns[h]; ok {
		c.errf = fn
	}
}

func (e *fakeEngine) OnPoll(h engine.Handle, fn engine.PollFunc, interval uint8) {
	if c, ok := e.conns[h]; ok {
		c.poll = fn
	}
}

func (e *fakeEngine) OnAccept(h engine.Handle, fn engine.AcceptFunc) {
	if c, ok := e.conns[h]; ok {
		c.accept = fn
	}
}

func (e *fakeEngine) Input(b []byte) error {
	e.inputs = append(e.inputs, append([]byte(nil), b...))
	return nil
}

func (e *fakeEngine) TCPTimer() {
	e.mu.Lock()
	e.tcpTicks++
	e.mu.Unlock()
}

func (e *fakeEngine) DiscoveryTimer() {
	e.mu.Lock()
	e.discoveryTicks++
	e.mu.Unlock()
}

func (e *fakeEngine) ticks() (tcp, discovery int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tcpTicks, e.discoveryTicks
}

// establish simulates an inbound connection completing on listener l.
func (e *fakeEngine) establish(l engine.Handle, remote netip.AddrPort) (engine.Handle, error) {
	lc := e.conns[l]
	child := e.alloc(engine.ProtoTCP)
	c := e.conns[child]
	c.state = engine.Established
	c.local = lc.local
	c.remote = remote
	if err := lc.accept(l, child, nil); err != nil {
		e.release(child)
		return child, err
	}
	return child, nil
}

// complete finishes an outbound handshake.
func (e *fakeEngine) complete(h engine.Handle) error {
	c := e.conns[h]
	c.state = engine.Established
	return c.connected(h, nil)
}

// fail reports a fatal error the way engines do: handle first, callback after.
func (e *fakeEngine) fail(h engine.Handle, err error) {
	c := e.conns[h]
	e.release(h)
	if c.errf != nil {
		c.errf(h, err)
	}
}

// ack acknowledges n bytes and returns them to the send buffer.
func (e *fakeEngine) ack(h engine.Handle, n int) error {
	c := e.conns[h]
	c.sndbuf += n
	return c.sent(h, n)
}
