// Reference protocol engine
// A single-threaded TCP/UDP engine behind the engine.Engine contract. Nothing
// here blocks or starts goroutines; the caller serializes every entry point and
// drives TCPTimer/DiscoveryTimer at fixed intervals.
package tcpstack

import (
	"net"
	"net/netip"
	"sort"
	"time"

	"vnetsock/pkg/engine"
	"vnetsock/pkg/ipstack"
	"vnetsock/pkg/orderedmap"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
)

const (
	BUFSIZE            = 65535
	TcpHeaderLen       = header.TCPMinimumSize
	TcpPseudoHeaderLen = 12
	IpProtoTcp         = header.TCPProtocolNumber
	IpProtoUdp         = header.UDPProtocolNumber
	RTOMin             = 100 * time.Millisecond
	RTOMax             = 5 * time.Second
	Alpha              = 0.9
	Beta               = 2.0
	MaxRetransmits     = 10
	SynMaxRetransmits  = 6
	TimeWaitDuration   = 2 * time.Second
	ephemeralLow       = 49152
	ephemeralCount     = 16384
)

type Config struct {
	IP ipstack.Config
	// bytes the engine will queue per connection (unsent + unacknowledged)
	SndBuf int
	// initial and maximum advertised receive window
	RcvWnd         int
	MaxRetransmits int
	// clock, for tests
	Now  func() time.Time
	Seed uint64
	Log  logrus.Ext1FieldLogger
}

type connKey struct {
	locPort uint16
	remIP   netip.Addr
	remPort uint16
}

type pcb struct {
	h     engine.Handle
	proto engine.Proto
	state engine.State

	locIP   netip.Addr
	locPort uint16
	remIP   netip.Addr
	remPort uint16

	recv         engine.RecvFunc
	recvFrom     engine.RecvFromFunc
	sent         engine.SentFunc
	errf         engine.ErrFunc
	poll         engine.PollFunc
	pollInterval uint8
	pollTicks    uint8
	accept       engine.AcceptFunc
	connected    engine.ConnectedFunc
	nodelay      bool

	// listening side
	backlog        int
	acceptsPending int
	listener       engine.Handle
	inBacklog      bool

	// send side
	iss       uint32
	sndUna    uint32
	sndNxt    uint32
	sndWnd    uint32
	unsent    [][]byte
	unsentLen int
	sndQueued int
	unacked   *orderedmap.OrderedMap
	finQueued bool
	finSent   bool
	shutTx    bool

	// receive side
	rcvNxt       uint32
	rcvWnd       uint32
	refused      []byte
	finRcvd      bool
	finDelivered bool
	shutRx       bool

	srtt            time.Duration
	rto             time.Duration
	rtxDeadline     time.Time
	rtxCount        int
	persistDeadline time.Time
	timeWaitUntil   time.Time
}

type Stack struct {
	cfg        Config
	ip         *ipstack.IPStack
	pcbs       map[engine.Handle]*pcb
	conns      map[connKey]*pcb
	listeners  map[uint16]*pcb
	udpPorts   map[uint16]*pcb
	counts     [3]int
	nextHandle engine.Handle
	seg        []byte
	rng        *rand.Rand
	log        logrus.Ext1FieldLogger
}

var _ engine.Engine = (*Stack)(nil)

func New(cfg Config, output ipstack.LinkOutput) (*Stack, error) {
	if cfg.SndBuf <= 0 {
		cfg.SndBuf = BUFSIZE
	}
	if cfg.RcvWnd <= 0 || cfg.RcvWnd > BUFSIZE {
		cfg.RcvWnd = BUFSIZE
	}
	if cfg.MaxRetransmits <= 0 {
		cfg.MaxRetransmits = MaxRetransmits
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	cfg.IP.Log = cfg.Log
	ipStack, err := ipstack.Initialize(cfg.IP, output)
	if err != nil {
		return nil, err
	}
	s := &Stack{
		cfg:       cfg,
		ip:        ipStack,
		pcbs:      make(map[engine.Handle]*pcb),
		conns:     make(map[connKey]*pcb),
		listeners: make(map[uint16]*pcb),
		udpPorts:  make(map[uint16]*pcb),
		seg:       make([]byte, ipStack.MaxPayload()),
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		log:       cfg.Log.WithField("if", cfg.IP.Name),
	}
	ipStack.RegisterRecvHandler(uint8(IpProtoTcp), s.TCPHandler)
	ipStack.RegisterRecvHandler(uint8(IpProtoUdp), s.UDPHandler)
	return s, nil
}

// IP exposes the network layer for interface inspection and control.
func (s *Stack) IP() *ipstack.IPStack { return s.ip }

// MSS is the largest TCP payload per segment.
func (s *Stack) MSS() int { return s.ip.MaxPayload() - TcpHeaderLen }

func (s *Stack) New(proto engine.Proto) (engine.Handle, error) {
	switch proto {
	case engine.ProtoTCP, engine.ProtoUDP:
	default:
		return 0, errors.Wrapf(engine.ErrVal, "%s sockets are not supported", proto)
	}
	p := &pcb{
		h:       s.allocHandle(),
		proto:   proto,
		state:   engine.Closed,
		locIP:   s.ip.VirtualIP,
		unacked: orderedmap.NewOrderedMap(),
		rcvWnd:  uint32(s.cfg.RcvWnd),
		srtt:    time.Second,
		rto:     2 * time.Second,
	}
	s.pcbs[p.h] = p
	s.counts[proto]++
	return p.h, nil
}

func (s *Stack) allocHandle() engine.Handle {
	for {
		s.nextHandle++
		if s.nextHandle == 0 {
			continue
		}
		if _, used := s.pcbs[s.nextHandle]; !used {
			return s.nextHandle
		}
	}
}

func (s *Stack) lookup(h engine.Handle) *pcb {
	return s.pcbs[h]
}

func (s *Stack) alive(p *pcb) bool {
	return s.pcbs[p.h] == p
}

func (s *Stack) Bind(h engine.Handle, addr netip.AddrPort) error {
	p := s.lookup(h)
	if p == nil {
		return errors.Wrapf(engine.ErrArg, "bind: unknown handle %d", h)
	}
	if p.locPort != 0 {
		return errors.Wrapf(engine.ErrVal, "bind: handle %d already bound to port %d", h, p.locPort)
	}
	ip := addr.Addr()
	if ip.IsValid() && !ip.IsUnspecified() && ip != s.ip.VirtualIP {
		return errors.Wrapf(engine.ErrVal, "bind: %s is not a local address", ip)
	}
	port := addr.Port()
	if port == 0 {
		var err error
		if port, err = s.ephemeralPort(p.proto); err != nil {
			return err
		}
	} else if s.portInUse(p.proto, port) {
		return errors.Wrapf(engine.ErrUse, "bind: port %d", port)
	}
	p.locPort = port
	if p.proto == engine.ProtoUDP {
		s.udpPorts[port] = p
	}
	return nil
}

func (s *Stack) portInUse(proto engine.Proto, port uint16) bool {
	for _, other := range s.pcbs {
		if other.proto == proto && other.locPort == port {
			return true
		}
	}
	return false
}

func (s *Stack) ephemeralPort(proto engine.Proto) (uint16, error) {
	for i := 0; i < ephemeralCount; i++ {
		port := uint16(ephemeralLow + s.rng.Intn(ephemeralCount))
		if !s.portInUse(proto, port) {
			return port, nil
		}
	}
	return 0, errors.Wrap(engine.ErrUse, "no ephemeral ports left")
}

func (s *Stack) Connect(h engine.Handle, addr netip.AddrPort, connected engine.ConnectedFunc) error {
	p := s.lookup(h)
	if p == nil {
		return errors.Wrapf(engine.ErrArg, "connect: unknown handle %d", h)
	}
	if !addr.Addr().Is4() || addr.Port() == 0 {
		return errors.Wrapf(engine.ErrVal, "connect: bad address %s", addr)
	}
	if p.proto == engine.ProtoUDP {
		if p.locPort == 0 {
			if err := s.Bind(h, netip.AddrPort{}); err != nil {
				return err
			}
		}
		p.remIP, p.remPort = addr.Addr(), addr.Port()
		return nil
	}
	switch p.state {
	case engine.Closed:
	case engine.SynSent:
		return errors.Wrap(engine.ErrAlready, "connect")
	default:
		return errors.Wrap(engine.ErrIsConn, "connect")
	}
	if !s.routable(addr.Addr()) {
		return errors.Wrapf(engine.ErrRte, "connect: no route to host %s", addr.Addr())
	}
	if p.locPort == 0 {
		if err := s.Bind(h, netip.AddrPort{}); err != nil {
			return err
		}
	}
	key := connKey{locPort: p.locPort, remIP: addr.Addr(), remPort: addr.Port()}
	if _, exists := s.conns[key]; exists {
		return errors.Wrapf(engine.ErrUse, "connect: %s already in use from port %d", addr, p.locPort)
	}
	p.remIP, p.remPort = addr.Addr(), addr.Port()
	p.connected = connected
	p.iss = s.rng.Uint32()
	p.sndUna = p.iss
	p.sndNxt = p.iss
	p.sndWnd = BUFSIZE
	p.state = engine.SynSent
	s.conns[key] = p
	s.log.Debugf("connecting to %s from port %d", addr, p.locPort)
	s.sendSyn(p, header.TCPFlagSyn)
	return nil
}

func (s *Stack) routable(dst netip.Addr) bool {
	return dst.Is4() && s.ip.Network.Contains(dst)
}

func (s *Stack) Listen(h engine.Handle, backlog int) (engine.Handle, error) {
	p := s.lookup(h)
	if p == nil || p.proto != engine.ProtoTCP {
		return 0, errors.Wrapf(engine.ErrArg, "listen: handle %d is not a tcp handle", h)
	}
	if p.state != engine.Closed {
		return 0, errors.Wrapf(engine.ErrVal, "listen: handle %d in state %s", h, p.state)
	}
	if p.locPort == 0 {
		if err := s.Bind(h, netip.AddrPort{}); err != nil {
			return 0, err
		}
	}
	if _, exists := s.listeners[p.locPort]; exists {
		return 0, errors.Wrapf(engine.ErrUse, "listen: already listening on port %d", p.locPort)
	}
	if backlog < 1 {
		backlog = 1
	}
	p.backlog = backlog
	p.state = engine.Listen
	s.listeners[p.locPort] = p
	s.log.Debugf("listening on port %d", p.locPort)
	return p.h, nil
}

func (s *Stack) Accepted(listener engine.Handle) {
	if l := s.lookup(listener); l != nil && l.acceptsPending > 0 {
		l.acceptsPending--
	}
}

func (s *Stack) Write(h engine.Handle, data []byte, flags engine.WriteFlags) error {
	p := s.lookup(h)
	if p == nil || p.proto != engine.ProtoTCP {
		return errors.Wrapf(engine.ErrArg, "write: handle %d is not a tcp handle", h)
	}
	switch p.state {
	case engine.SynSent, engine.SynRcvd, engine.Established, engine.CloseWait:
	default:
		return errors.Wrapf(engine.ErrConn, "write in state %s", p.state)
	}
	if p.shutTx || p.finQueued {
		return errors.Wrap(engine.ErrConn, "write after shutdown")
	}
	if len(data) == 0 {
		return nil
	}
	if len(data) > s.sndBuf(p) {
		return errors.Wrapf(engine.ErrMem, "write of %d bytes with %d bytes of send buffer", len(data), s.sndBuf(p))
	}
	if flags&engine.WriteFlagCopy != 0 {
		data = append([]byte(nil), data...)
	}
	p.unsent = append(p.unsent, data)
	p.unsentLen += len(data)
	p.sndQueued += len(data)
	return nil
}

func (s *Stack) Output(h engine.Handle) error {
	p := s.lookup(h)
	if p == nil || p.proto != engine.ProtoTCP {
		return errors.Wrapf(engine.ErrArg, "output: handle %d is not a tcp handle", h)
	}
	return s.output(p)
}

func (s *Stack) Recved(h engine.Handle, n int) {
	p := s.lookup(h)
	if p == nil || p.proto != engine.ProtoTCP || n <= 0 {
		return
	}
	old := p.rcvWnd
	p.rcvWnd = uint32(min(int(p.rcvWnd)+n, s.cfg.RcvWnd))
	if p.state != engine.Established && p.state != engine.FinWait1 && p.state != engine.FinWait2 {
		return
	}
	// window update once the reopening is worth a segment
	if old == 0 || int(p.rcvWnd-old) >= s.MSS() || int(p.rcvWnd) == s.cfg.RcvWnd {
		s.sendAck(p)
	}
}

func (s *Stack) SndBuf(h engine.Handle) int {
	p := s.lookup(h)
	if p == nil || p.proto != engine.ProtoTCP {
		return 0
	}
	return s.sndBuf(p)
}

func (s *Stack) sndBuf(p *pcb) int {
	return max(0, s.cfg.SndBuf-p.sndQueued)
}

func (s *Stack) State(h engine.Handle) engine.State {
	if p := s.lookup(h); p != nil {
		return p.state
	}
	return engine.Closed
}

func (s *Stack) Close(h engine.Handle) error {
	p := s.lookup(h)
	if p == nil {
		return errors.Wrapf(engine.ErrArg, "close: unknown handle %d", h)
	}
	if p.proto == engine.ProtoUDP {
		s.free(p)
		return nil
	}
	p.shutRx = true
	p.refused = nil
	switch p.state {
	case engine.Closed, engine.Listen, engine.SynSent:
		s.free(p)
		return nil
	case engine.SynRcvd, engine.Established:
		p.state = engine.FinWait1
	case engine.CloseWait:
		p.state = engine.LastAck
	default:
		return nil
	}
	p.finQueued = true
	return s.output(p)
}

func (s *Stack) Shutdown(h engine.Handle, rx, tx bool) error {
	p := s.lookup(h)
	if p == nil || p.proto != engine.ProtoTCP {
		return errors.Wrapf(engine.ErrArg, "shutdown: handle %d is not a tcp handle", h)
	}
	if p.state == engine.Listen {
		return errors.Wrap(engine.ErrConn, "shutdown on listening handle")
	}
	if rx && tx {
		return s.Close(h)
	}
	if rx {
		p.shutRx = true
		if n := len(p.refused); n > 0 {
			p.refused = nil
			p.rcvWnd = uint32(min(int(p.rcvWnd)+n, s.cfg.RcvWnd))
		}
	}
	if tx {
		switch p.state {
		case engine.SynRcvd, engine.Established:
			p.state = engine.FinWait1
		case engine.CloseWait:
			p.state = engine.LastAck
		default:
			return errors.Wrapf(engine.ErrConn, "shutdown in state %s", p.state)
		}
		p.shutTx = true
		p.finQueued = true
		return s.output(p)
	}
	return nil
}

func (s *Stack) Abort(h engine.Handle) {
	p := s.lookup(h)
	if p == nil {
		return
	}
	if p.proto == engine.ProtoTCP {
		switch p.state {
		case engine.Closed, engine.Listen, engine.TimeWait:
		default:
			s.sendRst(p.locPort, p.remIP, p.remPort, p.sndNxt, p.rcvNxt, true)
		}
	}
	s.free(p)
}

func (s *Stack) Remove(h engine.Handle) {
	s.Abort(h)
}

func (s *Stack) SetNoDelay(h engine.Handle, on bool) {
	if p := s.lookup(h); p != nil {
		p.nodelay = on
	}
}

func (s *Stack) LocalAddr(h engine.Handle) netip.AddrPort {
	if p := s.lookup(h); p != nil {
		return netip.AddrPortFrom(p.locIP, p.locPort)
	}
	return netip.AddrPort{}
}

func (s *Stack) RemoteAddr(h engine.Handle) netip.AddrPort {
	if p := s.lookup(h); p != nil && p.remIP.IsValid() {
		return netip.AddrPortFrom(p.remIP, p.remPort)
	}
	return netip.AddrPort{}
}

func (s *Stack) Count(proto engine.Proto) int {
	if int(proto) >= len(s.counts) {
		return 0
	}
	return s.counts[proto]
}

func (s *Stack) OnRecv(h engine.Handle, fn engine.RecvFunc) {
	if p := s.lookup(h); p != nil {
		p.recv = fn
	}
}

func (s *Stack) OnRecvFrom(h engine.Handle, fn engine.RecvFromFunc) {
	if p := s.lookup(h); p != nil {
		p.recvFrom = fn
	}
}

func (s *Stack) OnSent(h engine.Handle, fn engine.SentFunc) {
	if p := s.lookup(h); p != nil {
		p.sent = fn
	}
}

func (s *Stack) OnErr(h engine.Handle, fn engine.ErrFunc) {
	if p := s.lookup(h); p != nil {
		p.errf = fn
	}
}

func (s *Stack) OnPoll(h engine.Handle, fn engine.PollFunc, interval uint8) {
	if p := s.lookup(h); p != nil {
		p.poll = fn
		p.pollInterval = interval
		p.pollTicks = 0
	}
}

func (s *Stack) OnAccept(h engine.Handle, fn engine.AcceptFunc) {
	if p := s.lookup(h); p != nil {
		p.accept = fn
	}
}

func (s *Stack) Input(b []byte) error {
	return s.ip.Input(b)
}

func (s *Stack) DiscoveryTimer() {
	s.ip.DiscoveryTimer()
}

// free releases p without notifying anyone.
func (s *Stack) free(p *pcb) {
	if !s.alive(p) {
		return
	}
	delete(s.pcbs, p.h)
	if p.remIP.IsValid() {
		key := connKey{locPort: p.locPort, remIP: p.remIP, remPort: p.remPort}
		if s.conns[key] == p {
			delete(s.conns, key)
		}
	}
	if s.listeners[p.locPort] == p {
		delete(s.listeners, p.locPort)
	}
	if s.udpPorts[p.locPort] == p {
		delete(s.udpPorts, p.locPort)
	}
	if p.inBacklog {
		p.inBacklog = false
		if l := s.lookup(p.listener); l != nil && l.acceptsPending > 0 {
			l.acceptsPending--
		}
	}
	p.unacked.Clear()
	p.unsent = nil
	p.refused = nil
	p.state = engine.Closed
	s.counts[p.proto]--
}

// abandon releases p and reports err through its error callback. The handle
// is gone by the time the callback runs.
func (s *Stack) abandon(p *pcb, err engine.Err) {
	errf := p.errf
	h := p.h
	s.free(p)
	s.log.WithField("handle", h).Debugf("connection abandoned: %s", err)
	if errf != nil {
		errf(h, err)
	}
}

// Conns lists live handles in handle order.
func (s *Stack) Conns() []engine.Handle {
	hs := make([]engine.Handle, 0, len(s.pcbs))
	for h := range s.pcbs {
		hs = append(hs, h)
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	return hs
}

// HardwareAddr is the interface MAC.
func (s *Stack) HardwareAddr() net.HardwareAddr { return s.ip.Config.MAC }
