// Virtual socket bridge
// A VirtualTap turns a callback-driven, single-threaded protocol engine into
// socket-style operations for one virtual interface. The engine only ever
// runs under the tap's mu, either from Run or from a socket operation.
package vtap

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"vnetsock/pkg/engine"
	"vnetsock/pkg/frame"
	"vnetsock/pkg/metrics"
	"vnetsock/pkg/pqueue"
	"vnetsock/pkg/sockerr"
	"vnetsock/pkg/vnet"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMTU               = 1500
	DefaultTCPInterval       = 250 * time.Millisecond
	DefaultDiscoveryInterval = time.Second
	DefaultPollInterval      = 2
	DefaultInboundQueue      = 256
)

// Limits caps concurrent engine handles per type and sizes the per-socket
// rings. Datagram and raw sockets carry no rings.
type Limits struct {
	MaxStream   int
	MaxDatagram int
	MaxRaw      int
	RXBuf       int
	TXBuf       int
}

func DefaultLimits() Limits {
	return Limits{
		MaxStream:   128,
		MaxDatagram: 64,
		MaxRaw:      8,
		RXBuf:       1 << 17,
		TXBuf:       1 << 17,
	}
}

func (l Limits) max(typ SocketType) int {
	switch typ {
	case Stream:
		return l.MaxStream
	case Datagram:
		return l.MaxDatagram
	case Raw:
		return l.MaxRaw
	}
	return 0
}

type Config struct {
	Name string
	MAC  net.HardwareAddr
	MTU  int

	Limits Limits
	// CopyWrites makes the engine copy outbound bytes so the tx ring is
	// released at hand-off instead of on acknowledgment.
	CopyWrites bool

	TCPInterval       time.Duration
	DiscoveryInterval time.Duration
	// PollInterval is in TCP timer ticks.
	PollInterval uint8
	InboundQueue int
}

func (c *Config) setDefaults() {
	if c.MTU == 0 {
		c.MTU = DefaultMTU
	}
	if c.Limits == (Limits{}) {
		c.Limits = DefaultLimits()
	}
	if c.TCPInterval == 0 {
		c.TCPInterval = DefaultTCPInterval
	}
	if c.DiscoveryInterval == 0 {
		c.DiscoveryInterval = DefaultDiscoveryInterval
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.InboundQueue == 0 {
		c.InboundQueue = DefaultInboundQueue
	}
}

type Option func(*VirtualTap)

func WithLogger(log logrus.Ext1FieldLogger) Option {
	return func(t *VirtualTap) { t.baseLog = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *VirtualTap) { t.metrics = m }
}

func WithTransportFactory(f TransportFactory) Option {
	return func(t *VirtualTap) { t.newTransport = f }
}

func WithClock(now func() time.Time) Option {
	return func(t *VirtualTap) { t.now = now }
}

// EngineFactory builds the engine with output as its link-level sink.
type EngineFactory func(output func(frame []byte) error) (engine.Engine, error)

type inboundFrame struct {
	src, dst  net.HardwareAddr
	etherType uint16
	payload   []byte
}

type VirtualTap struct {
	ID  uuid.UUID
	cfg Config

	baseLog      logrus.Ext1FieldLogger
	log          *logrus.Entry
	metrics      *metrics.Metrics
	newTransport TransportFactory
	now          func() time.Time

	mu      sync.Mutex
	eng     engine.Engine
	wire    vnet.Wire
	reg     *registry
	scratch []byte

	enabled atomic.Bool
	inbound chan inboundFrame

	// loop-owned
	arena  *frame.Arena
	timers pqueue.PriorityQueue
}

func New(cfg Config, newEngine EngineFactory, opts ...Option) (*VirtualTap, error) {
	cfg.setDefaults()
	t := &VirtualTap{
		ID:      uuid.New(),
		cfg:     cfg,
		reg:     newRegistry(),
		inbound: make(chan inboundFrame, cfg.InboundQueue),
		arena:   frame.NewArena(cfg.MTU),
		scratch: make([]byte, DatagramHeaderLen+cfg.MTU),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.baseLog == nil {
		t.baseLog = logrus.StandardLogger()
	}
	t.log = t.baseLog.WithFields(logrus.Fields{"tap": t.ID.String(), "if": cfg.Name})
	if t.metrics == nil {
		t.metrics = metrics.New(metrics.Config{})
	}
	if t.newTransport == nil {
		t.newTransport = func(*VirtualTap, *VirtualSocket) AppTransport { return nullTransport{} }
	}
	eng, err := newEngine(t.deliverOutbound)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create protocol engine")
	}
	t.eng = eng
	t.enabled.Store(true)
	return t, nil
}

func (t *VirtualTap) Config() Config { return t.cfg }

func (t *VirtualTap) Metrics() *metrics.Metrics { return t.metrics }

// Attach sets the wire outgoing frames are delivered to.
func (t *VirtualTap) Attach(w vnet.Wire) {
	t.mu.Lock()
	t.wire = w
	t.mu.Unlock()
}

func (t *VirtualTap) Enable() {
	t.enabled.Store(true)
	t.log.Info("interface enabled")
}

func (t *VirtualTap) Disable() {
	t.enabled.Store(false)
	t.log.Info("interface disabled")
}

func (t *VirtualTap) Enabled() bool { return t.enabled.Load() }

// MaxDatagram is the largest payload a datagram write may carry.
func (t *VirtualTap) MaxDatagram() int {
	return t.cfg.MTU - 20 - 8
}

// DeliverInbound queues one frame from the network for the loop. It never
// blocks: when the queue is full the frame is dropped.
func (t *VirtualTap) DeliverInbound(src, dst net.HardwareAddr, etherType uint16, payload []byte) error {
	if !t.enabled.Load() {
		t.metrics.FramesDropped.WithLabelValues("disabled").Inc()
		return nil
	}
	if len(payload) > t.cfg.MTU {
		t.metrics.FramesDropped.WithLabelValues("too_large").Inc()
		return sockerr.Wrapf(sockerr.FrameTooLarge, "%d byte payload exceeds MTU %d", len(payload), t.cfg.MTU)
	}
	in := inboundFrame{
		src:       append(net.HardwareAddr(nil), src...),
		dst:       append(net.HardwareAddr(nil), dst...),
		etherType: etherType,
		payload:   append([]byte(nil), payload...),
	}
	select {
	case t.inbound <- in:
		return nil
	default:
		t.metrics.FramesDropped.WithLabelValues("queue_full").Inc()
		return sockerr.Wrapf(sockerr.WouldBlock, "inbound queue full")
	}
}

// deliverOutbound is the engine's link output. It runs under mu.
func (t *VirtualTap) deliverOutbound(b []byte) error {
	if !t.enabled.Load() {
		t.metrics.FramesDropped.WithLabelValues("disabled").Inc()
		return nil
	}
	if t.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		if f, err := frame.Decode(b); err == nil {
			t.log.Tracef("OUT <-- %s -> %s proto=0x%04x %s len=%d", f.Src, f.Dst, f.EtherType, frame.EtherTypeName(f.EtherType), len(b))
		}
	}
	if t.wire == nil {
		t.metrics.FramesDropped.WithLabelValues("no_wire").Inc()
		return sockerr.Wrapf(sockerr.InterfaceError, "interface %s has no wire attached", t.cfg.Name)
	}
	t.metrics.FramesOut.Inc()
	return t.wire.DeliverOutbound(b)
}

// AddNameserver is not supported by the bridge.
func (t *VirtualTap) AddNameserver(addr string) error {
	return sockerr.Wrapf(sockerr.Unsupported, "nameserver %s", addr)
}

func (t *VirtualTap) DelNameserver(addr string) error {
	return sockerr.Wrapf(sockerr.Unsupported, "nameserver %s", addr)
}

// WithEngine runs fn with exclusive access to the engine. fn must not call
// back into the tap.
func (t *VirtualTap) WithEngine(fn func(eng engine.Engine)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.eng)
}

// Lookup returns the live socket with the given ID.
func (t *VirtualTap) Lookup(id uint64) *VirtualSocket {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reg.get(id)
}

// Unhandled lists connections the engine completed that nobody has
// collected through PollConnect.
func (t *VirtualTap) Unhandled() []*VirtualSocket {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*VirtualSocket(nil), t.reg.unhandled...)
}

// Snapshot describes every registered socket.
func (t *VirtualTap) Snapshot() []SocketInfo {
	t.mu.Lock()
	socks := t.reg.list()
	infos := make([]SocketInfo, len(socks))
	for i, s := range socks {
		info := SocketInfo{
			ID:          s.ID,
			Type:        s.Type.String(),
			State:       s.State().String(),
			Handle:      uint32(s.handle),
			Local:       addrString(s.local),
			Peer:        addrString(s.peer),
			InFlight:    s.inflight,
			AcceptQueue: len(s.acceptQ),
		}
		if s.tx != nil {
			info.TXBuffered = s.tx.Len()
		}
		if s.parent != nil {
			info.Parent = s.parent.ID
		}
		if s.err != nil {
			info.Err = s.err.Error()
		}
		infos[i] = info
	}
	t.mu.Unlock()
	// rx is read outside mu so a slow Read never stalls the loop here
	for i, s := range socks {
		infos[i].RXBuffered = s.Buffered()
	}
	return infos
}

func (t *VirtualTap) sockLog(s *VirtualSocket) *logrus.Entry {
	return t.log.WithFields(logrus.Fields{"sid": s.ID, "handle": uint32(s.handle)})
}
