// IP layer of the reference engine
// Owns the interface address, the neighbor table and protocol dispatch.
// Frames come in and go out as complete Ethernet frames.
package ipstack

import (
	"net"
	"net/netip"
	"sort"

	"vnetsock/pkg/engine"
	"vnetsock/pkg/frame"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTTL         = 64
	DefaultNeighborAge = 300 // discovery ticks
)

type Config struct {
	Name      string
	MAC       net.HardwareAddr
	Prefix    netip.Prefix // assigned address and its network
	MTU       int
	Neighbors map[netip.Addr]net.HardwareAddr
	// learned neighbors are forgotten after this many discovery ticks
	NeighborMaxAge int
	Log            logrus.Ext1FieldLogger
}

type Neighbor struct {
	Addr   netip.Addr
	MAC    net.HardwareAddr
	Static bool
	Age    int
}

type HandlerFunc = func(hdr *ipv4header.IPv4Header, payload []byte)

// LinkOutput hands a finished frame to the virtual network. The frame is only
// valid for the duration of the call.
type LinkOutput func(b []byte) error

type IPStack struct {
	Config    Config
	VirtualIP netip.Addr
	Network   netip.Prefix
	Neighbors map[netip.Addr]*Neighbor
	Handlers  map[uint8]HandlerFunc
	Enabled   bool

	output LinkOutput
	arena  *frame.Arena
	pkt    []byte
	log    logrus.Ext1FieldLogger
}

func Initialize(cfg Config, output LinkOutput) (*IPStack, error) {
	if len(cfg.MAC) != frame.MACLen {
		return nil, errors.Errorf("interface %s: bad MAC %q", cfg.Name, cfg.MAC)
	}
	if !cfg.Prefix.IsValid() || !cfg.Prefix.Addr().Is4() {
		return nil, errors.Errorf("interface %s: need an IPv4 prefix, got %s", cfg.Name, cfg.Prefix)
	}
	if cfg.MTU < ipv4header.HeaderLen+header.TCPMinimumSize {
		return nil, errors.Errorf("interface %s: MTU %d too small", cfg.Name, cfg.MTU)
	}
	if cfg.NeighborMaxAge <= 0 {
		cfg.NeighborMaxAge = DefaultNeighborAge
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	stack := &IPStack{
		Config:    cfg,
		VirtualIP: cfg.Prefix.Addr(),
		Network:   cfg.Prefix.Masked(),
		Neighbors: make(map[netip.Addr]*Neighbor),
		Handlers:  make(map[uint8]HandlerFunc),
		Enabled:   true,
		output:    output,
		arena:     frame.NewArena(cfg.MTU),
		pkt:       make([]byte, cfg.MTU),
		log:       cfg.Log.WithField("if", cfg.Name),
	}
	for ip, mac := range cfg.Neighbors {
		stack.Neighbors[ip] = &Neighbor{Addr: ip, MAC: mac, Static: true}
	}
	return stack, nil
}

// registers a handler function for an IP protocol number
func (ips *IPStack) RegisterRecvHandler(protocolNum uint8, callbackFunc HandlerFunc) {
	ips.Handlers[protocolNum] = callbackFunc
}

// MaxPayload is the largest transport segment that fits one frame.
func (ips *IPStack) MaxPayload() int {
	return ips.Config.MTU - ipv4header.HeaderLen
}

func (ips *IPStack) SendIP(dst netip.Addr, protoNum uint8, data []byte) error {
	if !ips.Enabled {
		return errors.Wrapf(engine.ErrIf, "interface %s is down", ips.Config.Name)
	}
	if len(data) > ips.MaxPayload() {
		return errors.Wrapf(engine.ErrVal, "payload of %d bytes exceeds MTU", len(data))
	}
	mac, err := ips.resolve(dst)
	if err != nil {
		return err
	}
	hBytes, err := ips.constructIPHeader(ips.VirtualIP, dst, protoNum, data)
	if err != nil {
		return errors.Wrapf(engine.ErrVal, "error constructing IP header: %v", err)
	}
	n := copy(ips.pkt, hBytes)
	n += copy(ips.pkt[n:], data)
	b, err := ips.arena.Encode(ips.pkt[:n], ips.Config.MAC, mac, frame.EtherTypeIPv4)
	if err != nil {
		return errors.Wrap(engine.ErrBuf, err.Error())
	}
	if err := ips.output(b); err != nil {
		return errors.Wrapf(engine.ErrIf, "link output: %v", err)
	}
	return nil
}

// resolve picks the destination MAC. There is no address resolution protocol:
// unknown on-link hosts are reached through the broadcast address.
func (ips *IPStack) resolve(dst netip.Addr) (net.HardwareAddr, error) {
	if !dst.Is4() {
		return nil, errors.Wrapf(engine.ErrRte, "no route to host %s", dst)
	}
	if dst == ips.broadcast() {
		return frame.BroadcastMAC, nil
	}
	if !ips.Network.Contains(dst) {
		return nil, errors.Wrapf(engine.ErrRte, "no route to host %s", dst)
	}
	if n, ok := ips.Neighbors[dst]; ok {
		return n.MAC, nil
	}
	return frame.BroadcastMAC, nil
}

// Input takes one Ethernet frame off the wire. b is not retained.
func (ips *IPStack) Input(b []byte) error {
	if !ips.Enabled {
		return nil
	}
	f, err := frame.Decode(b)
	if err != nil {
		return err
	}
	if !frame.IsMulticast(f.Dst) && string(f.Dst) != string(ips.Config.MAC) {
		return nil
	}
	if f.EtherType != frame.EtherTypeIPv4 {
		ips.log.Tracef("ignoring %s frame", frame.EtherTypeName(f.EtherType))
		return nil
	}
	return ips.processPacket(f.Src, f.Payload)
}

func (ips *IPStack) processPacket(srcMAC net.HardwareAddr, packetData []byte) error {
	hdr, err := ipv4header.ParseHeader(packetData)
	if err != nil {
		return errors.Wrap(engine.ErrVal, "error parsing header")
	}
	if hdr.Len < ipv4header.HeaderLen || hdr.TotalLen < hdr.Len || hdr.TotalLen > len(packetData) {
		return errors.Wrapf(engine.ErrVal, "bad IPv4 lengths hl=%d total=%d have=%d", hdr.Len, hdr.TotalLen, len(packetData))
	}
	if !validateChecksum(packetData[:hdr.Len]) {
		ips.log.Debug("dropping packet, invalid checksum")
		return nil
	}
	if hdr.TTL < 1 {
		ips.log.Debug("dropping packet, TTL ran out")
		return nil
	}
	if hdr.Dst != ips.VirtualIP && hdr.Dst != ips.broadcast() {
		return nil
	}
	ips.learn(hdr.Src, srcMAC)

	// Ethernet may pad short packets; TotalLen is authoritative
	message := packetData[hdr.Len:hdr.TotalLen]
	handler, ok := ips.Handlers[uint8(hdr.Protocol)]
	if !ok {
		ips.log.Tracef("no handler registered for protocol %d", hdr.Protocol)
		return nil
	}
	handler(hdr, message)
	return nil
}

func (ips *IPStack) learn(src netip.Addr, mac net.HardwareAddr) {
	if !ips.Network.Contains(src) || frame.IsMulticast(mac) {
		return
	}
	if n, ok := ips.Neighbors[src]; ok {
		if n.Static {
			return
		}
		n.Age = 0
		if string(n.MAC) == string(mac) {
			return
		}
	}
	ips.Neighbors[src] = &Neighbor{Addr: src, MAC: append(net.HardwareAddr(nil), mac...)}
}

// DiscoveryTimer ages learned neighbors.
func (ips *IPStack) DiscoveryTimer() {
	for ip, n := range ips.Neighbors {
		if n.Static {
			continue
		}
		n.Age++
		if n.Age >= ips.Config.NeighborMaxAge {
			ips.log.Debugf("neighbor %s (%s) expired", ip, n.MAC)
			delete(ips.Neighbors, ip)
		}
	}
}

// NeighborList returns the table sorted by address.
func (ips *IPStack) NeighborList() []Neighbor {
	out := make([]Neighbor, 0, len(ips.Neighbors))
	for _, n := range ips.Neighbors {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr.Less(out[j].Addr) })
	return out
}

func (ips *IPStack) broadcast() netip.Addr {
	a := ips.Network.Addr().As4()
	bits := ips.Network.Bits()
	for i := bits; i < 32; i++ {
		a[i/8] |= 1 << (7 - uint(i%8))
	}
	return netip.AddrFrom4(a)
}

func (ips *IPStack) constructIPHeader(src netip.Addr, dst netip.Addr, protoNum uint8, payload []byte) ([]byte, error) {
	hdr := ipv4header.IPv4Header{
		Version:  4,
		Len:      20, // Header length is always 20 when no IP options
		TOS:      0,
		TotalLen: ipv4header.HeaderLen + len(payload),
		ID:       0,
		Flags:    0,
		FragOff:  0,
		TTL:      DefaultTTL,
		Protocol: int(protoNum),
		Checksum: 0, // Should be 0 until checksum is computed
		Src:      src,
		Dst:      dst,
		Options:  []byte{},
	}

	hBytes, err := hdr.Marshal()
	if err != nil {
		return nil, err
	}

	hdr.Checksum = int(ComputeChecksum(hBytes))

	hBytes, err = hdr.Marshal()
	if err != nil {
		return nil, err
	}

	return hBytes, nil
}

func ComputeChecksum(b []byte) uint16 {
	checksum := header.Checksum(b, 0)
	checksumInv := checksum ^ 0xffff
	return checksumInv
}

func validateChecksum(b []byte) bool {
	return header.Checksum(b, 0) == 0xffff
}
