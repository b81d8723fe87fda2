package tcpstack

import (
	"net/netip"

	"vnetsock/pkg/engine"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

// MaxDatagram is the largest UDP payload that fits one frame.
func (s *Stack) MaxDatagram() int {
	return s.ip.MaxPayload() - header.UDPMinimumSize
}

func (s *Stack) Send(h engine.Handle, data []byte) error {
	p := s.lookup(h)
	if p == nil || p.proto != engine.ProtoUDP {
		return errors.Wrapf(engine.ErrArg, "send: handle %d is not a udp handle", h)
	}
	if !p.remIP.IsValid() {
		return errors.Wrap(engine.ErrConn, "send: no remote address")
	}
	if len(data) > s.MaxDatagram() {
		return errors.Wrapf(engine.ErrVal, "send: datagram of %d bytes exceeds %d", len(data), s.MaxDatagram())
	}
	if p.locPort == 0 {
		if err := s.Bind(h, netip.AddrPort{}); err != nil {
			return err
		}
	}
	length := header.UDPMinimumSize + len(data)
	b := s.seg[:length]
	u := header.UDP(b)
	u.Encode(&header.UDPFields{
		SrcPort: p.locPort,
		DstPort: p.remPort,
		Length:  uint16(length),
	})
	copy(b[header.UDPMinimumSize:], data)
	sum := header.Checksum(b, pseudoHeaderChecksum(uint8(IpProtoUdp), s.ip.VirtualIP, p.remIP, length)) ^ 0xffff
	if sum == 0 {
		sum = 0xffff
	}
	u.SetChecksum(sum)
	return s.ip.SendIP(p.remIP, uint8(IpProtoUdp), b)
}

// UDPHandler is registered with the IP layer for protocol 17.
func (s *Stack) UDPHandler(ipHdr *ipv4header.IPv4Header, data []byte) {
	if len(data) < header.UDPMinimumSize {
		return
	}
	u := header.UDP(data)
	length := int(u.Length())
	if length < header.UDPMinimumSize || length > len(data) {
		s.log.Debugf("dropping udp datagram with length %d", length)
		return
	}
	data = data[:length]
	if u.Checksum() != 0 && !validTransportChecksum(uint8(IpProtoUdp), ipHdr.Src, ipHdr.Dst, data) {
		s.log.Debug("dropping udp datagram, invalid checksum")
		return
	}
	p, ok := s.udpPorts[u.DestinationPort()]
	if !ok {
		return
	}
	if p.remIP.IsValid() && (p.remIP != ipHdr.Src || p.remPort != u.SourcePort()) {
		return
	}
	if p.recvFrom != nil {
		p.recvFrom(p.h, data[header.UDPMinimumSize:], netip.AddrPortFrom(ipHdr.Src, u.SourcePort()))
	}
}
