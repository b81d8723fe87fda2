// Ethernet framing for payloads crossing the virtual interface boundary.
package frame

import (
	"fmt"
	"net"

	"vnetsock/pkg/sockerr"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/header"
)

const (
	HeaderLen = header.EthernetMinimumSize
	MACLen    = header.EthernetAddressSize

	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806
	EtherTypeVLAN uint16 = 0x8100
	EtherTypeIPv6 uint16 = 0x86dd
)

var BroadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

type Frame struct {
	Src       net.HardwareAddr
	Dst       net.HardwareAddr
	EtherType uint16
	Payload   []byte
}

// Arena is a single reusable frame buffer bounded by the interface MTU.
// A frame returned by Encode is only valid until the next call.
type Arena struct {
	buf []byte
	mtu int
}

func NewArena(mtu int) *Arena {
	return &Arena{buf: make([]byte, HeaderLen+mtu), mtu: mtu}
}

func (a *Arena) MTU() int { return a.mtu }

func (a *Arena) Encode(payload []byte, src, dst net.HardwareAddr, etherType uint16) ([]byte, error) {
	return Encode(a.buf, payload, src, dst, etherType)
}

// Encode writes an Ethernet header followed by payload into buf. The frame
// must fit in cap(buf); nothing is allocated.
func Encode(buf []byte, payload []byte, src, dst net.HardwareAddr, etherType uint16) ([]byte, error) {
	if len(src) != MACLen || len(dst) != MACLen {
		return nil, sockerr.Wrapf(sockerr.IllegalArgument, "bad MAC length src=%d dst=%d", len(src), len(dst))
	}
	n := HeaderLen + len(payload)
	if n > cap(buf) {
		return nil, sockerr.Wrapf(sockerr.FrameTooLarge, "frame of %d bytes exceeds %d", n, cap(buf))
	}
	b := buf[:n]
	header.Ethernet(b).Encode(&header.EthernetFields{
		SrcAddr: tcpip.LinkAddress(src),
		DstAddr: tcpip.LinkAddress(dst),
		Type:    tcpip.NetworkProtocolNumber(etherType),
	})
	copy(b[HeaderLen:], payload)
	return b, nil
}

// Decode splits b into header fields and payload. The payload aliases b.
func Decode(b []byte) (Frame, error) {
	if len(b) < HeaderLen {
		return Frame{}, sockerr.Wrapf(sockerr.MalformedFrame, "frame of %d bytes is shorter than the %d byte header", len(b), HeaderLen)
	}
	eth := header.Ethernet(b)
	return Frame{
		Src:       net.HardwareAddr(eth.SourceAddress()),
		Dst:       net.HardwareAddr(eth.DestinationAddress()),
		EtherType: uint16(eth.Type()),
		Payload:   b[HeaderLen:],
	}, nil
}

func IsBroadcast(mac net.HardwareAddr) bool {
	if len(mac) != MACLen {
		return false
	}
	for _, b := range mac {
		if b != 0xff {
			return false
		}
	}
	return true
}

func IsMulticast(mac net.HardwareAddr) bool {
	return len(mac) == MACLen && mac[0]&0x01 == 0x01
}

func EtherTypeName(t uint16) string {
	switch t {
	case EtherTypeIPv4:
		return "IPv4"
	case EtherTypeARP:
		return "ARP"
	case EtherTypeVLAN:
		return "VLAN"
	case EtherTypeIPv6:
		return "IPv6"
	}
	return fmt.Sprintf("0x%04x", t)
}
