package vtap

import (
	"encoding/binary"
	"net/netip"

	"vnetsock/pkg/sockerr"
)

// Datagrams reach the application as one message: a little-endian uint32
// length, a fixed sockaddr_storage-sized address record, then the payload.
// The length counts the record and the payload.
const (
	AddrRecordLen     = 128
	DatagramHeaderLen = 4 + AddrRecordLen
)

// EncodeDatagram frames payload from src into buf and returns the message.
func EncodeDatagram(buf []byte, from netip.AddrPort, payload []byte) ([]byte, error) {
	n := DatagramHeaderLen + len(payload)
	if n > len(buf) {
		return nil, sockerr.Wrapf(sockerr.FrameTooLarge, "datagram of %d bytes does not fit %d byte buffer", len(payload), len(buf))
	}
	msg := buf[:n]
	binary.LittleEndian.PutUint32(msg[0:4], uint32(AddrRecordLen+len(payload)))
	rec := msg[4:DatagramHeaderLen]
	clear(rec)
	addr := from.Addr()
	switch {
	case addr.Is4():
		binary.LittleEndian.PutUint16(rec[0:2], uint16(AFInet))
		binary.BigEndian.PutUint16(rec[2:4], from.Port())
		a := addr.As4()
		copy(rec[4:8], a[:])
	case addr.Is6():
		binary.LittleEndian.PutUint16(rec[0:2], uint16(AFInet6))
		binary.BigEndian.PutUint16(rec[2:4], from.Port())
		a := addr.As16()
		copy(rec[8:24], a[:])
	default:
		return nil, sockerr.Wrapf(sockerr.IllegalArgument, "invalid source address %v", from)
	}
	copy(msg[DatagramHeaderLen:], payload)
	return msg, nil
}

// DecodeDatagram splits a framed message. The payload aliases msg.
func DecodeDatagram(msg []byte) (netip.AddrPort, []byte, error) {
	if len(msg) < DatagramHeaderLen {
		return netip.AddrPort{}, nil, sockerr.Wrapf(sockerr.MalformedFrame, "datagram message of %d bytes is shorter than its header", len(msg))
	}
	n := int(binary.LittleEndian.Uint32(msg[0:4]))
	if n < AddrRecordLen || 4+n > len(msg) {
		return netip.AddrPort{}, nil, sockerr.Wrapf(sockerr.MalformedFrame, "datagram length %d does not match %d byte message", n, len(msg))
	}
	rec := msg[4:DatagramHeaderLen]
	port := binary.BigEndian.Uint16(rec[2:4])
	var addr netip.Addr
	switch Family(binary.LittleEndian.Uint16(rec[0:2])) {
	case AFInet:
		addr = netip.AddrFrom4([4]byte(rec[4:8]))
	case AFInet6:
		addr = netip.AddrFrom16([16]byte(rec[8:24]))
	default:
		return netip.AddrPort{}, nil, sockerr.Wrapf(sockerr.MalformedFrame, "unknown address family %d", binary.LittleEndian.Uint16(rec[0:2]))
	}
	return netip.AddrPortFrom(addr, port), msg[DatagramHeaderLen : 4+n], nil
}
