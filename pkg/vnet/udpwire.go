package vnet

import (
	"context"
	"net"
	"net/netip"

	"vnetsock/pkg/frame"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Peer struct {
	MAC  net.HardwareAddr
	Addr netip.AddrPort
}

// UDPWire links virtual interfaces over real UDP sockets, one frame per
// datagram.
type UDPWire struct {
	Conn  *net.UDPConn
	peers map[string]netip.AddrPort
	all   []netip.AddrPort
	mtu   int
	log   logrus.Ext1FieldLogger
}

func ListenUDP(local netip.AddrPort, peers []Peer, mtu int, log logrus.Ext1FieldLogger) (*UDPWire, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(local))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to bind UDP socket on %s", local)
	}
	w := &UDPWire{
		Conn:  conn,
		peers: make(map[string]netip.AddrPort),
		mtu:   mtu,
		log:   log,
	}
	for _, p := range peers {
		w.peers[string(p.MAC)] = p.Addr
		w.all = append(w.all, p.Addr)
	}
	return w, nil
}

func (w *UDPWire) LocalAddr() netip.AddrPort {
	return w.Conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (w *UDPWire) DeliverOutbound(b []byte) error {
	f, err := frame.Decode(b)
	if err != nil {
		return err
	}
	if addr, ok := w.peers[string(f.Dst)]; ok && !frame.IsMulticast(f.Dst) {
		return w.send(b, addr)
	}
	var firstErr error
	for _, addr := range w.all {
		if err := w.send(b, addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (w *UDPWire) send(b []byte, addr netip.AddrPort) error {
	if _, err := w.Conn.WriteToUDPAddrPort(b, addr); err != nil {
		return errors.Wrapf(err, "error sending frame to %s", addr)
	}
	return nil
}

// Serve reads frames until ctx is done and hands them to sink.
func (w *UDPWire) Serve(ctx context.Context, sink Sink) error {
	go func() {
		<-ctx.Done()
		w.Conn.Close()
	}()
	buf := make([]byte, frame.HeaderLen+w.mtu)
	for {
		n, addr, err := w.Conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			w.log.Debugf("error reading from wire: %v", err)
			continue
		}
		f, err := frame.Decode(buf[:n])
		if err != nil {
			w.log.Debugf("dropping datagram from %s: %v", addr, err)
			continue
		}
		if err := sink.DeliverInbound(f.Src, f.Dst, f.EtherType, f.Payload); err != nil {
			w.log.Tracef("sink dropped frame from %s: %v", addr, err)
		}
	}
}

func (w *UDPWire) Close() error {
	return w.Conn.Close()
}
