// Virtual network transport
// Carries whole Ethernet frames between virtual interfaces. UDPWire uses one
// UDP datagram per frame, the way the lab network links hosts; Hub switches
// frames in memory.
package vnet

import (
	"net"
	"sync"

	"vnetsock/pkg/frame"

	"github.com/sirupsen/logrus"
)

// Sink receives frames arriving from the network, already split into header
// fields and payload. Implementations must copy payload if they keep it.
type Sink interface {
	DeliverInbound(src, dst net.HardwareAddr, etherType uint16, payload []byte) error
}

// Wire takes fully formed outgoing frames. frame is only valid for the call.
type Wire interface {
	DeliverOutbound(frame []byte) error
}

// Hub is an in-memory Ethernet switch. Frames go to the port owning the
// destination MAC, broadcast and unknown destinations flood to every other
// port.
type Hub struct {
	mu    sync.RWMutex
	ports map[string]*hubPort
	log   logrus.Ext1FieldLogger
}

type hubPort struct {
	hub  *Hub
	mac  net.HardwareAddr
	sink Sink
}

func NewHub(log logrus.Ext1FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{ports: make(map[string]*hubPort), log: log}
}

// Join attaches sink under mac and returns the wire its owner sends on.
func (h *Hub) Join(mac net.HardwareAddr, sink Sink) Wire {
	p := &hubPort{hub: h, mac: append(net.HardwareAddr(nil), mac...), sink: sink}
	h.mu.Lock()
	h.ports[string(mac)] = p
	h.mu.Unlock()
	return p
}

func (h *Hub) Leave(mac net.HardwareAddr) {
	h.mu.Lock()
	delete(h.ports, string(mac))
	h.mu.Unlock()
}

func (p *hubPort) DeliverOutbound(b []byte) error {
	f, err := frame.Decode(b)
	if err != nil {
		return err
	}
	h := p.hub
	h.mu.RLock()
	var targets []*hubPort
	if dst, ok := h.ports[string(f.Dst)]; ok && !frame.IsMulticast(f.Dst) {
		targets = append(targets, dst)
	} else {
		for _, other := range h.ports {
			if other != p {
				targets = append(targets, other)
			}
		}
	}
	h.mu.RUnlock()
	for _, t := range targets {
		if err := t.sink.DeliverInbound(f.Src, f.Dst, f.EtherType, f.Payload); err != nil {
			h.log.Debugf("hub: port %s dropped frame: %v", t.mac, err)
		}
	}
	return nil
}
