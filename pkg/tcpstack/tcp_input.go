package tcpstack

import (
	"encoding/binary"
	"net/netip"
	"time"

	"vnetsock/pkg/engine"
	"vnetsock/pkg/orderedmap"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

func seqLT(a, b uint32) bool  { return int32(a-b) < 0 }
func seqLEQ(a, b uint32) bool { return int32(a-b) <= 0 }
func seqGT(a, b uint32) bool  { return int32(a-b) > 0 }

func hasFlag(flags uint8, f uint8) bool { return flags&f != 0 }

// TCPHandler is registered with the IP layer for protocol 6.
func (s *Stack) TCPHandler(ipHdr *ipv4header.IPv4Header, data []byte) {
	tcpHeader, err := ParseTCPHeader(data)
	if err != nil {
		s.log.Debugf("dropping tcp segment: %v", err)
		return
	}
	off := int(tcpHeader.DataOffset)
	if off < TcpHeaderLen || off > len(data) {
		s.log.Debugf("dropping tcp segment with data offset %d", off)
		return
	}
	if !validTransportChecksum(uint8(IpProtoTcp), ipHdr.Src, ipHdr.Dst, data) {
		s.log.Debug("dropping tcp segment, invalid checksum")
		return
	}
	payload := data[off:]

	key := connKey{locPort: tcpHeader.DstPort, remIP: ipHdr.Src, remPort: tcpHeader.SrcPort}
	if p, ok := s.conns[key]; ok {
		s.handleExistingConn(p, tcpHeader, payload)
		return
	}
	if l, ok := s.listeners[tcpHeader.DstPort]; ok {
		if hasFlag(tcpHeader.Flags, header.TCPFlagSyn) && !hasFlag(tcpHeader.Flags, header.TCPFlagAck|header.TCPFlagRst) {
			s.handleNewConn(l, ipHdr, tcpHeader)
			return
		}
	}
	if hasFlag(tcpHeader.Flags, header.TCPFlagRst) {
		return
	}
	// nobody home
	segLen := uint32(len(payload))
	if hasFlag(tcpHeader.Flags, header.TCPFlagSyn) {
		segLen++
	}
	if hasFlag(tcpHeader.Flags, header.TCPFlagFin) {
		segLen++
	}
	if hasFlag(tcpHeader.Flags, header.TCPFlagAck) {
		s.sendRst(tcpHeader.DstPort, ipHdr.Src, tcpHeader.SrcPort, tcpHeader.AckNum, 0, false)
	} else {
		s.sendRst(tcpHeader.DstPort, ipHdr.Src, tcpHeader.SrcPort, 0, tcpHeader.SeqNum+segLen, true)
	}
}

func (s *Stack) handleNewConn(l *pcb, ipHdr *ipv4header.IPv4Header, tcpHeader *header.TCPFields) {
	if l.acceptsPending >= l.backlog {
		s.log.WithField("port", l.locPort).Debug("backlog full, dropping SYN")
		return
	}
	p := &pcb{
		h:         s.allocHandle(),
		proto:     engine.ProtoTCP,
		state:     engine.SynRcvd,
		locIP:     s.ip.VirtualIP,
		locPort:   l.locPort,
		remIP:     ipHdr.Src,
		remPort:   tcpHeader.SrcPort,
		listener:  l.h,
		inBacklog: true,
		iss:       s.rng.Uint32(),
		rcvNxt:    tcpHeader.SeqNum + 1,
		rcvWnd:    uint32(s.cfg.RcvWnd),
		sndWnd:    uint32(tcpHeader.WindowSize),
		srtt:      time.Second,
		rto:       2 * time.Second,
		unacked:   orderedmap.NewOrderedMap(),
		nodelay:   l.nodelay,
	}
	p.sndUna = p.iss
	p.sndNxt = p.iss
	s.pcbs[p.h] = p
	s.conns[connKey{locPort: p.locPort, remIP: p.remIP, remPort: p.remPort}] = p
	s.counts[engine.ProtoTCP]++
	l.acceptsPending++
	s.log.WithField("handle", p.h).Debugf("SYN from %s:%d", p.remIP, p.remPort)
	s.sendSyn(p, header.TCPFlagSyn|header.TCPFlagAck)
}

func (s *Stack) handleExistingConn(p *pcb, tcpHeader *header.TCPFields, data []byte) {
	flags := tcpHeader.Flags
	if hasFlag(flags, header.TCPFlagRst) {
		s.handleRst(p, tcpHeader)
		return
	}

	switch p.state {
	case engine.SynSent:
		if !hasFlag(flags, header.TCPFlagSyn) || !hasFlag(flags, header.TCPFlagAck) || tcpHeader.AckNum != p.sndNxt {
			return
		}
		p.rcvNxt = tcpHeader.SeqNum + 1
		s.ackReceived(p, tcpHeader.AckNum)
		p.sndWnd = uint32(tcpHeader.WindowSize)
		p.state = engine.Established
		s.sendAck(p)
		s.log.WithField("handle", p.h).Debugf("connected to %s:%d", p.remIP, p.remPort)
		if p.connected != nil {
			if err := p.connected(p.h, nil); err != nil || !s.alive(p) {
				return
			}
		}
		s.output(p)
		return
	case engine.SynRcvd:
		if hasFlag(flags, header.TCPFlagSyn) && !hasFlag(flags, header.TCPFlagAck) {
			// our SYN-ACK was lost
			s.retransmit(p)
			return
		}
		if !hasFlag(flags, header.TCPFlagAck) || tcpHeader.AckNum != p.sndNxt {
			return
		}
		s.ackReceived(p, tcpHeader.AckNum)
		p.sndWnd = uint32(tcpHeader.WindowSize)
		p.state = engine.Established
		if !s.acceptChild(p) {
			return
		}
	case engine.Closed, engine.Listen:
		return
	}

	if hasFlag(flags, header.TCPFlagSyn) {
		// retransmitted SYN-ACK, our ACK was lost
		s.sendAck(p)
		return
	}

	if !s.acceptable(p, tcpHeader.SeqNum, len(data)) {
		if len(data) > 0 || hasFlag(flags, header.TCPFlagFin) || seqLT(tcpHeader.SeqNum, p.rcvNxt) {
			s.sendAck(p)
		}
		return
	}

	if hasFlag(flags, header.TCPFlagAck) {
		p.sndWnd = uint32(tcpHeader.WindowSize)
		if seqGT(tcpHeader.AckNum, p.sndUna) && seqLEQ(tcpHeader.AckNum, p.sndNxt) {
			acked := s.ackReceived(p, tcpHeader.AckNum)
			if !s.finAcked(p) {
				return
			}
			if acked > 0 && p.sent != nil {
				if err := p.sent(p.h, acked); err != nil || !s.alive(p) {
					return
				}
			}
		}
	}

	if len(data) > 0 {
		s.processIncomingData(p, tcpHeader, data)
		if !s.alive(p) {
			return
		}
	}

	if hasFlag(flags, header.TCPFlagFin) && tcpHeader.SeqNum+uint32(len(data)) == p.rcvNxt && !p.finRcvd {
		p.rcvNxt++
		p.finRcvd = true
		s.sendAck(p)
		switch p.state {
		case engine.Established:
			p.state = engine.CloseWait
		case engine.FinWait1:
			p.state = engine.Closing
		case engine.FinWait2:
			s.enterTimeWait(p)
		}
		s.log.WithField("handle", p.h).Debugf("FIN from %s:%d", p.remIP, p.remPort)
		s.deliverRefused(p)
		if !s.alive(p) {
			return
		}
	}

	s.output(p)
}

// acceptable checks the segment against the receive window, starting from
// rcvNxt. A segment that starts in the past but reaches new data is kept.
func (s *Stack) acceptable(p *pcb, seq uint32, segLen int) bool {
	wnd := p.rcvWnd
	if segLen == 0 {
		if wnd == 0 {
			return seq == p.rcvNxt
		}
		return seqLEQ(p.rcvNxt, seq) && seqLT(seq, p.rcvNxt+wnd)
	}
	end := seq + uint32(segLen) - 1
	if wnd == 0 {
		return false
	}
	return (seqLEQ(p.rcvNxt, seq) && seqLT(seq, p.rcvNxt+wnd)) ||
		(seqLEQ(p.rcvNxt, end) && seqLT(end, p.rcvNxt+wnd))
}

func (s *Stack) handleRst(p *pcb, tcpHeader *header.TCPFields) {
	switch p.state {
	case engine.SynSent:
		if !hasFlag(tcpHeader.Flags, header.TCPFlagAck) || tcpHeader.AckNum != p.sndNxt {
			return
		}
	default:
		if !seqLEQ(p.rcvNxt, tcpHeader.SeqNum) || !seqLT(tcpHeader.SeqNum, p.rcvNxt+max(p.rcvWnd, 1)) {
			return
		}
	}
	s.log.WithField("handle", p.h).Debugf("RST from %s:%d in %s", p.remIP, p.remPort, p.state)
	if p.state == engine.SynRcvd || p.state == engine.TimeWait {
		s.free(p)
		return
	}
	s.abandon(p, engine.ErrRst)
}

// acceptChild hands an established child to its listener. It reports whether
// the child is still alive.
func (s *Stack) acceptChild(p *pcb) bool {
	l := s.lookup(p.listener)
	if l == nil || l.state != engine.Listen || l.accept == nil {
		s.log.WithField("handle", p.h).Debug("listener gone, resetting child")
		s.Abort(p.h)
		return false
	}
	p.inBacklog = false
	err := l.accept(l.h, p.h, nil)
	if !s.alive(p) {
		return false
	}
	if err != nil {
		s.log.WithField("handle", p.h).Debugf("accept refused: %v", err)
		if l.acceptsPending > 0 {
			l.acceptsPending--
		}
		if errors.Is(err, engine.ErrAbrt) {
			// the callback already gave it up
			s.free(p)
		} else {
			s.Abort(p.h)
		}
		return false
	}
	return true
}

// ackReceived retires segments covered by ack and returns the number of data
// bytes they carried.
func (s *Stack) ackReceived(p *pcb, ack uint32) int {
	now := s.cfg.Now()
	p.sndUna = ack
	acked := 0
	sampled := false
	for _, seg := range p.unacked.DeleteUpTo(ack) {
		acked += len(seg.Data)
		if !sampled && !seg.Retransmitted {
			p.updateRTT(time.Duration(now.UnixNano() - seg.Sent))
			sampled = true
		}
	}
	p.sndQueued -= acked
	p.rtxCount = 0
	if p.unacked.Len() > 0 {
		p.rtxDeadline = now.Add(p.rto)
	} else {
		p.rtxDeadline = time.Time{}
	}
	return acked
}

// finAcked advances the closing states once our FIN is acknowledged. It
// reports whether p is still alive.
func (s *Stack) finAcked(p *pcb) bool {
	if !p.finSent || p.sndUna != p.sndNxt {
		return true
	}
	switch p.state {
	case engine.FinWait1:
		p.state = engine.FinWait2
		p.timeWaitUntil = s.cfg.Now().Add(FinWait2Timeout)
	case engine.Closing:
		s.enterTimeWait(p)
	case engine.LastAck:
		s.log.WithField("handle", p.h).Debug("connection closed")
		s.free(p)
		return false
	}
	return true
}

func (s *Stack) enterTimeWait(p *pcb) {
	p.state = engine.TimeWait
	p.timeWaitUntil = s.cfg.Now().Add(TimeWaitDuration)
	p.unacked.Clear()
	p.rtxDeadline = time.Time{}
}

// processIncomingData accepts the in-order part of a segment. Data past a
// hole is dropped and re-requested with a duplicate ACK.
func (s *Stack) processIncomingData(p *pcb, tcpHeader *header.TCPFields, data []byte) {
	switch p.state {
	case engine.Established, engine.FinWait1, engine.FinWait2:
	default:
		return
	}
	segSeq := tcpHeader.SeqNum
	if seqLT(segSeq, p.rcvNxt) {
		diff := p.rcvNxt - segSeq
		if diff >= uint32(len(data)) {
			s.sendAck(p)
			return
		}
		data = data[diff:]
		segSeq = p.rcvNxt
	}
	if segSeq != p.rcvNxt {
		s.sendAck(p)
		return
	}
	if uint32(len(data)) > p.rcvWnd {
		data = data[:p.rcvWnd]
	}
	if len(data) == 0 {
		s.sendAck(p)
		return
	}
	p.rcvNxt += uint32(len(data))
	p.rcvWnd -= uint32(len(data))
	s.sendAck(p)
	s.deliver(p, data)
}

// deliver hands in-order data to the receive callback. Whatever the callback
// does not take is kept and offered again on the next timer tick; data is
// only valid for the duration of the input call, so the remainder is copied.
func (s *Stack) deliver(p *pcb, data []byte) {
	if p.shutRx || p.recv == nil {
		s.Recved(p.h, len(data))
		return
	}
	if len(p.refused) > 0 {
		p.refused = append(p.refused, data...)
		return
	}
	taken, err := p.recv(p.h, data)
	if !s.alive(p) {
		return
	}
	if err != nil {
		s.log.WithField("handle", p.h).Debugf("receive callback: %v", err)
	}
	if taken < len(data) {
		p.refused = append([]byte(nil), data[max(taken, 0):]...)
	}
}

// deliverRefused retries held data and then the end of stream.
func (s *Stack) deliverRefused(p *pcb) {
	if len(p.refused) > 0 && p.recv != nil && !p.shutRx {
		taken, _ := p.recv(p.h, p.refused)
		if !s.alive(p) {
			return
		}
		if taken >= len(p.refused) {
			p.refused = nil
		} else if taken > 0 {
			p.refused = append([]byte(nil), p.refused[taken:]...)
		}
	}
	if len(p.refused) > 0 || !p.finRcvd || p.finDelivered {
		return
	}
	p.finDelivered = true
	if p.recv != nil && !p.shutRx {
		p.recv(p.h, nil)
	}
}

func validTransportChecksum(proto uint8, src, dst netip.Addr, segment []byte) bool {
	return header.Checksum(segment, pseudoHeaderChecksum(proto, src, dst, len(segment))) == 0xffff
}

func pseudoHeaderChecksum(proto uint8, src, dst netip.Addr, length int) uint16 {
	pseudoHeaderBytes := make([]byte, TcpPseudoHeaderLen)
	copy(pseudoHeaderBytes[0:4], src.AsSlice())
	copy(pseudoHeaderBytes[4:8], dst.AsSlice())
	pseudoHeaderBytes[9] = proto
	binary.BigEndian.PutUint16(pseudoHeaderBytes[10:12], uint16(length))
	return header.Checksum(pseudoHeaderBytes, 0)
}

func ParseTCPHeader(b []byte) (*header.TCPFields, error) {
	if len(b) < TcpHeaderLen {
		return nil, errors.Errorf("header too short")
	}
	td := header.TCP(b)
	tcpFields := header.TCPFields{
		SrcPort:    td.SourcePort(),
		DstPort:    td.DestinationPort(),
		SeqNum:     td.SequenceNumber(),
		AckNum:     td.AckNumber(),
		DataOffset: td.DataOffset(),
		Flags:      td.Flags(),
		WindowSize: td.WindowSize(),
		Checksum:   td.Checksum(),
	}
	return &tcpFields, nil
}
