package tcpstack

import (
	"encoding/binary"
	"net/netip"
	"time"

	"vnetsock/pkg/engine"
	"vnetsock/pkg/orderedmap"

	"github.com/google/netstack/tcpip/header"
)

// FinWait2Timeout bounds how long a fully closed connection waits for the
// peer's FIN.
const FinWait2Timeout = 10 * TimeWaitDuration

func (s *Stack) sendTCPPacket(p *pcb, flags uint8, seqNum uint32, payload []byte) error {
	var ackNum uint32
	if hasFlag(flags, header.TCPFlagAck) {
		ackNum = p.rcvNxt
	}
	tcpHdr := &header.TCPFields{
		SrcPort:       p.locPort,
		DstPort:       p.remPort,
		SeqNum:        seqNum,
		AckNum:        ackNum,
		DataOffset:    TcpHeaderLen,
		Flags:         flags,
		WindowSize:    uint16(min(p.rcvWnd, BUFSIZE)),
		Checksum:      0,
		UrgentPointer: 0,
	}
	return s.sendTCPFields(p.remIP, tcpHdr, payload)
}

func (s *Stack) sendTCPFields(dst netip.Addr, tcpHdr *header.TCPFields, payload []byte) error {
	tcpHdr.Checksum = ComputeTCPChecksum(tcpHdr, s.ip.VirtualIP, dst, payload)
	b := s.seg[:TcpHeaderLen+len(payload)]
	header.TCP(b).Encode(tcpHdr)
	copy(b[TcpHeaderLen:], payload)
	if err := s.ip.SendIP(dst, uint8(IpProtoTcp), b); err != nil {
		s.log.Debugf("error sending TCP packet: %v", err)
		return err
	}
	return nil
}

func (s *Stack) sendAck(p *pcb) {
	s.sendTCPPacket(p, header.TCPFlagAck, p.sndNxt, nil)
}

func (s *Stack) sendSyn(p *pcb, flags uint8) {
	now := s.cfg.Now()
	seq := p.iss
	p.unacked.Set(seq+1, &orderedmap.Segment{Seq: seq, Flags: flags, Sent: now.UnixNano()})
	p.sndNxt = seq + 1
	p.rtxDeadline = now.Add(p.rto)
	s.sendTCPPacket(p, flags, seq, nil)
}

func (s *Stack) sendRst(locPort uint16, remIP netip.Addr, remPort uint16, seq, ack uint32, withAck bool) {
	flags := uint8(header.TCPFlagRst)
	if withAck {
		flags |= header.TCPFlagAck
	} else {
		ack = 0
	}
	s.sendTCPFields(remIP, &header.TCPFields{
		SrcPort:    locPort,
		DstPort:    remPort,
		SeqNum:     seq,
		AckNum:     ack,
		DataOffset: TcpHeaderLen,
		Flags:      flags,
	}, nil)
}

// output segments queued data into the peer's window, then sends a queued
// FIN once nothing is left.
func (s *Stack) output(p *pcb) error {
	switch p.state {
	case engine.Established, engine.CloseWait, engine.FinWait1, engine.LastAck:
	default:
		return nil
	}
	mss := s.MSS()
	now := s.cfg.Now()
	for p.unsentLen > 0 {
		inflight := p.sndNxt - p.sndUna
		if inflight >= p.sndWnd {
			break
		}
		chunk := p.unsent[0]
		n := min(len(chunk), mss, int(p.sndWnd-inflight))
		data := chunk[:n:n]
		seq := p.sndNxt
		if err := s.sendTCPPacket(p, header.TCPFlagAck|header.TCPFlagPsh, seq, data); err != nil {
			return err
		}
		p.unacked.Set(seq+uint32(n), &orderedmap.Segment{Seq: seq, Data: data, Flags: header.TCPFlagAck | header.TCPFlagPsh, Sent: now.UnixNano()})
		p.sndNxt += uint32(n)
		p.unsentLen -= n
		if n == len(chunk) {
			p.unsent[0] = nil
			p.unsent = p.unsent[1:]
		} else {
			p.unsent[0] = chunk[n:]
		}
		if p.rtxDeadline.IsZero() {
			p.rtxDeadline = now.Add(p.rto)
		}
	}
	if p.finQueued && !p.finSent && p.unsentLen == 0 {
		seq := p.sndNxt
		if err := s.sendTCPPacket(p, header.TCPFlagFin|header.TCPFlagAck, seq, nil); err != nil {
			return err
		}
		p.unacked.Set(seq+1, &orderedmap.Segment{Seq: seq, Flags: header.TCPFlagFin | header.TCPFlagAck, Sent: now.UnixNano()})
		p.sndNxt++
		p.finSent = true
		if p.rtxDeadline.IsZero() {
			p.rtxDeadline = now.Add(p.rto)
		}
	}
	return nil
}

// retransmit resends the oldest unacknowledged segment.
func (s *Stack) retransmit(p *pcb) {
	_, seg, ok := p.unacked.Front()
	if !ok {
		return
	}
	seg.Retransmitted = true
	seg.Sent = s.cfg.Now().UnixNano()
	s.sendTCPPacket(p, seg.Flags, seg.Seq, seg.Data)
}

// TCPTimer runs the slow timer for every connection: retransmission,
// persist-timer segments, held receive data, TIME_WAIT expiry and poll callbacks.
func (s *Stack) TCPTimer() {
	now := s.cfg.Now()
	for _, h := range s.Conns() {
		p := s.lookup(h)
		if p == nil || p.proto != engine.ProtoTCP {
			continue
		}
		s.slowTimer(p, now)
	}
}

func (s *Stack) slowTimer(p *pcb, now time.Time) {
	switch p.state {
	case engine.TimeWait:
		if !now.Before(p.timeWaitUntil) {
			s.free(p)
		}
		return
	case engine.FinWait2:
		if p.shutRx && !p.timeWaitUntil.IsZero() && !now.Before(p.timeWaitUntil) {
			s.free(p)
			return
		}
	}

	if len(p.refused) > 0 || (p.finRcvd && !p.finDelivered) {
		s.deliverRefused(p)
		if !s.alive(p) {
			return
		}
	}

	if !p.rtxDeadline.IsZero() && !now.Before(p.rtxDeadline) {
		if p.unacked.Len() == 0 {
			p.rtxDeadline = time.Time{}
		} else {
			p.rtxCount++
			limit := s.cfg.MaxRetransmits
			if p.state == engine.SynSent || p.state == engine.SynRcvd {
				limit = SynMaxRetransmits
			}
			if p.rtxCount > limit {
				s.giveUp(p)
				return
			}
			p.rto = min(p.rto*2, RTOMax)
			s.retransmit(p)
			p.rtxDeadline = now.Add(p.rto)
		}
	}

	if p.unsentLen > 0 && p.unacked.Len() == 0 && p.sndWnd == 0 {
		if p.persistDeadline.IsZero() {
			p.persistDeadline = now.Add(p.rto)
		} else if !now.Before(p.persistDeadline) {
			// an old sequence number makes the peer answer with its window
			s.sendTCPPacket(p, header.TCPFlagAck, p.sndNxt-1, nil)
			p.persistDeadline = now.Add(p.rto)
		}
	} else {
		p.persistDeadline = time.Time{}
	}

	s.output(p)

	if p.poll != nil && p.pollInterval > 0 {
		p.pollTicks++
		if p.pollTicks >= p.pollInterval {
			p.pollTicks = 0
			p.poll(p.h)
		}
	}
}

func (s *Stack) giveUp(p *pcb) {
	log := s.log.WithField("handle", p.h)
	switch p.state {
	case engine.SynRcvd:
		log.Debug("handshake timed out")
		s.free(p)
	case engine.SynSent:
		log.Debugf("no answer from %s:%d", p.remIP, p.remPort)
		s.abandon(p, engine.ErrTimeout)
	default:
		log.Debugf("retransmission limit reached for %s:%d", p.remIP, p.remPort)
		s.sendRst(p.locPort, p.remIP, p.remPort, p.sndNxt, p.rcvNxt, true)
		s.abandon(p, engine.ErrAbrt)
	}
}

func (p *pcb) updateRTT(measured time.Duration) {
	p.srtt = time.Duration(Alpha*float64(p.srtt) + (1-Alpha)*float64(measured))
	p.rto = time.Duration(max(float64(RTOMin), min(Beta*float64(p.srtt), float64(RTOMax))))
	if p.rto < RTOMin {
		p.rto = RTOMin
	} else if p.rto > RTOMax {
		p.rto = RTOMax
	}
}

func ComputeTCPChecksum(tcpHdr *header.TCPFields, sourceIP netip.Addr, destIP netip.Addr, payload []byte) uint16 {
	// Fill in the pseudo header
	pseudoHeaderBytes := make([]byte, TcpPseudoHeaderLen)

	// This function only supports IPv4
	copy(pseudoHeaderBytes[0:4], sourceIP.AsSlice())
	copy(pseudoHeaderBytes[4:8], destIP.AsSlice())

	pseudoHeaderBytes[8] = uint8(0)
	pseudoHeaderBytes[9] = uint8(IpProtoTcp)

	totalLength := TcpHeaderLen + len(payload)
	binary.BigEndian.PutUint16(pseudoHeaderBytes[10:12], uint16(totalLength))

	headerBytes := header.TCP(make([]byte, TcpHeaderLen))
	headerBytes.Encode(tcpHdr)

	// carry each part into the next through the initial value
	pseudoHeaderChecksum := header.Checksum(pseudoHeaderBytes, 0)
	headerChecksum := header.Checksum(headerBytes, pseudoHeaderChecksum)
	fullChecksum := header.Checksum(payload, headerChecksum)

	return fullChecksum ^ 0xffff
}
