package vtap

import (
	"context"
	"time"

	"vnetsock/pkg/frame"
	"vnetsock/pkg/pqueue"
	"vnetsock/pkg/sockerr"

	"github.com/sirupsen/logrus"
)

// maxBatch bounds how many queued frames one iteration feeds the engine
// before timers get a chance to run.
const maxBatch = 64

// Run is the scheduling loop. It waits for inbound frames at most until the
// next timer deadline, feeds the engine, then fires due timers. It returns
// when ctx is done.
func (t *VirtualTap) Run(ctx context.Context) error {
	now := t.now()
	t.timers = pqueue.PriorityQueue{}
	t.timers.Add(&pqueue.Timer{Name: "tcp", Period: t.cfg.TCPInterval, Fire: t.tcpTimer}, now)
	t.timers.Add(&pqueue.Timer{Name: "discovery", Period: t.cfg.DiscoveryInterval, Fire: t.discoveryTimer}, now)
	t.log.Debugf("loop started tcp=%s discovery=%s", t.cfg.TCPInterval, t.cfg.DiscoveryInterval)

	wake := time.NewTimer(t.timers.Until(now))
	defer wake.Stop()
	for {
		select {
		case <-ctx.Done():
			t.log.Debug("loop stopped")
			return nil
		case in := <-t.inbound:
			t.input(in)
		batch:
			for i := 1; i < maxBatch; i++ {
				select {
				case in := <-t.inbound:
					t.input(in)
				default:
					break batch
				}
			}
		case <-wake.C:
		}
		if t.timers.FireDue(t.now()) > 0 {
			t.housekeeping()
		}
		if !wake.Stop() {
			select {
			case <-wake.C:
			default:
			}
		}
		wake.Reset(t.timers.Until(t.now()))
	}
}

func (t *VirtualTap) input(in inboundFrame) {
	if !t.enabled.Load() {
		t.metrics.FramesDropped.WithLabelValues("disabled").Inc()
		return
	}
	b, err := t.arena.Encode(in.payload, in.src, in.dst, in.etherType)
	if err != nil {
		t.metrics.FramesDropped.WithLabelValues("encode").Inc()
		t.log.Debugf("unable to frame inbound payload: %v", err)
		return
	}
	if t.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		t.log.Tracef("IN  --> %s -> %s proto=0x%04x %s len=%d", in.src, in.dst, in.etherType, frame.EtherTypeName(in.etherType), len(b))
	}
	t.metrics.FramesIn.Inc()
	t.mu.Lock()
	err = t.eng.Input(b)
	t.mu.Unlock()
	if err != nil {
		reason := "engine"
		if sockerr.KindOf(err) == sockerr.MalformedFrame {
			reason = "malformed"
		}
		t.metrics.FramesDropped.WithLabelValues(reason).Inc()
		t.log.Tracef("engine dropped frame: %v", err)
	}
}

func (t *VirtualTap) tcpTimer() {
	t.mu.Lock()
	t.eng.TCPTimer()
	t.mu.Unlock()
	t.metrics.TimerFires.WithLabelValues("tcp").Inc()
}

func (t *VirtualTap) discoveryTimer() {
	t.mu.Lock()
	t.eng.DiscoveryTimer()
	t.mu.Unlock()
	t.metrics.TimerFires.WithLabelValues("discovery").Inc()
}

// housekeeping pushes queued outbound bytes, refreshes the socket gauges
// and retries inbound flushes the transport could not take earlier.
func (t *VirtualTap) housekeeping() {
	t.mu.Lock()
	var pending []*VirtualSocket
	counts := map[SocketType]int{}
	for _, s := range t.reg.list() {
		if s.State() != Closed {
			counts[s.Type]++
		}
		if s.Type != Stream {
			continue
		}
		if s.handle != 0 && s.tx.Len() > s.inflight {
			if err := t.pushTxLocked(s); err != nil {
				t.sockLog(s).Debugf("housekeeping push: %v", err)
			}
		}
		pending = append(pending, s)
	}
	for _, typ := range []SocketType{Stream, Datagram, Raw} {
		t.metrics.Sockets.WithLabelValues(typ.String()).Set(float64(counts[typ]))
	}
	t.mu.Unlock()

	for _, s := range pending {
		if s.rxPending() {
			if _, err := t.Read(s); err != nil {
				t.log.WithField("sid", s.ID).Debugf("housekeeping read: %v", err)
			}
		}
	}
}
