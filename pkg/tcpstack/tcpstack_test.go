package tcpstack

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"vnetsock/pkg/engine"
	"vnetsock/pkg/frame"
	"vnetsock/pkg/ipstack"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	macA = net.HardwareAddr{0x32, 0, 0, 0, 0, 0xa}
	macB = net.HardwareAddr{0x32, 0, 0, 0, 0, 0xb}
	ipA  = netip.MustParseAddr("10.1.0.1")
	ipB  = netip.MustParseAddr("10.1.0.2")
)

type queued struct {
	to *Stack
	b  []byte
}

// testNet connects two stacks through a frame queue that the test pumps.
type testNet struct {
	t     *testing.T
	clock time.Time
	a, b  *Stack
	q     []queued
	drop  func(from *Stack, b []byte) bool
}

func newTestNet(t *testing.T, tweak func(*Config)) *testNet {
	t.Helper()
	n := &testNet{t: t, clock: time.Unix(1700000000, 0)}
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	mk := func(name string, mac net.HardwareAddr, ip netip.Addr, seed uint64) *Stack {
		cfg := Config{
			IP: ipstack.Config{
				Name:   name,
				MAC:    mac,
				Prefix: netip.PrefixFrom(ip, 24),
				MTU:    1500,
			},
			Now:  func() time.Time { return n.clock },
			Seed: seed,
			Log:  log,
		}
		if tweak != nil {
			tweak(&cfg)
		}
		var s *Stack
		s, err := New(cfg, func(b []byte) error {
			if n.drop != nil && n.drop(s, b) {
				return nil
			}
			f, err := frame.Decode(b)
			require.NoError(t, err)
			to := n.a
			if s == n.a {
				to = n.b
			}
			if frame.IsMulticast(f.Dst) || string(f.Dst) == string(to.HardwareAddr()) {
				n.q = append(n.q, queued{to: to, b: append([]byte(nil), b...)})
			}
			return nil
		})
		require.NoError(t, err)
		return s
	}
	n.a = mk("a0", macA, ipA, 1)
	n.b = mk("b0", macB, ipB, 2)
	return n
}

func (n *testNet) pump() {
	for i := 0; len(n.q) > 0; i++ {
		require.Less(n.t, i, 10000, "frame storm")
		next := n.q[0]
		n.q = n.q[1:]
		require.NoError(n.t, next.to.Input(next.b))
	}
}

func (n *testNet) tick(d time.Duration) {
	n.clock = n.clock.Add(d)
	n.a.TCPTimer()
	n.b.TCPTimer()
	n.pump()
}

type server struct {
	listener engine.Handle
	children []engine.Handle
	data     map[engine.Handle][]byte
	eof      map[engine.Handle]bool
}

func listen(t *testing.T, s *Stack, port uint16, backlog int, autoAccept bool) *server {
	srv := &server{data: map[engine.Handle][]byte{}, eof: map[engine.Handle]bool{}}
	h, err := s.New(engine.ProtoTCP)
	require.NoError(t, err)
	require.NoError(t, s.Bind(h, netip.AddrPortFrom(netip.IPv4Unspecified(), port)))
	srv.listener, err = s.Listen(h, backlog)
	require.NoError(t, err)
	s.OnAccept(srv.listener, func(l, child engine.Handle, err error) error {
		srv.children = append(srv.children, child)
		s.OnRecv(child, func(h engine.Handle, data []byte) (int, error) {
			if data == nil {
				srv.eof[h] = true
				return 0, nil
			}
			srv.data[h] = append(srv.data[h], data...)
			return len(data), nil
		})
		if autoAccept {
			s.Accepted(l)
		}
		return nil
	})
	return srv
}

func dial(t *testing.T, s *Stack, port uint16) (engine.Handle, *error) {
	h, err := s.New(engine.ProtoTCP)
	require.NoError(t, err)
	result := new(error)
	*result = errors.New("pending")
	require.NoError(t, s.Connect(h, netip.AddrPortFrom(ipB, port), func(h engine.Handle, err error) error {
		*result = err
		return nil
	}))
	return h, result
}

func TestHandshakeAndTransfer(t *testing.T) {
	n := newTestNet(t, nil)
	srv := listen(t, n.b, 80, 4, true)
	h, connErr := dial(t, n.a, 80)
	assert.Equal(t, engine.SynSent, n.a.State(h))

	n.pump()
	require.NoError(t, *connErr)
	assert.Equal(t, engine.Established, n.a.State(h))
	require.Len(t, srv.children, 1)
	child := srv.children[0]
	assert.Equal(t, engine.Established, n.b.State(child))
	assert.Equal(t, n.a.LocalAddr(h), n.b.RemoteAddr(child))
	assert.Equal(t, netip.AddrPortFrom(ipB, 80), n.a.RemoteAddr(h))

	sent := 0
	n.a.OnSent(h, func(_ engine.Handle, m int) error {
		sent += m
		return nil
	})
	require.NoError(t, n.a.Write(h, []byte("hello"), engine.WriteFlagCopy))
	assert.Equal(t, BUFSIZE-5, n.a.SndBuf(h))
	require.NoError(t, n.a.Output(h))
	n.pump()

	assert.Equal(t, []byte("hello"), srv.data[child])
	assert.Equal(t, 5, sent)
	assert.Equal(t, BUFSIZE, n.a.SndBuf(h))
	assert.Equal(t, 1, n.a.Count(engine.ProtoTCP))
	assert.Equal(t, 2, n.b.Count(engine.ProtoTCP), "listener and child")
}

func TestLargeWriteSegments(t *testing.T) {
	n := newTestNet(t, nil)
	srv := listen(t, n.b, 80, 1, true)
	h, _ := dial(t, n.a, 80)
	n.pump()

	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, n.a.Write(h, payload, 0))
	require.NoError(t, n.a.Output(h))
	n.pump()
	assert.Equal(t, payload, srv.data[srv.children[0]])
}

func TestReceiveWindowFollowsRecved(t *testing.T) {
	n := newTestNet(t, func(c *Config) { c.RcvWnd = 10 })
	srv := listen(t, n.b, 80, 1, true)
	h, _ := dial(t, n.a, 80)
	n.pump()
	child := srv.children[0]

	require.NoError(t, n.a.Write(h, []byte("0123456789abcdefghijklmno"), engine.WriteFlagCopy))
	require.NoError(t, n.a.Output(h))
	n.pump()
	assert.Equal(t, []byte("0123456789"), srv.data[child], "window caps delivery until reopened")

	n.b.Recved(child, 10)
	n.pump()
	assert.Equal(t, []byte("0123456789abcdefghij"), srv.data[child])

	n.b.Recved(child, 10)
	n.pump()
	assert.Equal(t, []byte("0123456789abcdefghijklmno"), srv.data[child])
}

func TestRefusedDataRedelivered(t *testing.T) {
	n := newTestNet(t, nil)
	srv := listen(t, n.b, 80, 1, true)
	h, _ := dial(t, n.a, 80)
	n.pump()
	child := srv.children[0]

	var got []byte
	limit := 2
	closed := false
	n.b.OnRecv(child, func(_ engine.Handle, data []byte) (int, error) {
		if data == nil {
			closed = true
			return 0, nil
		}
		take := min(limit, len(data))
		got = append(got, data[:take]...)
		limit -= take
		return take, nil
	})

	require.NoError(t, n.a.Write(h, []byte("abcdef"), engine.WriteFlagCopy))
	require.NoError(t, n.a.Output(h))
	require.NoError(t, n.a.Close(h))
	n.pump()
	assert.Equal(t, []byte("ab"), got)
	assert.False(t, closed, "FIN waits behind held data")

	limit = 100
	n.tick(250 * time.Millisecond)
	assert.Equal(t, []byte("abcdef"), got)
	assert.True(t, closed)
}

func TestConnectRefused(t *testing.T) {
	n := newTestNet(t, nil)
	h, connErr := dial(t, n.a, 81)
	var reported error
	n.a.OnErr(h, func(eh engine.Handle, err error) {
		assert.Equal(t, h, eh)
		reported = err
	})
	n.pump()
	assert.Equal(t, engine.ErrRst, reported)
	assert.EqualError(t, *connErr, "pending")
	assert.Equal(t, engine.Closed, n.a.State(h))
	assert.Equal(t, 0, n.a.Count(engine.ProtoTCP))
}

func TestConnectNoRoute(t *testing.T) {
	n := newTestNet(t, nil)
	h, err := n.a.New(engine.ProtoTCP)
	require.NoError(t, err)
	err = n.a.Connect(h, netip.MustParseAddrPort("192.168.9.9:80"), nil)
	assert.True(t, errors.Is(err, engine.ErrRte))
	assert.Equal(t, engine.Closed, n.a.State(h))
}

func TestSynTimeout(t *testing.T) {
	n := newTestNet(t, nil)
	n.drop = func(*Stack, []byte) bool { return true }
	h, _ := dial(t, n.a, 80)
	var reported error
	n.a.OnErr(h, func(_ engine.Handle, err error) { reported = err })
	for i := 0; i < 40 && reported == nil; i++ {
		n.tick(RTOMax)
	}
	assert.Equal(t, engine.ErrTimeout, reported)
	assert.Equal(t, 0, n.a.Count(engine.ProtoTCP))
}

func TestRetransmission(t *testing.T) {
	n := newTestNet(t, nil)
	srv := listen(t, n.b, 80, 1, true)
	h, _ := dial(t, n.a, 80)
	n.pump()

	n.drop = func(from *Stack, _ []byte) bool { return from == n.a }
	require.NoError(t, n.a.Write(h, []byte("lost"), engine.WriteFlagCopy))
	require.NoError(t, n.a.Output(h))
	n.pump()
	assert.Empty(t, srv.data[srv.children[0]])

	n.drop = nil
	n.tick(RTOMax)
	assert.Equal(t, []byte("lost"), srv.data[srv.children[0]])
}

func TestRetransmitLimitAborts(t *testing.T) {
	n := newTestNet(t, func(c *Config) { c.MaxRetransmits = 2 })
	listen(t, n.b, 80, 1, true)
	h, _ := dial(t, n.a, 80)
	n.pump()

	var reported error
	n.a.OnErr(h, func(_ engine.Handle, err error) { reported = err })
	n.drop = func(*Stack, []byte) bool { return true }
	require.NoError(t, n.a.Write(h, []byte("x"), engine.WriteFlagCopy))
	require.NoError(t, n.a.Output(h))
	for i := 0; i < 5; i++ {
		n.tick(RTOMax)
	}
	assert.Equal(t, engine.ErrAbrt, reported)
}

func TestBacklogHoldsSecondConnection(t *testing.T) {
	n := newTestNet(t, nil)
	srv := listen(t, n.b, 80, 1, false)
	first, firstErr := dial(t, n.a, 80)
	n.pump()
	require.NoError(t, *firstErr)
	require.Len(t, srv.children, 1)

	second, secondErr := dial(t, n.a, 80)
	n.pump()
	assert.Len(t, srv.children, 1, "backlog of one is full until Accepted")
	assert.Equal(t, engine.SynSent, n.a.State(second))

	n.b.Accepted(srv.listener)
	n.tick(RTOMax)
	require.NoError(t, *secondErr)
	assert.Len(t, srv.children, 2)
	assert.NotEqual(t, n.a.LocalAddr(first), n.a.LocalAddr(second))
}

func TestCloseBothSides(t *testing.T) {
	n := newTestNet(t, nil)
	srv := listen(t, n.b, 80, 1, true)
	h, _ := dial(t, n.a, 80)
	n.pump()
	child := srv.children[0]

	require.NoError(t, n.a.Close(h))
	n.pump()
	assert.Equal(t, engine.FinWait2, n.a.State(h))
	assert.True(t, srv.eof[child])
	assert.Equal(t, engine.CloseWait, n.b.State(child))

	require.NoError(t, n.b.Close(child))
	n.pump()
	assert.Equal(t, engine.TimeWait, n.a.State(h))
	assert.Equal(t, engine.Closed, n.b.State(child))

	n.tick(TimeWaitDuration)
	assert.Equal(t, 0, n.a.Count(engine.ProtoTCP))
}

func TestAbortResetsPeer(t *testing.T) {
	n := newTestNet(t, nil)
	srv := listen(t, n.b, 80, 1, true)
	h, _ := dial(t, n.a, 80)
	n.pump()
	child := srv.children[0]

	var reported error
	n.b.OnErr(child, func(_ engine.Handle, err error) { reported = err })
	called := false
	n.a.OnErr(h, func(engine.Handle, error) { called = true })
	n.a.Abort(h)
	n.pump()
	assert.False(t, called, "abort does not report to its own handle")
	assert.Equal(t, engine.ErrRst, reported)
	assert.Equal(t, 0, n.a.Count(engine.ProtoTCP))
}

func TestWriteErrors(t *testing.T) {
	n := newTestNet(t, func(c *Config) { c.SndBuf = 8 })
	h, err := n.a.New(engine.ProtoTCP)
	require.NoError(t, err)
	assert.True(t, errors.Is(n.a.Write(h, []byte("x"), 0), engine.ErrConn))

	listen(t, n.b, 80, 1, true)
	h, _ = dial(t, n.a, 80)
	n.pump()
	assert.True(t, errors.Is(n.a.Write(h, make([]byte, 9), 0), engine.ErrMem))
	require.NoError(t, n.a.Write(h, make([]byte, 8), 0))
	assert.Equal(t, 0, n.a.SndBuf(h))
}

func TestBindConflicts(t *testing.T) {
	n := newTestNet(t, nil)
	h1, _ := n.a.New(engine.ProtoTCP)
	h2, _ := n.a.New(engine.ProtoTCP)
	require.NoError(t, n.a.Bind(h1, netip.AddrPortFrom(ipA, 7000)))
	assert.True(t, errors.Is(n.a.Bind(h2, netip.AddrPortFrom(ipA, 7000)), engine.ErrUse))
	assert.True(t, errors.Is(n.a.Bind(h2, netip.AddrPortFrom(ipB, 7001)), engine.ErrVal))
	require.NoError(t, n.a.Bind(h2, netip.AddrPort{}))
	assert.GreaterOrEqual(t, int(n.a.LocalAddr(h2).Port()), ephemeralLow)

	_, err := n.a.New(engine.ProtoRaw)
	assert.True(t, errors.Is(err, engine.ErrVal))
}

func TestUDPExchange(t *testing.T) {
	n := newTestNet(t, nil)
	hb, err := n.b.New(engine.ProtoUDP)
	require.NoError(t, err)
	require.NoError(t, n.b.Bind(hb, netip.AddrPortFrom(netip.IPv4Unspecified(), 53)))
	var got []byte
	var from netip.AddrPort
	n.b.OnRecvFrom(hb, func(_ engine.Handle, data []byte, src netip.AddrPort) {
		got = append([]byte(nil), data...)
		from = src
	})

	ha, err := n.a.New(engine.ProtoUDP)
	require.NoError(t, err)
	assert.True(t, errors.Is(n.a.Send(ha, []byte("q")), engine.ErrConn))
	require.NoError(t, n.a.Connect(ha, netip.AddrPortFrom(ipB, 53), nil))
	require.NoError(t, n.a.Send(ha, []byte("query")))
	n.pump()

	assert.Equal(t, []byte("query"), got)
	assert.Equal(t, n.a.LocalAddr(ha), from)
	assert.True(t, errors.Is(n.a.Send(ha, make([]byte, n.a.MaxDatagram()+1)), engine.ErrVal))

	n.a.Remove(ha)
	assert.Equal(t, 0, n.a.Count(engine.ProtoUDP))
}

func TestPollCallback(t *testing.T) {
	n := newTestNet(t, nil)
	srv := listen(t, n.b, 80, 1, true)
	h, _ := dial(t, n.a, 80)
	n.pump()
	require.Len(t, srv.children, 1)

	polls := 0
	n.a.OnPoll(h, func(engine.Handle) error {
		polls++
		return nil
	}, 2)
	for i := 0; i < 6; i++ {
		n.tick(250 * time.Millisecond)
	}
	assert.Equal(t, 3, polls)
}
