package ipstack

import (
	"net"
	"net/netip"
	"testing"

	"vnetsock/pkg/engine"
	"vnetsock/pkg/frame"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	localMAC = net.HardwareAddr{0x32, 0, 0, 0, 0, 1}
	peerMAC  = net.HardwareAddr{0x32, 0, 0, 0, 0, 2}
	localIP  = netip.MustParseAddr("10.0.0.1")
	peerIP   = netip.MustParseAddr("10.0.0.2")
)

func newTestStack(t *testing.T, out *[][]byte) *IPStack {
	t.Helper()
	ips, err := Initialize(Config{
		Name:   "zt0",
		MAC:    localMAC,
		Prefix: netip.PrefixFrom(localIP, 24),
		MTU:    1500,
	}, func(b []byte) error {
		*out = append(*out, append([]byte(nil), b...))
		return nil
	})
	require.NoError(t, err)
	return ips
}

func TestSendIPResolvesNeighbor(t *testing.T) {
	var out [][]byte
	ips := newTestStack(t, &out)

	require.NoError(t, ips.SendIP(peerIP, 17, []byte("payload")))
	require.Len(t, out, 1)
	f, err := frame.Decode(out[0])
	require.NoError(t, err)
	assert.Equal(t, frame.BroadcastMAC, f.Dst, "unknown neighbor goes to broadcast")
	assert.Equal(t, localMAC, f.Src)

	hdr, err := ipv4header.ParseHeader(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, localIP, hdr.Src)
	assert.Equal(t, peerIP, hdr.Dst)
	assert.Equal(t, 17, hdr.Protocol)
	assert.True(t, validateChecksum(f.Payload[:hdr.Len]))
	assert.Equal(t, []byte("payload"), f.Payload[hdr.Len:hdr.TotalLen])
}

func TestSendIPNoRoute(t *testing.T) {
	var out [][]byte
	ips := newTestStack(t, &out)
	err := ips.SendIP(netip.MustParseAddr("192.168.1.1"), 6, nil)
	assert.True(t, errors.Is(err, engine.ErrRte))

	err = ips.SendIP(peerIP, 6, make([]byte, ips.MaxPayload()+1))
	assert.True(t, errors.Is(err, engine.ErrVal))
	assert.Empty(t, out)
}

func TestInputDispatchAndLearn(t *testing.T) {
	var out [][]byte
	ips := newTestStack(t, &out)

	var got []byte
	ips.RegisterRecvHandler(6, func(hdr *ipv4header.IPv4Header, payload []byte) {
		assert.Equal(t, peerIP, hdr.Src)
		got = append([]byte(nil), payload...)
	})

	hBytes, err := ips.constructIPHeader(peerIP, localIP, 6, []byte("segment"))
	require.NoError(t, err)
	packet := append(hBytes, []byte("segment")...)
	// trailing Ethernet padding must be ignored
	packet = append(packet, 0, 0, 0)
	b, err := frame.Encode(make([]byte, 1514), packet, peerMAC, localMAC, frame.EtherTypeIPv4)
	require.NoError(t, err)

	require.NoError(t, ips.Input(b))
	assert.Equal(t, []byte("segment"), got)
	require.Contains(t, ips.Neighbors, peerIP)
	assert.Equal(t, peerMAC, ips.Neighbors[peerIP].MAC)

	// learned neighbors are used for output and expire
	require.NoError(t, ips.SendIP(peerIP, 6, nil))
	f, _ := frame.Decode(out[len(out)-1])
	assert.Equal(t, peerMAC, f.Dst)
	for i := 0; i < DefaultNeighborAge; i++ {
		ips.DiscoveryTimer()
	}
	assert.NotContains(t, ips.Neighbors, peerIP)
}

func TestInputFilters(t *testing.T) {
	var out [][]byte
	ips := newTestStack(t, &out)
	calls := 0
	ips.RegisterRecvHandler(6, func(*ipv4header.IPv4Header, []byte) { calls++ })

	hBytes, err := ips.constructIPHeader(peerIP, localIP, 6, nil)
	require.NoError(t, err)

	otherMAC := net.HardwareAddr{0x32, 9, 9, 9, 9, 9}
	b, _ := frame.Encode(make([]byte, 64), hBytes, peerMAC, otherMAC, frame.EtherTypeIPv4)
	require.NoError(t, ips.Input(b))

	corrupt := append([]byte(nil), hBytes...)
	corrupt[10] ^= 0xff
	b, _ = frame.Encode(make([]byte, 64), corrupt, peerMAC, localMAC, frame.EtherTypeIPv4)
	require.NoError(t, ips.Input(b))

	ips.Enabled = false
	b, _ = frame.Encode(make([]byte, 64), hBytes, peerMAC, localMAC, frame.EtherTypeIPv4)
	require.NoError(t, ips.Input(b))
	assert.Equal(t, 0, calls)
	assert.True(t, errors.Is(ips.SendIP(peerIP, 6, nil), engine.ErrIf))

	ips.Enabled = true
	assert.Error(t, ips.Input([]byte{1, 2, 3}))
}

func TestStaticNeighbors(t *testing.T) {
	ips, err := Initialize(Config{
		Name:      "zt0",
		MAC:       localMAC,
		Prefix:    netip.PrefixFrom(localIP, 24),
		MTU:       1500,
		Neighbors: map[netip.Addr]net.HardwareAddr{peerIP: peerMAC},
	}, func([]byte) error { return nil })
	require.NoError(t, err)
	for i := 0; i < DefaultNeighborAge*2; i++ {
		ips.DiscoveryTimer()
	}
	list := ips.NeighborList()
	require.Len(t, list, 1)
	assert.True(t, list[0].Static)
}

func TestTracesUnhandledTraffic(t *testing.T) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.TraceLevel)
	ips, err := Initialize(Config{
		Name:   "zt0",
		MAC:    localMAC,
		Prefix: netip.PrefixFrom(localIP, 24),
		MTU:    1500,
		Log:    log,
	}, func([]byte) error { return nil })
	require.NoError(t, err)

	b, _ := frame.Encode(make([]byte, 64), make([]byte, 28), peerMAC, localMAC, frame.EtherTypeARP)
	require.NoError(t, ips.Input(b))

	hBytes, err := ips.constructIPHeader(peerIP, localIP, 17, nil)
	require.NoError(t, err)
	b, _ = frame.Encode(make([]byte, 64), hBytes, peerMAC, localMAC, frame.EtherTypeIPv4)
	require.NoError(t, ips.Input(b))

	var msgs []string
	for _, e := range hook.AllEntries() {
		assert.Equal(t, logrus.TraceLevel, e.Level)
		assert.Equal(t, "zt0", e.Data["if"])
		msgs = append(msgs, e.Message)
	}
	assert.Equal(t, []string{"ignoring ARP frame", "no handler registered for protocol 17"}, msgs)
}
