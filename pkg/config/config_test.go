package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
interface:
  name: zt0
  mac: "32:aa:bb:cc:dd:01"
  address: 10.147.17.5/24
  mtu: 2800
neighbors:
  - ip: 10.147.17.6
    mac: "32:aa:bb:cc:dd:02"
wire:
  listen: 127.0.0.1:5000
  peers:
    - mac: "32:aa:bb:cc:dd:02"
      addr: 127.0.0.1:5001
sockets:
  max_stream: 16
  copy_writes: true
timers:
  tcp: 100ms
log_level: debug
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	tap := c.TapConfig()
	assert.Equal(t, "zt0", tap.Name)
	assert.Equal(t, "32:aa:bb:cc:dd:01", tap.MAC.String())
	assert.Equal(t, 2800, tap.MTU)
	assert.Equal(t, 16, tap.Limits.MaxStream)
	assert.Equal(t, Default().Sockets.MaxDatagram, tap.Limits.MaxDatagram, "unset fields keep defaults")
	assert.True(t, tap.CopyWrites)
	assert.Equal(t, 100*time.Millisecond, tap.TCPInterval)
	assert.Equal(t, time.Second, tap.DiscoveryInterval)

	eng := c.EngineConfig(nil)
	assert.Equal(t, "10.147.17.5/24", eng.IP.Prefix.String())
	require.Len(t, eng.IP.Neighbors, 1)

	peers, err := c.WirePeers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "127.0.0.1:5001", peers[0].Addr.String())
}

func TestValidate(t *testing.T) {
	for name, tc := range map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"bad mac":             {func(c *Config) { c.Interface.MAC = "nope" }, "interface.mac"},
		"ipv6 address":        {func(c *Config) { c.Interface.Address = "fd00::1/64" }, "interface.address"},
		"tiny mtu":            {func(c *Config) { c.Interface.MTU = 100 }, "interface.mtu"},
		"rx smaller than wnd": {func(c *Config) { c.Sockets.RXBuf = 1024 }, "rx_buf"},
		"bad peer":            {func(c *Config) { c.Wire.Peers = []PeerConfig{{MAC: "32:aa:bb:cc:dd:02", Addr: "x"}} }, "wire peer addr"},
		"bad level":           {func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		"no stream sockets":   {func(c *Config) { c.Sockets.MaxStream = 0 }, "socket limits"},
	} {
		t.Run(name, func(t *testing.T) {
			c, err := Parse([]byte(sample))
			require.NoError(t, err)
			tc.mutate(c)
			err = c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	_, err := Parse([]byte(sample + "bogus: 1\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vhost.yml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", c.LogLevel)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}
