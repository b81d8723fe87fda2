// Host configuration loaded from YAML.
package config

import (
	"net"
	"net/netip"
	"os"
	"time"

	"vnetsock/pkg/ipstack"
	"vnetsock/pkg/tcpstack"
	"vnetsock/pkg/vnet"
	"vnetsock/pkg/vtap"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Interface InterfaceConfig  `yaml:"interface"`
	Neighbors []NeighborConfig `yaml:"neighbors"`
	Wire      WireConfig       `yaml:"wire"`
	Sockets   SocketConfig     `yaml:"sockets"`
	TCP       TCPConfig        `yaml:"tcp"`
	Timers    TimerConfig      `yaml:"timers"`
	Debug     DebugConfig      `yaml:"debug"`
	LogLevel  string           `yaml:"log_level"`
}

type InterfaceConfig struct {
	Name string `yaml:"name"`
	MAC  string `yaml:"mac"`
	// address with prefix length, e.g. 10.0.0.1/24
	Address string `yaml:"address"`
	MTU     int    `yaml:"mtu"`
}

type NeighborConfig struct {
	IP  string `yaml:"ip"`
	MAC string `yaml:"mac"`
}

// WireConfig is the UDP link the interface's frames travel over.
type WireConfig struct {
	Listen string       `yaml:"listen"`
	Peers  []PeerConfig `yaml:"peers"`
}

type PeerConfig struct {
	MAC  string `yaml:"mac"`
	Addr string `yaml:"addr"`
}

type SocketConfig struct {
	MaxStream    int  `yaml:"max_stream"`
	MaxDatagram  int  `yaml:"max_datagram"`
	MaxRaw       int  `yaml:"max_raw"`
	RXBuf        int  `yaml:"rx_buf"`
	TXBuf        int  `yaml:"tx_buf"`
	CopyWrites   bool `yaml:"copy_writes"`
	PipeSize     int  `yaml:"pipe_size"`
	InboundQueue int  `yaml:"inbound_queue"`
}

type TCPConfig struct {
	SndBuf         int `yaml:"snd_buf"`
	RcvWnd         int `yaml:"rcv_wnd"`
	MaxRetransmits int `yaml:"max_retransmits"`
}

type TimerConfig struct {
	TCP       time.Duration `yaml:"tcp"`
	Discovery time.Duration `yaml:"discovery"`
	// poll callback period in tcp ticks
	Poll uint8 `yaml:"poll"`
}

type DebugConfig struct {
	Listen string `yaml:"listen"`
}

func Default() *Config {
	limits := vtap.DefaultLimits()
	return &Config{
		Interface: InterfaceConfig{
			Name: "vnet0",
			MTU:  vtap.DefaultMTU,
		},
		Wire: WireConfig{Listen: "127.0.0.1:0"},
		Sockets: SocketConfig{
			MaxStream:    limits.MaxStream,
			MaxDatagram:  limits.MaxDatagram,
			MaxRaw:       limits.MaxRaw,
			RXBuf:        limits.RXBuf,
			TXBuf:        limits.TXBuf,
			InboundQueue: vtap.DefaultInboundQueue,
		},
		TCP: TCPConfig{
			SndBuf:         tcpstack.BUFSIZE,
			RcvWnd:         tcpstack.BUFSIZE,
			MaxRetransmits: tcpstack.MaxRetransmits,
		},
		Timers: TimerConfig{
			TCP:       vtap.DefaultTCPInterval,
			Discovery: vtap.DefaultDiscoveryInterval,
			Poll:      vtap.DefaultPollInterval,
		},
		LogLevel: "info",
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config %s", path)
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	c := Default()
	if err := yaml.UnmarshalStrict(b, c); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.Interface.Name == "" {
		return errors.New("interface.name is required")
	}
	if _, err := c.MAC(); err != nil {
		return err
	}
	if _, err := c.Prefix(); err != nil {
		return err
	}
	if c.Interface.MTU < 576 || c.Interface.MTU > 9000 {
		return errors.Errorf("interface.mtu %d out of range [576, 9000]", c.Interface.MTU)
	}
	if _, err := c.NeighborTable(); err != nil {
		return err
	}
	if _, err := c.WireListen(); err != nil {
		return err
	}
	if _, err := c.WirePeers(); err != nil {
		return err
	}
	s := c.Sockets
	if s.MaxStream <= 0 || s.MaxDatagram < 0 || s.MaxRaw < 0 {
		return errors.Errorf("socket limits must be positive (stream=%d datagram=%d raw=%d)", s.MaxStream, s.MaxDatagram, s.MaxRaw)
	}
	if s.TXBuf <= 0 {
		return errors.Errorf("sockets.tx_buf must be positive, got %d", s.TXBuf)
	}
	// the engine may advertise its whole window before anything is read
	if s.RXBuf < c.TCP.RcvWnd {
		return errors.Errorf("sockets.rx_buf %d is smaller than tcp.rcv_wnd %d", s.RXBuf, c.TCP.RcvWnd)
	}
	if c.TCP.RcvWnd <= 0 || c.TCP.RcvWnd > tcpstack.BUFSIZE {
		return errors.Errorf("tcp.rcv_wnd %d out of range (0, %d]", c.TCP.RcvWnd, tcpstack.BUFSIZE)
	}
	if c.Timers.TCP <= 0 || c.Timers.Discovery <= 0 {
		return errors.New("timer intervals must be positive")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}
	if c.Debug.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Debug.Listen); err != nil {
			return errors.Wrapf(err, "debug.listen %q", c.Debug.Listen)
		}
	}
	return nil
}

func (c *Config) MAC() (net.HardwareAddr, error) {
	mac, err := net.ParseMAC(c.Interface.MAC)
	if err != nil || len(mac) != 6 {
		return nil, errors.Errorf("interface.mac %q is not an Ethernet address", c.Interface.MAC)
	}
	return mac, nil
}

func (c *Config) Prefix() (netip.Prefix, error) {
	p, err := netip.ParsePrefix(c.Interface.Address)
	if err != nil || !p.Addr().Is4() {
		return netip.Prefix{}, errors.Errorf("interface.address %q is not an IPv4 address/prefix", c.Interface.Address)
	}
	return p, nil
}

func (c *Config) NeighborTable() (map[netip.Addr]net.HardwareAddr, error) {
	table := make(map[netip.Addr]net.HardwareAddr, len(c.Neighbors))
	for _, n := range c.Neighbors {
		ip, err := netip.ParseAddr(n.IP)
		if err != nil {
			return nil, errors.Wrapf(err, "neighbor ip %q", n.IP)
		}
		mac, err := net.ParseMAC(n.MAC)
		if err != nil {
			return nil, errors.Wrapf(err, "neighbor %s mac", n.IP)
		}
		table[ip] = mac
	}
	return table, nil
}

func (c *Config) WireListen() (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(c.Wire.Listen)
	if err != nil {
		return netip.AddrPort{}, errors.Wrapf(err, "wire.listen %q", c.Wire.Listen)
	}
	return ap, nil
}

func (c *Config) WirePeers() ([]vnet.Peer, error) {
	peers := make([]vnet.Peer, 0, len(c.Wire.Peers))
	for _, p := range c.Wire.Peers {
		mac, err := net.ParseMAC(p.MAC)
		if err != nil {
			return nil, errors.Wrapf(err, "wire peer mac %q", p.MAC)
		}
		addr, err := netip.ParseAddrPort(p.Addr)
		if err != nil {
			return nil, errors.Wrapf(err, "wire peer addr %q", p.Addr)
		}
		peers = append(peers, vnet.Peer{MAC: mac, Addr: addr})
	}
	return peers, nil
}

// TapConfig is the bridge configuration. Call after Validate.
func (c *Config) TapConfig() vtap.Config {
	mac, _ := c.MAC()
	return vtap.Config{
		Name: c.Interface.Name,
		MAC:  mac,
		MTU:  c.Interface.MTU,
		Limits: vtap.Limits{
			MaxStream:   c.Sockets.MaxStream,
			MaxDatagram: c.Sockets.MaxDatagram,
			MaxRaw:      c.Sockets.MaxRaw,
			RXBuf:       c.Sockets.RXBuf,
			TXBuf:       c.Sockets.TXBuf,
		},
		CopyWrites:        c.Sockets.CopyWrites,
		TCPInterval:       c.Timers.TCP,
		DiscoveryInterval: c.Timers.Discovery,
		PollInterval:      c.Timers.Poll,
		InboundQueue:      c.Sockets.InboundQueue,
	}
}

// EngineConfig is the reference engine configuration. Call after Validate.
func (c *Config) EngineConfig(log logrus.Ext1FieldLogger) tcpstack.Config {
	mac, _ := c.MAC()
	prefix, _ := c.Prefix()
	neighbors, _ := c.NeighborTable()
	return tcpstack.Config{
		IP: ipstack.Config{
			Name:      c.Interface.Name,
			MAC:       mac,
			Prefix:    prefix,
			MTU:       c.Interface.MTU,
			Neighbors: neighbors,
		},
		SndBuf:         c.TCP.SndBuf,
		RcvWnd:         c.TCP.RcvWnd,
		MaxRetransmits: c.TCP.MaxRetransmits,
		Log:            log,
	}
}
