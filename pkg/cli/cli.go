// Interactive monitor for a virtual host. Commands open sockets on the tap
// and address them by socket ID, the same ID the debug server reports.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"vnetsock/pkg/engine"
	"vnetsock/pkg/ipstack"
	"vnetsock/pkg/socket"
	"vnetsock/pkg/vtap"
)

const (
	connectTimeout = 10 * time.Second
	fileChunk      = 1024
)

const usage = `li                      list interfaces
ln                      list neighbors
ls                      list sockets
a <port>                listen and accept on port
c <ip> <port>           connect
s <sid> <data>          send
r <sid> <n>             read up to n bytes
sd <sid> [r|w|rw]       shutdown
cl <sid>                close
u <port>                bind a datagram socket
uc <sid> <ip> <port>    set the datagram peer
sf <file> <ip> <port>   send a file
rf <file> <port>        receive one file
down | up               disable or enable the interface
`

// closer is every kind of socket the monitor tracks.
type closer interface {
	VClose() error
	ID() uint64
}

type CLI struct {
	ctx context.Context
	tap *vtap.VirtualTap

	outMu sync.Mutex
	out   io.Writer

	mu    sync.Mutex
	socks map[uint64]closer
}

func New(ctx context.Context, tap *vtap.VirtualTap, out io.Writer) *CLI {
	return &CLI{ctx: ctx, tap: tap, out: out, socks: make(map[uint64]closer)}
}

// MonitorCL reads commands from in until it is exhausted or ctx ends.
func MonitorCL(ctx context.Context, tap *vtap.VirtualTap, in io.Reader, out io.Writer) error {
	return New(ctx, tap, out).Run(in)
}

func (c *CLI) Run(in io.Reader) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-c.ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			c.Exec(line)
		}
	}
}

func (c *CLI) printf(format string, args ...interface{}) {
	c.outMu.Lock()
	fmt.Fprintf(c.out, format, args...)
	c.outMu.Unlock()
}

// Exec runs a single command line.
func (c *CLI) Exec(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	parts := strings.Fields(line)
	switch parts[0] {
	case "li":
		c.listInterfaces()
	case "ln":
		c.listNeighbors()
	case "ls":
		c.listSockets()
	case "a":
		c.accept(parts)
	case "c":
		c.connect(parts)
	case "s":
		// data keeps its spaces
		c.send(strings.SplitN(line, " ", 3))
	case "r":
		c.read(parts)
	case "sd":
		c.shutdown(parts)
	case "cl":
		c.close(parts)
	case "u":
		c.bindUDP(parts)
	case "uc":
		c.connectUDP(parts)
	case "sf":
		c.sendFile(parts)
	case "rf":
		c.recvFile(parts)
	case "down":
		c.tap.Disable()
	case "up":
		c.tap.Enable()
	case "help", "?":
		c.printf("%s", usage)
	default:
		c.printf("invalid command\n")
	}
}

type ipEngine interface {
	IP() *ipstack.IPStack
}

func (c *CLI) withIP(fn func(ip *ipstack.IPStack)) bool {
	found := false
	c.tap.WithEngine(func(eng engine.Engine) {
		if e, ok := eng.(ipEngine); ok {
			found = true
			fn(e.IP())
		}
	})
	if !found {
		c.printf("engine has no IP layer\n")
	}
	return found
}

func (c *CLI) listInterfaces() {
	var prefix netip.Prefix
	if !c.withIP(func(ip *ipstack.IPStack) {
		prefix = netip.PrefixFrom(ip.VirtualIP, ip.Network.Bits())
	}) {
		return
	}
	state := "down"
	if c.tap.Enabled() {
		state = "up"
	}
	cfg := c.tap.Config()
	tw := tabwriter.NewWriter(c.lockedOut(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Name\tMAC\tAddr/Prefix\tMTU\tState\n")
	fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", cfg.Name, cfg.MAC, prefix, cfg.MTU, state)
	tw.Flush()
	c.outMu.Unlock()
}

func (c *CLI) listNeighbors() {
	var neighbors []ipstack.Neighbor
	if !c.withIP(func(ip *ipstack.IPStack) { neighbors = ip.NeighborList() }) {
		return
	}
	tw := tabwriter.NewWriter(c.lockedOut(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "VIP\tMAC\tKind\n")
	for _, n := range neighbors {
		kind := "learned"
		if n.Static {
			kind = "static"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", n.Addr, n.MAC, kind)
	}
	tw.Flush()
	c.outMu.Unlock()
}

func (c *CLI) listSockets() {
	infos := c.tap.Snapshot()
	tw := tabwriter.NewWriter(c.lockedOut(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "SID\tType\tLAddr\tRAddr\tState\tRx\tTx\n")
	for _, s := range infos {
		local, peer := s.Local, s.Peer
		if local == "" {
			local = "-"
		}
		if peer == "" {
			peer = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%d\n", s.ID, s.Type, local, peer, s.State, s.RXBuffered, s.TXBuffered)
	}
	tw.Flush()
	c.outMu.Unlock()
}

// lockedOut takes outMu; the caller unlocks it.
func (c *CLI) lockedOut() io.Writer {
	c.outMu.Lock()
	return c.out
}

func (c *CLI) track(s closer) {
	c.mu.Lock()
	c.socks[s.ID()] = s
	c.mu.Unlock()
}

func (c *CLI) forget(id uint64) {
	c.mu.Lock()
	delete(c.socks, id)
	c.mu.Unlock()
}

func (c *CLI) lookup(arg string) (closer, bool) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		c.printf("Invalid socket number\n")
		return nil, false
	}
	c.mu.Lock()
	s, ok := c.socks[id]
	c.mu.Unlock()
	if !ok {
		c.printf("socket doesn't exist\n")
	}
	return s, ok
}

func parsePort(arg string) (uint16, error) {
	port, err := strconv.ParseUint(arg, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", arg)
	}
	return uint16(port), nil
}

func parseAddrPort(ip, port string) (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid address %q", ip)
	}
	p, err := parsePort(port)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, p), nil
}

func (c *CLI) accept(parts []string) {
	if len(parts) != 2 {
		c.printf("Usage: a <port>\n")
		return
	}
	port, err := parsePort(parts[1])
	if err != nil {
		c.printf("%v\n", err)
		return
	}
	l, err := socket.VListen(c.tap, port, socket.DefaultBacklog)
	if err != nil {
		c.printf("listen: %v\n", err)
		return
	}
	c.track(l)
	c.printf("Listening on socket %d\n", l.ID())
	go func() {
		for {
			conn, err := l.VAccept(c.ctx)
			if err != nil {
				return
			}
			c.track(conn)
			c.printf("New connection on socket %d => created new socket %d (%s)\n", l.ID(), conn.ID(), conn.RemoteAddr())
		}
	}()
}

func (c *CLI) connect(parts []string) {
	if len(parts) != 3 {
		c.printf("Usage: c <ip> <port>\n")
		return
	}
	addr, err := parseAddrPort(parts[1], parts[2])
	if err != nil {
		c.printf("%v\n", err)
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, connectTimeout)
	defer cancel()
	conn, err := socket.VConnect(ctx, c.tap, addr)
	if err != nil {
		c.printf("connect: %v\n", err)
		return
	}
	c.track(conn)
	c.printf("Created new socket with ID %d\n", conn.ID())
}

func (c *CLI) send(parts []string) {
	if len(parts) != 3 {
		c.printf("Usage: s <sid> <data>\n")
		return
	}
	s, ok := c.lookup(parts[1])
	if !ok {
		return
	}
	var (
		n   int
		err error
	)
	switch conn := s.(type) {
	case *socket.VTCPConn:
		n, err = conn.VWrite([]byte(parts[2]))
	case *socket.VUDPConn:
		n, err = conn.VWrite([]byte(parts[2]))
	default:
		c.printf("socket %d cannot send\n", s.ID())
		return
	}
	if err != nil {
		c.printf("send: %v\n", err)
		return
	}
	c.printf("%d bytes sent\n", n)
}

func (c *CLI) read(parts []string) {
	if len(parts) != 3 {
		c.printf("Usage: r <sid> <n>\n")
		return
	}
	s, ok := c.lookup(parts[1])
	if !ok {
		return
	}
	size, err := strconv.Atoi(parts[2])
	if err != nil || size <= 0 {
		c.printf("Invalid number of bytes\n")
		return
	}
	buf := make([]byte, size)
	switch conn := s.(type) {
	case *socket.VTCPConn:
		n, err := conn.VRead(buf)
		if err == io.EOF {
			c.printf("EOF\n")
			return
		}
		if err != nil {
			c.printf("read: %v\n", err)
			return
		}
		c.printf("Read %d bytes: %s\n", n, buf[:n])
	case *socket.VUDPConn:
		n, from, err := conn.VReadFrom(buf)
		if err != nil {
			c.printf("read: %v\n", err)
			return
		}
		c.printf("Read %d bytes from %s: %s\n", n, from, buf[:n])
	default:
		c.printf("socket %d cannot read\n", s.ID())
	}
}

func (c *CLI) shutdown(parts []string) {
	if len(parts) < 2 || len(parts) > 3 {
		c.printf("Usage: sd <sid> [r|w|rw]\n")
		return
	}
	how := vtap.ShutWrite
	if len(parts) == 3 {
		switch parts[2] {
		case "r", "read":
			how = vtap.ShutRead
		case "w", "write":
			how = vtap.ShutWrite
		case "rw", "both":
			how = vtap.ShutBoth
		default:
			c.printf("Usage: sd <sid> [r|w|rw]\n")
			return
		}
	}
	s, ok := c.lookup(parts[1])
	if !ok {
		return
	}
	conn, ok := s.(*socket.VTCPConn)
	if !ok {
		c.printf("socket %d is not a connection\n", s.ID())
		return
	}
	if err := conn.VShutdown(how); err != nil {
		c.printf("shutdown: %v\n", err)
	}
}

func (c *CLI) close(parts []string) {
	if len(parts) != 2 {
		c.printf("Usage: cl <sid>\n")
		return
	}
	s, ok := c.lookup(parts[1])
	if !ok {
		return
	}
	c.forget(s.ID())
	if err := s.VClose(); err != nil {
		c.printf("close: %v\n", err)
	}
}

func (c *CLI) bindUDP(parts []string) {
	if len(parts) != 2 {
		c.printf("Usage: u <port>\n")
		return
	}
	port, err := parsePort(parts[1])
	if err != nil {
		c.printf("%v\n", err)
		return
	}
	u, err := socket.VListenUDP(c.tap, port)
	if err != nil {
		c.printf("bind: %v\n", err)
		return
	}
	c.track(u)
	c.printf("Created datagram socket %d on %s\n", u.ID(), u.LocalAddr())
}

func (c *CLI) connectUDP(parts []string) {
	if len(parts) != 4 {
		c.printf("Usage: uc <sid> <ip> <port>\n")
		return
	}
	s, ok := c.lookup(parts[1])
	if !ok {
		return
	}
	u, ok := s.(*socket.VUDPConn)
	if !ok {
		c.printf("socket %d is not a datagram socket\n", s.ID())
		return
	}
	addr, err := parseAddrPort(parts[2], parts[3])
	if err != nil {
		c.printf("%v\n", err)
		return
	}
	if err := u.VConnect(addr); err != nil {
		c.printf("connect: %v\n", err)
	}
}

func (c *CLI) sendFile(parts []string) {
	if len(parts) != 4 {
		c.printf("Usage: sf <file> <ip> <port>\n")
		return
	}
	addr, err := parseAddrPort(parts[2], parts[3])
	if err != nil {
		c.printf("%v\n", err)
		return
	}
	go func(path string) {
		f, err := os.Open(path)
		if err != nil {
			c.printf("sendfile: %v\n", err)
			return
		}
		defer f.Close()
		ctx, cancel := context.WithTimeout(c.ctx, connectTimeout)
		conn, err := socket.VConnect(ctx, c.tap, addr)
		cancel()
		if err != nil {
			c.printf("sendfile: connect %s: %v\n", addr, err)
			return
		}
		total := 0
		buf := make([]byte, fileChunk)
		for {
			n, rerr := f.Read(buf)
			if n > 0 {
				sent, err := conn.VWrite(buf[:n])
				total += sent
				if err != nil {
					c.printf("sendfile: %v\n", err)
					break
				}
			}
			if rerr != nil {
				if rerr != io.EOF {
					c.printf("sendfile: %v\n", rerr)
				}
				break
			}
		}
		conn.VShutdown(vtap.ShutWrite)
		// wait for the peer to finish so the FIN is not cut short by close
		io.Copy(io.Discard, readerFunc(conn.VRead))
		conn.VClose()
		c.printf("Sent %d total bytes\n", total)
	}(parts[1])
}

func (c *CLI) recvFile(parts []string) {
	if len(parts) != 3 {
		c.printf("Usage: rf <file> <port>\n")
		return
	}
	port, err := parsePort(parts[2])
	if err != nil {
		c.printf("%v\n", err)
		return
	}
	l, err := socket.VListen(c.tap, port, 1)
	if err != nil {
		c.printf("recvfile: %v\n", err)
		return
	}
	go func(path string) {
		defer l.VClose()
		conn, err := l.VAccept(c.ctx)
		if err != nil {
			c.printf("recvfile: %v\n", err)
			return
		}
		defer conn.VClose()
		c.printf("recvfile: client connected\n")
		f, err := os.Create(path)
		if err != nil {
			c.printf("recvfile: %v\n", err)
			return
		}
		defer f.Close()
		n, err := io.Copy(f, readerFunc(conn.VRead))
		if err != nil {
			c.printf("recvfile: %v\n", err)
		}
		conn.VShutdown(vtap.ShutWrite)
		c.printf("recvfile done: read %d bytes total\n", n)
	}(parts[1])
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
