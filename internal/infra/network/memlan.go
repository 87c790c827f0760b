package network

import (
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"time"
)

// MemLAN is an in-memory LAN for running several devices in one process.
// It delivers unicast by ip:port, multicast to every discovery socket on
// the group's port, and drops datagrams at the configured loss rate or
// when a receiver's queue is full, like a real UDP socket buffer.
type MemLAN struct {
	mu       sync.Mutex
	conns    map[string]*memConn
	loss     float64
	rng      *rand.Rand
	nextPort int
	dropped  int
}

// NewMemLAN creates an empty, lossless LAN.
func NewMemLAN() *MemLAN {
	return &MemLAN{
		conns:    make(map[string]*memConn),
		rng:      rand.New(rand.NewPCG(1, 2)),
		nextPort: 40000,
	}
}

// SetLoss sets the probability in [0,1) that a datagram is dropped.
func (l *MemLAN) SetLoss(rate float64) {
	l.mu.Lock()
	l.loss = rate
	l.mu.Unlock()
}

// Dropped returns how many datagrams the LAN discarded.
func (l *MemLAN) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Host returns a Listener that binds sockets on ip.
func (l *MemLAN) Host(ip string) Listener {
	return memHost{lan: l, ip: net.ParseIP(ip).To4()}
}

type memHost struct {
	lan *MemLAN
	ip  net.IP
}

func (h memHost) Listen(role Role, port int) (net.PacketConn, error) {
	return h.lan.bind(h.ip, port, role == RoleDiscovery)
}

func (l *MemLAN) bind(ip net.IP, port int, multicast bool) (*memConn, error) {
	if ip == nil {
		return nil, fmt.Errorf("memlan: invalid host address")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if port == 0 {
		l.nextPort++
		port = l.nextPort
	}
	addr := &net.UDPAddr{IP: ip, Port: port}
	key := addr.String()
	if _, taken := l.conns[key]; taken {
		return nil, fmt.Errorf("memlan: bind %s: address already in use", key)
	}

	c := &memConn{
		lan:       l,
		local:     addr,
		multicast: multicast,
		inbox:     make(chan memPacket, 512),
		closed:    make(chan struct{}),
	}
	l.conns[key] = c
	return c, nil
}

func (l *MemLAN) deliver(from *net.UDPAddr, b []byte, to *net.UDPAddr) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var targets []*memConn
	if to.IP.IsMulticast() {
		for _, c := range l.conns {
			if c.multicast && c.local.Port == to.Port {
				targets = append(targets, c)
			}
		}
	} else if c, ok := l.conns[to.String()]; ok {
		targets = append(targets, c)
	}

	for _, c := range targets {
		if l.loss > 0 && l.rng.Float64() < l.loss {
			l.dropped++
			continue
		}
		data := make([]byte, len(b))
		copy(data, b)
		select {
		case c.inbox <- memPacket{data: data, from: from}:
		default:
			l.dropped++
		}
	}
}

func (l *MemLAN) unbind(c *memConn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conns[c.local.String()] == c {
		delete(l.conns, c.local.String())
	}
}

type memPacket struct {
	data []byte
	from *net.UDPAddr
}

// memConn implements net.PacketConn on a MemLAN.
type memConn struct {
	lan       *MemLAN
	local     *net.UDPAddr
	multicast bool
	inbox     chan memPacket

	mu       sync.Mutex
	deadline time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *memConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, os.ErrDeadlineExceeded
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case pkt := <-c.inbox:
		n := copy(p, pkt.data)
		return n, pkt.from, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	}
}

func (c *memConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	to, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, fmt.Errorf("memlan: unsupported address %T", addr)
	}
	c.lan.deliver(c.local, p, to)
	return len(p), nil
}

func (c *memConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.lan.unbind(c)
	})
	return nil
}

func (c *memConn) LocalAddr() net.Addr { return c.local }

func (c *memConn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }

func (c *memConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *memConn) SetWriteDeadline(time.Time) error { return nil }
