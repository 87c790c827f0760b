// Package network provides the device-side datagram fabric.
//
// The Fabric owns one UDP socket per logical port (discovery, ack,
// challenge, game, time). Each socket has a receive loop that decodes
// frames into the port's channel and acknowledges them, so protocol code
// only ever sends messages and scans channels.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wustus/vibes/internal/domain"
	"github.com/wustus/vibes/internal/infra/channel"
	"github.com/wustus/vibes/internal/infra/metrics"
	"github.com/wustus/vibes/internal/infra/wire"
)

// Role names a logical port.
type Role string

const (
	RoleDiscovery Role = "discovery"
	RoleAck       Role = "ack"
	RoleChallenge Role = "challenge"
	RoleGame      Role = "game"
	RoleTime      Role = "time"
)

// channelRoles are the ports whose traffic lands in a Channel.
var channelRoles = []Role{RoleDiscovery, RoleAck, RoleChallenge, RoleGame}

var allRoles = []Role{RoleDiscovery, RoleAck, RoleChallenge, RoleGame, RoleTime}

// Ports maps every role to its UDP port.
type Ports struct {
	Discovery int `toml:"discovery"`
	Ack       int `toml:"ack"`
	Challenge int `toml:"challenge"`
	Game      int `toml:"game"`
	Time      int `toml:"time"`
}

// DefaultPorts returns the well-known ports.
func DefaultPorts() Ports {
	return Ports{
		Discovery: 1900,
		Ack:       1901,
		Challenge: 1903,
		Game:      1904,
		Time:      123,
	}
}

// Port returns the port assigned to role.
func (p Ports) Port(role Role) int {
	switch role {
	case RoleDiscovery:
		return p.Discovery
	case RoleAck:
		return p.Ack
	case RoleChallenge:
		return p.Challenge
	case RoleGame:
		return p.Game
	case RoleTime:
		return p.Time
	}
	return 0
}

// FabricConfig configures the network fabric.
type FabricConfig struct {
	Self            domain.DeviceAddress
	Ports           Ports
	MulticastGroup  string
	ChannelCapacity int
	ReceiveTimeout  time.Duration
}

// DefaultFabricConfig returns defaults for a device with address self.
func DefaultFabricConfig(self domain.DeviceAddress) FabricConfig {
	return FabricConfig{
		Self:            self,
		Ports:           DefaultPorts(),
		MulticastGroup:  "239.255.255.250",
		ChannelCapacity: channel.DefaultCapacity,
		ReceiveTimeout:  250 * time.Millisecond,
	}
}

// Listener opens packet sockets. Production uses UDPListener; tests use a
// MemLAN host.
type Listener interface {
	Listen(role Role, port int) (net.PacketConn, error)
}

// Status is a point-in-time view of the fabric for the status API.
type Status struct {
	Self      domain.DeviceAddress `json:"self"`
	Running   bool                 `json:"running"`
	Uptime    time.Duration        `json:"uptime"`
	Endpoints []EndpointStatus     `json:"endpoints"`
}

// EndpointStatus describes one bound port.
type EndpointStatus struct {
	Role     Role   `json:"role"`
	Port     int    `json:"port"`
	Active   bool   `json:"active"`
	Buffered int    `json:"buffered"`
	Evicted  uint64 `json:"evicted"`
}

// Fabric manages the device's sockets.
type Fabric struct {
	mu        sync.RWMutex
	config    FabricConfig
	listener  Listener
	endpoints map[Role]*Endpoint
	running   bool
	stopped   bool // Prevents restart after Stop()
	startedAt time.Time
}

// NewFabric creates a fabric. No socket is opened until Start.
func NewFabric(cfg FabricConfig, l Listener) *Fabric {
	if cfg.ChannelCapacity <= 0 {
		cfg.ChannelCapacity = channel.DefaultCapacity
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = 250 * time.Millisecond
	}
	return &Fabric{
		config:    cfg,
		listener:  l,
		endpoints: make(map[Role]*Endpoint),
	}
}

// Self returns the local device address.
func (f *Fabric) Self() domain.DeviceAddress { return f.config.Self }

// Ports returns the configured port map.
func (f *Fabric) Ports() Ports { return f.config.Ports }

// Start binds the four channel ports and starts their receive loops.
// A bind failure is fatal: every already-opened endpoint is closed and an
// ErrSocketSetup error is returned.
func (f *Fabric) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped {
		return fmt.Errorf("start fabric: %w", domain.ErrEndpointClosed)
	}
	if f.running {
		return nil
	}

	for _, role := range channelRoles {
		if err := ctx.Err(); err != nil {
			f.abortStartLocked()
			return err
		}
		port := f.config.Ports.Port(role)
		conn, err := f.listener.Listen(role, port)
		if err != nil {
			f.abortStartLocked()
			return fmt.Errorf("bind %s port %d: %w: %v", role, port, domain.ErrSocketSetup, err)
		}

		ch := channel.New(string(role), f.config.ChannelCapacity)
		ep := newEndpoint(role, port, conn, f.config.ReceiveTimeout)
		ep.ch = ch
		ep.handle = f.frameHandler(ep, role != RoleAck)
		f.endpoints[role] = ep
		ep.start()
	}

	f.running = true
	f.startedAt = time.Now()
	log.Info().Str("component", "network").Str("self", string(f.config.Self)).
		Int("discovery", f.config.Ports.Discovery).
		Int("ack", f.config.Ports.Ack).
		Int("challenge", f.config.Ports.Challenge).
		Int("game", f.config.Ports.Game).
		Msg("fabric started")
	return nil
}

// Serve binds role's port with a raw datagram handler instead of a
// channel. The time server uses it.
func (f *Fabric) Serve(role Role, handle func(ep *Endpoint, b []byte, from net.Addr)) (*Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped {
		return nil, fmt.Errorf("serve %s: %w", role, domain.ErrEndpointClosed)
	}
	if ep, ok := f.endpoints[role]; ok {
		return ep, nil
	}

	port := f.config.Ports.Port(role)
	conn, err := f.listener.Listen(role, port)
	if err != nil {
		return nil, fmt.Errorf("bind %s port %d: %w: %v", role, port, domain.ErrSocketSetup, err)
	}
	ep := newEndpoint(role, port, conn, f.config.ReceiveTimeout)
	ep.handle = func(b []byte, from net.Addr) { handle(ep, b, from) }
	f.endpoints[role] = ep
	ep.start()
	return ep, nil
}

// Dial opens an unmanaged socket on an ephemeral port for request/reply
// exchanges. The caller closes it.
func (f *Fabric) Dial(role Role) (net.PacketConn, error) {
	conn, err := f.listener.Listen(role, 0)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %v", role, domain.ErrSocketSetup, err)
	}
	return conn, nil
}

// Stop shuts down every receive loop and closes the sockets. Each loop
// notices within one receive timeout.
func (f *Fabric) Stop() {
	f.mu.Lock()
	f.stopped = true
	eps := f.detachLocked()
	f.mu.Unlock()

	// Loops may be sending acks through f.write, so join them unlocked.
	for _, ep := range eps {
		ep.Close()
	}
	log.Info().Str("component", "network").Str("self", string(f.config.Self)).Msg("fabric stopped")
}

// abortStartLocked undoes a partial Start. Endpoints close in the
// background so Start does not block on their loops.
func (f *Fabric) abortStartLocked() {
	eps := f.detachLocked()
	go func() {
		for _, ep := range eps {
			ep.Close()
		}
	}()
}

func (f *Fabric) detachLocked() []*Endpoint {
	eps := make([]*Endpoint, 0, len(f.endpoints))
	for role, ep := range f.endpoints {
		eps = append(eps, ep)
		delete(f.endpoints, role)
	}
	f.running = false
	return eps
}

// Channel returns the inbox of role, or nil if the fabric is not started.
func (f *Fabric) Channel(role Role) *channel.Channel {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if ep, ok := f.endpoints[role]; ok {
		return ep.ch
	}
	return nil
}

// Send frames msg as "<self>::<payload>" and transmits it to dest on the
// port of role. Transmission errors are returned for the caller to log;
// ErrMessageTooLarge means the message must not be retried.
func (f *Fabric) Send(role Role, dest domain.DeviceAddress, msg wire.Message) error {
	payload := msg.Encode()
	b, err := wire.EncodeFrame(f.config.Self, payload)
	if err != nil {
		return err
	}
	return f.write(role, b, &net.UDPAddr{IP: net.ParseIP(string(dest)), Port: f.config.Ports.Port(role)}, msg.Kind)
}

// Multicast sends the raw discovery probe to the multicast group.
func (f *Fabric) Multicast(msg wire.Message) error {
	group := net.ParseIP(f.config.MulticastGroup)
	return f.write(RoleDiscovery, []byte(msg.Encode()), &net.UDPAddr{IP: group, Port: f.config.Ports.Discovery}, msg.Kind)
}

func (f *Fabric) write(role Role, b []byte, to *net.UDPAddr, kind wire.Kind) error {
	f.mu.RLock()
	ep, ok := f.endpoints[role]
	f.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send %s: %w", role, domain.ErrUnknownEndpoint)
	}
	if to.IP == nil {
		return fmt.Errorf("send %s: invalid destination", role)
	}

	if _, err := ep.conn.WriteTo(b, to); err != nil {
		metrics.SendErrors.WithLabelValues(string(role)).Inc()
		return fmt.Errorf("send %s to %s: %w", kind, to, err)
	}
	metrics.DatagramsSent.WithLabelValues(string(role), kind.String()).Inc()
	return nil
}

// frameHandler decodes a datagram into the endpoint's channel. Frames
// carrying our address prefix are acknowledged unless they are acks;
// raw datagrams (SSDP probes, foreign traffic) are attributed to the UDP
// source and never acked.
func (f *Fabric) frameHandler(ep *Endpoint, autoAck bool) func([]byte, net.Addr) {
	return func(b []byte, from net.Addr) {
		source, payload, err := wire.DecodeFrame(b)
		framed := err == nil
		if !framed {
			source = sourceIP(from)
			payload = string(b)
		}

		frame := ep.ch.Append(source, payload)
		metrics.DatagramsReceived.WithLabelValues(string(ep.role), frame.Msg.Kind.String()).Inc()
		log.Debug().Str("component", "network").Str("role", string(ep.role)).
			Str("from", string(source)).Str("kind", frame.Msg.Kind.String()).
			Uint64("seq", frame.Seq).Msg("frame received")

		if !autoAck || !framed || source == f.config.Self {
			return
		}
		switch frame.Msg.Kind {
		case wire.KindAck, wire.KindProbe, wire.KindUnknown:
			return
		}
		if err := f.Send(RoleAck, source, wire.Ack(wire.Checksum16(payload))); err != nil {
			log.Warn().Str("component", "network").Err(err).Str("to", string(source)).Msg("ack failed")
		}
	}
}

// Snapshot reports the state of every endpoint.
func (f *Fabric) Snapshot() Status {
	f.mu.RLock()
	defer f.mu.RUnlock()

	st := Status{Self: f.config.Self, Running: f.running}
	if f.running {
		st.Uptime = time.Since(f.startedAt)
	}
	for _, role := range allRoles {
		ep, ok := f.endpoints[role]
		if !ok {
			continue
		}
		es := EndpointStatus{Role: role, Port: ep.port, Active: ep.Active()}
		if ep.ch != nil {
			es.Buffered = ep.ch.Len()
			es.Evicted = ep.ch.Evicted()
		}
		st.Endpoints = append(st.Endpoints, es)
	}
	return st
}

// Healthy returns an error if any started endpoint stopped receiving.
func (f *Fabric) Healthy() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.running {
		return errors.New("fabric not running")
	}
	for role, ep := range f.endpoints {
		if !ep.Active() {
			return fmt.Errorf("%s receive loop stopped", role)
		}
	}
	return nil
}

func sourceIP(addr net.Addr) domain.DeviceAddress {
	if u, ok := addr.(*net.UDPAddr); ok {
		return domain.DeviceAddress(u.IP.String())
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return domain.DeviceAddress(addr.String())
	}
	return domain.DeviceAddress(host)
}
