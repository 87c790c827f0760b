// Package clocksync aligns the peers' clocks with the coordinator and
// agrees on a shared start instant.
//
// The coordinator runs a Server on the time port. Peers probe it with
// four-timestamp round trips (Client.Offset) and ask it for the start
// time (Client.RequestStartTime). The first start-time request fixes the
// instant for everyone.
package clocksync

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/wustus/vibes/internal/domain"
	"github.com/wustus/vibes/internal/infra/metrics"
	"github.com/wustus/vibes/internal/infra/network"
	"github.com/wustus/vibes/internal/infra/wire"
)

// ServerConfig controls the coordinator's time server.
type ServerConfig struct {
	// LeadTime is how far in the future the start instant is placed when
	// it is first requested.
	LeadTime time.Duration
}

// DefaultServerConfig returns a two-second lead time.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{LeadTime: 2 * time.Second}
}

// Binder binds a raw datagram handler to a port. *network.Fabric
// implements it.
type Binder interface {
	Serve(role network.Role, handle func(ep *network.Endpoint, b []byte, from net.Addr)) (*network.Endpoint, error)
}

// Server answers time probes and start-time requests.
type Server struct {
	config ServerConfig
	clock  clockwork.Clock

	start atomic.Uint32
	once  sync.Once
	set   chan struct{}

	mu sync.Mutex
	ep *network.Endpoint
}

// NewServer creates a time server. It does not listen until Listen.
func NewServer(cfg ServerConfig, clock clockwork.Clock) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Server{config: cfg, clock: clock, set: make(chan struct{})}
}

// Listen binds the time port through b.
func (s *Server) Listen(b Binder) error {
	ep, err := b.Serve(network.RoleTime, s.handle)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ep = ep
	s.mu.Unlock()
	log.Info().Str("component", "clocksync").Msg("time server listening")
	return nil
}

// Close stops the time endpoint.
func (s *Server) Close() {
	s.mu.Lock()
	ep := s.ep
	s.ep = nil
	s.mu.Unlock()
	if ep != nil {
		ep.Close()
	}
}

func (s *Server) handle(ep *network.Endpoint, b []byte, from net.Addr) {
	var pkt wire.TimePacket
	if err := pkt.UnmarshalBinary(b); err != nil {
		log.Debug().Str("component", "clocksync").Str("from", from.String()).Err(err).Msg("dropping packet")
		return
	}

	reply := s.Answer(pkt)
	out, _ := reply.MarshalBinary()
	if _, err := ep.WriteTo(out, from); err != nil {
		log.Warn().Str("component", "clocksync").Str("to", from.String()).Err(err).Msg("reply failed")
	}
}

// Answer builds the reply to pkt. A probe is stamped with the receive and
// transmit times; a start-time request fixes the start time if needed.
func (s *Server) Answer(pkt wire.TimePacket) wire.TimePacket {
	if pkt.TimeRequest {
		metrics.TimeRequests.WithLabelValues("start").Inc()
		pkt.StartTime = s.ResolveStartTime()
		return pkt
	}

	metrics.TimeRequests.WithLabelValues("probe").Inc()
	now := domain.UnixToNTP(s.clock.Now().Unix())
	pkt.ReqRecvTime = now
	pkt.ResTransTime = now
	return pkt
}

// ResolveStartTime returns the agreed start time, fixing it at now plus
// LeadTime on the first call. Concurrent callers all get the same value.
func (s *Server) ResolveStartTime() uint32 {
	if v := s.start.Load(); v != 0 {
		return v
	}
	candidate := uint32(s.clock.Now().Add(s.config.LeadTime).Unix())
	if s.start.CompareAndSwap(0, candidate) {
		log.Info().Str("component", "clocksync").Uint32("start", candidate).Msg("start time fixed")
	}
	s.once.Do(func() { close(s.set) })
	return s.start.Load()
}

// StartTime blocks until the start time is fixed.
func (s *Server) StartTime(ctx context.Context) (uint32, error) {
	select {
	case <-s.set:
		return s.start.Load(), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
