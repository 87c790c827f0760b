// Package discovery finds the other devices of a session.
//
// Every device multicasts an SSDP probe until it has heard from all of its
// peers. A device that hears a probe answers the prober directly with a
// reliable BUDDY; the answer is what adds a device to a roster, so the
// multicast probe itself never has to arrive on both sides.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/wustus/vibes/internal/domain"
	"github.com/wustus/vibes/internal/infra/channel"
	"github.com/wustus/vibes/internal/infra/metrics"
	"github.com/wustus/vibes/internal/infra/network"
	"github.com/wustus/vibes/internal/infra/wire"
)

// Config controls discovery.
type Config struct {
	Devices        int                  // session size, self included
	PollInterval   time.Duration        // probe period
	Timeout        time.Duration        // 0 waits until ctx ends
	Router         domain.DeviceAddress // never a peer
	MulticastGroup domain.DeviceAddress // never a peer
}

// DefaultConfig returns a two-device discovery polling every 300ms for at
// most a minute.
func DefaultConfig() Config {
	return Config{
		Devices:        2,
		PollInterval:   300 * time.Millisecond,
		Timeout:        time.Minute,
		MulticastGroup: "239.255.255.250",
	}
}

// Transport is the part of the network fabric discovery needs.
type Transport interface {
	Self() domain.DeviceAddress
	Multicast(msg wire.Message) error
	Channel(role network.Role) *channel.Channel
}

// Discoverer builds the roster. Serve and Discover share it.
type Discoverer struct {
	transport Transport
	reliable  *network.Reliable
	config    Config
	clock     clockwork.Clock

	mu       sync.Mutex
	peers    map[domain.DeviceAddress]struct{}
	inflight map[domain.DeviceAddress]struct{}
	answered map[domain.DeviceAddress]struct{}
}

// New creates a discoverer. reliable must send through t.
func New(t Transport, reliable *network.Reliable, cfg Config, clock clockwork.Clock) *Discoverer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Discoverer{
		transport: t,
		reliable:  reliable,
		config:    cfg,
		clock:     clock,
		peers:     make(map[domain.DeviceAddress]struct{}),
		inflight:  make(map[domain.DeviceAddress]struct{}),
		answered:  make(map[domain.DeviceAddress]struct{}),
	}
}

// Roster returns the peers known so far, sorted.
func (d *Discoverer) Roster() domain.Roster {
	d.mu.Lock()
	defer d.mu.Unlock()
	addrs := make([]domain.DeviceAddress, 0, len(d.peers))
	for a := range d.peers {
		addrs = append(addrs, a)
	}
	return domain.NewRoster(d.transport.Self(), addrs...)
}

// Serve answers probes until ctx ends. Each prober gets a reliable BUDDY
// until one is acknowledged; the acknowledged prober joins the roster.
// Serve keeps running after Discover returns so slower peers still hear
// from this device.
func (d *Discoverer) Serve(ctx context.Context) error {
	ch := d.transport.Channel(network.RoleDiscovery)
	if ch == nil {
		return fmt.Errorf("discovery serve: %w", domain.ErrUnknownEndpoint)
	}

	var (
		wg     sync.WaitGroup
		cursor uint64
	)
	defer wg.Wait()

	for {
		f, err := ch.Await(ctx, cursor, func(f channel.Frame) bool {
			return f.Msg.Kind == wire.KindProbe
		})
		if err != nil {
			return nil
		}
		cursor = f.Seq

		if !d.validPeer(f.Source) || !d.claim(f.Source) {
			continue
		}
		wg.Add(1)
		go func(peer domain.DeviceAddress) {
			defer wg.Done()
			d.answer(ctx, peer)
		}(f.Source)
	}
}

// claim reserves peer for one answer unless it already got one or one is
// in flight.
func (d *Discoverer) claim(peer domain.DeviceAddress) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.answered[peer]; ok {
		return false
	}
	if _, ok := d.inflight[peer]; ok {
		return false
	}
	d.inflight[peer] = struct{}{}
	return true
}

func (d *Discoverer) answer(ctx context.Context, peer domain.DeviceAddress) {
	ok, err := d.reliable.Send(ctx, network.RoleDiscovery, peer, wire.Buddy())

	d.mu.Lock()
	delete(d.inflight, peer)
	if ok && err == nil {
		d.answered[peer] = struct{}{}
	}
	d.mu.Unlock()

	if err != nil || !ok {
		log.Debug().Str("component", "discovery").Str("peer", string(peer)).Msg("buddy not acknowledged")
		return
	}
	if d.add(peer) {
		log.Info().Str("component", "discovery").Str("peer", string(peer)).Msg("peer acknowledged buddy")
	}
}

// add records peer and reports whether it was new.
func (d *Discoverer) add(peer domain.DeviceAddress) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.peers[peer]; ok {
		return false
	}
	d.peers[peer] = struct{}{}
	metrics.RosterSize.Set(float64(len(d.peers)))
	return true
}

func (d *Discoverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.peers)
}

// Discover probes until Devices-1 peers are known and returns the frozen,
// sorted roster. It fails with ErrStageTimedOut after Timeout.
func (d *Discoverer) Discover(ctx context.Context) (domain.Roster, error) {
	want := d.config.Devices - 1
	if want <= 0 {
		return domain.Roster{}, nil
	}

	ch := d.transport.Channel(network.RoleDiscovery)
	if ch == nil {
		return nil, fmt.Errorf("discover: %w", domain.ErrUnknownEndpoint)
	}

	parent := ctx
	if d.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = clockwork.WithTimeout(ctx, d.clock, d.config.Timeout)
		defer cancel()
	}

	ticker := d.clock.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	var cursor uint64
	for {
		if err := d.transport.Multicast(wire.Probe()); err != nil {
			log.Warn().Str("component", "discovery").Err(err).Msg("probe failed")
		}

		for _, f := range ch.Since(cursor) {
			cursor = f.Seq
			if f.Msg.Kind != wire.KindBuddy || !d.validPeer(f.Source) {
				continue
			}
			if d.add(f.Source) {
				log.Info().Str("component", "discovery").Str("peer", string(f.Source)).
					Int("known", d.count()).Int("want", want).Msg("peer discovered")
			}
		}

		if d.count() >= want {
			roster := d.Roster()
			log.Info().Str("component", "discovery").Strs("roster", roster.Strings()).Msg("roster complete")
			return roster, nil
		}

		select {
		case <-ctx.Done():
			if err := parent.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("discovery: %d of %d peers: %w", d.count(), want, domain.ErrStageTimedOut)
		case <-ticker.Chan():
		}
	}
}

func (d *Discoverer) validPeer(addr domain.DeviceAddress) bool {
	if addr == "" || addr == d.transport.Self() {
		return false
	}
	if addr == d.config.Router || addr == d.config.MulticastGroup {
		return false
	}
	ip := net.ParseIP(string(addr))
	return ip != nil && ip.To4() != nil && !ip.IsMulticast()
}
