package clocksync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/wustus/vibes/internal/domain"
	"github.com/wustus/vibes/internal/infra/metrics"
	"github.com/wustus/vibes/internal/infra/network"
	"github.com/wustus/vibes/internal/infra/wire"
)

// ClientConfig controls offset estimation.
type ClientConfig struct {
	Samples           int           // probes averaged per estimate
	SampleSpacing     time.Duration // pause between probes
	ProbeTimeout      time.Duration // wait for one reply
	ProbeRetries      int           // resends of an unanswered probe
	StartPollInterval time.Duration // pause between start-time requests
}

// DefaultClientConfig returns 10 samples spaced 50ms apart.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Samples:           10,
		SampleSpacing:     50 * time.Millisecond,
		ProbeTimeout:      time.Second,
		ProbeRetries:      3,
		StartPollInterval: 100 * time.Millisecond,
	}
}

// Dialer opens request sockets. *network.Fabric implements it.
type Dialer interface {
	Dial(role network.Role) (net.PacketConn, error)
	Ports() network.Ports
}

// Client talks to the coordinator's time server.
type Client struct {
	dialer Dialer
	config ClientConfig
	clock  clockwork.Clock
}

// NewClient creates a client.
func NewClient(d Dialer, cfg ClientConfig, clock clockwork.Clock) *Client {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	def := DefaultClientConfig()
	if cfg.Samples <= 0 {
		cfg.Samples = def.Samples
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.ProbeRetries < 0 {
		cfg.ProbeRetries = 0
	}
	if cfg.StartPollInterval <= 0 {
		cfg.StartPollInterval = def.StartPollInterval
	}
	return &Client{dialer: d, config: cfg, clock: clock}
}

func (c *Client) now() uint32 {
	return domain.UnixToNTP(c.clock.Now().Unix())
}

// RequestTime runs one probe round trip against coordinator.
func (c *Client) RequestTime(ctx context.Context, coordinator domain.DeviceAddress) (domain.ClockSample, error) {
	var sample domain.ClockSample
	err := c.exchange(ctx, coordinator, func() wire.TimePacket {
		return wire.TimePacket{ReqTransTime: c.now()}
	}, func(sent, got wire.TimePacket) bool {
		if got.TimeRequest || got.ReqTransTime != sent.ReqTransTime {
			return false
		}
		got.ResRecvTime = c.now()
		sample = got.Sample()
		return true
	})
	if err != nil {
		return domain.ClockSample{}, err
	}
	return sample, nil
}

// Offset averages Samples probes spaced SampleSpacing apart.
func (c *Client) Offset(ctx context.Context, coordinator domain.DeviceAddress) (int64, []domain.ClockSample, error) {
	samples := make([]domain.ClockSample, 0, c.config.Samples)
	for i := 0; i < c.config.Samples; i++ {
		if i > 0 && c.config.SampleSpacing > 0 {
			select {
			case <-ctx.Done():
				return 0, samples, ctx.Err()
			case <-c.clock.After(c.config.SampleSpacing):
			}
		}
		s, err := c.RequestTime(ctx, coordinator)
		if err != nil {
			return 0, samples, fmt.Errorf("sample %d: %w", i, err)
		}
		samples = append(samples, s)
	}

	offset := domain.AverageOffset(samples)
	metrics.ClockOffset.Set(float64(offset))
	log.Info().Str("component", "clocksync").Str("coordinator", string(coordinator)).
		Int64("offset", offset).Int("samples", len(samples)).Msg("offset estimated")
	return offset, samples, nil
}

// RequestStartTime asks coordinator for the start time until it answers
// with a non-zero value.
func (c *Client) RequestStartTime(ctx context.Context, coordinator domain.DeviceAddress) (uint32, error) {
	for {
		var start uint32
		err := c.exchange(ctx, coordinator, func() wire.TimePacket {
			return wire.TimePacket{TimeRequest: true}
		}, func(_, got wire.TimePacket) bool {
			if !got.TimeRequest {
				return false
			}
			start = got.StartTime
			return true
		})
		if err != nil {
			return 0, err
		}
		if start != 0 {
			return start, nil
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-c.clock.After(c.config.StartPollInterval):
		}
	}
}

// exchange sends build() to the coordinator's time port and reads replies
// until accept takes one, resending up to ProbeRetries times.
func (c *Client) exchange(ctx context.Context, coordinator domain.DeviceAddress, build func() wire.TimePacket, accept func(sent, got wire.TimePacket) bool) error {
	ip := net.ParseIP(string(coordinator))
	if ip == nil {
		return fmt.Errorf("time server %q: %w", coordinator, domain.ErrNoCoordinator)
	}
	to := &net.UDPAddr{IP: ip, Port: c.dialer.Ports().Time}

	conn, err := c.dialer.Dial(network.RoleTime)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	buf := make([]byte, wire.TimePacketSize+1)
	for attempt := 0; attempt <= c.config.ProbeRetries; attempt++ {
		sent := build()
		out, _ := sent.MarshalBinary()
		if _, err := conn.WriteTo(out, to); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Str("component", "clocksync").Err(err).Msg("time request failed")
			continue
		}

		deadline := time.Now().Add(c.config.ProbeTimeout)
		_ = conn.SetReadDeadline(deadline)
		for {
			n, _, err := conn.ReadFrom(buf)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					break
				}
				return fmt.Errorf("read time reply: %w", err)
			}
			var got wire.TimePacket
			if got.UnmarshalBinary(buf[:n]) != nil {
				continue
			}
			if accept(sent, got) {
				return nil
			}
		}
		log.Debug().Str("component", "clocksync").Int("attempt", attempt).Msg("time request unanswered")
	}
	return fmt.Errorf("time server %s after %d attempts: %w", coordinator, c.config.ProbeRetries+1, domain.ErrNoReply)
}
