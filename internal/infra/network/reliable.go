package network

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/wustus/vibes/internal/domain"
	"github.com/wustus/vibes/internal/infra/channel"
	"github.com/wustus/vibes/internal/infra/metrics"
	"github.com/wustus/vibes/internal/infra/wire"
)

// Sender transmits one framed message. *Fabric implements it.
type Sender interface {
	Send(role Role, dest domain.DeviceAddress, msg wire.Message) error
}

// ReliableConfig bounds how long a reliable send waits for its ack.
type ReliableConfig struct {
	AckWindow  time.Duration // wait per attempt
	MaxRetries int           // attempts after the first
}

// DefaultReliableConfig returns the 1.5s window with 3 retries.
func DefaultReliableConfig() ReliableConfig {
	return ReliableConfig{
		AckWindow:  1500 * time.Millisecond,
		MaxRetries: 3,
	}
}

// Reliable sends datagrams and waits for the matching acknowledgement on
// the ack channel.
type Reliable struct {
	sender Sender
	acks   *channel.Channel
	config ReliableConfig
	clock  clockwork.Clock
}

// NewReliable creates a reliable sender over s. acks is the channel the
// ack port's receive loop fills.
func NewReliable(s Sender, acks *channel.Channel, cfg ReliableConfig, clock clockwork.Clock) *Reliable {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.AckWindow <= 0 {
		cfg.AckWindow = DefaultReliableConfig().AckWindow
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Reliable{sender: s, acks: acks, config: cfg, clock: clock}
}

// Send transmits msg to dest on role's port and waits for an ack frame
// from dest carrying the payload's checksum. It makes at most
// MaxRetries+1 transmissions. An unacknowledged message returns
// (false, nil); errors are reserved for ErrMessageTooLarge and a
// cancelled ctx.
func (r *Reliable) Send(ctx context.Context, role Role, dest domain.DeviceAddress, msg wire.Message) (bool, error) {
	payload := msg.Encode()
	pending := domain.PendingAck{Dest: dest, Checksum: wire.Checksum16(payload)}

	// Acks received before the first attempt belong to older sends of the
	// same payload.
	mark := r.acks.Seq()

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		metrics.ReliableAttempts.WithLabelValues(string(role)).Inc()
		if err := r.sender.Send(role, dest, msg); err != nil {
			if errors.Is(err, domain.ErrMessageTooLarge) {
				return false, err
			}
			log.Warn().Str("component", "reliable").Err(err).Str("to", string(dest)).
				Str("kind", msg.Kind.String()).Int("attempt", attempt).Msg("transmit failed")
		}

		if msg.IsAck() {
			return true, nil
		}

		pending.Deadline = r.clock.Now().Add(r.config.AckWindow)
		ok, err := r.awaitAck(ctx, pending, mark)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		log.Debug().Str("component", "reliable").Str("to", string(dest)).
			Str("kind", msg.Kind.String()).Int("attempt", attempt).Msg("ack window expired")
	}

	metrics.ReliableFailures.WithLabelValues(string(role)).Inc()
	return false, nil
}

func (r *Reliable) awaitAck(ctx context.Context, p domain.PendingAck, mark uint64) (bool, error) {
	wctx, cancel := clockwork.WithDeadline(ctx, r.clock, p.Deadline)
	defer cancel()

	_, err := r.acks.Await(wctx, mark, func(f channel.Frame) bool {
		return f.Source == p.Dest && f.Msg.Kind == wire.KindAck && f.Msg.Checksum == p.Checksum
	})
	switch {
	case err == nil:
		return true, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	default:
		return false, nil
	}
}

// Broadcast sends msg reliably to every roster member concurrently and
// returns the members that never acknowledged.
func (r *Reliable) Broadcast(ctx context.Context, role Role, roster domain.Roster, msg wire.Message) []domain.DeviceAddress {
	var (
		mu     sync.Mutex
		failed []domain.DeviceAddress
		wg     sync.WaitGroup
	)
	for _, dest := range roster {
		wg.Add(1)
		go func(dest domain.DeviceAddress) {
			defer wg.Done()
			ok, err := r.Send(ctx, role, dest, msg)
			if ok && err == nil {
				return
			}
			mu.Lock()
			failed = append(failed, dest)
			mu.Unlock()
		}(dest)
	}
	wg.Wait()
	return domain.NewRoster("", failed...)
}
