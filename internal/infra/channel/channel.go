package channel

import (
	"context"
	"sync"
	"time"

	"github.com/wustus/vibes/internal/domain"
	"github.com/wustus/vibes/internal/infra/wire"
)

// Frame is one decoded receipt from a socket.
type Frame struct {
	Seq        uint64
	Source     domain.DeviceAddress
	Payload    string
	Msg        wire.Message
	ReceivedAt time.Time
}

// Channel is the inbox of one logical port (discovery, ack, challenge,
// game). Readers are woken through Changed instead of polling.
type Channel struct {
	name string
	ring *Ring[Frame]

	mu      sync.Mutex
	changed chan struct{}
}

// New creates a channel named after its port role.
func New(name string, capacity int) *Channel {
	return &Channel{
		name:    name,
		ring:    NewRing[Frame](capacity),
		changed: make(chan struct{}),
	}
}

// Name returns the port role this channel serves.
func (c *Channel) Name() string { return c.name }

// Append parses payload, stores the frame and wakes every waiter.
func (c *Channel) Append(source domain.DeviceAddress, payload string) Frame {
	f := Frame{
		Source:     source,
		Payload:    payload,
		Msg:        wire.ParseMessage(payload),
		ReceivedAt: time.Now(),
	}

	// The sequence is assigned inside the ring lock; hold c.mu across the
	// append so the stored copy and the returned copy agree.
	c.mu.Lock()
	f.Seq = c.ring.Seq() + 1
	c.ring.Append(f)
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()

	return f
}

// Changed returns a channel closed by the next Append. Take it before
// scanning so an append racing the scan is not missed.
func (c *Channel) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// Frames returns every live frame, oldest first.
func (c *Channel) Frames() []Frame { return c.ring.Snapshot() }

// Since returns the live frames newer than seq, oldest first.
func (c *Channel) Since(seq uint64) []Frame { return c.ring.Since(seq) }

// Seq returns the newest sequence number.
func (c *Channel) Seq() uint64 { return c.ring.Seq() }

// Len returns the number of live frames.
func (c *Channel) Len() int { return c.ring.Len() }

// Cap returns the ring capacity.
func (c *Channel) Cap() int { return c.ring.Cap() }

// Evicted returns the number of overwritten frames.
func (c *Channel) Evicted() uint64 { return c.ring.Evicted() }

// Await blocks until a frame newer than after satisfies match, or ctx ends.
func (c *Channel) Await(ctx context.Context, after uint64, match func(Frame) bool) (Frame, error) {
	for {
		changed := c.Changed()
		for _, f := range c.Since(after) {
			if match(f) {
				return f, nil
			}
			after = f.Seq
		}

		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-changed:
		}
	}
}
