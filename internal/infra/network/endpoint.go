package network

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wustus/vibes/internal/infra/channel"
	"github.com/wustus/vibes/internal/infra/metrics"
	"github.com/wustus/vibes/internal/infra/wire"
)

// Endpoint is one bound socket and the goroutine reading it.
type Endpoint struct {
	role    Role
	port    int
	conn    net.PacketConn
	ch      *channel.Channel // nil for raw endpoints
	handle  func(b []byte, from net.Addr)
	timeout time.Duration

	active atomic.Bool
	once   sync.Once
	wg     sync.WaitGroup
}

func newEndpoint(role Role, port int, conn net.PacketConn, timeout time.Duration) *Endpoint {
	return &Endpoint{role: role, port: port, conn: conn, timeout: timeout}
}

// Role returns the logical port this endpoint serves.
func (e *Endpoint) Role() Role { return e.role }

// Active reports whether the receive loop is still running.
func (e *Endpoint) Active() bool { return e.active.Load() }

// WriteTo sends raw bytes from this endpoint's socket.
func (e *Endpoint) WriteTo(b []byte, to net.Addr) (int, error) {
	return e.conn.WriteTo(b, to)
}

func (e *Endpoint) start() {
	e.active.Store(true)
	e.wg.Add(1)
	go e.receiveLoop()
}

// receiveLoop blocks on the socket with a read deadline so a cleared
// active flag is observed within one timeout.
func (e *Endpoint) receiveLoop() {
	defer e.wg.Done()

	buf := make([]byte, wire.MaxFrameSize)
	for e.active.Load() {
		_ = e.conn.SetReadDeadline(time.Now().Add(e.timeout))
		n, from, err := e.conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) || !e.active.Load() {
				e.active.Store(false)
				return
			}
			metrics.ReceiveErrors.WithLabelValues(string(e.role)).Inc()
			log.Warn().Str("component", "network").Str("role", string(e.role)).Err(err).Msg("receive failed")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		e.handle(data, from)
	}
}

// Close clears the active flag, waits for the loop to notice and closes
// the socket.
func (e *Endpoint) Close() {
	e.once.Do(func() {
		e.active.Store(false)
		e.wg.Wait()
		_ = e.conn.Close()
	})
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
