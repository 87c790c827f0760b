package election

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wustus/vibes/internal/domain"
	"github.com/wustus/vibes/internal/infra/channel"
	"github.com/wustus/vibes/internal/infra/network"
	"github.com/wustus/vibes/internal/infra/wire"
)

// play runs games against opponent until one is decided. Draws are
// replayed. It returns ErrMatchAborted when the opponent goes silent or
// cancels before the first move; the pairing is then dropped.
func (e *Elector) play(ctx context.Context, opponent domain.DeviceAddress) (bool, int, error) {
	self := e.transport.Self()
	ch := e.transport.Channel(network.RoleGame)

	for _, p := range e.roster {
		e.replyAsync(ctx, network.RoleGame, p, wire.Event(self, opponent, wire.StatusGame))
	}

	games := 0
	for {
		mark, err := e.ready(ctx, ch, opponent)
		if err != nil {
			e.abort(opponent, ch)
			return false, games, err
		}

		winner, err := e.game(ctx, ch, opponent, mark)
		if err != nil {
			e.abort(opponent, ch)
			return false, games, err
		}
		games++

		if winner != Empty {
			return winner == mark, games, nil
		}
		log.Info().Str("component", "election").Str("opponent", string(opponent)).Msg("draw, replaying")
		e.mu.Lock()
		e.state.Started = false
		e.mu.Unlock()
	}
}

// ready exchanges READY with opponent and returns our mark. The smaller
// address plays X and moves first.
func (e *Elector) ready(ctx context.Context, ch *channel.Channel, opponent domain.DeviceAddress) (Mark, error) {
	ok, err := e.reliable.Send(ctx, network.RoleGame, opponent, wire.Ready())
	if err != nil {
		return Empty, err
	}
	if !ok {
		return Empty, fmt.Errorf("ready to %s not acknowledged: %w", opponent, domain.ErrMatchAborted)
	}

	_, err = e.next(ctx, ch, opponent, e.config.ResponseTimeout, func(f channel.Frame) bool {
		return f.Msg.Kind == wire.KindReady
	})
	if err != nil {
		return Empty, err
	}

	e.mu.Lock()
	e.state.Started = true
	e.mu.Unlock()

	if e.transport.Self().Less(opponent) {
		return MarkX, nil
	}
	return MarkO, nil
}

// game plays one game and returns the winning mark, Empty on a draw.
func (e *Elector) game(ctx context.Context, ch *channel.Channel, opponent domain.DeviceAddress, mark Mark) (Mark, error) {
	g := e.newGame()

	for !g.IsGameOver() {
		if g.Turn() == mark {
			moves := g.Moves()
			cell := moves[e.rng.IntN(len(moves))]
			if err := g.MakeMove(cell); err != nil {
				return Empty, err
			}
			ok, err := e.reliable.Send(ctx, network.RoleGame, opponent, wire.Move(int16(cell)))
			if err != nil {
				return Empty, err
			}
			if !ok {
				return Empty, fmt.Errorf("move to %s not acknowledged: %w", opponent, domain.ErrMatchAborted)
			}
			continue
		}

		// Retransmitted moves name a cell that is already taken.
		f, err := e.next(ctx, ch, opponent, e.config.MoveTimeout, func(f channel.Frame) bool {
			return f.Msg.Kind == wire.KindMove && open(g, int(f.Msg.Move))
		})
		if err != nil {
			return Empty, err
		}
		if err := g.MakeMove(int(f.Msg.Move)); err != nil {
			return Empty, err
		}
	}

	log.Debug().Str("component", "election").Str("opponent", string(opponent)).
		Str("board", fmt.Sprint(g)).Str("winner", g.Winner().String()).Msg("game over")
	return g.Winner(), nil
}

func open(g Game, cell int) bool {
	if t, ok := g.(interface{ Open(int) bool }); ok {
		return t.Open(cell)
	}
	for _, m := range g.Moves() {
		if m == cell {
			return true
		}
	}
	return false
}

// next returns the first game frame from opponent past its cursor that
// satisfies match. Frames it passes over are consumed. It fails with
// ErrMatchAborted on timeout or when the opponent cancels the pairing.
func (e *Elector) next(ctx context.Context, ch *channel.Channel, opponent domain.DeviceAddress, timeout time.Duration, match func(channel.Frame) bool) (channel.Frame, error) {
	expired := e.clock.After(timeout)
	for {
		frames := ch.Changed()
		state := e.watch()

		e.mu.Lock()
		cursor := e.cursors[opponent]
		aborted := e.state.Aborted
		e.mu.Unlock()

		if aborted {
			return channel.Frame{}, fmt.Errorf("%s cancelled: %w", opponent, domain.ErrMatchAborted)
		}

		for _, f := range ch.Since(cursor) {
			if f.Source != opponent {
				continue
			}
			e.mu.Lock()
			e.cursors[opponent] = f.Seq
			e.mu.Unlock()
			if match(f) {
				return f, nil
			}
		}

		select {
		case <-ctx.Done():
			return channel.Frame{}, ctx.Err()
		case <-expired:
			return channel.Frame{}, fmt.Errorf("%s silent for %s: %w", opponent, timeout, domain.ErrMatchAborted)
		case <-frames:
		case <-state:
		}
	}
}

// abort drops the pairing with opponent. Frames it already sent are
// skipped by the next match against it; an opponent still waiting for
// the start is told with DEC.
func (e *Elector) abort(opponent domain.DeviceAddress, ch *channel.Channel) {
	e.mu.Lock()
	started := e.state.Started
	e.state.endMatch()
	e.cursors[opponent] = ch.Seq()
	e.mu.Unlock()

	if !started {
		if err := e.transport.Send(network.RoleChallenge, opponent, wire.Decline()); err != nil {
			log.Debug().Str("component", "election").Err(err).Msg("cancel not sent")
		}
	}
}
