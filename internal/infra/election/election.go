// Package election picks one coordinator among the discovered devices.
//
// Devices pair up by challenge (CHLG, answered ACC or DEC), play one game
// of tic-tac-toe per pairing and announce the result to everyone. Losers
// drop out; the last undefeated device declares itself with MASTER.
package election

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
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

// Transport is the part of the network fabric the election needs.
type Transport interface {
	network.Sender
	Self() domain.DeviceAddress
	Channel(role network.Role) *channel.Channel
}

// Outcome is the result of an election on one device.
type Outcome struct {
	IsCoordinator bool                 `json:"is_coordinator"`
	Coordinator   domain.DeviceAddress `json:"coordinator"`
	Games         int                  `json:"games"`
	Results       []Result             `json:"results"`
	// Unreached lists the peers that never acknowledged our MASTER. Pass
	// them to Announce.
	Unreached []domain.DeviceAddress `json:"unreached,omitempty"`
}

// Elector runs the election for one device over a frozen roster.
type Elector struct {
	transport Transport
	reliable  *network.Reliable
	roster    domain.Roster
	config    Config
	clock     clockwork.Clock
	newGame   func() Game
	rng       *rand.Rand

	results *StatusLog

	mu      sync.Mutex
	state   State
	waiting map[domain.DeviceAddress]struct{}
	cursors map[domain.DeviceAddress]uint64 // game-channel frames consumed per opponent
	changed chan struct{}

	replies sync.WaitGroup
}

// New creates an elector. roster must not contain the local device.
func New(t Transport, reliable *network.Reliable, roster domain.Roster, cfg Config, clock clockwork.Clock) *Elector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(t.Self()))

	return &Elector{
		transport: t,
		reliable:  reliable,
		roster:    roster,
		config:    cfg.withDefaults(),
		clock:     clock,
		newGame:   func() Game { return NewTicTacToe() },
		rng:       rand.New(rand.NewPCG(h.Sum64(), uint64(time.Now().UnixNano()))),
		results:   NewStatusLog(len(roster)),
		state:     newState(),
		waiting:   make(map[domain.DeviceAddress]struct{}),
		cursors:   make(map[domain.DeviceAddress]uint64),
		changed:   make(chan struct{}),
	}
}

// Results returns the match log.
func (e *Elector) Results() *StatusLog { return e.results }

// Elect runs the tournament until a coordinator is known. With an empty
// roster the local device is the coordinator at once.
func (e *Elector) Elect(ctx context.Context) (Outcome, error) {
	self := e.transport.Self()
	if len(e.roster) == 0 {
		log.Info().Str("component", "election").Msg("no peers, coordinating alone")
		return Outcome{IsCoordinator: true, Coordinator: self}, nil
	}

	challenges := e.transport.Channel(network.RoleChallenge)
	games := e.transport.Channel(network.RoleGame)
	if challenges == nil || games == nil {
		return Outcome{}, fmt.Errorf("elect: %w", domain.ErrUnknownEndpoint)
	}

	parent := ctx
	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = clockwork.WithTimeout(ctx, e.clock, e.config.Timeout)
		defer cancel()
	}

	lctx, stop := context.WithCancel(ctx)
	var loops sync.WaitGroup
	loops.Add(2)
	go func() { defer loops.Done(); e.handleChallenges(lctx, challenges) }()
	go func() { defer loops.Done(); e.watchEvents(lctx, games) }()
	defer func() {
		stop()
		loops.Wait()
		e.replies.Wait()
	}()

	out, err := e.run(lctx)
	if err != nil && ctx.Err() != nil && parent.Err() == nil {
		return out, fmt.Errorf("election: %w", domain.ErrStageTimedOut)
	}
	return out, err
}

func (e *Elector) run(ctx context.Context) (Outcome, error) {
	self := e.transport.Self()
	games := 0

	for {
		if coord, ok := e.coordinator(); ok {
			return e.outcome(coord, games), nil
		}

		if e.eliminated() {
			log.Info().Str("component", "election").Msg("eliminated, waiting for coordinator")
			coord, err := e.awaitCoordinator(ctx)
			if err != nil {
				return Outcome{}, err
			}
			return e.outcome(coord, games), nil
		}

		if e.results.AllLost(e.roster) {
			log.Info().Str("component", "election").Msg("sole survivor, announcing coordinator")
			out := e.outcome(self, games)
			if failed := e.reliable.Broadcast(ctx, network.RoleChallenge, e.roster, wire.Master()); len(failed) > 0 {
				log.Warn().Str("component", "election").Strs("unreached", domain.Roster(failed).Strings()).
					Msg("coordinator announcement not acknowledged")
				out.Unreached = failed
			}
			return out, nil
		}

		opponent, err := e.pair(ctx)
		if err != nil {
			return Outcome{}, err
		}
		if opponent == "" {
			continue
		}

		won, n, err := e.play(ctx, opponent)
		games += n
		if errors.Is(err, domain.ErrMatchAborted) {
			log.Info().Str("component", "election").Str("opponent", string(opponent)).Err(err).Msg("match aborted")
			continue
		}
		if err != nil {
			return Outcome{}, err
		}
		e.finish(ctx, opponent, won)
	}
}

func (e *Elector) outcome(coord domain.DeviceAddress, games int) Outcome {
	return Outcome{
		IsCoordinator: coord == e.transport.Self(),
		Coordinator:   coord,
		Games:         games,
		Results:       e.results.Entries(),
	}
}

// finish records a decided match and announces it to every peer.
func (e *Elector) finish(ctx context.Context, opponent domain.DeviceAddress, won bool) {
	self := e.transport.Self()

	var ev wire.Message
	if won {
		e.results.Record(Result{Winner: self, Loser: opponent, Status: wire.StatusWin})
		ev = wire.Event(self, opponent, wire.StatusWin)
		metrics.ElectionMatches.WithLabelValues("win").Inc()
	} else {
		e.results.Record(Result{Winner: opponent, Loser: self, Status: wire.StatusLose})
		ev = wire.Event(self, opponent, wire.StatusLose)
		metrics.ElectionMatches.WithLabelValues("lose").Inc()
	}

	e.mu.Lock()
	e.state.endMatch()
	e.state.Eliminated = !won
	e.mu.Unlock()

	log.Info().Str("component", "election").Str("opponent", string(opponent)).Bool("won", won).Msg("match decided")

	if failed := e.reliable.Broadcast(ctx, network.RoleGame, e.roster, ev); len(failed) > 0 {
		log.Warn().Str("component", "election").Strs("unreached", domain.Roster(failed).Strings()).
			Msg("result announcement not acknowledged")
	}
}

// Announce re-sends MASTER to peers until every one acknowledges or ctx
// ends. Losers that missed it are blocked until they hear it.
func (e *Elector) Announce(ctx context.Context, peers []domain.DeviceAddress) {
	for len(peers) > 0 {
		select {
		case <-ctx.Done():
			log.Warn().Str("component", "election").Strs("unreached", domain.Roster(peers).Strings()).
				Msg("gave up announcing coordinator")
			return
		case <-e.clock.After(e.config.ResponseTimeout):
		}
		peers = e.reliable.Broadcast(ctx, network.RoleChallenge, peers, wire.Master())
	}
	log.Info().Str("component", "election").Msg("coordinator announcement acknowledged by every peer")
}

// ─── Challenge handler ──────────────────────────────────────────────────────

// handleChallenges consumes the challenge port in arrival order.
func (e *Elector) handleChallenges(ctx context.Context, ch *channel.Channel) {
	var cursor uint64
	for {
		f, err := ch.Await(ctx, cursor, func(f channel.Frame) bool {
			switch f.Msg.Kind {
			case wire.KindChlg, wire.KindAcc, wire.KindDec, wire.KindMaster:
				return e.roster.Contains(f.Source)
			}
			return false
		})
		if err != nil {
			return
		}
		cursor = f.Seq

		e.mu.Lock()
		r := e.state.apply(f.Source, f.Msg.Kind)
		if f.Msg.Kind == wire.KindDec {
			// Any earlier WAIT from this peer is stale now.
			delete(e.waiting, f.Source)
		}
		e.mu.Unlock()

		log.Debug().Str("component", "election").Str("from", string(f.Source)).
			Str("kind", f.Msg.Kind.String()).Str("reply", r.reply.String()).Msg("challenge frame")

		switch r.reply {
		case wire.KindAcc:
			e.replyAsync(ctx, network.RoleChallenge, f.Source, wire.Accept())
		case wire.KindDec:
			e.replyAsync(ctx, network.RoleChallenge, f.Source, wire.Decline())
		}
		if r.resendLoss {
			if res, ok := e.results.LossOf(e.transport.Self()); ok {
				e.replyAsync(ctx, network.RoleGame, f.Source, wire.Event(res.Loser, res.Winner, wire.StatusLose))
			}
		}
		if r.changed {
			e.notify()
		}
	}
}

func (e *Elector) replyAsync(ctx context.Context, role network.Role, to domain.DeviceAddress, msg wire.Message) {
	e.replies.Add(1)
	go func() {
		defer e.replies.Done()
		if ok, err := e.reliable.Send(ctx, role, to, msg); !ok && err == nil {
			log.Debug().Str("component", "election").Str("to", string(to)).
				Str("kind", msg.Kind.String()).Msg("reply not acknowledged")
		}
	}()
}

// watchEvents records game announcements from every peer.
func (e *Elector) watchEvents(ctx context.Context, ch *channel.Channel) {
	var cursor uint64
	for {
		f, err := ch.Await(ctx, cursor, func(f channel.Frame) bool {
			return f.Msg.Kind == wire.KindGameEvent
		})
		if err != nil {
			return
		}
		cursor = f.Seq

		ev := f.Msg.Event
		changed := false
		switch ev.Status {
		case wire.StatusWin, wire.StatusLose:
			changed = e.results.RecordEvent(ev)
			e.mu.Lock()
			delete(e.waiting, ev.Source)
			e.mu.Unlock()
		case wire.StatusWait:
			e.mu.Lock()
			e.waiting[ev.Source] = struct{}{}
			e.mu.Unlock()
			changed = true
		case wire.StatusGame:
			e.mu.Lock()
			delete(e.waiting, ev.Source)
			e.mu.Unlock()
		}
		if changed {
			log.Debug().Str("component", "election").Str("source", string(ev.Source)).
				Str("opponent", string(ev.Opponent)).Str("status", string(ev.Status)).Msg("game event")
			e.notify()
		}
	}
}

// ─── Shared state ───────────────────────────────────────────────────────────

// watch returns a channel closed by the next state change.
func (e *Elector) watch() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.changed
}

func (e *Elector) notify() {
	e.mu.Lock()
	close(e.changed)
	e.changed = make(chan struct{})
	e.mu.Unlock()
}

func (e *Elector) coordinator() (domain.DeviceAddress, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Coordinator, e.state.Coordinator != ""
}

func (e *Elector) eliminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Eliminated
}

func (e *Elector) awaitCoordinator(ctx context.Context) (domain.DeviceAddress, error) {
	for {
		changed := e.watch()
		if coord, ok := e.coordinator(); ok {
			return coord, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("await coordinator: %w", ctx.Err())
		case <-changed:
		}
	}
}
