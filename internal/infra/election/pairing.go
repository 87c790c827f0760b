package election

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wustus/vibes/internal/domain"
	"github.com/wustus/vibes/internal/infra/metrics"
	"github.com/wustus/vibes/internal/infra/network"
	"github.com/wustus/vibes/internal/infra/wire"
)

// pair finds the next opponent. It returns "" when the loop should look
// at the tournament again: a coordinator is known or every peer has lost.
func (e *Elector) pair(ctx context.Context) (domain.DeviceAddress, error) {
	rounds := 0
	next := 0

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if opp, done := e.paired(); done {
			return opp, nil
		}
		if e.results.AllLost(e.roster) {
			return "", nil
		}

		cands := e.candidates(next)
		if len(cands) == 0 {
			expired, err := e.passive(ctx)
			if err != nil {
				return "", err
			}
			if expired {
				rounds++
				if e.config.MaxDeclineRounds > 0 && rounds >= e.config.MaxDeclineRounds {
					return "", fmt.Errorf("%d rounds declined: %w", rounds, domain.ErrElectionStalled)
				}
			}
			continue
		}

		target := cands[0]
		next = slices.Index(e.roster, target) + 1

		opp, err := e.challenge(ctx, target)
		if err != nil {
			return "", err
		}
		if opp != "" {
			return opp, nil
		}
	}
}

// paired reports the opponent found by the handler, or that the loop has
// nothing left to pair for.
func (e *Elector) paired() (domain.DeviceAddress, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Opponent != "" {
		return e.state.Opponent, true
	}
	if e.state.Coordinator != "" || e.state.Eliminated {
		return "", true
	}
	return "", false
}

// candidates lists undefeated, undeclined peers: announced waiters first,
// then the roster in round-robin order starting at index next.
func (e *Elector) candidates(next int) []domain.DeviceAddress {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.roster)
	var waiting, rest []domain.DeviceAddress
	for i := 0; i < n; i++ {
		p := e.roster[(next+i)%n]
		if e.results.HasLost(p) {
			continue
		}
		if _, ok := e.state.Declined[p]; ok {
			continue
		}
		if _, ok := e.waiting[p]; ok {
			waiting = append(waiting, p)
		} else {
			rest = append(rest, p)
		}
	}
	return append(waiting, rest...)
}

// challenge sends CHLG to target and waits for the outcome. It returns
// the opponent when paired (with target or, meanwhile, with a challenger).
func (e *Elector) challenge(ctx context.Context, target domain.DeviceAddress) (domain.DeviceAddress, error) {
	e.mu.Lock()
	ok := e.state.pend(target)
	e.mu.Unlock()
	if !ok {
		return "", nil
	}

	log.Debug().Str("component", "election").Str("target", string(target)).Msg("challenging")
	delivered, err := e.reliable.Send(ctx, network.RoleChallenge, target, wire.Challenge())
	if err != nil {
		e.clearPending(target, false)
		return "", err
	}
	if !delivered {
		log.Info().Str("component", "election").Str("target", string(target)).Msg("challenge not delivered")
		e.clearPending(target, true)
		return "", nil
	}

	timeout := e.clock.After(e.config.ResponseTimeout)
	for {
		changed := e.watch()

		e.mu.Lock()
		pending, opp := e.state.Pending, e.state.Opponent
		e.mu.Unlock()
		if opp != "" {
			return opp, nil
		}
		if pending != target {
			metrics.ElectionDeclines.Inc()
			return "", nil
		}

		select {
		case <-ctx.Done():
			e.clearPending(target, false)
			return "", ctx.Err()
		case <-timeout:
			log.Info().Str("component", "election").Str("target", string(target)).Msg("no answer to challenge")
			e.clearPending(target, true)
			return "", nil
		case <-changed:
		}
	}
}

func (e *Elector) clearPending(target domain.DeviceAddress, decline bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Pending != target {
		return
	}
	e.state.Pending = ""
	if decline {
		e.state.Declined[target] = struct{}{}
	}
}

// passive announces WAIT and accepts the first challenge. After a
// randomized PassiveTimeout the declined set is cleared for a new round
// and expired is true.
func (e *Elector) passive(ctx context.Context) (expired bool, err error) {
	self := e.transport.Self()
	d := e.passiveWait()
	log.Info().Str("component", "election").Dur("wait", d).Msg("all candidates declined, waiting")

	for _, p := range e.roster {
		if !e.results.HasLost(p) {
			e.replyAsync(ctx, network.RoleGame, p, wire.Event(self, self, wire.StatusWait))
		}
	}

	timeout := e.clock.After(d)
	for {
		changed := e.watch()
		if _, done := e.paired(); done {
			return false, nil
		}
		if e.results.AllLost(e.roster) || e.waitingCandidate() {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timeout:
			e.mu.Lock()
			e.state.resetDeclined()
			e.mu.Unlock()
			return true, nil
		case <-changed:
		}
	}
}

// waitingCandidate reports whether an undefeated peer announced WAIT
// after declining us and clears its decline, since it is worth
// challenging again at once.
func (e *Elector) waitingCandidate() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for p := range e.waiting {
		if e.results.HasLost(p) {
			continue
		}
		if _, declined := e.state.Declined[p]; declined {
			delete(e.state.Declined, p)
			return true
		}
	}
	return false
}

func (e *Elector) passiveWait() time.Duration {
	t := e.config.PassiveTimeout
	return t/2 + time.Duration(e.rng.Int64N(int64(t)))
}
