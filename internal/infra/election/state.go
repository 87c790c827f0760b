package election

import (
	"github.com/wustus/vibes/internal/domain"
	"github.com/wustus/vibes/internal/infra/wire"
)

// State is the pairing state of one device. The challenge handler and the
// election loop share it under the Elector's lock.
type State struct {
	Pending  domain.DeviceAddress // challenged, awaiting ACC or DEC
	Opponent domain.DeviceAddress // paired, match not finished
	Accepted bool                 // Opponent challenged us
	Started  bool                 // READY exchanged
	Aborted  bool                 // Opponent cancelled before the start

	Declined    map[domain.DeviceAddress]struct{}
	Eliminated  bool
	Coordinator domain.DeviceAddress
}

func newState() State {
	return State{Declined: make(map[domain.DeviceAddress]struct{})}
}

// reaction is what the handler must do after a challenge-port frame.
type reaction struct {
	reply      wire.Kind // KindAcc, KindDec or KindUnknown for none
	resendLoss bool      // send our LOSE record to the challenger
	changed    bool      // wake the election loop
}

// apply advances the state for one frame from the challenge port.
func (s *State) apply(from domain.DeviceAddress, kind wire.Kind) reaction {
	switch kind {
	case wire.KindMaster:
		if s.Coordinator == "" {
			s.Coordinator = from
			return reaction{changed: true}
		}

	case wire.KindChlg:
		switch {
		case s.Eliminated:
			return reaction{reply: wire.KindDec, resendLoss: true}
		case s.Coordinator != "":
			return reaction{reply: wire.KindDec}
		case s.Opponent != "":
			if from != s.Opponent {
				return reaction{reply: wire.KindDec}
			}
		case s.Pending != "":
			if from != s.Pending {
				return reaction{reply: wire.KindDec}
			}
			// Both challenged each other.
			s.Opponent, s.Pending = from, ""
			return reaction{changed: true}
		default:
			s.Opponent, s.Accepted = from, true
			return reaction{reply: wire.KindAcc, changed: true}
		}

	case wire.KindAcc:
		switch {
		case s.Pending == from:
			s.Opponent, s.Pending = from, ""
			return reaction{changed: true}
		case s.Opponent == from:
		default:
			// A late answer to a challenge we gave up on.
			return reaction{reply: wire.KindDec}
		}

	case wire.KindDec:
		switch {
		case s.Pending == from:
			s.Pending = ""
			s.Declined[from] = struct{}{}
			return reaction{changed: true}
		case s.Opponent == from && !s.Started:
			s.Aborted = true
			return reaction{changed: true}
		}
	}
	return reaction{}
}

// pend moves an idle device to Pending on target.
func (s *State) pend(target domain.DeviceAddress) bool {
	if s.Opponent != "" || s.Pending != "" || s.Eliminated || s.Coordinator != "" {
		return false
	}
	s.Pending = target
	return true
}

// endMatch returns to idle after a match or an abort.
func (s *State) endMatch() {
	s.Opponent = ""
	s.Accepted = false
	s.Started = false
	s.Aborted = false
}

func (s *State) resetDeclined() {
	s.Declined = make(map[domain.DeviceAddress]struct{})
}
