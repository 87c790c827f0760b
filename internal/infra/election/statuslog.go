package election

import (
	"sync"

	"github.com/wustus/vibes/internal/domain"
	"github.com/wustus/vibes/internal/infra/wire"
)

// DefaultStatusLogCapacity bounds the result log for small sessions.
const DefaultStatusLogCapacity = 16

// Result is one finished match as reported by either player.
type Result struct {
	Winner domain.DeviceAddress `json:"winner"`
	Loser  domain.DeviceAddress `json:"loser"`
	// Status is how the first report phrased it: WIN from the winner or
	// LOSE from the loser.
	Status wire.GameStatus `json:"status"`
}

// StatusLog collects match results. Both players announce every match,
// so the same result usually arrives twice; the second copy is dropped.
type StatusLog struct {
	mu      sync.RWMutex
	entries []Result
	cap     int
	losers  map[domain.DeviceAddress]struct{}
}

// NewStatusLog creates a log holding at least rosterSize entries.
func NewStatusLog(rosterSize int) *StatusLog {
	c := DefaultStatusLogCapacity
	if rosterSize > c {
		c = rosterSize
	}
	return &StatusLog{
		entries: make([]Result, 0, c),
		cap:     c,
		losers:  make(map[domain.DeviceAddress]struct{}),
	}
}

// Record adds r. It reports whether the log changed; duplicates and
// entries past capacity are ignored.
func (l *StatusLog) Record(r Result) bool {
	if r.Winner == "" || r.Loser == "" || r.Winner == r.Loser {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.entries {
		if e.Winner == r.Winner && e.Loser == r.Loser {
			return false
		}
	}
	if len(l.entries) >= l.cap {
		return false
	}
	l.entries = append(l.entries, r)
	l.losers[r.Loser] = struct{}{}
	return true
}

// RecordEvent records a WIN or LOSE announcement.
func (l *StatusLog) RecordEvent(ev wire.GameEvent) bool {
	switch ev.Status {
	case wire.StatusWin:
		return l.Record(Result{Winner: ev.Source, Loser: ev.Opponent, Status: ev.Status})
	case wire.StatusLose:
		return l.Record(Result{Winner: ev.Opponent, Loser: ev.Source, Status: ev.Status})
	}
	return false
}

// HasLost reports whether addr lost a recorded match.
func (l *StatusLog) HasLost(addr domain.DeviceAddress) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.losers[addr]
	return ok
}

// AllLost reports whether every roster member lost a recorded match.
func (l *StatusLog) AllLost(roster domain.Roster) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, a := range roster {
		if _, ok := l.losers[a]; !ok {
			return false
		}
	}
	return true
}

// LossOf returns the recorded result in which addr lost.
func (l *StatusLog) LossOf(addr domain.DeviceAddress) (Result, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.Loser == addr {
			return e, true
		}
	}
	return Result{}, false
}

// Entries returns a copy of the log in arrival order.
func (l *StatusLog) Entries() []Result {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Result, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of results.
func (l *StatusLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Cap returns the log capacity.
func (l *StatusLog) Cap() int { return l.cap }
