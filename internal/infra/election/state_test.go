package election

import (
	"testing"

	"github.com/wustus/vibes/internal/domain"
	"github.com/wustus/vibes/internal/infra/wire"
)

// ─── Pairing State Tests ────────────────────────────────────────────────────

func TestState_Apply(t *testing.T) {
	const a, b domain.DeviceAddress = "10.0.0.2", "10.0.0.3"

	tests := []struct {
		name  string
		setup func(*State)
		from  domain.DeviceAddress
		kind  wire.Kind
		reply wire.Kind
		check func(*testing.T, State)
	}{
		{
			name: "idle accepts challenge",
			from: a, kind: wire.KindChlg, reply: wire.KindAcc,
			check: func(t *testing.T, s State) {
				if s.Opponent != a || !s.Accepted {
					t.Errorf("state = %+v", s)
				}
			},
		},
		{
			name:  "pending declines third party",
			setup: func(s *State) { s.Pending = a },
			from:  b, kind: wire.KindChlg, reply: wire.KindDec,
			check: func(t *testing.T, s State) {
				if s.Pending != a || s.Opponent != "" {
					t.Errorf("state = %+v", s)
				}
			},
		},
		{
			name:  "mutual challenge pairs",
			setup: func(s *State) { s.Pending = a },
			from:  a, kind: wire.KindChlg, reply: wire.KindUnknown,
			check: func(t *testing.T, s State) {
				if s.Opponent != a || s.Pending != "" {
					t.Errorf("state = %+v", s)
				}
			},
		},
		{
			name:  "accept from pending pairs",
			setup: func(s *State) { s.Pending = a },
			from:  a, kind: wire.KindAcc, reply: wire.KindUnknown,
			check: func(t *testing.T, s State) {
				if s.Opponent != a || s.Accepted {
					t.Errorf("state = %+v", s)
				}
			},
		},
		{
			name:  "duplicate accept ignored",
			setup: func(s *State) { s.Opponent = a },
			from:  a, kind: wire.KindAcc, reply: wire.KindUnknown,
		},
		{
			name: "late accept is cancelled",
			from: a, kind: wire.KindAcc, reply: wire.KindDec,
			check: func(t *testing.T, s State) {
				if s.Opponent != "" {
					t.Errorf("state = %+v", s)
				}
			},
		},
		{
			name:  "decline from pending",
			setup: func(s *State) { s.Pending = a },
			from:  a, kind: wire.KindDec, reply: wire.KindUnknown,
			check: func(t *testing.T, s State) {
				if _, ok := s.Declined[a]; !ok || s.Pending != "" {
					t.Errorf("state = %+v", s)
				}
			},
		},
		{
			name:  "decline from unstarted opponent aborts",
			setup: func(s *State) { s.Opponent = a },
			from:  a, kind: wire.KindDec, reply: wire.KindUnknown,
			check: func(t *testing.T, s State) {
				if !s.Aborted {
					t.Error("pairing not aborted")
				}
			},
		},
		{
			name:  "decline after start ignored",
			setup: func(s *State) { s.Opponent, s.Started = a, true },
			from:  a, kind: wire.KindDec, reply: wire.KindUnknown,
			check: func(t *testing.T, s State) {
				if s.Aborted {
					t.Error("started match aborted")
				}
			},
		},
		{
			name:  "busy declines",
			setup: func(s *State) { s.Opponent = a },
			from:  b, kind: wire.KindChlg, reply: wire.KindDec,
		},
		{
			name:  "eliminated declines and resends loss",
			setup: func(s *State) { s.Eliminated = true },
			from:  a, kind: wire.KindChlg, reply: wire.KindDec,
		},
		{
			name: "master sets coordinator",
			from: a, kind: wire.KindMaster, reply: wire.KindUnknown,
			check: func(t *testing.T, s State) {
				if s.Coordinator != a {
					t.Errorf("Coordinator = %q", s.Coordinator)
				}
			},
		},
		{
			name:  "second master ignored",
			setup: func(s *State) { s.Coordinator = b },
			from:  a, kind: wire.KindMaster, reply: wire.KindUnknown,
			check: func(t *testing.T, s State) {
				if s.Coordinator != b {
					t.Errorf("Coordinator = %q", s.Coordinator)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newState()
			if tt.setup != nil {
				tt.setup(&s)
			}
			r := s.apply(tt.from, tt.kind)
			if r.reply != tt.reply {
				t.Errorf("reply = %s, want %s", r.reply, tt.reply)
			}
			if r.resendLoss != s.Eliminated {
				t.Errorf("resendLoss = %v", r.resendLoss)
			}
			if tt.check != nil {
				tt.check(t, s)
			}
		})
	}
}

func TestState_Pend(t *testing.T) {
	s := newState()
	if !s.pend("10.0.0.2") {
		t.Fatal("idle device could not pend")
	}
	if s.pend("10.0.0.3") {
		t.Error("pend while pending")
	}

	s = newState()
	s.Opponent = "10.0.0.2"
	if s.pend("10.0.0.3") {
		t.Error("pend while paired")
	}

	s.endMatch()
	if s.Opponent != "" || s.Started || s.Aborted || s.Accepted {
		t.Errorf("endMatch left %+v", s)
	}
}
