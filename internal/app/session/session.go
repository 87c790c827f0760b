// Package session sequences one synchronization run on a device:
// discovery, coordinator election, clock offset estimation and the agreed
// start time. Each stage has its own timeout and the first failure ends
// the session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/wustus/vibes/internal/domain"
	"github.com/wustus/vibes/internal/infra/clocksync"
	"github.com/wustus/vibes/internal/infra/discovery"
	"github.com/wustus/vibes/internal/infra/election"
	"github.com/wustus/vibes/internal/infra/metrics"
	"github.com/wustus/vibes/internal/infra/network"
)

// Stage names a step of the session.
type Stage string

const (
	StageIdle     Stage = "idle"
	StageDiscover Stage = "discover"
	StageElect    Stage = "elect"
	StageSync     Stage = "sync"
	StageStart    Stage = "start"
	StageDone     Stage = "done"
)

// Event statuses.
const (
	EventStarted   = "started"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

// Event reports a stage transition to observers.
type Event struct {
	SessionID string        `json:"session_id"`
	Stage     Stage         `json:"stage"`
	Status    string        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	At        time.Time     `json:"at"`
}

// Observer receives events synchronously; it must not block.
type Observer func(Event)

// Result is the session summary handed to the playback consumer.
type Result = domain.SessionRecord

// Config bundles the stage configurations.
type Config struct {
	Discovery    discovery.Config
	Election     election.Config
	ClockServer  clocksync.ServerConfig
	ClockClient  clocksync.ClientConfig
	SyncTimeout  time.Duration
	StartTimeout time.Duration
}

// DefaultConfig returns the default stage configuration.
func DefaultConfig() Config {
	return Config{
		Discovery:    discovery.DefaultConfig(),
		Election:     election.DefaultConfig(),
		ClockServer:  clocksync.DefaultServerConfig(),
		ClockClient:  clocksync.DefaultClientConfig(),
		SyncTimeout:  30 * time.Second,
		StartTimeout: 30 * time.Second,
	}
}

// Transport is the network fabric a session runs on.
type Transport interface {
	election.Transport
	discovery.Transport
	clocksync.Binder
	clocksync.Dialer
}

// Session runs the stages for one device. Stages must be called in order;
// Run calls all four.
type Session struct {
	id        string
	transport Transport
	reliable  *network.Reliable
	config    Config
	clock     clockwork.Clock

	discoverer *discovery.Discoverer
	server     *clocksync.Server
	client     *clocksync.Client

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	stage     Stage
	stageAt   time.Time
	record    Result
	observers []Observer
}

// New creates a session over t. reliable must send through t.
func New(t Transport, reliable *network.Reliable, cfg Config, clock clockwork.Clock) *Session {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	bg, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()

	return &Session{
		id:         id,
		transport:  t,
		reliable:   reliable,
		config:     cfg,
		clock:      clock,
		discoverer: discovery.New(t, reliable, cfg.Discovery, clock),
		client:     clocksync.NewClient(t, cfg.ClockClient, clock),
		bg:         bg,
		cancel:     cancel,
		stage:      StageIdle,
		record: Result{
			ID:      id,
			Self:    t.Self(),
			Outcome: domain.OutcomeRunning,
			Stage:   string(StageIdle),
		},
	}
}

// ID returns the session's UUID.
func (s *Session) ID() string { return s.id }

// Observe registers o for every later event.
func (s *Session) Observe(o Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

// Stage returns the stage in progress or last completed.
func (s *Session) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Result returns a snapshot of the session summary.
func (s *Session) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record
	r.Roster = append(domain.Roster(nil), s.record.Roster...)
	r.Matches = append([]domain.MatchRecord(nil), s.record.Matches...)
	r.Samples = append([]domain.ClockSample(nil), s.record.Samples...)
	return r
}

// Close stops the background discovery responder and the time server.
func (s *Session) Close() {
	s.cancel()
	s.wg.Wait()
	if s.server != nil {
		s.server.Close()
	}
}

// ─── Stages ─────────────────────────────────────────────────────────────────

// Discover finds the peers and freezes the roster. The probe responder
// keeps answering slower peers until Close.
func (s *Session) Discover(ctx context.Context) (domain.Roster, error) {
	if err := s.enter(StageDiscover, StageIdle); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.discoverer.Serve(s.bg); err != nil {
			log.Error().Str("component", "session").Err(err).Msg("probe responder stopped")
		}
	}()

	roster, err := s.discoverer.Discover(ctx)
	if err != nil {
		return nil, s.fail(StageDiscover, err)
	}

	s.mu.Lock()
	s.record.Roster = roster
	s.mu.Unlock()
	s.complete(StageDiscover)
	return roster, nil
}

// ElectCoordinator runs the election over the discovered roster. The
// coordinator starts its time server before returning.
func (s *Session) ElectCoordinator(ctx context.Context) (bool, domain.DeviceAddress, error) {
	if err := s.enter(StageElect, StageDiscover); err != nil {
		return false, "", err
	}

	s.mu.Lock()
	roster := s.record.Roster
	s.mu.Unlock()

	e := election.New(s.transport, s.reliable, roster, s.config.Election, s.clock)
	out, err := e.Elect(ctx)
	s.recordMatches(e.Results().Entries())
	if err != nil {
		return false, "", s.fail(StageElect, err)
	}

	if out.IsCoordinator {
		srv := clocksync.NewServer(s.config.ClockServer, s.clock)
		if err := srv.Listen(s.transport); err != nil {
			return false, "", s.fail(StageElect, err)
		}
		s.server = srv
	}
	if out.IsCoordinator && len(out.Unreached) > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			e.Announce(s.bg, out.Unreached)
		}()
	}

	s.mu.Lock()
	s.record.IsCoordinator = out.IsCoordinator
	s.record.Coordinator = out.Coordinator
	s.mu.Unlock()
	log.Info().Str("component", "session").Str("coordinator", string(out.Coordinator)).
		Bool("self", out.IsCoordinator).Int("games", out.Games).Msg("coordinator elected")
	s.complete(StageElect)
	return out.IsCoordinator, out.Coordinator, nil
}

// SyncClock estimates this device's offset to the coordinator. The
// coordinator's own offset is 0.
func (s *Session) SyncClock(ctx context.Context) (int64, error) {
	if err := s.enter(StageSync, StageElect); err != nil {
		return 0, err
	}

	s.mu.Lock()
	isCoord, coord := s.record.IsCoordinator, s.record.Coordinator
	s.mu.Unlock()

	if isCoord {
		s.complete(StageSync)
		return 0, nil
	}

	ctx, cancel := s.stageContext(ctx, s.config.SyncTimeout)
	defer cancel()

	offset, samples, err := s.client.Offset(ctx, coord)
	if err != nil {
		return 0, s.fail(StageSync, s.stageError(ctx, StageSync, err))
	}

	s.mu.Lock()
	s.record.Offset = offset
	s.record.Samples = samples
	s.mu.Unlock()
	s.complete(StageSync)
	return offset, nil
}

// AgreedStartTime returns the shared start instant. The coordinator waits
// for the first peer to ask for it, or fixes it at once without peers.
func (s *Session) AgreedStartTime(ctx context.Context) (uint32, error) {
	if err := s.enter(StageStart, StageSync); err != nil {
		return 0, err
	}

	s.mu.Lock()
	isCoord, coord, peers := s.record.IsCoordinator, s.record.Coordinator, len(s.record.Roster)
	s.mu.Unlock()

	ctx, cancel := s.stageContext(ctx, s.config.StartTimeout)
	defer cancel()

	var (
		start uint32
		err   error
	)
	switch {
	case isCoord && peers == 0:
		start = s.server.ResolveStartTime()
	case isCoord:
		start, err = s.server.StartTime(ctx)
	default:
		start, err = s.client.RequestStartTime(ctx, coord)
	}
	if err != nil {
		return 0, s.fail(StageStart, s.stageError(ctx, StageStart, err))
	}

	s.mu.Lock()
	s.record.StartTime = start
	s.mu.Unlock()
	s.complete(StageStart)
	return start, nil
}

// Run executes all stages in order and returns the summary. The time
// server and probe responder keep running for late peers until Close.
func (s *Session) Run(ctx context.Context) (Result, error) {
	if _, err := s.Discover(ctx); err != nil {
		return s.Result(), err
	}
	if _, _, err := s.ElectCoordinator(ctx); err != nil {
		return s.Result(), err
	}
	if _, err := s.SyncClock(ctx); err != nil {
		return s.Result(), err
	}
	if _, err := s.AgreedStartTime(ctx); err != nil {
		return s.Result(), err
	}

	s.mu.Lock()
	s.stage = StageDone
	s.record.Stage = string(StageDone)
	s.record.Outcome = domain.OutcomeOK
	s.record.FinishedAt = s.clock.Now()
	s.mu.Unlock()
	metrics.SessionsTotal.WithLabelValues(domain.OutcomeOK).Inc()
	s.emit(Event{Stage: StageDone, Status: EventCompleted})
	return s.Result(), nil
}

// ─── Bookkeeping ────────────────────────────────────────────────────────────

// enter moves to stage if the session just completed prev.
func (s *Session) enter(stage, prev Stage) error {
	s.mu.Lock()
	if s.stage != prev || s.record.Outcome != domain.OutcomeRunning {
		cur := s.stage
		s.mu.Unlock()
		return fmt.Errorf("%s after %s: %w", stage, cur, domain.ErrStageOrder)
	}
	if stage == StageDiscover {
		s.record.StartedAt = s.clock.Now()
	}
	s.stage = stage
	s.stageAt = s.clock.Now()
	s.record.Stage = string(stage)
	s.mu.Unlock()

	log.Info().Str("component", "session").Str("session", s.id).Str("stage", string(stage)).Msg("stage started")
	s.emit(Event{Stage: stage, Status: EventStarted})
	return nil
}

func (s *Session) complete(stage Stage) {
	s.emit(Event{Stage: stage, Status: EventCompleted})
}

func (s *Session) fail(stage Stage, err error) error {
	s.mu.Lock()
	s.record.Outcome = domain.OutcomeFailed
	s.record.Error = err.Error()
	s.record.FinishedAt = s.clock.Now()
	s.mu.Unlock()

	metrics.SessionsTotal.WithLabelValues(domain.OutcomeFailed).Inc()
	log.Error().Str("component", "session").Str("session", s.id).Str("stage", string(stage)).Err(err).Msg("stage failed")
	s.emit(Event{Stage: stage, Status: EventFailed, Error: err.Error()})
	return err
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	ev.SessionID = s.id
	ev.At = s.clock.Now()
	if !s.record.StartedAt.IsZero() {
		ev.Elapsed = ev.At.Sub(s.record.StartedAt)
	}
	inStage := ev.At.Sub(s.stageAt)
	obs := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	if ev.Status != EventStarted && ev.Stage != StageDone {
		metrics.StageDuration.WithLabelValues(string(ev.Stage)).Observe(inStage.Seconds())
	}
	for _, o := range obs {
		o(ev)
	}
}

func (s *Session) recordMatches(results []election.Result) {
	matches := make([]domain.MatchRecord, len(results))
	for i, r := range results {
		matches[i] = domain.MatchRecord{Winner: r.Winner, Loser: r.Loser, Status: string(r.Status)}
	}
	s.mu.Lock()
	s.record.Matches = matches
	s.mu.Unlock()
}

func (s *Session) stageContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return clockwork.WithTimeout(ctx, s.clock, timeout)
}

// stageError marks a deadline hit by the stage's own timeout.
func (s *Session) stageError(ctx context.Context, stage Stage, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrStageTimedOut) {
		return fmt.Errorf("%s: %w: %w", stage, domain.ErrStageTimedOut, err)
	}
	return err
}
