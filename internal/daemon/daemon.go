package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/wustus/vibes/internal/api"
	"github.com/wustus/vibes/internal/app/session"
	"github.com/wustus/vibes/internal/domain"
	"github.com/wustus/vibes/internal/health"
	"github.com/wustus/vibes/internal/infra/network"
	"github.com/wustus/vibes/internal/infra/sqlite"
)

// Daemon is the vibes runtime on one device. It wires the network fabric,
// the session store, health checks and the status API around a session.
type Daemon struct {
	Config Config
	Self   domain.DeviceAddress
	DB     *sqlite.DB
	Fabric *network.Fabric
	Health *health.Checker
	Events *api.EventHub
	Server *api.Server

	clock  clockwork.Clock
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	session   *session.Session
	observers []session.Observer
	http      *http.Server
	listener  net.Listener
}

// New creates a Daemon from the config file.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon bound to real UDP sockets.
func NewWithConfig(cfg Config) (*Daemon, error) {
	self := domain.DeviceAddress(cfg.Node.Address)
	if self == "" {
		addr, err := network.LocalAddress(cfg.Node.Interface)
		if err != nil {
			return nil, err
		}
		self = addr
	}

	listener := network.UDPListener{
		Interface:      cfg.Node.Interface,
		MulticastGroup: cfg.Node.MulticastGroup,
	}
	return newDaemon(cfg, self, listener, clockwork.NewRealClock())
}

func newDaemon(cfg Config, self domain.DeviceAddress, l network.Listener, clock clockwork.Clock) (*Daemon, error) {
	db, err := sqlite.Open(cfg.Store.Dir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.SetNodeInfo("self", string(self)); err != nil {
		db.Close()
		return nil, fmt.Errorf("record node: %w", err)
	}

	fabric := network.NewFabric(cfg.FabricConfig(self), l)
	hub := api.NewEventHub(api.DefaultHubConfig())
	checker := health.NewChecker(db, fabric, cfg.Store.Dir)

	srv := api.NewServer(db, checker, hub)
	srv.SetCORSOrigins(cfg.API.CORSOrigins)
	srv.SetNetwork(fabric)
	srv.EnableMetrics()

	return &Daemon{
		Config: cfg,
		Self:   self,
		DB:     db,
		Fabric: fabric,
		Health: checker,
		Events: hub,
		Server: srv,
		clock:  clock,
	}, nil
}

// Start binds the sockets and starts the background services. A socket
// failure is returned wrapped in ErrSocketSetup.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.Fabric.Start(ctx); err != nil {
		return err
	}
	d.prune()

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.Health.Run(ctx)
	}()
	go func() {
		defer d.wg.Done()
		d.Events.Start(ctx)
	}()

	if d.Config.API.Enabled {
		if err := d.serveAPI(); err != nil {
			d.abortStart()
			return err
		}
	}

	log.Info().Str("component", "daemon").Str("self", string(d.Self)).
		Int("devices", d.Config.Node.Devices).Msg("daemon started")
	return nil
}

// abortStart undoes a Start that failed after the fabric came up.
func (d *Daemon) abortStart() {
	d.cancel()
	d.wg.Wait()
	d.Fabric.Stop()
}

// APIAddr returns the address the status API listens on, or "" when it
// is disabled.
func (d *Daemon) APIAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

func (d *Daemon) serveAPI() error {
	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}
	d.mu.Lock()
	d.http = srv
	d.listener = ln
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Str("component", "daemon").Err(err).Msg("api server stopped")
		}
	}()
	log.Info().Str("component", "daemon").Str("addr", ln.Addr().String()).Msg("status api listening")
	return nil
}

// Observe registers o on every session started after the call.
func (d *Daemon) Observe(o session.Observer) {
	d.mu.Lock()
	d.observers = append(d.observers, o)
	d.mu.Unlock()
}

// RunSession runs one session on the started fabric and persists every
// stage transition. The session stays open for late peers until Linger or
// Close.
func (d *Daemon) RunSession(ctx context.Context) (session.Result, error) {
	acks := d.Fabric.Channel(network.RoleAck)
	if acks == nil {
		return session.Result{}, fmt.Errorf("run session: %w", domain.ErrEndpointClosed)
	}
	rel := network.NewReliable(d.Fabric, acks, d.Config.ReliableConfig(), d.clock)
	s := session.New(d.Fabric, rel, d.Config.SessionConfig(), d.clock)

	d.mu.Lock()
	prev := d.session
	d.session = s
	observers := append([]session.Observer(nil), d.observers...)
	d.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	d.Server.SetSession(s)
	s.Observe(d.Events.Publish)
	s.Observe(func(session.Event) { d.persist(s) })
	for _, o := range observers {
		s.Observe(o)
	}

	if err := d.DB.SetNodeInfo("last_session", s.ID()); err != nil {
		log.Warn().Str("component", "daemon").Err(err).Msg("record last session")
	}
	return s.Run(ctx)
}

// Linger keeps the last session's time server and probe responder up
// for the configured linger period, then closes the session.
func (d *Daemon) Linger(ctx context.Context) {
	linger := parseDuration(d.Config.Clock.Linger, 0)
	if linger > 0 {
		select {
		case <-ctx.Done():
		case <-d.clock.After(linger):
		}
	}
	d.closeSession()
}

func (d *Daemon) persist(s *session.Session) {
	if err := d.DB.SaveSession(s.Result()); err != nil {
		log.Warn().Str("component", "daemon").Str("session", s.ID()).Err(err).Msg("save session")
	}
}

func (d *Daemon) prune() {
	retention := parseDuration(d.Config.Store.Retention, 0)
	if retention <= 0 {
		return
	}
	n, err := d.DB.PruneSessions(d.clock.Now().Add(-retention))
	if err != nil {
		log.Warn().Str("component", "daemon").Err(err).Msg("prune sessions")
		return
	}
	if n > 0 {
		log.Info().Str("component", "daemon").Int64("sessions", n).Msg("pruned session history")
	}
}

func (d *Daemon) closeSession() {
	d.mu.Lock()
	s := d.session
	d.session = nil
	d.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	d.closeSession()

	d.mu.Lock()
	srv := d.http
	d.mu.Unlock()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}

	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.Fabric.Stop()
	_ = d.DB.Close()
}
