// Package health runs periodic checks on the session store and the
// network fabric.
package health

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/wustus/vibes/internal/infra/metrics"
	"github.com/wustus/vibes/internal/infra/sqlite"
)

// Check is one probe of a daemon dependency. RecoverFn, when set, runs
// after a failed probe.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status is the latest outcome of one Check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Prober reports whether a component is serving. *network.Fabric
// implements it.
type Prober interface {
	Healthy() error
}

// Checker probes the session store and the network fabric on an interval.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
	clock    clockwork.Clock
}

// NewChecker creates a checker for the store and, when fabric is non-nil,
// the network fabric.
func NewChecker(db *sqlite.DB, fabric Prober, storeDir string) *Checker {
	checks := []Check{
		{
			Name: "sqlite",
			CheckFn: func(ctx context.Context) error {
				return db.Ping()
			},
		},
		{
			Name: "store_dir",
			CheckFn: func(ctx context.Context) error {
				return checkDir(storeDir)
			},
			RecoverFn: func(ctx context.Context) error {
				return os.MkdirAll(storeDir, 0700)
			},
		},
	}
	if fabric != nil {
		checks = append(checks, Check{
			Name: "network",
			CheckFn: func(ctx context.Context) error {
				return fabric.Healthy()
			},
		})
	}

	return &Checker{
		checks:   checks,
		interval: 30 * time.Second,
		clock:    clockwork.NewRealClock(),
	}
}

// Run probes once, then on every tick until ctx ends.
func (c *Checker) Run(ctx context.Context) {
	c.runAll(ctx)

	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.runAll(ctx)
		}
	}
}

func (c *Checker) runAll(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: c.now(),
			Healthy:   true,
		}
		if err := check.CheckFn(ctx); err != nil {
			s.Healthy = false
			s.Error = err.Error()
			log.Warn().Str("component", "health").Str("check", check.Name).Err(err).Msg("check failed")
			if check.RecoverFn != nil {
				if rerr := check.RecoverFn(ctx); rerr != nil {
					log.Error().Str("component", "health").Str("check", check.Name).Err(rerr).Msg("recovery failed")
				}
			}
		}
		statuses[i] = s

		value := 0.0
		if s.Healthy {
			value = 1
		}
		metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(value)
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

func (c *Checker) now() time.Time {
	if c.clock == nil {
		return time.Now()
	}
	return c.clock.Now()
}

// Statuses returns a copy of the latest results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Status(nil), c.statuses...)
}

// IsHealthy reports whether every check passed on its last run.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("check store dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}
