package election

import "time"

// Config controls the tournament.
type Config struct {
	// Timeout bounds the whole election. 0 waits until ctx ends.
	Timeout time.Duration
	// ResponseTimeout bounds the wait for ACC/DEC after a delivered
	// challenge and for the opponent's READY.
	ResponseTimeout time.Duration
	// MoveTimeout bounds the wait for one opponent move.
	MoveTimeout time.Duration
	// PassiveTimeout is the mean passive wait after every candidate
	// declined. The actual wait is drawn from [T/2, 3T/2).
	PassiveTimeout time.Duration
	// MaxDeclineRounds fails the election with ErrElectionStalled after
	// that many passive waits without a match. 0 means unlimited.
	MaxDeclineRounds int
}

// DefaultConfig returns the default tournament timing.
func DefaultConfig() Config {
	return Config{
		Timeout:         2 * time.Minute,
		ResponseTimeout: 8 * time.Second,
		MoveTimeout:     10 * time.Second,
		PassiveTimeout:  3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = d.ResponseTimeout
	}
	if c.MoveTimeout <= 0 {
		c.MoveTimeout = d.MoveTimeout
	}
	if c.PassiveTimeout <= 0 {
		c.PassiveTimeout = d.PassiveTimeout
	}
	if c.MaxDeclineRounds < 0 {
		c.MaxDeclineRounds = 0
	}
	return c
}
