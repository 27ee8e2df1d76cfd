package orchestrator

import (
	"math"
	"time"
)

// Config controls polling cadence and deadlines.
type Config struct {
	// Timeout is the wall-clock deadline measured from submission.
	Timeout time.Duration
	// PollInitial is the first wait between status polls; each later wait
	// grows by PollMultiplier up to PollMax.
	PollInitial    time.Duration
	PollMultiplier float64
	PollMax        time.Duration
	// MaxServerErrors is how many consecutive 5xx or undecodable answers
	// a poll loop tolerates before the run fails with that error.
	MaxServerErrors int
	// CancelTimeout bounds the best-effort server cancel on abort.
	CancelTimeout time.Duration
	// Stream tries the SSE endpoint first and falls back to polling.
	Stream bool
}

// DefaultConfig returns a 300s deadline and polls starting at 2s, growing
// 1.5x per poll, capped at 10s.
func DefaultConfig() Config {
	return Config{
		Timeout:         300 * time.Second,
		PollInitial:     2 * time.Second,
		PollMultiplier:  1.5,
		PollMax:         10 * time.Second,
		MaxServerErrors: 5,
		CancelTimeout:   5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.PollInitial <= 0 {
		c.PollInitial = d.PollInitial
	}
	if c.PollMultiplier < 1 {
		c.PollMultiplier = 1
	}
	if c.PollMax <= 0 {
		c.PollMax = d.PollMax
	}
	if c.MaxServerErrors <= 0 {
		c.MaxServerErrors = d.MaxServerErrors
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = d.CancelTimeout
	}
	return c
}

// PollInterval returns the wait after the given poll (1-indexed):
// PollInitial * PollMultiplier^(poll-1), capped at PollMax.
func (c Config) PollInterval(poll int) time.Duration {
	if poll < 1 {
		poll = 1
	}
	delay := float64(c.PollInitial) * math.Pow(c.PollMultiplier, float64(poll-1))
	if delay > float64(c.PollMax) {
		return c.PollMax
	}
	return time.Duration(delay)
}
