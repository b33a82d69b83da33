// Package backpressure adapts the unit worker count to how agents are
// behaving. Rate limits halve the worker ceiling and start an
// exponential backoff; sustained slowness sheds one worker at a time;
// healthy runs grow the ceiling back toward the configured maximum.
package backpressure

import (
	"log"
	"sync"
	"time"
)

// Config holds controller tuning.
type Config struct {
	InitialWorkers int           // Worker ceiling at start
	MinWorkers     int           // Ceiling never drops below this
	MaxWorkers     int           // Ceiling never grows above this
	InitialBackoff time.Duration // First backoff after a rate limit
	MaxBackoff     time.Duration // Backoff growth cap
	SlowThreshold  time.Duration // Run duration considered slow
	SlowStrikes    int           // Consecutive slow runs before shedding a worker
}

// DefaultConfig returns the stock controller tuning.
func DefaultConfig() Config {
	return Config{
		InitialWorkers: 2,
		MinWorkers:     1,
		MaxWorkers:     4,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     5 * time.Minute,
		SlowThreshold:  10 * time.Second,
		SlowStrikes:    3,
	}
}

// Controller tracks agent health signals and derives the worker ceiling.
type Controller struct {
	mu sync.RWMutex

	config Config

	limit      int       // Current worker ceiling
	inFlight   int       // Workers currently running
	slowStreak int       // Consecutive slow signals
	pauseUntil time.Time // No new workers before this instant
	backoff    time.Duration
}

// Stats is a point-in-time snapshot of controller state.
type Stats struct {
	Limit      int       // Current worker ceiling
	InFlight   int       // Workers currently running
	InBackoff  bool      // Whether new workers are paused
	PauseUntil time.Time // When the pause lifts
	SlowStreak int       // Consecutive slow signals so far
}

// NewController builds a controller, filling unset config fields with
// the defaults.
func NewController(cfg Config) *Controller {
	if cfg.InitialWorkers <= 0 {
		cfg.InitialWorkers = 2
	}
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers * 2
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.SlowThreshold == 0 {
		cfg.SlowThreshold = 10 * time.Second
	}
	if cfg.SlowStrikes == 0 {
		cfg.SlowStrikes = 3
	}

	return &Controller{
		config:  cfg,
		limit:   cfg.InitialWorkers,
		backoff: cfg.InitialBackoff,
	}
}

// Observe feeds one finished run's signal into the controller.
func (c *Controller) Observe(signal Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch signal {
	case SignalRateLimited:
		c.onRateLimit()
	case SignalSlowResponse:
		c.onSlow()
	case SignalAPIError:
		// Transient provider errors may be network trouble, not
		// overload. Log and keep the ceiling where it is.
		log.Printf("[backpressure] transient api error (ceiling unchanged at %d)", c.limit)
	case SignalOK:
		c.onOK()
	}
}

func (c *Controller) onRateLimit() {
	next := c.backoff * 2
	if next > c.config.MaxBackoff {
		next = c.config.MaxBackoff
	}
	c.backoff = next

	c.pauseUntil = time.Now().Add(c.backoff)

	c.limit = max(c.config.MinWorkers, c.limit/2)

	log.Printf("[backpressure] rate limited: pausing %v, ceiling halved to %d", c.backoff, c.limit)
}

func (c *Controller) onSlow() {
	c.slowStreak++
	if c.slowStreak < c.config.SlowStrikes {
		return
	}

	if c.limit > c.config.MinWorkers {
		c.limit--
		log.Printf("[backpressure] %d consecutive slow runs, ceiling reduced to %d", c.slowStreak, c.limit)
	}
	c.slowStreak = 0
}

func (c *Controller) onOK() {
	c.slowStreak = 0
	c.backoff = c.config.InitialBackoff

	if c.limit < c.config.MaxWorkers {
		c.limit++
		if c.limit == c.config.MaxWorkers {
			log.Printf("[backpressure] recovered to full ceiling: %d", c.limit)
		}
	}
}

// CanStart reports whether a new worker may start right now.
func (c *Controller) CanStart() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if time.Now().Before(c.pauseUntil) {
		return false
	}
	return c.inFlight < c.limit
}

// Started records a worker starting.
func (c *Controller) Started() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight++
}

// Finished records a worker finishing.
func (c *Controller) Finished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight > 0 {
		c.inFlight--
	}
}

// Limit returns the current worker ceiling.
func (c *Controller) Limit() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.limit
}

// InFlight returns the number of workers currently running.
func (c *Controller) InFlight() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inFlight
}

// InBackoff reports whether new workers are currently paused.
func (c *Controller) InBackoff() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Before(c.pauseUntil)
}

// PauseDeadline returns when the current pause lifts, if any.
func (c *Controller) PauseDeadline() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pauseUntil
}

// SlowThreshold returns the configured slow-run threshold, for callers
// classifying run durations.
func (c *Controller) SlowThreshold() time.Duration {
	return c.config.SlowThreshold
}

// GetStats snapshots the controller state.
func (c *Controller) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		Limit:      c.limit,
		InFlight:   c.inFlight,
		InBackoff:  time.Now().Before(c.pauseUntil),
		PauseUntil: c.pauseUntil,
		SlowStreak: c.slowStreak,
	}
}

// Reset returns the controller to its initial state.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.limit = c.config.InitialWorkers
	c.inFlight = 0
	c.slowStreak = 0
	c.pauseUntil = time.Time{}
	c.backoff = c.config.InitialBackoff

	log.Printf("[backpressure] controller reset")
}
