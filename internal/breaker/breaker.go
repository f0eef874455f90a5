package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is the current mode of a single destination's breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Settings holds the thresholds shared by every breaker in a manager.
type Settings struct {
	FailureThreshold  int           // consecutive failures while closed before tripping
	CoolDown          time.Duration // time spent open before admitting trial calls
	HalfOpenSuccesses int           // consecutive trial successes required to close
}

// DefaultSettings matches the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold:  5,
		CoolDown:          60 * time.Second,
		HalfOpenSuccesses: 2,
	}
}

// Stats is a read-only snapshot of one destination's breaker, exposed for
// dashboards and the operational stats endpoint.
type Stats struct {
	Key            string    `json:"key"`
	State          State     `json:"state"`
	FailureCount   int       `json:"failure_count"`
	SuccessCount   int       `json:"success_count"`
	OpenedAt       time.Time `json:"opened_at,omitempty"`
	LastTransition time.Time `json:"last_transition,omitempty"`
}

// circuit is the per-destination state machine. All fields are guarded by mu;
// transitions are applied atomically per destination so concurrent dispatches
// to the same URL cannot lose updates.
type circuit struct {
	mu             sync.Mutex
	state          State
	failureCount   int
	successCount   int
	trials         int // trial calls admitted while half-open, not yet settled
	openedAt       time.Time
	lastTransition time.Time
	settings       Settings
	now            func() time.Time
}

// Manager owns the breakers, keyed by destination identifier (webhook URL).
// Breakers are created lazily on first use and live for the process lifetime.
type Manager struct {
	mu       sync.RWMutex
	circuits map[string]*circuit
	settings Settings
	now      func() time.Time
}

// NewManager creates a breaker manager with the given thresholds.
func NewManager(settings Settings) *Manager {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = DefaultSettings().FailureThreshold
	}
	if settings.CoolDown <= 0 {
		settings.CoolDown = DefaultSettings().CoolDown
	}
	if settings.HalfOpenSuccesses <= 0 {
		settings.HalfOpenSuccesses = DefaultSettings().HalfOpenSuccesses
	}
	return &Manager{
		circuits: make(map[string]*circuit),
		settings: settings,
		now:      time.Now,
	}
}

// WithClock overrides the manager's clock. Tests use this to step through
// cool-down windows without sleeping.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	for _, c := range m.circuits {
		c.now = now
	}
	return m
}

func (m *Manager) circuitFor(key string) *circuit {
	m.mu.RLock()
	c, ok := m.circuits[key]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.circuits[key]; ok {
		return c
	}
	c = &circuit{
		state:    StateClosed,
		settings: m.settings,
		now:      m.now,
	}
	m.circuits[key] = c
	return c
}

// Allow reports whether a call to the destination may proceed. While open it
// fails fast until the cool-down elapses, at which point the breaker moves to
// half-open and lets trial calls through. At most HalfOpenSuccesses trials
// may be in flight at once; further callers are short-circuited until a
// trial settles.
func (m *Manager) Allow(key string) bool {
	c := m.circuitFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if c.trials >= c.settings.HalfOpenSuccesses {
			return false
		}
		c.trials++
		return true
	case StateOpen:
		if c.now().Sub(c.openedAt) >= c.settings.CoolDown {
			c.transition(key, StateHalfOpen)
			c.successCount = 0
			c.trials = 1
			return true
		}
		return false
	}
	return true
}

// RecordSuccess feeds a successful call outcome back into the breaker.
func (m *Manager) RecordSuccess(key string) {
	c := m.circuitFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		c.failureCount = 0
	case StateHalfOpen:
		if c.trials > 0 {
			c.trials--
		}
		c.successCount++
		if c.successCount >= c.settings.HalfOpenSuccesses {
			c.transition(key, StateClosed)
			c.failureCount = 0
			c.successCount = 0
			c.trials = 0
		}
	}
}

// RecordFailure feeds a failed call outcome back into the breaker. A failure
// while half-open re-opens immediately and restarts the cool-down.
func (m *Manager) RecordFailure(key string) {
	c := m.circuitFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		c.failureCount++
		if c.failureCount >= c.settings.FailureThreshold {
			c.transition(key, StateOpen)
			c.openedAt = c.now()
		}
	case StateHalfOpen:
		c.transition(key, StateOpen)
		c.openedAt = c.now()
		c.successCount = 0
		c.trials = 0
	case StateOpen:
		// Short-circuited callers may still record a skipped delivery as a
		// failure; the breaker is already open, nothing to do.
	}
}

// Stats returns a snapshot for one destination. The zero Stats value with
// state "closed" is returned for destinations never seen.
func (m *Manager) Stats(key string) Stats {
	m.mu.RLock()
	c, ok := m.circuits[key]
	m.mu.RUnlock()
	if !ok {
		return Stats{Key: key, State: StateClosed}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Key:            key,
		State:          c.state,
		FailureCount:   c.failureCount,
		SuccessCount:   c.successCount,
		OpenedAt:       c.openedAt,
		LastTransition: c.lastTransition,
	}
}

// AllStats returns snapshots for every destination seen so far.
func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	keys := make([]string, 0, len(m.circuits))
	for key := range m.circuits {
		keys = append(keys, key)
	}
	m.mu.RUnlock()

	stats := make([]Stats, 0, len(keys))
	for _, key := range keys {
		stats = append(stats, m.Stats(key))
	}
	return stats
}

// transition must be called with c.mu held.
func (c *circuit) transition(key string, to State) {
	log.Info().
		Str("destination", key).
		Str("from", string(c.state)).
		Str("to", string(to)).
		Msg("Circuit breaker state change")
	c.state = to
	c.lastTransition = c.now()
}
