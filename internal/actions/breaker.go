package actions

import (
	"sync"
	"time"

	"github.com/rendis/crmflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// Cooldown is how long a circuit stays open before letting a probe through.
	Cooldown time.Duration
}

// DefaultBreakerConfig opens after 5 consecutive failures for 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

type breaker struct {
	state       CircuitState
	failures    int
	lastFailure time.Time
	probing     bool
}

// Breakers tracks failure state per collaborator key so that a failing
// external collaborator (a dead webhook endpoint, say) is short-circuited
// instead of hammered by every workflow run. Keys come from BreakerKey and
// never span tenants.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakers creates a breaker set. A zero config selects the defaults.
func NewBreakers(cfg BreakerConfig) *Breakers {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breakers{
		breakers: make(map[string]*breaker),
		config:   cfg,
		now:      time.Now,
	}
}

// BreakerKey names the collaborator a call talks to. Webhooks are further
// split by target host.
func BreakerKey(tenantID, actionType, host string) string {
	if host == "" {
		return tenantID + "/" + actionType
	}
	return tenantID + "/" + actionType + "/" + host
}

// Allow returns nil when a call under key may proceed, or a CIRCUIT_OPEN
// error. After the cooldown one probe call is let through.
func (b *Breakers) Allow(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb := b.get(key)

	switch cb.state {
	case CircuitOpen:
		if b.now().Sub(cb.lastFailure) < b.config.Cooldown {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit open for %q after %d consecutive failures", key, cb.failures).
				WithDetails(map[string]any{
					"breaker":              key,
					"consecutive_failures": cb.failures,
					"cooldown_remaining":   (b.config.Cooldown - b.now().Sub(cb.lastFailure)).String(),
				})
		}
		cb.state = CircuitHalfOpen
		cb.probing = true
		return nil
	case CircuitHalfOpen:
		if cb.probing {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for %q: probe in flight", key)
		}
		cb.probing = true
	}
	return nil
}

// Success closes the circuit for key.
func (b *Breakers) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb := b.get(key)
	cb.failures = 0
	cb.probing = false
	cb.state = CircuitClosed
}

// Release ends a call that said nothing about the collaborator's health.
// A half-open circuit stays half-open and lets the next probe through.
func (b *Breakers) Release(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.get(key).probing = false
}

// Failure records a failed call and returns the resulting state.
func (b *Breakers) Failure(key string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb := b.get(key)
	cb.failures++
	cb.lastFailure = b.now()
	cb.probing = false

	if cb.state == CircuitHalfOpen || cb.failures >= b.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// State returns the current state for key.
func (b *Breakers) State(key string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb := b.get(key)
	if cb.state == CircuitOpen && b.now().Sub(cb.lastFailure) >= b.config.Cooldown {
		return CircuitHalfOpen
	}
	return cb.state
}

func (b *Breakers) get(key string) *breaker {
	cb, ok := b.breakers[key]
	if !ok {
		cb = &breaker{state: CircuitClosed}
		b.breakers[key] = cb
	}
	return cb
}
