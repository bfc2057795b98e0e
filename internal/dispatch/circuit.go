package dispatch

import (
	"sync"
	"time"
)

// circuitState is the Closed/Open/Half-Open state machine spec.md §4.2
// requires per (agent role, instance). The teacher carries no breaker of
// its own; this one is new, guarded the same way graph.Engine guards its
// own fields: a plain sync.Mutex around a small struct of counters.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

type circuitBreaker struct {
	mu               sync.Mutex
	state            circuitState
	failureThreshold int
	cooldown         time.Duration
	consecutiveFails int
	openedAt         time.Time
	halfOpenInFlight bool
}

func newCircuitBreaker(failureThreshold int, cooldown time.Duration) *circuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	return &circuitBreaker{failureThreshold: failureThreshold, cooldown: cooldown}
}

// allow reports whether a dispatch may proceed, admitting exactly one
// probe while Half-Open.
func (c *circuitBreaker) allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case circuitClosed:
		return true
	case circuitOpen:
		if time.Since(c.openedAt) >= c.cooldown {
			c.state = circuitHalfOpen
			c.halfOpenInFlight = true
			return true
		}
		return false
	case circuitHalfOpen:
		if c.halfOpenInFlight {
			return false
		}
		c.halfOpenInFlight = true
		return true
	}
	return false
}

func (c *circuitBreaker) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = circuitClosed
	c.consecutiveFails = 0
	c.halfOpenInFlight = false
}

// recordFailure records a failed invocation and reports whether this call
// is the one that tripped the breaker open (false if it was already open).
func (c *circuitBreaker) recordFailure() (tripped bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == circuitHalfOpen {
		c.state = circuitOpen
		c.openedAt = time.Now()
		c.halfOpenInFlight = false
		return true
	}

	c.consecutiveFails++
	if c.consecutiveFails >= c.failureThreshold {
		c.state = circuitOpen
		c.openedAt = time.Now()
		return true
	}
	return false
}

// registry keys breakers by (role, instance) per spec.md §4.2.
type circuitRegistry struct {
	mu               sync.Mutex
	breakers         map[string]*circuitBreaker
	failureThreshold int
	cooldown         time.Duration
}

func newCircuitRegistry(failureThreshold int, cooldown time.Duration) *circuitRegistry {
	return &circuitRegistry{
		breakers:         make(map[string]*circuitBreaker),
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
	}
}

func (r *circuitRegistry) get(key string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = newCircuitBreaker(r.failureThreshold, r.cooldown)
		r.breakers[key] = b
	}
	return b
}
