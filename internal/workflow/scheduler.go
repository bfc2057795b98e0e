package workflow

import (
	"sync"

	"github.com/neuroconv/orchestrator/internal/agentport"
)

// roleLimiter enforces engine.maxConcurrentPerRole (spec.md §5), the
// per-agent-role analogue of graph/scheduler.go's Frontier worker pool.
// The teacher's MaxConcurrentNodes is a single global cap; this spec
// requires per-role caps so, e.g., conversion invocations never starve
// metadata_collector ones. Distinct roles therefore never contend for the same
// semaphore, matching spec.md §4.1's "distinct roles run concurrently"
// requirement for free.
type roleLimiter struct {
	mu    sync.Mutex
	slots map[agentport.Role]chan struct{}
	def   int
}

// newRoleLimiter builds a limiter with caps taken from limits, falling
// back to def for any role not named.
func newRoleLimiter(limits map[string]int, def int) *roleLimiter {
	if def < 1 {
		def = 1
	}
	rl := &roleLimiter{slots: make(map[agentport.Role]chan struct{}), def: def}
	for role, n := range limits {
		if n < 1 {
			n = 1
		}
		rl.slots[agentport.Role(role)] = make(chan struct{}, n)
	}
	return rl
}

func (rl *roleLimiter) chanFor(role agentport.Role) chan struct{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	ch, ok := rl.slots[role]
	if !ok {
		ch = make(chan struct{}, rl.def)
		rl.slots[role] = ch
	}
	return ch
}

// acquire blocks until a slot for role is free, or done is closed (engine
// shutdown / session cancellation), returning false in the latter case.
func (rl *roleLimiter) acquire(role agentport.Role, done <-chan struct{}) bool {
	ch := rl.chanFor(role)
	select {
	case ch <- struct{}{}:
		return true
	case <-done:
		return false
	}
}

func (rl *roleLimiter) release(role agentport.Role) {
	ch := rl.chanFor(role)
	select {
	case <-ch:
	default:
	}
}
