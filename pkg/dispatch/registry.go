package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/wehubfusion/conduit/pkg/forward"
)

// OutcomeRegistry remembers the last send outcome per unit name across runs.
// It backs the presumed-timeout check: a unit whose last send timed out less
// than PresumedTimeoutInterval ago fails fast without calling its sender.
//
// The registry is process-wide state. Share one instance between the units
// that should see each other's outcomes, and Reset it between tests.
type OutcomeRegistry interface {
	Record(ctx context.Context, unit, outcome string, at time.Time) error
	LastTimeout(ctx context.Context, unit string) (time.Time, bool, error)
}

type lastOutcome struct {
	outcome string
	at      time.Time
}

// MemoryRegistry is an in-process OutcomeRegistry
type MemoryRegistry struct {
	mu   sync.RWMutex
	last map[string]lastOutcome
}

// NewMemoryRegistry creates an empty registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{last: make(map[string]lastOutcome)}
}

// DefaultRegistry is used by units configured without a registry. Its
// lifetime is the process.
var DefaultRegistry = NewMemoryRegistry()

// Record stores outcome as the unit's latest. Presumed timeouts are not
// recorded so they cannot extend their own window.
func (r *MemoryRegistry) Record(ctx context.Context, unit, outcome string, at time.Time) error {
	if outcome == forward.PresumedTimeout {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last[unit] = lastOutcome{outcome: outcome, at: at}
	return nil
}

// LastTimeout returns when the unit last timed out, if its latest outcome was a timeout.
func (r *MemoryRegistry) LastTimeout(ctx context.Context, unit string) (time.Time, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	last, ok := r.last[unit]
	if !ok || last.outcome != forward.Timeout {
		return time.Time{}, false, nil
	}
	return last.at, true, nil
}

// Reset forgets every recorded outcome
func (r *MemoryRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = make(map[string]lastOutcome)
}
