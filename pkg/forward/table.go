package forward

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/conduit/pkg/errors"
)

// Table is the forward table of one unit.
//
// Local forwards are registered during configuration. Resolve falls back to
// the pipeline Scope and memoizes every positive answer; negative answers are
// recomputed on each call so that units and exits added later are found.
type Table struct {
	unit    string
	logger  *zap.Logger
	allowed map[string]struct{}

	mu          sync.RWMutex
	local       map[string]Forward
	order       []string
	cache       map[string]Forward
	scope       Scope
	diagnostics []string
}

// NewTable creates the table for unit. allowed lists the forward names the
// unit type declares; include Wildcard to accept any name.
func NewTable(unit string, logger *zap.Logger, allowed ...string) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	set := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		set[name] = struct{}{}
	}
	return &Table{
		unit:    unit,
		logger:  logger,
		allowed: set,
		local:   make(map[string]Forward),
		cache:   make(map[string]Forward),
	}
}

// Unit returns the name of the owning unit
func (t *Table) Unit() string {
	return t.unit
}

// SetScope attaches the pipeline scope and drops memoized resolutions.
func (t *Table) SetScope(scope Scope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scope = scope
	t.cache = make(map[string]Forward)
}

// Register adds a local forward. Registering the same name and target twice
// keeps one entry. Registering a name again with a different target keeps
// the first one and records a diagnostic.
func (t *Table) Register(f Forward) {
	if f.Declarer == "" {
		f.Declarer = t.unit
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.local[f.Name]
	if !ok {
		t.local[f.Name] = f
		t.order = append(t.order, f.Name)
		return
	}
	if existing.Target == f.Target {
		return
	}
	msg := fmt.Sprintf("forward [%s] already registered to %s, ignoring %s", f.Name, existing.Target, f.Target)
	t.diagnostics = append(t.diagnostics, msg)
	t.logger.Warn("Conflicting forward registration",
		zap.String("unit", t.unit),
		zap.String("forward", f.Name),
		zap.String("kept", existing.Target.String()),
		zap.String("ignored", f.Target.String()))
}

// Forwards returns the local forwards in registration order
func (t *Table) Forwards() []Forward {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Forward, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.local[name])
	}
	return out
}

// AllowedNames returns the forward names the unit type declares
func (t *Table) AllowedNames() map[string]struct{} {
	out := make(map[string]struct{}, len(t.allowed))
	for k := range t.allowed {
		out[k] = struct{}{}
	}
	return out
}

// Validate checks every local forward name against AllowedNames. Unknown
// names are recorded as diagnostics and never fail configuration.
func (t *Table) Validate() {
	if _, ok := t.allowed[Wildcard]; ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, name := range t.order {
		if _, ok := t.allowed[name]; ok {
			continue
		}
		msg := fmt.Sprintf("forward [%s] is not declared by unit type", name)
		t.diagnostics = append(t.diagnostics, msg)
		t.logger.Warn("Undeclared forward name",
			zap.String("unit", t.unit),
			zap.String("forward", name))
	}
}

// Diagnostics returns the wiring warnings recorded so far
func (t *Table) Diagnostics() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.diagnostics...)
}

// Resolve returns the target for name. The lookup order is local forwards,
// pipeline global forwards, a unit named name, an exit named name.
func (t *Table) Resolve(name string) (Target, bool) {
	if name == "" {
		return Target{}, false
	}

	t.mu.RLock()
	if f, ok := t.local[name]; ok {
		t.mu.RUnlock()
		return f.Target, true
	}
	if f, ok := t.cache[name]; ok {
		t.mu.RUnlock()
		return f.Target, true
	}
	scope := t.scope
	t.mu.RUnlock()

	if scope == nil {
		return Target{}, false
	}

	var (
		f     Forward
		found bool
	)
	if g, ok := scope.GlobalForward(name); ok {
		f, found = g, true
	} else if scope.HasUnit(name) {
		f, found = Forward{Name: name, Target: UnitTarget(name), Declarer: t.unit}, true
	} else if scope.HasExit(name) {
		f, found = Forward{Name: name, Target: ExitTarget(name), Declarer: t.unit}, true
	}
	if !found {
		return Target{}, false
	}

	t.mu.Lock()
	t.cache[name] = f
	t.mu.Unlock()
	return f.Target, true
}

// MustResolve resolves name or returns a ConfigurationFault.
func (t *Table) MustResolve(name string) (Target, error) {
	target, ok := t.Resolve(name)
	if !ok {
		return Target{}, sdkerrors.Configuration(t.unit, fmt.Sprintf("cannot find forward or unit or exit [%s]", name), sdkerrors.ErrNoForward)
	}
	return target, nil
}

// ResolveFirst resolves the first name that has a target.
func (t *Table) ResolveFirst(names ...string) (string, Target, bool) {
	for _, name := range names {
		if target, ok := t.Resolve(name); ok {
			return name, target, true
		}
	}
	return "", Target{}, false
}
