// Package forward maps a unit's outcome names to the next unit or a terminal
// exit of the pipeline.
package forward

import "fmt"

// Outcome names surfaced by the pipeline core. Other units may target them.
const (
	Success          = "success"
	Exception        = "exception"
	Timeout          = "timeout"
	IllegalResult    = "illegalResult"
	PresumedTimeout  = "presumedTimeout"
	MaxItemsReached  = "maxItemsReached"
	StopConditionMet = "stopConditionMet"
	Interrupt        = "interrupt"
)

// Wildcard, when declared by a unit type, accepts any forward name.
const Wildcard = "*"

// Kind tells whether a target is a unit or an exit
type Kind int

const (
	KindUnit Kind = iota
	KindExit
)

func (k Kind) String() string {
	if k == KindExit {
		return "exit"
	}
	return "unit"
}

// Target is the destination of a forward.
type Target struct {
	Kind Kind
	Name string
}

// UnitTarget points at the unit with the given name
func UnitTarget(name string) Target {
	return Target{Kind: KindUnit, Name: name}
}

// ExitTarget points at the pipeline exit with the given name
func ExitTarget(name string) Target {
	return Target{Kind: KindExit, Name: name}
}

// IsExit reports whether the target ends the run
func (t Target) IsExit() bool {
	return t.Kind == KindExit
}

func (t Target) String() string {
	return fmt.Sprintf("%s:%s", t.Kind, t.Name)
}

// Forward is a named edge declared by a unit.
type Forward struct {
	Name     string
	Target   Target
	Declarer string
}

// Scope is the pipeline-level context a Table falls back to when a name is
// not declared locally.
type Scope interface {
	// GlobalForward returns a forward declared at pipeline level
	GlobalForward(name string) (Forward, bool)

	// HasUnit reports whether a unit with this exact name exists
	HasUnit(name string) bool

	// HasExit reports whether an exit with this exact name exists
	HasExit(name string) bool
}
